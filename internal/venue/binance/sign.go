package binance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-resty/resty/v2"

	"funding-arb/internal/venue"
)

// sign builds the private-endpoint query string: the sorted parameters plus
// timestamp and recvWindow, with the HMAC-SHA256 signature over exactly that
// string appended last.
func (a *Adapter) sign(params map[string]string) string {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	values.Set("timestamp", fmt.Sprint(a.nowMs()))
	values.Set("recvWindow", recvWindow)
	encoded := values.Encode()

	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(encoded))
	return encoded + "&signature=" + hex.EncodeToString(mac.Sum(nil))
}

// refreshSignature rebuilds the signed query of a private request with a
// fresh timestamp. Runs before every attempt on the retried read client;
// unsigned requests pass through untouched.
func (a *Adapter) refreshSignature(r *resty.Request) error {
	path, query, found := strings.Cut(r.URL, "?")
	if !found || !strings.Contains(query, "signature=") {
		return nil
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return fmt.Errorf("re-sign %s: %w", path, err)
	}
	values.Del("timestamp")
	values.Del("recvWindow")
	values.Del("signature")

	params := make(map[string]string, len(values))
	for k := range values {
		params[k] = values.Get(k)
	}
	r.URL = path + "?" + a.sign(params)
	return nil
}

// apiError is the venue's uniform rejection body.
type apiError struct {
	Code int64  `json:"code"`
	Msg  string `json:"msg"`
}

// apiErr folds a resty result into the shared error vocabulary. Transport
// failures map to network; everything the venue rejected carries its own
// code for the operator.
func (a *Adapter) apiErr(op string, resp *resty.Response, err error) error {
	if err != nil {
		return venue.Wrap(Name, venue.KindNetwork, fmt.Errorf("%s: %w", op, err))
	}
	if resp.IsSuccess() {
		return nil
	}

	var body apiError
	_ = json.Unmarshal(resp.Body(), &body)
	code := fmt.Sprint(body.Code)
	msg := body.Msg
	if msg == "" {
		msg = fmt.Sprintf("%s: status %d", op, resp.StatusCode())
	}

	switch {
	case resp.StatusCode() == http.StatusTooManyRequests,
		resp.StatusCode() == http.StatusTeapot, // IP ban escalation
		body.Code == -1003:
		return &venue.Error{Venue: Name, Kind: venue.KindRateLimited, Code: code, Msg: msg}
	case resp.StatusCode() == http.StatusUnauthorized,
		resp.StatusCode() == http.StatusForbidden,
		body.Code == -2014, body.Code == -2015, body.Code == -1022:
		return &venue.Error{Venue: Name, Kind: venue.KindAuthFailed, Code: code, Msg: msg}
	case body.Code == -1121:
		return &venue.Error{Venue: Name, Kind: venue.KindBadSymbol, Code: code, Msg: msg}
	case body.Code == -2018, body.Code == -2019:
		return &venue.Error{Venue: Name, Kind: venue.KindInsufficientFunds, Code: code, Msg: msg}
	}
	return venue.Exchange(Name, code, msg)
}
