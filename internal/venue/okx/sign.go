package okx

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"time"
)

// isoTimestamp is the millisecond ISO-8601 form the venue requires in the
// OK-ACCESS-TIMESTAMP header and the signature prehash.
func isoTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// authHeaders builds the OK-ACCESS header set for one request. The signature
// is base64(HMAC-SHA256(timestamp + method + requestPath + body)) with the
// query string included in requestPath.
func (a *Adapter) authHeaders(method, requestPath, body string) map[string]string {
	ts := isoTimestamp(a.now())

	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(ts + method + requestPath + body))

	return map[string]string{
		"OK-ACCESS-KEY":        a.key,
		"OK-ACCESS-SIGN":       base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		"OK-ACCESS-TIMESTAMP":  ts,
		"OK-ACCESS-PASSPHRASE": a.passphrase,
	}
}
