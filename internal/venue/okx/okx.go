// Package okx implements the venue.Adapter for OKX USDT-quoted perpetual
// swaps.
//
// REST uses the v5 API with the OK-ACCESS header scheme: base64 HMAC-SHA256
// over timestamp+method+path+body, plus the account passphrase. Every
// response arrives wrapped in {code,msg,data}; a non-zero code is a venue
// rejection even on HTTP 200. Demo trading is selected with the
// x-simulated-trading header.
//
// Symbols are mapped at this boundary: the engine's BTCUSDT is the venue's
// BTC-USDT-SWAP instrument, in both directions.
package okx

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"funding-arb/internal/config"
	"funding-arb/internal/venue"
	"funding-arb/pkg/types"
)

const Name = "okx"

const (
	restURL  = "https://www.okx.com"
	publicWS = "wss://ws.okx.com:8443/ws/v5/public"
	demoWS   = "wss://wspap.okx.com:8443/ws/v5/public"
)

// Adapter is the OKX perpetual swap venue.
type Adapter struct {
	read  *resty.Client
	trade *resty.Client
	wsURL string

	key        string
	secret     []byte
	passphrase string

	limiter *venue.TokenBucket

	log zerolog.Logger
	now func() time.Time
}

var _ venue.Adapter = (*Adapter)(nil)

// New builds the adapter from venue configuration.
func New(cfg config.VenueConfig, log zerolog.Logger) *Adapter {
	newClient := func(retries int) *resty.Client {
		c := resty.New().
			SetBaseURL(restURL).
			SetTimeout(10 * time.Second).
			SetHeader("Content-Type", "application/json")
		if cfg.Testnet {
			c.SetHeader("x-simulated-trading", "1")
		}
		if cfg.Proxy != "" {
			c.SetProxy(cfg.Proxy)
		}
		if retries > 0 {
			c.SetRetryCount(retries).
				SetRetryWaitTime(500 * time.Millisecond).
				SetRetryMaxWaitTime(5 * time.Second).
				AddRetryCondition(func(r *resty.Response, err error) bool {
					return err != nil || r.StatusCode() >= 500
				})
		}
		return c
	}

	ws := publicWS
	if cfg.Testnet {
		ws = demoWS
	}

	return &Adapter{
		read:       newClient(3),
		trade:      newClient(0),
		wsURL:      ws,
		key:        cfg.ApiKey,
		secret:     []byte(cfg.ApiSecret),
		passphrase: cfg.Passphrase,
		limiter:    venue.NewTokenBucket(60, 10),
		log:        log.With().Str("venue", Name).Logger(),
		now:        time.Now,
	}
}

func (a *Adapter) Name() string { return Name }

// InstID maps the engine's canonical symbol to the venue instrument,
// BTCUSDT → BTC-USDT-SWAP.
func InstID(symbol string) string {
	base, ok := strings.CutSuffix(symbol, "USDT")
	if !ok {
		return symbol
	}
	return base + "-USDT-SWAP"
}

// SymbolOf is the inverse of InstID. Returns "" for non-USDT instruments.
func SymbolOf(instID string) string {
	base, ok := strings.CutSuffix(instID, "-USDT-SWAP")
	if !ok {
		return ""
	}
	return base + "USDT"
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

type fundingRow struct {
	InstID          string          `json:"instId"`
	FundingRate     decimal.Decimal `json:"fundingRate"`
	NextFundingTime msTime          `json:"nextFundingTime"`
	FundingTime     msTime          `json:"fundingTime"`
	TS              msTime          `json:"ts"`
}

func (r fundingRow) observation(at time.Time) (types.FundingObservation, bool) {
	symbol := SymbolOf(r.InstID)
	if symbol == "" {
		return types.FundingObservation{}, false
	}
	if t := r.TS.Time(); !t.IsZero() {
		at = t
	}
	return types.FundingObservation{
		Venue:           Name,
		Symbol:          symbol,
		Rate:            r.FundingRate,
		NextFundingTime: r.NextFundingTime.Time(),
		ObservedAt:      at,
	}, true
}

func (a *Adapter) FetchFundingRates(ctx context.Context) ([]types.FundingObservation, error) {
	var rows []fundingRow
	if err := a.get(ctx, "/api/v5/public/funding-rate?instId=ANY", &rows); err != nil {
		return nil, err
	}
	now := a.now().UTC()
	out := make([]types.FundingObservation, 0, len(rows))
	for _, row := range rows {
		if obs, ok := row.observation(now); ok {
			out = append(out, obs)
		}
	}
	return out, nil
}

func (a *Adapter) FundingRate(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var rows []fundingRow
	if err := a.get(ctx, "/api/v5/public/funding-rate?instId="+InstID(symbol), &rows); err != nil {
		return decimal.Zero, err
	}
	if len(rows) == 0 {
		return decimal.Zero, venue.Errf(Name, venue.KindNotFound, "no funding rate for %s", symbol)
	}
	return rows[0].FundingRate, nil
}

func (a *Adapter) AvgFundingRate(ctx context.Context, symbol string, since time.Time) (decimal.Decimal, error) {
	path := fmt.Sprintf("/api/v5/public/funding-rate-history?instId=%s&before=%d&limit=100",
		InstID(symbol), since.UnixMilli())
	var rows []fundingRow
	if err := a.get(ctx, path, &rows); err != nil {
		return decimal.Zero, err
	}
	if len(rows) == 0 {
		return decimal.Zero, nil
	}
	sum := decimal.Zero
	for _, row := range rows {
		sum = sum.Add(row.FundingRate)
	}
	return sum.Div(decimal.NewFromInt(int64(len(rows)))), nil
}

func (a *Adapter) MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var rows []struct {
		MarkPx decimal.Decimal `json:"markPx"`
	}
	path := "/api/v5/public/mark-price?instType=SWAP&instId=" + InstID(symbol)
	if err := a.get(ctx, path, &rows); err != nil {
		return decimal.Zero, err
	}
	if len(rows) == 0 {
		return decimal.Zero, venue.Errf(Name, venue.KindNotFound, "no mark price for %s", symbol)
	}
	return rows[0].MarkPx, nil
}

// ————————————————————————————————————————————————————————————————————————
// Account
// ————————————————————————————————————————————————————————————————————————

type balanceRow struct {
	TotalEq decimal.Decimal `json:"totalEq"`
	Details []struct {
		Currency string          `json:"ccy"`
		AvailBal decimal.Decimal `json:"availBal"`
	} `json:"details"`
}

func (a *Adapter) TotalBalance(ctx context.Context) (decimal.Decimal, error) {
	var rows []balanceRow
	if err := a.getSigned(ctx, "/api/v5/account/balance?ccy=USDT", &rows); err != nil {
		return decimal.Zero, err
	}
	if len(rows) == 0 {
		return decimal.Zero, nil
	}
	return rows[0].TotalEq, nil
}

func (a *Adapter) AvailableBalance(ctx context.Context) (decimal.Decimal, error) {
	var rows []balanceRow
	if err := a.getSigned(ctx, "/api/v5/account/balance?ccy=USDT", &rows); err != nil {
		return decimal.Zero, err
	}
	if len(rows) == 0 {
		return decimal.Zero, nil
	}
	for _, d := range rows[0].Details {
		if d.Currency == "USDT" {
			return d.AvailBal, nil
		}
	}
	return decimal.Zero, nil
}

type positionRow struct {
	InstID string          `json:"instId"`
	Pos    decimal.Decimal `json:"pos"`
	AvgPx  decimal.Decimal `json:"avgPx"`
	MarkPx decimal.Decimal `json:"markPx"`
	Upl    decimal.Decimal `json:"upl"`
}

func (a *Adapter) Positions(ctx context.Context) (map[string]types.Position, error) {
	var rows []positionRow
	if err := a.getSigned(ctx, "/api/v5/account/positions?instType=SWAP", &rows); err != nil {
		return nil, err
	}
	out := make(map[string]types.Position)
	for _, row := range rows {
		symbol := SymbolOf(row.InstID)
		if symbol == "" || row.Pos.IsZero() {
			continue
		}
		side := types.BUY
		if row.Pos.IsNegative() {
			side = types.SELL
		}
		out[symbol] = types.Position{
			Symbol:        symbol,
			Side:          side,
			Size:          row.Pos.Abs(),
			EntryPrice:    row.AvgPx,
			MarkPrice:     row.MarkPx,
			UnrealizedPnl: row.Upl,
		}
	}
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

type orderAck struct {
	OrdID   string `json:"ordId"`
	ClOrdID string `json:"clOrdId"`
	SCode   string `json:"sCode"`
	SMsg    string `json:"sMsg"`
}

type orderDetail struct {
	AccFillSz decimal.Decimal `json:"accFillSz"`
	AvgPx     decimal.Decimal `json:"avgPx"`
	State     string          `json:"state"`
}

func (a *Adapter) submitOrder(ctx context.Context, symbol string, side types.Side, qty decimal.Decimal, reduceOnly bool) (types.OrderRef, error) {
	instID := InstID(symbol)
	clOrdID := "fundarb" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	body := map[string]any{
		"instId":  instID,
		"tdMode":  "cross",
		"side":    strings.ToLower(string(side)),
		"ordType": "market",
		"sz":      qty.String(),
		"clOrdId": clOrdID,
	}
	if reduceOnly {
		body["reduceOnly"] = true
	}

	var acks []orderAck
	if err := a.post(ctx, "/api/v5/trade/order", body, &acks); err != nil {
		return types.OrderRef{}, err
	}
	if len(acks) == 0 {
		return types.OrderRef{}, venue.Errf(Name, venue.KindExchange, "empty order ack")
	}
	ack := acks[0]
	if ack.SCode != "" && ack.SCode != "0" {
		return types.OrderRef{}, a.mapCode(ack.SCode, ack.SMsg)
	}

	ref := types.OrderRef{
		OrderID:  ack.OrdID,
		ClientID: ack.ClOrdID,
		Symbol:   symbol,
		Side:     side,
	}

	// Market orders fill immediately; fetch the fill to report quantity and
	// price. A failed read leaves the ref without fill data rather than
	// failing a filled order.
	var details []orderDetail
	path := fmt.Sprintf("/api/v5/trade/order?instId=%s&ordId=%s", instID, ack.OrdID)
	if err := a.getSigned(ctx, path, &details); err != nil {
		a.log.Warn().Str("ord_id", ack.OrdID).Err(err).Msg("order fill readback failed")
		return ref, nil
	}
	if len(details) > 0 {
		ref.ExecutedQty = details[0].AccFillSz
		ref.AvgPrice = details[0].AvgPx
		if details[0].State != "filled" && ref.ExecutedQty.LessThan(qty) {
			return ref, venue.Errf(Name, venue.KindPartialFill, "filled %s of %s", ref.ExecutedQty, qty)
		}
	}
	return ref, nil
}

func (a *Adapter) CreateMarketOrder(ctx context.Context, symbol string, side types.Side, qty decimal.Decimal) (types.OrderRef, error) {
	return a.submitOrder(ctx, symbol, side, qty, false)
}

func (a *Adapter) ClosePosition(ctx context.Context, symbol string, spec *venue.CloseSpec) (types.OrderRef, error) {
	var side types.Side
	var qty decimal.Decimal
	if spec != nil {
		side, qty = spec.Side, spec.Qty
	} else {
		positions, err := a.Positions(ctx)
		if err != nil {
			return types.OrderRef{}, err
		}
		pos, ok := positions[symbol]
		if !ok {
			return types.OrderRef{}, venue.Errf(Name, venue.KindNotFound, "no position for %s", symbol)
		}
		side, qty = pos.Side, pos.Size
	}
	return a.submitOrder(ctx, symbol, side.Opposite(), qty, true)
}

// TransferTo is not available: the v5 asset transfer moves funds between
// sub-accounts, not to another exchange.
func (a *Adapter) TransferTo(ctx context.Context, to venue.Adapter, amount decimal.Decimal, asset string) error {
	return venue.Errf(Name, venue.KindUnsupported, "external transfers not supported")
}

// ————————————————————————————————————————————————————————————————————————
// Envelope plumbing
// ————————————————————————————————————————————————————————————————————————

// envelope is the uniform v5 response wrapper.
type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (a *Adapter) get(ctx context.Context, path string, out any) error {
	return a.do(ctx, a.read, "GET", path, nil, out, false)
}

func (a *Adapter) getSigned(ctx context.Context, path string, out any) error {
	return a.do(ctx, a.read, "GET", path, nil, out, true)
}

func (a *Adapter) post(ctx context.Context, path string, body any, out any) error {
	return a.do(ctx, a.trade, "POST", path, body, out, true)
}

func (a *Adapter) do(ctx context.Context, client *resty.Client, method, path string, body, out any, signed bool) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}

	req := client.R().SetContext(ctx)
	var payload string
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return venue.Wrap(Name, venue.KindInternal, err)
		}
		payload = string(raw)
		req.SetBody(json.RawMessage(raw))
	}
	if signed {
		req.SetHeaders(a.authHeaders(method, path, payload))
	}

	var env envelope
	req.SetResult(&env).SetError(&env)

	var resp *resty.Response
	var err error
	if method == "GET" {
		resp, err = req.Get(path)
	} else {
		resp, err = req.Post(path)
	}
	if err != nil {
		return venue.Wrap(Name, venue.KindNetwork, fmt.Errorf("%s %s: %w", method, path, err))
	}
	if resp.IsError() && env.Code == "" {
		return venue.Errf(Name, venue.KindExchange, "%s %s: status %d", method, path, resp.StatusCode())
	}
	if env.Code != "" && env.Code != "0" {
		return a.mapCode(env.Code, env.Msg)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return venue.Wrap(Name, venue.KindInternal, fmt.Errorf("decode %s: %w", path, err))
		}
	}
	return nil
}

// mapCode folds the venue's numeric codes into the shared vocabulary.
func (a *Adapter) mapCode(code, msg string) error {
	switch code {
	case "50011":
		return &venue.Error{Venue: Name, Kind: venue.KindRateLimited, Code: code, Msg: msg}
	case "50111", "50113", "50114", "50103", "50104", "50105":
		return &venue.Error{Venue: Name, Kind: venue.KindAuthFailed, Code: code, Msg: msg}
	case "51001":
		return &venue.Error{Venue: Name, Kind: venue.KindBadSymbol, Code: code, Msg: msg}
	case "51008", "59200":
		return &venue.Error{Venue: Name, Kind: venue.KindInsufficientFunds, Code: code, Msg: msg}
	}
	return venue.Exchange(Name, code, msg)
}

// msTime decodes the venue's millisecond-epoch string timestamps.
type msTime int64

func (t *msTime) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*t = 0
		return nil
	}
	var ms int64
	if _, err := fmt.Sscan(s, &ms); err != nil {
		return err
	}
	*t = msTime(ms)
	return nil
}

func (t msTime) Time() time.Time {
	if t == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(t)).UTC()
}
