// Package binance implements the venue.Adapter for Binance USDT-margined
// perpetual futures.
//
// The REST client talks to the fapi endpoints:
//   - GET  /fapi/v1/premiumIndex  — mark price + current funding rate
//   - GET  /fapi/v1/fundingRate   — historical funding rates
//   - GET  /fapi/v2/account       — margin and available balance
//   - GET  /fapi/v2/positionRisk  — open positions
//   - POST /fapi/v1/order         — market orders (never retried)
//
// Private calls are signed with HMAC-SHA256 over the query string. Reads go
// through a retried client; order submission never retries. Weight and order
// limits are enforced locally with token buckets so bursts stay under the
// venue's published caps.
package binance

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"funding-arb/internal/config"
	"funding-arb/internal/venue"
	"funding-arb/pkg/types"
)

const Name = "binance"

const (
	mainnetREST = "https://fapi.binance.com"
	mainnetWS   = "wss://fstream.binance.com"
	testnetREST = "https://testnet.binancefuture.com"
	testnetWS   = "wss://stream.binancefuture.com"

	recvWindow = "5000"
)

// Adapter is the Binance futures venue.
type Adapter struct {
	read  *resty.Client // retried on transport errors and 5xx
	trade *resty.Client // order path, never retried
	wsURL string

	key    string
	secret []byte

	// Local throttles: request weight (2400/min) and orders (300/10s).
	weight *venue.TokenBucket
	orders *venue.TokenBucket

	log   zerolog.Logger
	nowMs func() int64
}

var _ venue.Adapter = (*Adapter)(nil)

// New builds the adapter from venue configuration.
func New(cfg config.VenueConfig, log zerolog.Logger) *Adapter {
	restURL, wsURL := mainnetREST, mainnetWS
	if cfg.Testnet {
		restURL, wsURL = testnetREST, testnetWS
	}

	newClient := func(retries int) *resty.Client {
		c := resty.New().
			SetBaseURL(restURL).
			SetTimeout(10 * time.Second).
			SetHeader("X-MBX-APIKEY", cfg.ApiKey)
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

	a := &Adapter{
		read:   newClient(3),
		trade:  newClient(0),
		wsURL:  wsURL,
		key:    cfg.ApiKey,
		secret: []byte(cfg.ApiSecret),
		weight: venue.NewTokenBucket(1200, 20),
		orders: venue.NewTokenBucket(300, 30),
		log:    log.With().Str("venue", Name).Logger(),
		nowMs:  func() int64 { return time.Now().UnixMilli() },
	}

	// The read client retries with waits of up to several seconds; a signed
	// query replayed on a later attempt would age past recvWindow. Re-sign
	// every attempt just before it goes out.
	a.read.OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
		return a.refreshSignature(r)
	})

	return a
}

func (a *Adapter) Name() string { return Name }

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

type premiumIndex struct {
	Symbol          string          `json:"symbol"`
	MarkPrice       decimal.Decimal `json:"markPrice"`
	LastFundingRate decimal.Decimal `json:"lastFundingRate"`
	NextFundingTime int64           `json:"nextFundingTime"`
	Time            int64           `json:"time"`
}

func (p premiumIndex) observation() types.FundingObservation {
	return types.FundingObservation{
		Venue:           Name,
		Symbol:          p.Symbol,
		Rate:            p.LastFundingRate,
		NextFundingTime: time.UnixMilli(p.NextFundingTime).UTC(),
		ObservedAt:      time.UnixMilli(p.Time).UTC(),
	}
}

func (a *Adapter) FetchFundingRates(ctx context.Context) ([]types.FundingObservation, error) {
	if err := a.weight.Wait(ctx); err != nil {
		return nil, err
	}
	var rows []premiumIndex
	resp, err := a.read.R().
		SetContext(ctx).
		SetResult(&rows).
		Get("/fapi/v1/premiumIndex")
	if err := a.apiErr("premium index", resp, err); err != nil {
		return nil, err
	}
	out := make([]types.FundingObservation, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.observation())
	}
	return out, nil
}

func (a *Adapter) premiumIndexFor(ctx context.Context, symbol string) (premiumIndex, error) {
	if err := a.weight.Wait(ctx); err != nil {
		return premiumIndex{}, err
	}
	var row premiumIndex
	resp, err := a.read.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&row).
		Get("/fapi/v1/premiumIndex")
	if err := a.apiErr("premium index", resp, err); err != nil {
		return premiumIndex{}, err
	}
	return row, nil
}

func (a *Adapter) FundingRate(ctx context.Context, symbol string) (decimal.Decimal, error) {
	row, err := a.premiumIndexFor(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return row.LastFundingRate, nil
}

func (a *Adapter) MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	row, err := a.premiumIndexFor(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return row.MarkPrice, nil
}

func (a *Adapter) AvgFundingRate(ctx context.Context, symbol string, since time.Time) (decimal.Decimal, error) {
	if err := a.weight.Wait(ctx); err != nil {
		return decimal.Zero, err
	}
	var rows []struct {
		FundingRate decimal.Decimal `json:"fundingRate"`
	}
	resp, err := a.read.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":    symbol,
			"startTime": fmt.Sprint(since.UnixMilli()),
			"limit":     "1000",
		}).
		SetResult(&rows).
		Get("/fapi/v1/fundingRate")
	if err := a.apiErr("funding history", resp, err); err != nil {
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

// ————————————————————————————————————————————————————————————————————————
// Account
// ————————————————————————————————————————————————————————————————————————

type accountInfo struct {
	TotalMarginBalance decimal.Decimal `json:"totalMarginBalance"`
	AvailableBalance   decimal.Decimal `json:"availableBalance"`
}

func (a *Adapter) account(ctx context.Context) (accountInfo, error) {
	if err := a.weight.Wait(ctx); err != nil {
		return accountInfo{}, err
	}
	var info accountInfo
	resp, err := a.read.R().
		SetContext(ctx).
		SetResult(&info).
		Get("/fapi/v2/account?" + a.sign(nil))
	if err := a.apiErr("account", resp, err); err != nil {
		return accountInfo{}, err
	}
	return info, nil
}

func (a *Adapter) TotalBalance(ctx context.Context) (decimal.Decimal, error) {
	info, err := a.account(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return info.TotalMarginBalance, nil
}

func (a *Adapter) AvailableBalance(ctx context.Context) (decimal.Decimal, error) {
	info, err := a.account(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return info.AvailableBalance, nil
}

type positionRisk struct {
	Symbol        string          `json:"symbol"`
	PositionAmt   decimal.Decimal `json:"positionAmt"`
	EntryPrice    decimal.Decimal `json:"entryPrice"`
	MarkPrice     decimal.Decimal `json:"markPrice"`
	UnrealizedPnl decimal.Decimal `json:"unRealizedProfit"`
}

func (a *Adapter) Positions(ctx context.Context) (map[string]types.Position, error) {
	if err := a.weight.Wait(ctx); err != nil {
		return nil, err
	}
	var rows []positionRisk
	resp, err := a.read.R().
		SetContext(ctx).
		SetResult(&rows).
		Get("/fapi/v2/positionRisk?" + a.sign(nil))
	if err := a.apiErr("positions", resp, err); err != nil {
		return nil, err
	}

	out := make(map[string]types.Position)
	for _, row := range rows {
		if row.PositionAmt.IsZero() {
			continue
		}
		side := types.BUY
		if row.PositionAmt.IsNegative() {
			side = types.SELL
		}
		out[row.Symbol] = types.Position{
			Symbol:        row.Symbol,
			Side:          side,
			Size:          row.PositionAmt.Abs(),
			EntryPrice:    row.EntryPrice,
			MarkPrice:     row.MarkPrice,
			UnrealizedPnl: row.UnrealizedPnl,
		}
	}
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

type orderResponse struct {
	OrderID       int64           `json:"orderId"`
	ClientOrderID string          `json:"clientOrderId"`
	Symbol        string          `json:"symbol"`
	Status        string          `json:"status"`
	ExecutedQty   decimal.Decimal `json:"executedQty"`
	AvgPrice      decimal.Decimal `json:"avgPrice"`
}

// submitOrder places one MARKET order. reduceOnly marks closes so they can
// never flip the position.
func (a *Adapter) submitOrder(ctx context.Context, symbol string, side types.Side, qty decimal.Decimal, reduceOnly bool) (types.OrderRef, error) {
	if err := a.orders.Wait(ctx); err != nil {
		return types.OrderRef{}, err
	}

	params := map[string]string{
		"symbol":           symbol,
		"side":             string(side),
		"type":             "MARKET",
		"quantity":         qty.String(),
		"newClientOrderId": "fundarb-" + uuid.NewString(),
		"newOrderRespType": "RESULT",
	}
	if reduceOnly {
		params["reduceOnly"] = "true"
	}

	var row orderResponse
	resp, err := a.trade.R().
		SetContext(ctx).
		SetResult(&row).
		Post("/fapi/v1/order?" + a.sign(params))
	if err := a.apiErr("order", resp, err); err != nil {
		return types.OrderRef{}, err
	}
	if !row.ExecutedQty.IsPositive() {
		return types.OrderRef{}, venue.Errf(Name, venue.KindExchange,
			"order %s not filled (status %s)", row.ClientOrderID, row.Status)
	}

	ref := types.OrderRef{
		OrderID:     fmt.Sprint(row.OrderID),
		ClientID:    row.ClientOrderID,
		Symbol:      symbol,
		Side:        side,
		ExecutedQty: row.ExecutedQty,
		AvgPrice:    row.AvgPrice,
	}
	if row.ExecutedQty.LessThan(qty) {
		return ref, venue.Errf(Name, venue.KindPartialFill,
			"filled %s of %s", row.ExecutedQty, qty)
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

// TransferTo is not available through the futures API surface this adapter
// uses; cross-venue moves are an operator action.
func (a *Adapter) TransferTo(ctx context.Context, to venue.Adapter, amount decimal.Decimal, asset string) error {
	return venue.Errf(Name, venue.KindUnsupported, "external transfers not supported")
}
