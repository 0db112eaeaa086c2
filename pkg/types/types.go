// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — venue and order
// identifiers, funding observations, hedge records, and event bus payloads.
// It has no dependencies on internal packages, so it can be imported by any
// layer.
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// QtyDecimals is the quantity precision submitted to venues. Quantities are
// always truncated (rounded toward zero) to this many fractional digits.
const QtyDecimals = 8

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the other side. Used when unwinding a filled leg.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// Sign returns +1 for BUY (long) and -1 for SELL (short) as a decimal,
// suitable for signed notional arithmetic.
func (s Side) Sign() decimal.Decimal {
	if s == SELL {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// HedgeState enumerates the lifecycle states of a hedge pair.
type HedgeState string

const (
	HedgeOpening     HedgeState = "OPENING"
	HedgeActive      HedgeState = "ACTIVE"
	HedgeClosing     HedgeState = "CLOSING"
	HedgeClosed      HedgeState = "CLOSED"
	HedgeFailed      HedgeState = "FAILED"
	HedgeCloseFailed HedgeState = "CLOSE_FAILED"
)

// Terminal reports whether the state is final. Terminal records stay in the
// book for audit and their keys may be reused by a fresh open attempt.
func (s HedgeState) Terminal() bool {
	switch s {
	case HedgeClosed, HedgeFailed, HedgeCloseFailed:
		return true
	}
	return false
}

// CloseReason explains why an active hedge was unwound.
type CloseReason string

const (
	CloseTakeProfit     CloseReason = "take_profit"
	CloseStopLoss       CloseReason = "stop_loss"
	CloseSpreadCollapse CloseReason = "spread_collapsed"
	CloseEmergency      CloseReason = "emergency"
	CloseManual         CloseReason = "manual"
)

// AlertLevel grades a funding-rate threshold breach.
type AlertLevel string

const (
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// StreamKind tags push updates delivered by a venue stream.
type StreamKind string

const (
	StreamFunding  StreamKind = "funding"
	StreamTicker   StreamKind = "ticker"
	StreamPosition StreamKind = "position"
)

// Regime labels the volatility state of a symbol as classified from ATR.
type Regime string

const (
	RegimeLow     Regime = "low"
	RegimeNormal  Regime = "normal"
	RegimeHigh    Regime = "high"
	RegimeExtreme Regime = "extreme"
)

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// FundingObservation is one funding-rate reading for a perpetual contract.
// Rate is the signed per-interval rate (positive = longs pay shorts).
// Observations are immutable once created.
type FundingObservation struct {
	Venue           string          `json:"venue"`
	Symbol          string          `json:"symbol"`
	Rate            decimal.Decimal `json:"rate"`
	NextFundingTime time.Time       `json:"next_funding_time"`
	ObservedAt      time.Time       `json:"observed_at"`
}

// MarketQuote is the latest mark price for a contract on one venue.
type MarketQuote struct {
	Venue      string          `json:"venue"`
	Symbol     string          `json:"symbol"`
	MarkPrice  decimal.Decimal `json:"mark_price"`
	ObservedAt time.Time       `json:"observed_at"`
}

// Position is a live derivatives position as reported by a venue.
// Size is always positive; Side carries the direction.
type Position struct {
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Size          decimal.Decimal `json:"size"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	MarkPrice     decimal.Decimal `json:"mark_price"`
	UnrealizedPnl decimal.Decimal `json:"unrealized_pnl"`
}

// VenuePosition is a Position flattened with its venue, as consumed by the
// risk engine when aggregating across venues.
type VenuePosition struct {
	Venue string `json:"venue"`
	Position
}

// Notional returns size × mark price.
func (p Position) Notional() decimal.Decimal {
	return p.Size.Mul(p.MarkPrice)
}

// OrderRef is the engine's record of an executed market order.
type OrderRef struct {
	OrderID     string          `json:"order_id"`
	ClientID    string          `json:"client_id,omitempty"`
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side"`
	ExecutedQty decimal.Decimal `json:"executed_qty"`
	AvgPrice    decimal.Decimal `json:"avg_price"`
}

// StreamEvent is a normalized push update from a venue stream. Exactly the
// fields for the event's Kind are populated.
type StreamEvent struct {
	Kind   StreamKind `json:"kind"`
	Venue  string     `json:"venue"`
	Symbol string     `json:"symbol"`

	Rate            decimal.Decimal `json:"rate,omitempty"`              // funding
	NextFundingTime time.Time       `json:"next_funding_time,omitempty"` // funding
	MarkPrice       decimal.Decimal `json:"mark_price,omitempty"`        // ticker
	Volume          decimal.Decimal `json:"volume,omitempty"`            // ticker, base units
	Position        *Position       `json:"position,omitempty"`          // position

	At time.Time `json:"at"`
}

// ————————————————————————————————————————————————————————————————————————
// Hedges
// ————————————————————————————————————————————————————————————————————————

// HedgeKey builds the deterministic identity of a hedge pair. It doubles as
// the idempotency token for open attempts: a second opportunity for the same
// triple is a no-op while a non-terminal record holds the key.
func HedgeKey(symbol, longVenue, shortVenue string) string {
	return symbol + "|" + longVenue + "|" + shortVenue
}

// SplitHedgeKey is the inverse of HedgeKey.
func SplitHedgeKey(key string) (symbol, longVenue, shortVenue string, err error) {
	parts := strings.Split(key, "|")
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("malformed hedge key %q", key)
	}
	return parts[0], parts[1], parts[2], nil
}

// Hedge is one delta-neutral pair: long on the venue paying us funding,
// short on the venue we pay. Size is the per-leg base quantity.
type Hedge struct {
	Key        string `json:"key"`
	Symbol     string `json:"symbol"`
	LongVenue  string `json:"long_venue"`
	ShortVenue string `json:"short_venue"`

	State HedgeState      `json:"state"`
	Size  decimal.Decimal `json:"size"`

	LongEntryPrice  decimal.Decimal `json:"long_entry_price"`
	ShortEntryPrice decimal.Decimal `json:"short_entry_price"`
	EntryRatio      decimal.Decimal `json:"entry_ratio"` // (short-long)/long at open

	LongOrder  *OrderRef `json:"long_order,omitempty"`
	ShortOrder *OrderRef `json:"short_order,omitempty"`

	OpenedAt    time.Time       `json:"opened_at"`
	ClosedAt    time.Time       `json:"closed_at,omitempty"`
	CloseReason CloseReason     `json:"close_reason,omitempty"`
	RealizedPnl decimal.Decimal `json:"realized_pnl"`

	// LivePnl is the most recent monitor-loop estimate for an active hedge.
	LivePnl decimal.Decimal `json:"live_pnl"`
}

// ————————————————————————————————————————————————————————————————————————
// Risk
// ————————————————————————————————————————————————————————————————————————

// ExposureSnapshot is the portfolio-wide directional exposure at one instant.
// Ratio is signed: positive = net long.
type ExposureSnapshot struct {
	NetValue   decimal.Decimal `json:"net_value"`
	TotalValue decimal.Decimal `json:"total_value"`
	Ratio      decimal.Decimal `json:"ratio"`
	ObservedAt time.Time       `json:"observed_at"`
}

// Pnl tracks realized profit and loss. Daily resets in the first ten minutes
// of each new local day; Total accumulates for the process lifetime.
type Pnl struct {
	Daily decimal.Decimal `json:"daily"`
	Total decimal.Decimal `json:"total"`
}

// ————————————————————————————————————————————————————————————————————————
// Event bus payloads
// ————————————————————————————————————————————————————————————————————————
// Stable, JSON-serializable event vocabulary. The bus delivers these to the
// notification layer, the operator API stream, and any internal subscriber.

// EventKind names a bus topic.
type EventKind string

const (
	EventAlert             EventKind = "Alert"
	EventArbitrage         EventKind = "Arbitrage"
	EventExtreme           EventKind = "ExtremeEvent"
	EventHedgeOpened       EventKind = "HedgeOpened"
	EventHedgeClosed       EventKind = "HedgeClosed"
	EventHedgeFailed       EventKind = "HedgeFailed"
	EventHedgeCloseFailed  EventKind = "HedgeCloseFailed"
	EventRiskExceeded      EventKind = "RiskExceeded"
	EventStateChange       EventKind = "StateChange"
	EventDailyPnl          EventKind = "DailyPnl"
	EventEmergencyShutdown EventKind = "EmergencyShutdown"
	EventFetchFailed       EventKind = "FetchFailed"
)

// Critical reports whether events of this kind may never be dropped by a
// slow subscriber queue. Hedge transitions are the audit trail.
func (k EventKind) Critical() bool {
	switch k {
	case EventHedgeOpened, EventHedgeClosed, EventHedgeFailed, EventHedgeCloseFailed:
		return true
	}
	return false
}

// Event is the envelope published on the bus.
type Event struct {
	Kind    EventKind `json:"kind"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// AlertEvent reports a funding-rate threshold breach on one venue.
type AlertEvent struct {
	Level   AlertLevel      `json:"level"`
	Venue   string          `json:"venue"`
	Symbol  string          `json:"symbol"`
	Rate    decimal.Decimal `json:"rate"`
	Message string          `json:"message"`
}

// ArbitrageEvent reports a cross-venue funding spread above the open
// threshold. LongVenue is the low-rate side (we receive funding there).
type ArbitrageEvent struct {
	Symbol     string          `json:"symbol"`
	LongVenue  string          `json:"long_venue"`
	ShortVenue string          `json:"short_venue"`
	LongRate   decimal.Decimal `json:"long_rate"`
	ShortRate  decimal.Decimal `json:"short_rate"`
	Spread     decimal.Decimal `json:"spread"`
}

// ExtremeKind names a detected market anomaly.
type ExtremeKind string

const (
	ExtremePriceSurge      ExtremeKind = "price_surge"
	ExtremePriceCrash      ExtremeKind = "price_crash"
	ExtremeLiquidityDrop   ExtremeKind = "liquidity_drop"
	ExtremeVolatilitySpike ExtremeKind = "volatility_spike"
)

// ExtremeEvent reports a single-symbol market anomaly. Change carries the
// triggering magnitude (return, volume ratio, or vol multiple).
type ExtremeEvent struct {
	Type   ExtremeKind       `json:"type"`
	Venue  string            `json:"venue"`
	Symbol string            `json:"symbol"`
	Change decimal.Decimal   `json:"change"`
	Data   map[string]string `json:"data,omitempty"`
}

// HedgeEvent accompanies every hedge lifecycle transition.
type HedgeEvent struct {
	Hedge       Hedge  `json:"hedge"`
	PartialFill bool   `json:"partial_fill,omitempty"`
	Error       string `json:"error,omitempty"`
}

// RiskExceededEvent reports an exposure ceiling breach.
type RiskExceededEvent struct {
	Exposure ExposureSnapshot `json:"exposure"`
}

// StateChangeEvent reports a volatility regime transition for a symbol.
type StateChangeEvent struct {
	Symbol string `json:"symbol"`
	From   Regime `json:"from"`
	To     Regime `json:"to"`
}

// DailyPnlEvent reports the day's realized PnL at the daily reset.
type DailyPnlEvent struct {
	Value decimal.Decimal `json:"value"`
}

// FetchFailedEvent reports a failed venue snapshot fetch. Fetch failures are
// informational; they never trip a circuit on their own.
type FetchFailedEvent struct {
	Venue string `json:"venue"`
	Err   string `json:"err"`
}

// EmergencyShutdownEvent is published once after an emergency unwind pass.
type EmergencyShutdownEvent struct {
	PositionsClosed int    `json:"positions_closed"`
	Errors          int    `json:"errors"`
	Reason          string `json:"reason,omitempty"`
}
