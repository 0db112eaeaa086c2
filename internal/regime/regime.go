// Package regime classifies per-symbol volatility state from streamed mark
// prices. Prices are bucketed into fixed bars; ATR as a percentage of price
// picks one of four states (low, normal, high, extreme) with an RSI
// overbought/oversold annotation.
//
// The classifier is a downstream consumer of market data: it publishes
// StateChange events and, when enabled, vetoes new hedge opens while a
// symbol sits in the extreme state. It never touches existing hedges.
package regime

import (
	"sync"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"funding-arb/internal/bus"
	"funding-arb/internal/config"
	"funding-arb/pkg/types"
)

// ATR% bands separating the four volatility states.
var (
	bandLow  = 0.005
	bandHigh = 0.015
	bandExt  = 0.03
)

// RSI levels for the overbought/oversold annotation.
const (
	rsiOverbought = 70.0
	rsiOversold   = 30.0
)

// defaultBarInterval is the price bucketing granularity.
const defaultBarInterval = time.Minute

// Classifier tracks one rolling bar series per symbol.
type Classifier struct {
	enabled     bool
	atrPeriod   int
	rsiPeriod   int
	barInterval time.Duration
	bus         *bus.Bus
	log         zerolog.Logger

	mu     sync.Mutex
	series map[string]*symbolBars
}

type symbolBars struct {
	high, low, close []float64

	barStart                time.Time
	barHigh, barLow, barEnd float64
	hasBar                  bool

	state types.Regime
}

// New builds a classifier from configuration.
func New(cfg config.RegimeConfig, b *bus.Bus, log zerolog.Logger) *Classifier {
	atr := cfg.AtrPeriod
	if atr <= 0 {
		atr = 14
	}
	rsi := cfg.RsiPeriod
	if rsi <= 0 {
		rsi = 14
	}
	return &Classifier{
		enabled:     cfg.Enabled,
		atrPeriod:   atr,
		rsiPeriod:   rsi,
		barInterval: defaultBarInterval,
		bus:         b,
		log:         log.With().Str("comp", "regime").Logger(),
		series:      make(map[string]*symbolBars),
	}
}

// Observe feeds one mark-price sample. Bars are keyed by symbol only; the
// first venue to report in an interval opens the bar, later venues extend
// its range.
func (c *Classifier) Observe(symbol string, price decimal.Decimal, at time.Time) {
	if !price.IsPositive() {
		return
	}
	p := price.InexactFloat64()
	bucket := at.Truncate(c.barInterval)

	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.series[symbol]
	if s == nil {
		s = &symbolBars{state: types.RegimeNormal}
		c.series[symbol] = s
	}

	if s.hasBar && bucket.After(s.barStart) {
		c.closeBar(symbol, s)
	}
	if !s.hasBar || bucket.After(s.barStart) {
		s.barStart = bucket
		s.barHigh, s.barLow, s.barEnd = p, p, p
		s.hasBar = true
		return
	}

	if p > s.barHigh {
		s.barHigh = p
	}
	if p < s.barLow {
		s.barLow = p
	}
	s.barEnd = p
}

// OpenAllowed reports whether a new hedge may open on this symbol. Always
// true when the gate is disabled; otherwise only the extreme state vetoes.
func (c *Classifier) OpenAllowed(symbol string) bool {
	if !c.enabled {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.series[symbol]
	return s == nil || s.state != types.RegimeExtreme
}

// State returns the current regime for a symbol.
func (c *Classifier) State(symbol string) types.Regime {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s := c.series[symbol]; s != nil {
		return s.state
	}
	return types.RegimeNormal
}

// closeBar appends the finished bar and re-classifies. Caller holds the lock.
func (c *Classifier) closeBar(symbol string, s *symbolBars) {
	s.high = append(s.high, s.barHigh)
	s.low = append(s.low, s.barLow)
	s.close = append(s.close, s.barEnd)

	// Keep enough bars for the indicators, nothing more.
	keep := 4 * c.atrPeriod
	if keep < 4*c.rsiPeriod {
		keep = 4 * c.rsiPeriod
	}
	if len(s.close) > keep {
		s.high = s.high[1:]
		s.low = s.low[1:]
		s.close = s.close[1:]
	}

	if len(s.close) <= c.atrPeriod {
		return
	}

	atr := talib.Atr(s.high, s.low, s.close, c.atrPeriod)
	lastClose := s.close[len(s.close)-1]
	if lastClose <= 0 {
		return
	}
	atrPct := atr[len(atr)-1] / lastClose

	next := classify(atrPct)
	if next == s.state {
		return
	}
	prev := s.state
	s.state = next

	annotation := ""
	if len(s.close) > c.rsiPeriod {
		rsi := talib.Rsi(s.close, c.rsiPeriod)
		switch last := rsi[len(rsi)-1]; {
		case last >= rsiOverbought:
			annotation = "overbought"
		case last <= rsiOversold:
			annotation = "oversold"
		}
	}

	c.log.Info().
		Str("symbol", symbol).
		Str("from", string(prev)).
		Str("to", string(next)).
		Float64("atr_pct", atrPct).
		Str("rsi", annotation).
		Msg("volatility regime changed")
	c.bus.Publish(types.EventStateChange, types.StateChangeEvent{
		Symbol: symbol,
		From:   prev,
		To:     next,
	})
}

func classify(atrPct float64) types.Regime {
	switch {
	case atrPct < bandLow:
		return types.RegimeLow
	case atrPct < bandHigh:
		return types.RegimeNormal
	case atrPct < bandExt:
		return types.RegimeHigh
	default:
		return types.RegimeExtreme
	}
}
