// Package risk watches portfolio-wide directional exposure across all venues
// and de-risks when the configured ceiling is breached.
//
// Each tick it gathers positions and balances from every venue concurrently,
// computes the signed net exposure ratio, updates the volatility EWMA, and
// runs the account-level protection checks (daily loss, drawdown, balance
// floor). A ceiling breach closes the worst positions first until exposure
// is back inside 80% of the limit. The emergency shutdown path closes every
// position on every venue, best effort.
package risk

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"funding-arb/internal/bus"
	"funding-arb/internal/config"
	"funding-arb/internal/metrics"
	"funding-arb/internal/venue"
	"funding-arb/pkg/types"
)

// deRiskHeadroom is the fraction of the exposure limit targeted after a
// de-risk pass: reduce until |ratio| ≤ 0.8 × max_exposure.
var deRiskHeadroom = decimal.NewFromFloat(0.8)

// EWMA weights for the volatility update v' = 0.9·v + 0.1·v_instant.
var (
	ewmaKeep = decimal.NewFromFloat(0.9)
	ewmaNew  = decimal.NewFromFloat(0.1)
)

// Controls is the subset of the hedge manager the risk engine may drive:
// disabling opens on protection breaches and engaging the emergency stop.
type Controls interface {
	SetAutoHedge(on bool)
	SetEmergencyStop()
}

// Params are the risk knobs, converted to decimals once at construction.
type Params struct {
	MaxExposure  decimal.Decimal
	Interval     time.Duration
	MaxDailyLoss decimal.Decimal // fraction of total value, zero disables
	MaxDrawdown  decimal.Decimal // fraction below session peak, zero disables
	MinBalance   decimal.Decimal // absolute floor, zero disables
}

// ParamsFromConfig derives Params from the loaded configuration.
func ParamsFromConfig(cfg *config.Config) Params {
	return Params{
		MaxExposure:  decimal.NewFromFloat(cfg.MaxExposure),
		Interval:     cfg.MonitorInterval(),
		MaxDailyLoss: decimal.NewFromFloat(cfg.Protection.MaxDailyLoss),
		MaxDrawdown:  decimal.NewFromFloat(cfg.Protection.MaxDrawdown),
		MinBalance:   decimal.NewFromFloat(cfg.Protection.MinBalance),
	}
}

// Engine is the periodic risk evaluator. Single writer of the exposure
// snapshot and the PnL counters.
type Engine struct {
	adapters []venue.Adapter
	bus      *bus.Bus
	metrics  *metrics.Metrics
	controls Controls
	log      zerolog.Logger
	p        Params

	// onDrawdown runs when the drawdown guard trips. The orchestrator points
	// it at the full emergency shutdown; nil falls back to EmergencyShutdown.
	onDrawdown func(ctx context.Context)

	// now is injectable for the daily-reset tests.
	now func() time.Time

	mu           sync.Mutex
	exposure     types.ExposureSnapshot
	volatility   decimal.Decimal
	lastRatio    decimal.Decimal
	hasLastRatio bool
	pnl          types.Pnl
	peakEquity   decimal.Decimal
	lastResetDay string
	lossTripped  bool
}

// New builds a risk engine over the given adapters. metrics may be nil.
func New(adapters []venue.Adapter, b *bus.Bus, m *metrics.Metrics, controls Controls, p Params, log zerolog.Logger) *Engine {
	return &Engine{
		adapters: adapters,
		bus:      b,
		metrics:  m,
		controls: controls,
		log:      log.With().Str("comp", "risk").Logger(),
		p:        p,
		now:      time.Now,
	}
}

// SetDrawdownHandler overrides what happens when the drawdown guard trips.
func (e *Engine) SetDrawdownHandler(fn func(ctx context.Context)) {
	e.onDrawdown = fn
}

// Run drives the periodic evaluation and accumulates realized PnL from
// closed hedges until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	closedHedges := e.bus.Subscribe("risk", 64, types.EventHedgeClosed)

	ticker := time.NewTicker(e.p.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.log.Info().Msg("risk engine stopped")
			return
		case ev, ok := <-closedHedges:
			if !ok {
				return
			}
			if he, ok := ev.Payload.(types.HedgeEvent); ok {
				e.AddRealized(he.Hedge.RealizedPnl)
			}
		case <-ticker.C:
			e.Evaluate(ctx)
		}
	}
}

// Exposure returns the latest exposure snapshot.
func (e *Engine) Exposure() types.ExposureSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exposure
}

// Pnl returns the current realized PnL counters.
func (e *Engine) Pnl() types.Pnl {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pnl
}

// Volatility returns the current exposure-volatility EWMA.
func (e *Engine) Volatility() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.volatility
}

// AddRealized folds a realized PnL delta into the daily and total counters.
func (e *Engine) AddRealized(delta decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pnl.Daily = e.pnl.Daily.Add(delta)
	e.pnl.Total = e.pnl.Total.Add(delta)
	e.metrics.SetDailyPnl(e.pnl.Daily.InexactFloat64())
}

// venueState is one venue's positions and equity gathered during a tick.
type venueState struct {
	adapter   venue.Adapter
	positions map[string]types.Position
	total     decimal.Decimal
	err       error
}

// Evaluate performs one full risk tick.
func (e *Engine) Evaluate(ctx context.Context) {
	states := e.collect(ctx)

	netValue := decimal.Zero
	totalValue := decimal.Zero
	degraded := false
	var flat []types.VenuePosition
	for _, st := range states {
		if st.err != nil {
			e.log.Warn().Str("venue", st.adapter.Name()).Err(st.err).Msg("risk fetch failed")
			e.metrics.CountVenueError(st.adapter.Name(), string(venue.KindOf(st.err)))
			degraded = true
			continue
		}
		totalValue = totalValue.Add(st.total)
		for _, pos := range st.positions {
			flat = append(flat, types.VenuePosition{Venue: st.adapter.Name(), Position: pos})
			netValue = netValue.Add(pos.Side.Sign().Mul(pos.Notional()))
		}
	}

	ratio := decimal.Zero
	if totalValue.IsPositive() {
		ratio = netValue.Div(totalValue)
	}

	snap := types.ExposureSnapshot{
		NetValue:   netValue,
		TotalValue: totalValue,
		Ratio:      ratio,
		ObservedAt: e.now(),
	}

	e.mu.Lock()
	e.exposure = snap
	if !degraded {
		if e.hasLastRatio {
			instant := ratio.Sub(e.lastRatio).Abs()
			e.volatility = ewmaKeep.Mul(e.volatility).Add(ewmaNew.Mul(instant))
		}
		e.lastRatio = ratio
		e.hasLastRatio = true
	}
	e.mu.Unlock()

	e.metrics.SetExposureRatio(ratio.InexactFloat64())

	e.maybeResetDaily()

	// A tick that lost a venue sees only part of the book: a delta-neutral
	// pair looks like one naked leg. Record the snapshot, but never trip
	// stops or trade on a partial view.
	if degraded {
		e.log.Warn().Msg("partial venue view, protection and de-risk skipped this tick")
		return
	}

	e.checkProtection(ctx, totalValue)

	if ratio.Abs().GreaterThan(e.p.MaxExposure) && totalValue.IsPositive() {
		e.log.Warn().
			Str("ratio", ratio.String()).
			Str("net", netValue.String()).
			Str("total", totalValue.String()).
			Msg("exposure ceiling breached")
		e.bus.Publish(types.EventRiskExceeded, types.RiskExceededEvent{Exposure: snap})
		e.deRisk(ctx, snap, flat)
	}
}

// collect gathers positions and total balance from every venue concurrently,
// all-settled.
func (e *Engine) collect(ctx context.Context) []venueState {
	results := make(chan venueState, len(e.adapters))
	for _, ad := range e.adapters {
		go func(ad venue.Adapter) {
			st := venueState{adapter: ad}
			st.positions, st.err = ad.Positions(ctx)
			if st.err == nil {
				st.total, st.err = ad.TotalBalance(ctx)
			}
			results <- st
		}(ad)
	}
	states := make([]venueState, 0, len(e.adapters))
	for range e.adapters {
		states = append(states, <-results)
	}
	return states
}

// deRisk reduces exposure by closing candidate positions, worst unrealized
// PnL first, until the notional target is met or candidates run out.
func (e *Engine) deRisk(ctx context.Context, snap types.ExposureSnapshot, flat []types.VenuePosition) {
	target := snap.Ratio.Abs().Sub(deRiskHeadroom.Mul(e.p.MaxExposure))
	remaining := target.Mul(snap.TotalValue)
	if !remaining.IsPositive() {
		return
	}

	// Candidates sit on the side the portfolio leans toward.
	overSide := types.BUY
	if snap.Ratio.IsNegative() {
		overSide = types.SELL
	}
	var candidates []types.VenuePosition
	for _, pos := range flat {
		if pos.Side == overSide {
			candidates = append(candidates, pos)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].UnrealizedPnl.LessThan(candidates[j].UnrealizedPnl)
	})

	byName := make(map[string]venue.Adapter, len(e.adapters))
	for _, ad := range e.adapters {
		byName[ad.Name()] = ad
	}

	for _, pos := range candidates {
		if !remaining.IsPositive() {
			break
		}
		ad, ok := byName[pos.Venue]
		if !ok || !pos.MarkPrice.IsPositive() {
			continue
		}
		closeQty := decimal.Min(pos.Size, remaining.Div(pos.MarkPrice)).Truncate(types.QtyDecimals)
		if !closeQty.IsPositive() {
			continue
		}
		_, err := ad.ClosePosition(ctx, pos.Symbol, &venue.CloseSpec{Side: pos.Side, Qty: closeQty})
		if err != nil {
			e.log.Error().
				Str("venue", pos.Venue).
				Str("symbol", pos.Symbol).
				Str("qty", closeQty.String()).
				Err(err).
				Msg("de-risk close failed")
			continue
		}
		closedNotional := closeQty.Mul(pos.MarkPrice)
		remaining = remaining.Sub(closedNotional)
		e.log.Warn().
			Str("venue", pos.Venue).
			Str("symbol", pos.Symbol).
			Str("qty", closeQty.String()).
			Str("notional", closedNotional.String()).
			Msg("de-risk close submitted")
	}
}

// EmergencyShutdown disables opens, engages the emergency stop, and closes
// every open position on every venue concurrently. Errors are logged and
// swallowed; the event is published once the sweep completes.
func (e *Engine) EmergencyShutdown(ctx context.Context, reason string) {
	e.log.Error().Str("reason", reason).Msg("EMERGENCY SHUTDOWN")
	e.controls.SetAutoHedge(false)
	e.controls.SetEmergencyStop()

	closed, errs := e.closeAllPositions(ctx)
	e.bus.Publish(types.EventEmergencyShutdown, types.EmergencyShutdownEvent{
		PositionsClosed: closed,
		Errors:          errs,
		Reason:          reason,
	})
	e.log.Error().Int("closed", closed).Int("errors", errs).Msg("emergency shutdown complete")
}

func (e *Engine) closeAllPositions(ctx context.Context) (closed, errs int) {
	type sweep struct{ closed, errs int }
	results := make(chan sweep, len(e.adapters))
	for _, ad := range e.adapters {
		go func(ad venue.Adapter) {
			var s sweep
			positions, err := ad.Positions(ctx)
			if err != nil {
				e.log.Error().Str("venue", ad.Name()).Err(err).Msg("emergency position fetch failed")
				s.errs++
				results <- s
				return
			}
			for symbol := range positions {
				if _, err := ad.ClosePosition(ctx, symbol, nil); err != nil {
					e.log.Error().Str("venue", ad.Name()).Str("symbol", symbol).Err(err).Msg("emergency close failed")
					s.errs++
					continue
				}
				s.closed++
			}
			results <- s
		}(ad)
	}
	for range e.adapters {
		s := <-results
		closed += s.closed
		errs += s.errs
	}
	return closed, errs
}
