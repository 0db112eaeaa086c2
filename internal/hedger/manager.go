// Package hedger owns the hedge lifecycle: it turns arbitrage opportunities
// into delta-neutral long/short pairs, monitors active pairs for take-profit,
// stop-loss, and spread collapse, and unwinds them.
//
// Every hedge is identified by the key symbol|long_venue|short_venue. The
// book's compare-and-set on that key makes opens idempotent: a re-emitted
// opportunity while a non-terminal record holds the key is a no-op. Orders
// are never auto-retried; a failed leg triggers reconciliation instead.
package hedger

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"funding-arb/internal/bus"
	"funding-arb/internal/config"
	"funding-arb/internal/metrics"
	"funding-arb/internal/store"
	"funding-arb/internal/venue"
	"funding-arb/pkg/types"
)

// closeRetries bounds per-leg close attempts before escalating to
// CloseFailed. Applies to both normal closes and open reconciliation.
const closeRetries = 3

// LegSizing selects how the two leg quantities are derived from the USD
// notional. EqualNotional gives each leg the same quote value (quantities
// differ when marks differ); EqualQty trades the smaller quantity on both
// legs for a true delta-neutral pair.
const (
	EqualNotional = "equal_notional"
	EqualQty      = "equal_qty"
)

// OpenGate can veto new opens per symbol. The regime classifier implements
// it; a nil gate allows everything.
type OpenGate interface {
	OpenAllowed(symbol string) bool
}

// Params are the hedging knobs, converted to decimals once at construction.
type Params struct {
	AutoHedge       bool
	SizeFactor      decimal.Decimal
	LegSizing       string
	TakeProfit      decimal.Decimal
	StopLoss        decimal.Decimal
	Warning         decimal.Decimal
	MonitorInterval time.Duration
}

// ParamsFromConfig derives Params from the loaded configuration.
func ParamsFromConfig(cfg *config.Config) Params {
	return Params{
		AutoHedge:       cfg.AutoHedge,
		SizeFactor:      decimal.NewFromFloat(cfg.SizeFactor),
		LegSizing:       cfg.LegSizing,
		TakeProfit:      decimal.NewFromFloat(cfg.TakeProfit),
		StopLoss:        decimal.NewFromFloat(cfg.StopLoss),
		Warning:         decimal.NewFromFloat(cfg.Thresholds.Warning),
		MonitorInterval: cfg.MonitorInterval(),
	}
}

// Manager is the hedge lifecycle state machine. Single writer of the book.
type Manager struct {
	adapters map[string]venue.Adapter
	book     *Book
	store    *store.Store
	bus      *bus.Bus
	metrics  *metrics.Metrics
	gate     OpenGate
	log      zerolog.Logger
	p        Params

	autoHedge atomic.Bool
	emergency atomic.Bool

	// retryWait is the initial backoff between close attempts. Tests shrink it.
	retryWait time.Duration
}

// New builds a manager over the given adapters. gate and metrics may be nil.
func New(adapters []venue.Adapter, book *Book, st *store.Store, b *bus.Bus, m *metrics.Metrics, gate OpenGate, p Params, log zerolog.Logger) *Manager {
	byName := make(map[string]venue.Adapter, len(adapters))
	for _, ad := range adapters {
		byName[ad.Name()] = ad
	}
	mgr := &Manager{
		adapters:  byName,
		book:      book,
		store:     st,
		bus:       b,
		metrics:   m,
		gate:      gate,
		log:       log.With().Str("comp", "hedger").Logger(),
		p:         p,
		retryWait: 500 * time.Millisecond,
	}
	mgr.autoHedge.Store(p.AutoHedge)
	return mgr
}

// Book exposes the hedge table for status reads and shutdown persistence.
func (m *Manager) Book() *Book { return m.book }

// SetAutoHedge enables or disables acting on new opportunities.
func (m *Manager) SetAutoHedge(on bool) {
	m.autoHedge.Store(on)
	m.log.Info().Bool("auto_hedge", on).Msg("auto hedge toggled")
}

// AutoHedge reports whether new opens are being acted on.
func (m *Manager) AutoHedge() bool { return m.autoHedge.Load() }

// SetEmergencyStop permanently disables opens for this process. Only a
// restart clears it.
func (m *Manager) SetEmergencyStop() {
	if m.emergency.CompareAndSwap(false, true) {
		m.log.Error().Msg("emergency stop engaged, opens disabled")
	}
}

// EmergencyStopped reports whether the emergency stop is set.
func (m *Manager) EmergencyStopped() bool { return m.emergency.Load() }

// Run consumes arbitrage opportunities from the bus and drives the monitor
// loop until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	opportunities := m.bus.Subscribe("hedger", 64, types.EventArbitrage)

	ticker := time.NewTicker(m.p.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info().Msg("hedger stopped")
			return
		case ev, ok := <-opportunities:
			if !ok {
				return
			}
			if opp, ok := ev.Payload.(types.ArbitrageEvent); ok {
				m.HandleOpportunity(ctx, opp)
			}
		case <-ticker.C:
			m.MonitorOnce(ctx)
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Open
// ————————————————————————————————————————————————————————————————————————

// HandleOpportunity attempts to open a hedge for one opportunity. The key
// claim happens before any I/O, so concurrent duplicates collapse to one
// winner; every pre-order failure reverts the claim.
func (m *Manager) HandleOpportunity(ctx context.Context, opp types.ArbitrageEvent) {
	long, okLong := m.adapters[opp.LongVenue]
	short, okShort := m.adapters[opp.ShortVenue]
	if !okLong || !okShort {
		m.log.Warn().Str("long", opp.LongVenue).Str("short", opp.ShortVenue).Msg("opportunity references unknown venue")
		return
	}

	key := types.HedgeKey(opp.Symbol, opp.LongVenue, opp.ShortVenue)
	claimed := m.book.TryOpen(types.Hedge{
		Key:        key,
		Symbol:     opp.Symbol,
		LongVenue:  opp.LongVenue,
		ShortVenue: opp.ShortVenue,
		OpenedAt:   time.Now(),
	})
	if !claimed {
		m.log.Debug().Str("key", key).Msg("hedge already in flight, skipping")
		return
	}

	if !m.autoHedge.Load() || m.emergency.Load() {
		m.book.Remove(key)
		return
	}
	if m.gate != nil && !m.gate.OpenAllowed(opp.Symbol) {
		m.book.Remove(key)
		m.log.Info().Str("symbol", opp.Symbol).Msg("open vetoed by regime gate")
		return
	}

	longAvail, shortAvail, err := m.fetchBalances(ctx, long, short)
	if err != nil {
		m.book.Remove(key)
		m.log.Warn().Str("key", key).Err(err).Msg("balance fetch failed, open aborted")
		return
	}

	sizeUSD := decimal.Min(longAvail, shortAvail).Mul(m.p.SizeFactor)
	if !sizeUSD.IsPositive() {
		m.failOpen(key, false, venue.Errf("", venue.KindInsufficientFunds,
			"no free balance: long %s, short %s", longAvail, shortAvail))
		return
	}

	longPrice, shortPrice, err := m.fetchMarks(ctx, long, short, opp.Symbol)
	if err != nil {
		m.book.Remove(key)
		m.log.Warn().Str("key", key).Err(err).Msg("mark price fetch failed, open aborted")
		return
	}
	if !longPrice.IsPositive() || !shortPrice.IsPositive() {
		m.book.Remove(key)
		return
	}

	longQty := sizeUSD.Div(longPrice).Truncate(types.QtyDecimals)
	shortQty := sizeUSD.Div(shortPrice).Truncate(types.QtyDecimals)
	if m.p.LegSizing == EqualQty {
		q := decimal.Min(longQty, shortQty)
		longQty, shortQty = q, q
	}
	if !longQty.IsPositive() || !shortQty.IsPositive() {
		m.failOpen(key, false, venue.Errf("", venue.KindInsufficientFunds,
			"size %s too small at marks %s/%s", sizeUSD, longPrice, shortPrice))
		return
	}

	entryRatio := shortPrice.Sub(longPrice).Div(longPrice)
	m.book.Update(key, func(h *types.Hedge) {
		h.Size = longQty
		h.LongEntryPrice = longPrice
		h.ShortEntryPrice = shortPrice
		h.EntryRatio = entryRatio
	})

	m.log.Info().
		Str("key", key).
		Str("size_usd", sizeUSD.String()).
		Str("long_qty", longQty.String()).
		Str("short_qty", shortQty.String()).
		Str("spread", opp.Spread.String()).
		Msg("opening hedge")

	// Both legs concurrently; await both.
	var wg sync.WaitGroup
	var longRef, shortRef types.OrderRef
	var longErr, shortErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		longRef, longErr = long.CreateMarketOrder(ctx, opp.Symbol, types.BUY, longQty)
	}()
	go func() {
		defer wg.Done()
		shortRef, shortErr = short.CreateMarketOrder(ctx, opp.Symbol, types.SELL, shortQty)
	}()
	wg.Wait()

	switch {
	case longErr == nil && shortErr == nil:
		now := time.Now()
		m.book.Transition(key, types.HedgeOpening, types.HedgeActive, func(h *types.Hedge) {
			h.LongOrder = &longRef
			h.ShortOrder = &shortRef
			h.OpenedAt = now
		})
		h, _ := m.book.Get(key)
		m.metrics.CountHedge("opened")
		m.metrics.SetOpenHedges(m.book.ActiveCount())
		m.log.Info().Str("key", key).Str("size", h.Size.String()).Msg("hedge opened")
		m.bus.Publish(types.EventHedgeOpened, types.HedgeEvent{Hedge: h})

	case longErr != nil && shortErr != nil:
		// A leg that failed on a partial fill still holds whatever executed.
		m.reconcileLeg(ctx, long, opp.Symbol, types.BUY, longRef.ExecutedQty)
		m.reconcileLeg(ctx, short, opp.Symbol, types.SELL, shortRef.ExecutedQty)
		partial := longRef.ExecutedQty.IsPositive() || shortRef.ExecutedQty.IsPositive()
		m.failOpen(key, partial, fmt.Errorf("both legs failed: long: %v; short: %v", longErr, shortErr))

	default:
		// One leg filled: unwind it before declaring the open failed. The
		// erring leg may itself carry a partial fill on its ref, which needs
		// the same unwind or it sits as an untracked naked position.
		m.reconcileLeg(ctx, long, opp.Symbol, types.BUY, longRef.ExecutedQty)
		m.reconcileLeg(ctx, short, opp.Symbol, types.SELL, shortRef.ExecutedQty)
		m.book.Update(key, func(h *types.Hedge) {
			if longErr == nil || longRef.ExecutedQty.IsPositive() {
				h.LongOrder = &longRef
			}
			if shortErr == nil || shortRef.ExecutedQty.IsPositive() {
				h.ShortOrder = &shortRef
			}
		})
		if longErr == nil {
			m.failOpen(key, true, fmt.Errorf("short leg failed: %w", shortErr))
		} else {
			m.failOpen(key, true, fmt.Errorf("long leg failed: %w", longErr))
		}
	}
}

func (m *Manager) failOpen(key string, partialFill bool, cause error) {
	m.book.Transition(key, types.HedgeOpening, types.HedgeFailed, func(h *types.Hedge) {
		h.ClosedAt = time.Now()
	})
	h, _ := m.book.Get(key)
	m.metrics.CountHedge("failed")
	m.log.Error().Str("key", key).Bool("partial_fill", partialFill).Err(cause).Msg("hedge open failed")
	m.bus.Publish(types.EventHedgeFailed, types.HedgeEvent{
		Hedge:       h,
		PartialFill: partialFill,
		Error:       cause.Error(),
	})
}

// reconcileLeg unwinds the filled half of a partially-opened hedge with a
// bounded-retry close. A leg that still cannot be closed is left to the
// operator; the failure is loud in the log.
func (m *Manager) reconcileLeg(ctx context.Context, ad venue.Adapter, symbol string, side types.Side, qty decimal.Decimal) {
	if !qty.IsPositive() {
		return
	}
	err := m.closeWithRetry(ctx, ad, symbol, side, qty)
	if err != nil {
		m.log.Error().
			Str("venue", ad.Name()).
			Str("symbol", symbol).
			Str("qty", qty.String()).
			Err(err).
			Msg("reconciliation close failed, manual intervention required")
	}
}

func (m *Manager) fetchBalances(ctx context.Context, long, short venue.Adapter) (decimal.Decimal, decimal.Decimal, error) {
	var wg sync.WaitGroup
	var longAvail, shortAvail decimal.Decimal
	var longErr, shortErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		longAvail, longErr = long.AvailableBalance(ctx)
	}()
	go func() {
		defer wg.Done()
		shortAvail, shortErr = short.AvailableBalance(ctx)
	}()
	wg.Wait()
	if longErr != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%s balance: %w", long.Name(), longErr)
	}
	if shortErr != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%s balance: %w", short.Name(), shortErr)
	}
	return longAvail, shortAvail, nil
}

func (m *Manager) fetchMarks(ctx context.Context, long, short venue.Adapter, symbol string) (decimal.Decimal, decimal.Decimal, error) {
	var wg sync.WaitGroup
	var longPrice, shortPrice decimal.Decimal
	var longErr, shortErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		longPrice, longErr = long.MarkPrice(ctx, symbol)
	}()
	go func() {
		defer wg.Done()
		shortPrice, shortErr = short.MarkPrice(ctx, symbol)
	}()
	wg.Wait()
	if longErr != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%s mark: %w", long.Name(), longErr)
	}
	if shortErr != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%s mark: %w", short.Name(), shortErr)
	}
	return longPrice, shortPrice, nil
}

// ————————————————————————————————————————————————————————————————————————
// Monitor
// ————————————————————————————————————————————————————————————————————————

// MonitorOnce evaluates every active hedge once: take-profit, stop-loss,
// funding-spread collapse, or a live PnL refresh.
func (m *Manager) MonitorOnce(ctx context.Context) {
	for _, h := range m.book.Active() {
		m.monitorHedge(ctx, h)
	}
}

func (m *Manager) monitorHedge(ctx context.Context, h types.Hedge) {
	long, okLong := m.adapters[h.LongVenue]
	short, okShort := m.adapters[h.ShortVenue]
	if !okLong || !okShort {
		return
	}

	longPrice, shortPrice, err := m.fetchMarks(ctx, long, short, h.Symbol)
	if err != nil {
		m.log.Warn().Str("key", h.Key).Err(err).Msg("monitor mark fetch failed")
		return
	}
	if !longPrice.IsPositive() {
		return
	}

	currentRatio := shortPrice.Sub(longPrice).Div(longPrice)
	ratioChange := h.EntryRatio.Sub(currentRatio)

	half := decimal.NewFromFloat(0.5)
	switch {
	case ratioChange.GreaterThanOrEqual(m.p.TakeProfit.Mul(half)):
		m.Close(ctx, h.Key, types.CloseTakeProfit)
	case ratioChange.LessThanOrEqual(m.p.StopLoss.Neg()):
		m.Close(ctx, h.Key, types.CloseStopLoss)
	case m.spreadCollapsed(h):
		m.Close(ctx, h.Key, types.CloseSpreadCollapse)
	default:
		pnl := m.pricePnl(h, longPrice, shortPrice)
		m.book.Update(h.Key, func(rec *types.Hedge) { rec.LivePnl = pnl })
	}
}

// spreadCollapsed reports whether the funding edge is gone: the live
// cross-venue spread has dropped below the warning threshold. Missing data
// on either venue means no verdict.
func (m *Manager) spreadCollapsed(h types.Hedge) bool {
	longObs, okLong := m.store.Funding(h.LongVenue, h.Symbol)
	shortObs, okShort := m.store.Funding(h.ShortVenue, h.Symbol)
	if !okLong || !okShort {
		return false
	}
	spread := shortObs.Rate.Sub(longObs.Rate).Abs()
	return spread.LessThan(m.p.Warning)
}

// pricePnl is the mark-to-mark estimate over both legs.
func (m *Manager) pricePnl(h types.Hedge, longNow, shortNow decimal.Decimal) decimal.Decimal {
	return longNow.Sub(h.LongEntryPrice).Add(h.ShortEntryPrice).Sub(shortNow).Mul(h.Size)
}

// FundingPnl estimates the funding carry collected since open:
// (avg short funding − avg long funding) × qty × hours held. Reported
// separately from the price PnL.
func (m *Manager) FundingPnl(ctx context.Context, h types.Hedge, until time.Time) (decimal.Decimal, error) {
	long, okLong := m.adapters[h.LongVenue]
	short, okShort := m.adapters[h.ShortVenue]
	if !okLong || !okShort {
		return decimal.Zero, fmt.Errorf("unknown venue on hedge %s", h.Key)
	}
	avgLong, err := long.AvgFundingRate(ctx, h.Symbol, h.OpenedAt)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s avg funding: %w", h.LongVenue, err)
	}
	avgShort, err := short.AvgFundingRate(ctx, h.Symbol, h.OpenedAt)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s avg funding: %w", h.ShortVenue, err)
	}
	hours := decimal.NewFromFloat(until.Sub(h.OpenedAt).Hours())
	return avgShort.Sub(avgLong).Mul(h.Size).Mul(hours), nil
}

// ————————————————————————————————————————————————————————————————————————
// Close
// ————————————————————————————————————————————————————————————————————————

// Close unwinds one active hedge. The Active→Closing transition is the
// per-key in-flight marker: a second concurrent close on the same key fails
// the transition and returns immediately.
func (m *Manager) Close(ctx context.Context, key string, reason types.CloseReason) {
	if !m.book.Transition(key, types.HedgeActive, types.HedgeClosing, func(h *types.Hedge) {
		h.CloseReason = reason
	}) {
		return
	}
	h, _ := m.book.Get(key)
	long := m.adapters[h.LongVenue]
	short := m.adapters[h.ShortVenue]

	longQty, shortQty := h.Size, h.Size
	if h.LongOrder != nil && h.LongOrder.ExecutedQty.IsPositive() {
		longQty = h.LongOrder.ExecutedQty
	}
	if h.ShortOrder != nil && h.ShortOrder.ExecutedQty.IsPositive() {
		shortQty = h.ShortOrder.ExecutedQty
	}

	m.log.Info().Str("key", key).Str("reason", string(reason)).Msg("closing hedge")

	var wg sync.WaitGroup
	var longErr, shortErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		longErr = m.closeWithRetry(ctx, long, h.Symbol, types.BUY, longQty)
	}()
	go func() {
		defer wg.Done()
		shortErr = m.closeWithRetry(ctx, short, h.Symbol, types.SELL, shortQty)
	}()
	wg.Wait()

	if longErr != nil || shortErr != nil {
		m.book.Transition(key, types.HedgeClosing, types.HedgeCloseFailed, func(rec *types.Hedge) {
			rec.ClosedAt = time.Now()
		})
		rec, _ := m.book.Get(key)
		m.metrics.CountHedge("close_failed")
		m.metrics.SetOpenHedges(m.book.ActiveCount())
		m.log.Error().
			Str("key", key).
			AnErr("long_err", longErr).
			AnErr("short_err", shortErr).
			Msg("hedge close failed, operator intervention required")
		m.bus.Publish(types.EventHedgeCloseFailed, types.HedgeEvent{
			Hedge: rec,
			Error: fmt.Sprintf("long: %v; short: %v", longErr, shortErr),
		})
		return
	}

	now := time.Now()
	longPrice, shortPrice, err := m.fetchMarks(ctx, long, short, h.Symbol)
	realized := h.LivePnl
	if err == nil && longPrice.IsPositive() {
		realized = m.pricePnl(h, longPrice, shortPrice)
	}
	m.book.Transition(key, types.HedgeClosing, types.HedgeClosed, func(rec *types.Hedge) {
		rec.ClosedAt = now
		rec.RealizedPnl = realized
	})
	rec, _ := m.book.Get(key)
	m.metrics.CountHedge("closed")
	m.metrics.SetOpenHedges(m.book.ActiveCount())

	if fundingPnl, ferr := m.FundingPnl(ctx, rec, now); ferr == nil {
		m.log.Info().
			Str("key", key).
			Str("price_pnl", realized.String()).
			Str("funding_pnl", fundingPnl.String()).
			Str("reason", string(reason)).
			Msg("hedge closed")
	} else {
		m.log.Info().Str("key", key).Str("price_pnl", realized.String()).Str("reason", string(reason)).Msg("hedge closed")
	}
	m.bus.Publish(types.EventHedgeClosed, types.HedgeEvent{Hedge: rec})
}

// CloseAll unwinds every active hedge concurrently. Used by the emergency
// shutdown path.
func (m *Manager) CloseAll(ctx context.Context, reason types.CloseReason) {
	active := m.book.Active()
	var wg sync.WaitGroup
	for _, h := range active {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			m.Close(ctx, key, reason)
		}(h.Key)
	}
	wg.Wait()
}

// closeWithRetry issues an opposite market close for (symbol, side, qty),
// retrying with exponential backoff up to closeRetries attempts.
func (m *Manager) closeWithRetry(ctx context.Context, ad venue.Adapter, symbol string, side types.Side, qty decimal.Decimal) error {
	wait := m.retryWait
	var err error
	for attempt := 1; attempt <= closeRetries; attempt++ {
		_, err = ad.ClosePosition(ctx, symbol, &venue.CloseSpec{Side: side, Qty: qty})
		if err == nil {
			return nil
		}
		if attempt == closeRetries {
			break
		}
		m.log.Warn().
			Str("venue", ad.Name()).
			Str("symbol", symbol).
			Int("attempt", attempt).
			Err(err).
			Msg("close attempt failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return err
}
