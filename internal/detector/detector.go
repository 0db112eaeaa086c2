// Package detector evaluates funding observations against the configured
// thresholds, maintains the per-(venue,symbol) alert counters, and runs the
// cross-venue arbitrage scan after each snapshot cycle.
//
// It implements the aggregator's Sink: every applied observation flows
// through OnFunding, ticker updates feed the extreme-event tracker, and
// OnSnapshotCycle triggers the scan.
package detector

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"funding-arb/internal/bus"
	"funding-arb/internal/config"
	"funding-arb/internal/metrics"
	"funding-arb/internal/store"
	"funding-arb/pkg/types"
)

// Detector owns threshold evaluation and opportunity scanning.
type Detector struct {
	warning   decimal.Decimal
	critical  decimal.Decimal
	arbitrage decimal.Decimal

	store    *store.Store
	bus      *bus.Bus
	metrics  *metrics.Metrics
	extremes *extremeTracker
	log      zerolog.Logger

	mu       sync.Mutex
	counters map[string]int // venue|symbol
}

// New builds a detector. metrics may be nil.
func New(thresholds config.ThresholdsConfig, extremes config.ExtremesConfig, st *store.Store, b *bus.Bus, m *metrics.Metrics, log zerolog.Logger) *Detector {
	return &Detector{
		warning:   decimal.NewFromFloat(thresholds.Warning),
		critical:  decimal.NewFromFloat(thresholds.Critical),
		arbitrage: decimal.NewFromFloat(thresholds.Arbitrage),
		store:     st,
		bus:       b,
		metrics:   m,
		extremes:  newExtremeTracker(extremes, b, log),
		log:       log.With().Str("comp", "detector").Logger(),
		counters:  make(map[string]int),
	}
}

// OnFunding grades one observation. A critical breach additionally triggers
// an immediate arbitrage scan instead of waiting for the next cycle, so
// stream-delivered spikes are acted on without polling delay.
func (d *Detector) OnFunding(obs types.FundingObservation) {
	magnitude := obs.Rate.Abs()

	switch {
	case magnitude.GreaterThan(d.critical):
		d.bump(obs.Venue, obs.Symbol)
		d.emitAlert(types.AlertCritical, obs)
		d.scanArbitrage()
	case magnitude.GreaterThan(d.warning):
		d.bump(obs.Venue, obs.Symbol)
		d.emitAlert(types.AlertWarning, obs)
	default:
		d.reset(obs.Venue, obs.Symbol)
	}
}

// OnTicker feeds the extreme-event tracker.
func (d *Detector) OnTicker(venueName, symbol string, price, volume decimal.Decimal, at time.Time) {
	d.extremes.observe(venueName, symbol, price, volume)
}

// OnSnapshotCycle runs the arbitrage scan over the store's latest view.
func (d *Detector) OnSnapshotCycle() {
	d.scanArbitrage()
}

// Counter returns the current alert counter for a (venue, symbol).
func (d *Detector) Counter(venueName, symbol string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counters[venueName+"|"+symbol]
}

// Counters returns a copy of all non-zero alert counters.
func (d *Detector) Counters() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]int, len(d.counters))
	for k, v := range d.counters {
		if v > 0 {
			out[k] = v
		}
	}
	return out
}

func (d *Detector) bump(venueName, symbol string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counters[venueName+"|"+symbol]++
}

func (d *Detector) reset(venueName, symbol string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.counters, venueName+"|"+symbol)
}

func (d *Detector) emitAlert(level types.AlertLevel, obs types.FundingObservation) {
	msg := fmt.Sprintf("funding rate %s on %s %s above %s threshold",
		obs.Rate.String(), obs.Venue, obs.Symbol, level)
	d.log.Warn().
		Str("venue", obs.Venue).
		Str("symbol", obs.Symbol).
		Str("rate", obs.Rate.String()).
		Str("level", string(level)).
		Msg("funding alert")
	d.metrics.CountAlert(string(level))
	d.bus.Publish(types.EventAlert, types.AlertEvent{
		Level:   level,
		Venue:   obs.Venue,
		Symbol:  obs.Symbol,
		Rate:    obs.Rate,
		Message: msg,
	})
}

// scanArbitrage finds, for every symbol listed on all venues, the widest
// funding spread and publishes an opportunity when it clears the threshold.
// Venues are visited in lexicographic order so that on equal rates the
// smaller venue id wins the long/short assignment.
func (d *Detector) scanArbitrage() {
	latest := d.store.LatestFunding()
	if len(latest) < 2 {
		return
	}

	venues := make([]string, 0, len(latest))
	for v := range latest {
		venues = append(venues, v)
	}
	sort.Strings(venues)

	// Common symbol set: intersection across all venues.
	common := make(map[string]int)
	for _, v := range venues {
		for sym := range latest[v] {
			common[sym]++
		}
	}
	symbols := make([]string, 0, len(common))
	for sym, n := range common {
		if n == len(venues) {
			symbols = append(symbols, sym)
		}
	}
	sort.Strings(symbols)

	for _, sym := range symbols {
		var minVenue, maxVenue string
		var minRate, maxRate decimal.Decimal
		for i, v := range venues {
			rate := latest[v][sym].Rate
			if i == 0 {
				minVenue, maxVenue = v, v
				minRate, maxRate = rate, rate
				continue
			}
			if rate.LessThan(minRate) {
				minVenue, minRate = v, rate
			}
			if rate.GreaterThan(maxRate) {
				maxVenue, maxRate = v, rate
			}
		}

		spread := maxRate.Sub(minRate)
		d.metrics.SetFundingSpread(sym, spread.InexactFloat64())
		if !spread.GreaterThan(d.arbitrage) {
			continue
		}

		d.log.Info().
			Str("symbol", sym).
			Str("long_venue", minVenue).
			Str("short_venue", maxVenue).
			Str("spread", spread.String()).
			Msg("arbitrage opportunity")
		d.bus.Publish(types.EventArbitrage, types.ArbitrageEvent{
			Symbol:     sym,
			LongVenue:  minVenue,
			ShortVenue: maxVenue,
			LongRate:   minRate,
			ShortRate:  maxRate,
			Spread:     spread,
		})
	}
}
