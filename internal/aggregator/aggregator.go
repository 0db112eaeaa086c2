// Package aggregator merges periodic REST funding snapshots with streaming
// push updates into the market store, and feeds every applied observation to
// the detector.
//
// It is the single writer of the store. Snapshot fan-out is all-settled: each
// venue is polled on its own goroutine with a per-call timeout of half the
// polling interval, so one slow or failing venue never delays the others.
package aggregator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"funding-arb/internal/bus"
	"funding-arb/internal/metrics"
	"funding-arb/internal/store"
	"funding-arb/internal/venue"
	"funding-arb/pkg/types"
)

// streamRetryWait is how long a stream reader pauses before re-invoking a
// venue subscription that returned without a cancel.
const streamRetryWait = 5 * time.Second

// Sink consumes observations after they are applied to the store.
// OnSnapshotCycle fires once per completed poll fan-out, which is the
// detector's trigger for the cross-venue arbitrage scan.
type Sink interface {
	OnFunding(obs types.FundingObservation)
	OnTicker(venueName, symbol string, price, volume decimal.Decimal, at time.Time)
	OnSnapshotCycle()
}

// HistoryLoader optionally seeds funding history at startup.
type HistoryLoader interface {
	Load(ctx context.Context) ([]types.FundingObservation, error)
}

// Aggregator owns the poll loop and one stream reader per venue.
type Aggregator struct {
	adapters []venue.Adapter
	store    *store.Store
	sink     Sink
	bus      *bus.Bus
	metrics  *metrics.Metrics
	interval time.Duration
	log      zerolog.Logger
}

// New wires an aggregator. metrics may be nil.
func New(adapters []venue.Adapter, st *store.Store, sink Sink, b *bus.Bus, m *metrics.Metrics, interval time.Duration, log zerolog.Logger) *Aggregator {
	return &Aggregator{
		adapters: adapters,
		store:    st,
		sink:     sink,
		bus:      b,
		metrics:  m,
		interval: interval,
		log:      log.With().Str("comp", "aggregator").Logger(),
	}
}

// Preload seeds the store from the history collaborator. Any failure is
// logged and swallowed; the engine starts with whatever arrived.
func (a *Aggregator) Preload(ctx context.Context, loader HistoryLoader) {
	if loader == nil {
		return
	}
	observations, err := loader.Load(ctx)
	if err != nil {
		a.log.Warn().Err(err).Msg("history preload failed, starting empty")
		return
	}
	applied := 0
	for _, obs := range observations {
		if _, ok := a.store.ApplyFunding(obs); ok {
			applied++
		}
	}
	a.log.Info().Int("loaded", len(observations)).Int("applied", applied).Msg("history preloaded")
}

// Run drives the poll loop and the per-venue stream readers until ctx is
// cancelled. The first snapshot happens immediately.
func (a *Aggregator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, ad := range a.adapters {
		wg.Add(1)
		go func(ad venue.Adapter) {
			defer wg.Done()
			a.runStream(ctx, ad)
		}(ad)
	}

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			a.log.Info().Msg("aggregator stopped")
			return
		case <-ticker.C:
			a.pollOnce(ctx)
		}
	}
}

type venueBatch struct {
	venueName    string
	observations []types.FundingObservation
	err          error
}

// pollOnce fans FetchFundingRates out to every adapter and applies the
// results. A venue's batch is applied in the order the adapter produced it.
func (a *Aggregator) pollOnce(ctx context.Context) {
	started := time.Now()
	results := make(chan venueBatch, len(a.adapters))

	for _, ad := range a.adapters {
		go func(ad venue.Adapter) {
			callCtx, cancel := context.WithTimeout(ctx, a.interval/2)
			defer cancel()
			observations, err := ad.FetchFundingRates(callCtx)
			results <- venueBatch{venueName: ad.Name(), observations: observations, err: err}
		}(ad)
	}

	for range a.adapters {
		batch := <-results
		if batch.err != nil {
			a.log.Warn().Str("venue", batch.venueName).Err(batch.err).Msg("funding fetch failed")
			a.metrics.CountVenueError(batch.venueName, string(venue.KindOf(batch.err)))
			a.bus.Publish(types.EventFetchFailed, types.FetchFailedEvent{
				Venue: batch.venueName,
				Err:   batch.err.Error(),
			})
			continue
		}
		for _, obs := range batch.observations {
			a.ingestFunding(obs)
		}
	}

	a.metrics.ObservePoll(time.Since(started))
	a.sink.OnSnapshotCycle()
}

func (a *Aggregator) ingestFunding(obs types.FundingObservation) {
	if _, applied := a.store.ApplyFunding(obs); !applied {
		return
	}
	a.metrics.SetFundingRate(obs.Venue, obs.Symbol, obs.Rate.InexactFloat64())
	a.sink.OnFunding(obs)
}

// runStream keeps one venue's subscription alive. The adapter reconnects
// internally; if the subscription returns anyway, it is restarted after a
// short pause until ctx ends.
func (a *Aggregator) runStream(ctx context.Context, ad venue.Adapter) {
	log := a.log.With().Str("venue", ad.Name()).Logger()
	for {
		err := ad.SubscribeStream(ctx, func(ev types.StreamEvent) {
			a.handleStreamEvent(ad.Name(), ev)
		})
		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Msg("stream ended, restarting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(streamRetryWait):
		}
	}
}

func (a *Aggregator) handleStreamEvent(venueName string, ev types.StreamEvent) {
	switch ev.Kind {
	case types.StreamFunding:
		a.ingestFunding(types.FundingObservation{
			Venue:           venueName,
			Symbol:          ev.Symbol,
			Rate:            ev.Rate,
			NextFundingTime: ev.NextFundingTime,
			ObservedAt:      ev.At,
		})
	case types.StreamTicker:
		_, applied := a.store.ApplyQuote(types.MarketQuote{
			Venue:      venueName,
			Symbol:     ev.Symbol,
			MarkPrice:  ev.MarkPrice,
			ObservedAt: ev.At,
		})
		if applied {
			a.sink.OnTicker(venueName, ev.Symbol, ev.MarkPrice, ev.Volume, ev.At)
		}
	case types.StreamPosition:
		// Position pushes are informational; the risk loop re-reads
		// positions from the venue on its own cadence.
	}
}
