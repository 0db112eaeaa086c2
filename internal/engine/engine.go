// Package engine is the central orchestrator of the funding-rate hedge bot.
//
// It wires together all subsystems:
//
//  1. Venue adapters (Binance, OKX) expose funding rates, positions, and
//     order placement behind a common interface.
//  2. Aggregator polls REST snapshots and ingests push streams into the store.
//  3. Detector grades funding extremes and scans for cross-venue spreads.
//  4. Hedger opens and manages delta-neutral long/short pairs.
//  5. Risk engine tracks exposure and PnL and can trigger an emergency unwind.
//  6. Rebalancer, notifier, metrics, and the operator API run alongside.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"funding-arb/internal/aggregator"
	"funding-arb/internal/api"
	"funding-arb/internal/bus"
	"funding-arb/internal/config"
	"funding-arb/internal/detector"
	"funding-arb/internal/hedger"
	"funding-arb/internal/history"
	"funding-arb/internal/metrics"
	"funding-arb/internal/notify"
	"funding-arb/internal/rebalance"
	"funding-arb/internal/regime"
	"funding-arb/internal/risk"
	"funding-arb/internal/store"
	"funding-arb/internal/venue"
	"funding-arb/internal/venue/binance"
	"funding-arb/internal/venue/okx"
	"funding-arb/pkg/types"
)

// preloadTimeout bounds the optional history fetch at startup.
const preloadTimeout = 15 * time.Second

// marketSink fans applied observations out to the detector and the regime
// classifier. The aggregator sees a single sink.
type marketSink struct {
	detector *detector.Detector
	regime   *regime.Classifier
}

func (s *marketSink) OnFunding(obs types.FundingObservation) {
	s.detector.OnFunding(obs)
}

func (s *marketSink) OnTicker(venueName, symbol string, price, volume decimal.Decimal, at time.Time) {
	s.detector.OnTicker(venueName, symbol, price, volume, at)
	s.regime.Observe(symbol, price, at)
}

func (s *marketSink) OnSnapshotCycle() {
	s.detector.OnSnapshotCycle()
}

// Engine owns every component and their goroutines. It implements
// api.Operator, so the HTTP surface drives the engine directly.
type Engine struct {
	cfg     *config.Config
	bus     *bus.Bus
	metrics *metrics.Metrics
	store   *store.Store

	adapters   []venue.Adapter
	regime     *regime.Classifier
	detector   *detector.Detector
	aggregator *aggregator.Aggregator
	hedger     *hedger.Manager
	risk       *risk.Engine
	rebalancer *rebalance.Rebalancer
	notifier   *notify.Manager
	history    *history.Loader

	apiServer     *api.Server
	metricsServer *http.Server

	log       zerolog.Logger
	startedAt time.Time
	bookPath  string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components. Nothing is started yet.
func New(cfg *config.Config, log zerolog.Logger) (*Engine, error) {
	adapters, err := buildAdapters(cfg, log)
	if err != nil {
		return nil, err
	}

	b := bus.New(log)
	m := metrics.New()
	st := store.New(cfg.HistoryCap)

	classifier := regime.New(cfg.Regime, b, log)
	det := detector.New(cfg.Thresholds, cfg.Extremes, st, b, m, log)
	sink := &marketSink{detector: det, regime: classifier}
	agg := aggregator.New(adapters, st, sink, b, m, cfg.PollingInterval(), log)

	book := hedger.NewBook()
	bookPath := filepath.Join(cfg.DataDir, "hedges.json")
	if err := book.Load(bookPath); err != nil {
		log.Warn().Err(err).Str("path", bookPath).Msg("hedge book restore failed, starting empty")
	}
	hm := hedger.New(adapters, book, st, b, m, classifier, hedger.ParamsFromConfig(cfg), log)

	rk := risk.New(adapters, b, m, hm, risk.ParamsFromConfig(cfg), log)

	rb := rebalance.New(adapters, m, cfg.RebalanceThreshold, cfg.TradeAsset, cfg.RebalanceInterval(), log)

	nm := notify.NewManager(notify.FromConfig(cfg.Notification, log), b, log)

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:        cfg,
		bus:        b,
		metrics:    m,
		store:      st,
		adapters:   adapters,
		regime:     classifier,
		detector:   det,
		aggregator: agg,
		hedger:     hm,
		risk:       rk,
		rebalancer: rb,
		notifier:   nm,
		history:    history.New(cfg.History, log),
		log:        log.With().Str("comp", "engine").Logger(),
		bookPath:   bookPath,
		ctx:        ctx,
		cancel:     cancel,
	}

	// The drawdown guard unwinds hedges pairwise before the raw position
	// sweep, so close records carry reasons and PnL.
	rk.SetDrawdownHandler(func(ctx context.Context) {
		e.EmergencyShutdown(ctx, "session drawdown limit breached")
	})

	if cfg.API.Listen != "" {
		e.apiServer = api.NewServer(cfg.API, e, b, log)
	}
	if cfg.Metrics.Listen != "" {
		e.metricsServer = &http.Server{
			Addr:        cfg.Metrics.Listen,
			Handler:     m.Handler(),
			ReadTimeout: 10 * time.Second,
		}
	}

	return e, nil
}

// buildAdapters instantiates one adapter per configured venue, in stable
// name order.
func buildAdapters(cfg *config.Config, log zerolog.Logger) ([]venue.Adapter, error) {
	names := make([]string, 0, len(cfg.Venues))
	for name := range cfg.Venues {
		names = append(names, name)
	}
	sort.Strings(names)

	adapters := make([]venue.Adapter, 0, len(names))
	for _, name := range names {
		vc := cfg.Venues[name]
		switch name {
		case binance.Name:
			adapters = append(adapters, binance.New(vc, log))
		case okx.Name:
			adapters = append(adapters, okx.New(vc, log))
		default:
			return nil, fmt.Errorf("unknown venue %q", name)
		}
	}
	return adapters, nil
}

// Start seeds history and launches all background loops. Non-blocking.
func (e *Engine) Start() error {
	if err := os.MkdirAll(e.cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	e.startedAt = time.Now()

	if e.history != nil {
		preloadCtx, cancel := context.WithTimeout(e.ctx, preloadTimeout)
		e.aggregator.Preload(preloadCtx, e.history)
		cancel()
	}

	e.runLoop("notifier", e.notifier.Run)
	e.runLoop("aggregator", e.aggregator.Run)
	e.runLoop("hedger", e.hedger.Run)
	e.runLoop("risk", e.risk.Run)
	e.runLoop("rebalancer", e.rebalancer.Run)

	if e.apiServer != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.apiServer.Start(); err != nil {
				e.log.Error().Err(err).Msg("api server failed")
			}
		}()
	}
	if e.metricsServer != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.log.Info().Str("addr", e.metricsServer.Addr).Msg("metrics listening")
			if err := e.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				e.log.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	e.log.Info().
		Int("venues", len(e.adapters)).
		Bool("auto_hedge", e.hedger.AutoHedge()).
		Msg("engine started")
	return nil
}

func (e *Engine) runLoop(name string, fn func(ctx context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(e.ctx)
		e.log.Debug().Str("loop", name).Msg("loop exited")
	}()
}

// Stop shuts everything down: drains the HTTP servers, cancels the loops,
// waits for goroutines within the shutdown grace, and snapshots the hedge
// book for the next start.
func (e *Engine) Stop() {
	e.log.Info().Msg("shutting down...")

	grace, cancel := context.WithTimeout(context.Background(), e.cfg.ShutdownGrace())
	defer cancel()

	if e.apiServer != nil {
		if err := e.apiServer.Stop(grace); err != nil {
			e.log.Error().Err(err).Msg("api shutdown failed")
		}
	}
	if e.metricsServer != nil {
		if err := e.metricsServer.Shutdown(grace); err != nil {
			e.log.Error().Err(err).Msg("metrics shutdown failed")
		}
	}

	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-grace.Done():
		e.log.Warn().Msg("shutdown grace expired with loops still running")
	}

	if err := e.hedger.Book().Save(e.bookPath); err != nil {
		e.log.Error().Err(err).Str("path", e.bookPath).Msg("hedge book snapshot failed")
	} else {
		e.log.Info().Str("path", e.bookPath).Msg("hedge book saved")
	}

	e.bus.Close()
	e.log.Info().Msg("shutdown complete")
}

// ————————————————————————————————————————————————————————————————————————
// Operator surface
// ————————————————————————————————————————————————————————————————————————

// Status returns the engine state snapshot for the operator API.
func (e *Engine) Status() api.Status {
	names := make([]string, 0, len(e.adapters))
	for _, ad := range e.adapters {
		names = append(names, ad.Name())
	}
	return api.Status{
		AutoHedge:        e.hedger.AutoHedge(),
		EmergencyStopped: e.hedger.EmergencyStopped(),
		ActiveHedges:     e.hedger.Book().ActiveCount(),
		Venues:           names,
		Exposure:         e.risk.Exposure(),
		Pnl:              e.risk.Pnl(),
		StartedAt:        e.startedAt,
	}
}

// Hedges returns every hedge record, live and terminal.
func (e *Engine) Hedges() []types.Hedge {
	return e.hedger.Book().All()
}

// StartHedging enables acting on new opportunities. A no-op while the
// emergency stop is engaged.
func (e *Engine) StartHedging() {
	if e.hedger.EmergencyStopped() {
		e.log.Warn().Msg("start refused, emergency stop engaged")
		return
	}
	e.hedger.SetAutoHedge(true)
}

// StopHedging disables new opens. Active hedges keep being monitored.
func (e *Engine) StopHedging() {
	e.hedger.SetAutoHedge(false)
}

// EmergencyShutdown engages the stop, unwinds every hedge pairwise, then
// sweeps any residual venue positions. Opens stay disabled until restart.
func (e *Engine) EmergencyShutdown(ctx context.Context, reason string) {
	e.hedger.SetEmergencyStop()
	e.hedger.CloseAll(ctx, types.CloseEmergency)
	e.risk.EmergencyShutdown(ctx, reason)
}
