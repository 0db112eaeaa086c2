// funding-arb — a cross-venue perpetual-futures funding-rate monitor and
// delta-neutral hedge engine.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: wires adapters → aggregator → detector → hedger, owns lifecycle
//	venue/               — Adapter interface; binance/ and okx/ implement REST + WebSocket access
//	aggregator/          — merges REST funding snapshots with push streams into the store
//	detector/            — grades funding extremes, scans venue pairs for arbitrage spreads
//	regime/              — ATR/RSI volatility classifier that can veto new opens
//	hedger/              — hedge lifecycle state machine: open both legs, monitor, close
//	risk/                — exposure tracking, protection stops, emergency unwind
//	rebalance/           — equalizes free capital across venues
//	notify/              — Telegram + webhook alert delivery off the event bus
//	api/                 — operator HTTP surface: status, hedge book, SSE events, controls
//	store/               — in-memory market state: latest funding + bounded history
//
// How it makes money:
//
//	Perpetual futures charge funding between longs and shorts every interval.
//	When two venues price funding differently for the same symbol, the bot
//	goes long where funding is low (or negative) and short where it is high,
//	collecting the spread while price exposure nets to zero. Positions are
//	closed when the spread collapses or a profit/loss bound is hit.
package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"funding-arb/internal/config"
	"funding-arb/internal/engine"
)

func main() {
	// Credentials are commonly kept in a local .env during development.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("FUNDARB_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg.Logging)

	eng, err := engine.New(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create engine")
	}
	if err := eng.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start engine")
	}

	log.Info().
		Str("config", cfgPath).
		Bool("auto_hedge", cfg.AutoHedge).
		Float64("max_exposure", cfg.MaxExposure).
		Msg("funding arbitrage engine started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	eng.Stop()
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var out io.Writer = os.Stdout
	if cfg.Format != "json" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
