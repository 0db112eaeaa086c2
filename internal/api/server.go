// Package api serves the operator HTTP surface: engine status, the hedge
// book, a live event stream, and the hedging controls. It is a thin layer
// over the Operator interface the engine implements; no trading logic lives
// here.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"funding-arb/internal/bus"
	"funding-arb/internal/config"
	"funding-arb/pkg/types"
)

// Status is the engine state snapshot returned by GET /api/status.
type Status struct {
	AutoHedge        bool                   `json:"auto_hedge"`
	EmergencyStopped bool                   `json:"emergency_stopped"`
	ActiveHedges     int                    `json:"active_hedges"`
	Venues           []string               `json:"venues"`
	Exposure         types.ExposureSnapshot `json:"exposure"`
	Pnl              types.Pnl              `json:"pnl"`
	StartedAt        time.Time              `json:"started_at"`
}

// Operator is the engine surface the API drives.
type Operator interface {
	Status() Status
	Hedges() []types.Hedge
	StartHedging()
	StopHedging()
	EmergencyShutdown(ctx context.Context, reason string)
}

// Server runs the operator HTTP API.
type Server struct {
	op       Operator
	bus      *bus.Bus
	handlers *Handlers
	server   *http.Server
	log      zerolog.Logger
}

// NewServer builds a server bound to cfg.Listen.
func NewServer(cfg config.APIConfig, op Operator, b *bus.Bus, log zerolog.Logger) *Server {
	handlers := NewHandlers(op, b, log)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handlers.HandleHealth)
	mux.HandleFunc("GET /api/status", handlers.HandleStatus)
	mux.HandleFunc("GET /api/hedges", handlers.HandleHedges)
	mux.HandleFunc("GET /api/events", handlers.HandleEvents)
	mux.HandleFunc("POST /api/hedging/start", handlers.HandleStart)
	mux.HandleFunc("POST /api/hedging/stop", handlers.HandleStop)
	mux.HandleFunc("POST /api/emergency", handlers.HandleEmergency)

	server := &http.Server{
		Addr:        cfg.Listen,
		Handler:     corsMiddleware(cfg.AllowedOrigins, mux),
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: /api/events is a long-lived stream.
		IdleTimeout: 60 * time.Second,
	}

	return &Server{
		op:       op,
		bus:      b,
		handlers: handlers,
		server:   server,
		log:      log.With().Str("comp", "api").Logger(),
	}
}

// Start serves until Stop is called. Blocks.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("operator API listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop drains connections and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info().Msg("stopping operator API")
	return s.server.Shutdown(ctx)
}

// corsMiddleware allows the configured dashboard origins. An empty list
// means same-origin only.
func corsMiddleware(origins []string, next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && (allowed[origin] || allowed["*"]) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
