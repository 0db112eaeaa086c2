package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"funding-arb/internal/bus"
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	op  Operator
	bus *bus.Bus
	log zerolog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(op Operator, b *bus.Bus, log zerolog.Logger) *Handlers {
	return &Handlers{
		op:  op,
		bus: b,
		log: log.With().Str("comp", "api-handlers").Logger(),
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error().Err(err).Msg("response encode failed")
	}
}

// HandleHealth is the liveness probe.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, map[string]string{"status": "ok"})
}

// HandleStatus returns the engine state snapshot.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.op.Status())
}

// HandleHedges returns every hedge record, live and terminal.
func (h *Handlers) HandleHedges(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.op.Hedges())
}

// HandleStart enables acting on new opportunities.
func (h *Handlers) HandleStart(w http.ResponseWriter, r *http.Request) {
	h.op.StartHedging()
	h.log.Info().Msg("hedging started by operator")
	h.writeJSON(w, map[string]bool{"auto_hedge": true})
}

// HandleStop disables new opens. Active hedges keep being monitored.
func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	h.op.StopHedging()
	h.log.Info().Msg("hedging stopped by operator")
	h.writeJSON(w, map[string]bool{"auto_hedge": false})
}

// HandleEmergency triggers the full emergency shutdown: opens disabled for
// the life of the process and every position unwound.
func (h *Handlers) HandleEmergency(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "operator request"
	}

	h.log.Warn().Str("reason", body.Reason).Msg("emergency shutdown requested by operator")
	h.op.EmergencyShutdown(r.Context(), body.Reason)
	h.writeJSON(w, map[string]string{"status": "emergency shutdown complete"})
}

// HandleEvents streams bus events as server-sent events until the client
// disconnects.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	events := h.bus.Subscribe("api-stream", 128)
	defer h.bus.Unsubscribe(events)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.log.Error().Err(err).Msg("event marshal failed")
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
			flusher.Flush()
		}
	}
}
