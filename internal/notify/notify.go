// Package notify delivers bus events to external channels. The manager
// subscribes to the operator-relevant event kinds, renders each into a short
// subject/body pair, and fans it out to every configured notifier. Delivery
// is isolated per notifier: one channel being down never blocks or fails the
// others, and the trading loops never wait on delivery.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"funding-arb/internal/bus"
	"funding-arb/internal/config"
	"funding-arb/pkg/types"
)

// sendTimeout bounds one delivery attempt to one notifier.
const sendTimeout = 10 * time.Second

// Notifier delivers one rendered message to an external channel.
type Notifier interface {
	Name() string
	Send(ctx context.Context, subject, body string) error
}

// Manager fans rendered events out to all notifiers.
type Manager struct {
	notifiers []Notifier
	bus       *bus.Bus
	log       zerolog.Logger
}

// NewManager builds a manager over the given notifiers. An empty notifier
// list is valid; Run then just drains its subscription.
func NewManager(notifiers []Notifier, b *bus.Bus, log zerolog.Logger) *Manager {
	return &Manager{
		notifiers: notifiers,
		bus:       b,
		log:       log.With().Str("comp", "notify").Logger(),
	}
}

// FromConfig builds the notifiers enabled by configuration. A Telegram setup
// failure disables that channel with a warning rather than failing startup.
func FromConfig(cfg config.NotificationConfig, log zerolog.Logger) []Notifier {
	var out []Notifier
	if cfg.Chat.Token != "" && cfg.Chat.ChatID != 0 {
		tg, err := NewTelegram(cfg.Chat.Token, cfg.Chat.ChatID)
		if err != nil {
			log.Warn().Err(err).Msg("telegram notifier disabled")
		} else {
			out = append(out, tg)
		}
	}
	if cfg.Webhook != "" {
		out = append(out, NewWebhook(cfg.Webhook))
	}
	return out
}

// Run consumes events until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	events := m.bus.Subscribe("notify", 64,
		types.EventAlert,
		types.EventArbitrage,
		types.EventExtreme,
		types.EventHedgeOpened,
		types.EventHedgeClosed,
		types.EventHedgeFailed,
		types.EventHedgeCloseFailed,
		types.EventRiskExceeded,
		types.EventDailyPnl,
		types.EventEmergencyShutdown,
	)

	for {
		select {
		case <-ctx.Done():
			m.log.Info().Msg("notifier stopped")
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			subject, body := Render(ev)
			if subject == "" {
				continue
			}
			m.dispatch(ctx, subject, body)
		}
	}
}

// dispatch sends to every notifier concurrently and waits for all attempts
// so message order is preserved per channel.
func (m *Manager) dispatch(ctx context.Context, subject, body string) {
	done := make(chan struct{}, len(m.notifiers))
	for _, n := range m.notifiers {
		go func(n Notifier) {
			defer func() { done <- struct{}{} }()
			sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
			defer cancel()
			if err := n.Send(sendCtx, subject, body); err != nil {
				m.log.Warn().Str("notifier", n.Name()).Err(err).Msg("delivery failed")
			}
		}(n)
	}
	for range m.notifiers {
		<-done
	}
}

// Render turns a bus event into a subject/body pair. An empty subject means
// the event has no external representation.
func Render(ev types.Event) (subject, body string) {
	switch p := ev.Payload.(type) {
	case types.AlertEvent:
		return fmt.Sprintf("Funding %s: %s", p.Level, p.Symbol),
			fmt.Sprintf("%s %s rate %s: %s", p.Venue, p.Symbol, p.Rate, p.Message)
	case types.ArbitrageEvent:
		return fmt.Sprintf("Arbitrage: %s spread %s", p.Symbol, p.Spread),
			fmt.Sprintf("long %s (%s) / short %s (%s)",
				p.LongVenue, p.LongRate, p.ShortVenue, p.ShortRate)
	case types.ExtremeEvent:
		return fmt.Sprintf("Extreme %s: %s", p.Type, p.Symbol),
			fmt.Sprintf("%s %s change %s", p.Venue, p.Symbol, p.Change)
	case types.HedgeEvent:
		h := p.Hedge
		subject = fmt.Sprintf("Hedge %s: %s", h.State, h.Symbol)
		body = fmt.Sprintf("long %s / short %s size %s", h.LongVenue, h.ShortVenue, h.Size)
		if h.State == types.HedgeClosed {
			body += fmt.Sprintf(", pnl %s (%s)", h.RealizedPnl, h.CloseReason)
		}
		if p.Error != "" {
			body += ": " + p.Error
		}
		return subject, body
	case types.RiskExceededEvent:
		return "Exposure limit exceeded",
			fmt.Sprintf("net %s of %s (ratio %s)",
				p.Exposure.NetValue, p.Exposure.TotalValue, p.Exposure.Ratio)
	case types.DailyPnlEvent:
		return "Daily PnL", p.Value.String()
	case types.EmergencyShutdownEvent:
		return "EMERGENCY SHUTDOWN",
			fmt.Sprintf("%d positions closed, %d errors: %s",
				p.PositionsClosed, p.Errors, p.Reason)
	}
	return "", ""
}
