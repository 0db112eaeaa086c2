// Package bus is the typed publish-subscribe event bus connecting the engine
// components to the notification layer, the operator API, and each other.
//
// Subscribers receive events on a bounded channel. When a subscriber falls
// behind, non-critical events are dropped oldest-first; hedge lifecycle
// events are never dropped — publishing blocks until the subscriber drains.
package bus

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"funding-arb/pkg/types"
)

// DefaultBuffer is the per-subscriber queue depth when the caller passes 0.
const DefaultBuffer = 64

type subscription struct {
	name  string
	kinds map[types.EventKind]bool // nil means all kinds
	ch    chan types.Event
	done  chan struct{} // closed on unsubscribe, releases blocked publishers
}

func (s *subscription) wants(kind types.EventKind) bool {
	return s.kinds == nil || s.kinds[kind]
}

// Bus fans events out to subscribers. Safe for concurrent use.
type Bus struct {
	mu       sync.RWMutex
	subs     []*subscription
	closed   bool
	inFlight sync.WaitGroup // publishes still delivering
	log      zerolog.Logger
}

// New creates an empty bus.
func New(log zerolog.Logger) *Bus {
	return &Bus{log: log.With().Str("comp", "bus").Logger()}
}

// Subscribe registers a consumer. buffer <= 0 uses DefaultBuffer. With no
// kinds, the subscriber receives every event. The returned channel is closed
// by Close.
func (b *Bus) Subscribe(name string, buffer int, kinds ...types.EventKind) <-chan types.Event {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &subscription{
		name: name,
		ch:   make(chan types.Event, buffer),
		done: make(chan struct{}),
	}
	if len(kinds) > 0 {
		sub.kinds = make(map[types.EventKind]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub.ch
	}
	b.subs = append(b.subs, sub)
	return sub.ch
}

// Publish delivers an event to every matching subscriber. Non-critical kinds
// are delivered best-effort with a drop-oldest policy; critical kinds block.
func (b *Bus) Publish(kind types.EventKind, payload any) {
	ev := types.Event{Kind: kind, At: time.Now(), Payload: payload}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	b.inFlight.Add(1)
	subs := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(kind) {
			subs = append(subs, s)
		}
	}
	b.mu.RUnlock()
	defer b.inFlight.Done()

	for _, s := range subs {
		if kind.Critical() {
			select {
			case s.ch <- ev:
			case <-s.done:
			}
			continue
		}
		select {
		case s.ch <- ev:
		default:
			// Queue full: evict the oldest entry and try once more.
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- ev:
			default:
				b.log.Warn().Str("subscriber", s.name).Str("kind", string(kind)).Msg("event dropped")
			}
		}
	}
}

// Unsubscribe detaches a subscriber. Required for short-lived consumers (one
// per API stream connection); a forgotten subscription would eventually block
// critical publishes. The event channel itself is left open so an in-flight
// Publish can never hit a closed channel.
func (b *Bus) Unsubscribe(ch <-chan types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.ch == ch {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(s.done)
			return
		}
	}
}

// Close terminates all subscriber channels. Publish becomes a no-op.
// Blocked critical publishers are released via their done channels, and the
// event channels are only closed once every in-flight delivery has returned,
// so a racing Publish can never hit a closed channel.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	for _, s := range subs {
		close(s.done)
	}
	b.mu.Unlock()

	b.inFlight.Wait()
	for _, s := range subs {
		close(s.ch)
	}
}
