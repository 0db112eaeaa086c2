package bus

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"funding-arb/pkg/types"
)

func TestSubscribeKindFilter(t *testing.T) {
	t.Parallel()

	b := New(zerolog.Nop())
	alerts := b.Subscribe("alerts-only", 4, types.EventAlert)
	all := b.Subscribe("everything", 4)

	b.Publish(types.EventAlert, types.AlertEvent{Level: types.AlertWarning})
	b.Publish(types.EventFetchFailed, types.FetchFailedEvent{Venue: "binance"})

	select {
	case ev := <-alerts:
		if ev.Kind != types.EventAlert {
			t.Errorf("filtered subscriber got %q", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("filtered subscriber got nothing")
	}
	select {
	case ev := <-alerts:
		t.Errorf("filtered subscriber got unexpected %q", ev.Kind)
	default:
	}

	for i := 0; i < 2; i++ {
		select {
		case <-all:
		case <-time.After(time.Second):
			t.Fatal("catch-all subscriber missing events")
		}
	}
}

func TestPublishDropsOldestWhenFull(t *testing.T) {
	t.Parallel()

	b := New(zerolog.Nop())
	ch := b.Subscribe("slow", 2, types.EventAlert)

	for i := 0; i < 5; i++ {
		b.Publish(types.EventAlert, types.AlertEvent{Message: string(rune('a' + i))})
	}

	// Queue depth 2: only the newest two survive.
	first := <-ch
	second := <-ch
	if first.Payload.(types.AlertEvent).Message != "d" || second.Payload.(types.AlertEvent).Message != "e" {
		t.Errorf("surviving events = %v, %v; want d, e",
			first.Payload.(types.AlertEvent).Message, second.Payload.(types.AlertEvent).Message)
	}
	select {
	case ev := <-ch:
		t.Errorf("unexpected extra event %v", ev)
	default:
	}
}

func TestPublishCriticalBlocksUntilDrained(t *testing.T) {
	t.Parallel()

	b := New(zerolog.Nop())
	ch := b.Subscribe("audit", 1, types.EventHedgeOpened)

	b.Publish(types.EventHedgeOpened, types.HedgeEvent{Hedge: types.Hedge{Key: "one"}})

	done := make(chan struct{})
	go func() {
		b.Publish(types.EventHedgeOpened, types.HedgeEvent{Hedge: types.Hedge{Key: "two"}})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("critical publish completed while subscriber queue was full")
	case <-time.After(50 * time.Millisecond):
	}

	if ev := <-ch; ev.Payload.(types.HedgeEvent).Hedge.Key != "one" {
		t.Errorf("first event key = %q, want one", ev.Payload.(types.HedgeEvent).Hedge.Key)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("critical publish never completed after drain")
	}
	if ev := <-ch; ev.Payload.(types.HedgeEvent).Hedge.Key != "two" {
		t.Errorf("second event key = %q, want two", ev.Payload.(types.HedgeEvent).Hedge.Key)
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	t.Parallel()

	b := New(zerolog.Nop())
	ch := b.Subscribe("sub", 4)
	b.Close()

	b.Publish(types.EventAlert, types.AlertEvent{})

	if _, ok := <-ch; ok {
		t.Error("channel should be closed with no pending events")
	}

	// Subscribing after close yields a closed channel.
	late := b.Subscribe("late", 4)
	if _, ok := <-late; ok {
		t.Error("late subscriber channel should be closed")
	}
}

func TestUnsubscribeReleasesBlockedPublisher(t *testing.T) {
	t.Parallel()

	b := New(zerolog.Nop())
	ch := b.Subscribe("stream", 1, types.EventHedgeOpened)

	b.Publish(types.EventHedgeOpened, types.HedgeEvent{Hedge: types.Hedge{Key: "one"}})

	done := make(chan struct{})
	go func() {
		// Queue full and nobody reading: this blocks until unsubscribe.
		b.Publish(types.EventHedgeOpened, types.HedgeEvent{Hedge: types.Hedge{Key: "two"}})
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	b.Unsubscribe(ch)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher still blocked after unsubscribe")
	}

	// A detached subscriber receives nothing further.
	b.Publish(types.EventHedgeOpened, types.HedgeEvent{Hedge: types.Hedge{Key: "three"}})
	<-ch // drain "one"
	select {
	case ev := <-ch:
		if ev.Payload.(types.HedgeEvent).Hedge.Key == "three" {
			t.Error("event delivered after unsubscribe")
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCloseReleasesBlockedPublisherWithoutPanic(t *testing.T) {
	t.Parallel()

	b := New(zerolog.Nop())
	ch := b.Subscribe("stalled", 1, types.EventHedgeOpened)

	b.Publish(types.EventHedgeOpened, types.HedgeEvent{Hedge: types.Hedge{Key: "one"}})

	published := make(chan struct{})
	go func() {
		// Queue full and nobody reading: this blocks until Close.
		b.Publish(types.EventHedgeOpened, types.HedgeEvent{Hedge: types.Hedge{Key: "two"}})
		close(published)
	}()

	time.Sleep(20 * time.Millisecond)
	b.Close()

	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("publisher still blocked after close")
	}

	// The subscriber channel ends closed once delivery has settled.
	<-ch // drain "one"
	select {
	case _, open := <-ch:
		if open {
			// "two" may have won the race against done; the next receive
			// must observe the close.
			if _, open := <-ch; open {
				t.Error("channel still open after Close")
			}
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
}
