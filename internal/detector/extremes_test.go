package detector

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"funding-arb/internal/bus"
	"funding-arb/internal/config"
	"funding-arb/pkg/types"
)

func newTracker(window int) (*extremeTracker, <-chan types.Event) {
	b := bus.New(zerolog.Nop())
	ch := b.Subscribe("test", 32, types.EventExtreme)
	tr := newExtremeTracker(config.ExtremesConfig{
		Window:      window,
		ReturnLimit: 0.05,
		VolumeFloor: 0.3,
		VolSpike:    3.0,
	}, b, zerolog.Nop())
	return tr, ch
}

func collectExtremes(ch <-chan types.Event, wait time.Duration) []types.ExtremeEvent {
	deadline := time.After(wait)
	var out []types.ExtremeEvent
	for {
		select {
		case ev := <-ch:
			out = append(out, ev.Payload.(types.ExtremeEvent))
		case <-deadline:
			return out
		}
	}
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestPriceSurgeAndCrash(t *testing.T) {
	t.Parallel()

	tr, ch := newTracker(5)
	tr.observe("binance", "BTCUSDT", d("100"), d("10"))
	tr.observe("binance", "BTCUSDT", d("106"), d("10")) // +6%
	tr.observe("binance", "BTCUSDT", d("99"), d("10"))  // -6.6%

	events := collectExtremes(ch, 50*time.Millisecond)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(events), events)
	}
	if events[0].Type != types.ExtremePriceSurge {
		t.Errorf("first event = %q, want price_surge", events[0].Type)
	}
	if events[1].Type != types.ExtremePriceCrash {
		t.Errorf("second event = %q, want price_crash", events[1].Type)
	}
	if events[0].Change.LessThan(d("0.05")) {
		t.Errorf("surge change = %v, want >= 0.05", events[0].Change)
	}
}

func TestSmallMovesStayQuiet(t *testing.T) {
	t.Parallel()

	tr, ch := newTracker(5)
	price := d("100")
	for i := 0; i < 10; i++ {
		tr.observe("binance", "BTCUSDT", price, d("10"))
		price = price.Mul(d("1.001"))
	}

	if events := collectExtremes(ch, 50*time.Millisecond); len(events) != 0 {
		t.Errorf("unexpected events: %+v", events)
	}
}

func TestLiquidityDrop(t *testing.T) {
	t.Parallel()

	tr, ch := newTracker(3)
	for i := 0; i < 3; i++ {
		tr.observe("okx", "ETHUSDT", d("3000"), d("10"))
	}
	// Baseline mean is 10; 2 is below the 0.3 floor.
	tr.observe("okx", "ETHUSDT", d("3000"), d("2"))

	events := collectExtremes(ch, 50*time.Millisecond)
	if len(events) != 1 || events[0].Type != types.ExtremeLiquidityDrop {
		t.Fatalf("events = %+v, want one liquidity_drop", events)
	}
	if !events[0].Change.Equal(d("0.2")) {
		t.Errorf("change = %v, want 0.2", events[0].Change)
	}
}

func TestVolatilitySpike(t *testing.T) {
	t.Parallel()

	tr, ch := newTracker(3)
	// Calm tape long enough to warm both the return window and the
	// volatility baseline, then a violent move.
	prices := []string{"100", "100.01", "100.00", "100.01", "100.00", "100.01", "105.20"}
	for _, p := range prices {
		tr.observe("binance", "BTCUSDT", d(p), d("10"))
	}

	events := collectExtremes(ch, 50*time.Millisecond)
	var sawSpike, sawSurge bool
	for _, ev := range events {
		switch ev.Type {
		case types.ExtremeVolatilitySpike:
			sawSpike = true
		case types.ExtremePriceSurge:
			sawSurge = true
		}
	}
	if !sawSpike {
		t.Errorf("no volatility_spike in %+v", events)
	}
	if !sawSurge {
		t.Errorf("no price_surge in %+v", events)
	}
}

func TestSeriesAreIndependentPerVenue(t *testing.T) {
	t.Parallel()

	tr, ch := newTracker(5)
	tr.observe("binance", "BTCUSDT", d("100"), d("10"))
	// Same symbol, different venue: first sample there, no return yet.
	tr.observe("okx", "BTCUSDT", d("200"), d("10"))

	if events := collectExtremes(ch, 50*time.Millisecond); len(events) != 0 {
		t.Errorf("cross-venue series mixed: %+v", events)
	}
}
