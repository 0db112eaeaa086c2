package risk

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"funding-arb/internal/venue/venuetest"
	"funding-arb/pkg/types"
)

func TestDailyResetOncePerWindow(t *testing.T) {
	t.Parallel()

	x := venuetest.New("binance")
	x.SetBalances("1000", "1000")

	e, b, _ := newEngine(t, testParams(), x)
	resets := b.Subscribe("test", 4, types.EventDailyPnl)

	base := time.Date(2026, 8, 26, 0, 5, 0, 0, time.Local)
	e.now = func() time.Time { return base }

	e.AddRealized(decimal.RequireFromString("42"))
	e.Evaluate(context.Background())

	select {
	case ev := <-resets:
		if v := ev.Payload.(types.DailyPnlEvent).Value; !v.Equal(decimal.RequireFromString("42")) {
			t.Errorf("daily pnl event = %s, want 42", v)
		}
	case <-time.After(time.Second):
		t.Fatal("no DailyPnl event in reset window")
	}
	if !e.Pnl().Daily.IsZero() {
		t.Errorf("daily pnl = %s, want 0 after reset", e.Pnl().Daily)
	}
	if !e.Pnl().Total.Equal(decimal.RequireFromString("42")) {
		t.Errorf("total pnl = %s, want 42 (never reset)", e.Pnl().Total)
	}

	// Second tick inside the same window: the latch holds.
	e.now = func() time.Time { return base.Add(3 * time.Minute) }
	e.Evaluate(context.Background())
	select {
	case ev := <-resets:
		t.Errorf("second reset within window: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNoResetOutsideWindow(t *testing.T) {
	t.Parallel()

	x := venuetest.New("binance")
	x.SetBalances("1000", "1000")

	e, b, _ := newEngine(t, testParams(), x)
	resets := b.Subscribe("test", 4, types.EventDailyPnl)

	e.now = func() time.Time { return time.Date(2026, 8, 26, 0, 15, 0, 0, time.Local) }
	e.AddRealized(decimal.RequireFromString("7"))
	e.Evaluate(context.Background())

	select {
	case ev := <-resets:
		t.Errorf("reset fired outside the window: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
	if !e.Pnl().Daily.Equal(decimal.RequireFromString("7")) {
		t.Errorf("daily pnl = %s, want 7", e.Pnl().Daily)
	}
}

func TestDailyLossDisablesHedging(t *testing.T) {
	t.Parallel()

	x := venuetest.New("binance")
	x.SetBalances("1000", "1000")

	p := testParams()
	p.MaxDailyLoss = decimal.NewFromFloat(0.02) // 20 USDT on 1000 equity
	e, b, controls := newEngine(t, p, x)
	alerts := b.Subscribe("test", 4, types.EventAlert)

	e.AddRealized(decimal.RequireFromString("-25"))
	e.Evaluate(context.Background())

	if !controls.disabled() {
		t.Error("auto hedge not disabled on daily loss breach")
	}
	select {
	case <-alerts:
	case <-time.After(time.Second):
		t.Fatal("no alert on daily loss breach")
	}

	// The trip latches: a second tick does not disable again.
	before := len(controls.autoCalls)
	e.Evaluate(context.Background())
	if len(controls.autoCalls) != before {
		t.Error("daily loss breach acted on twice")
	}
}

func TestDrawdownTriggersEmergency(t *testing.T) {
	t.Parallel()

	x := venuetest.New("binance")
	x.SetBalances("1000", "1000")

	p := testParams()
	p.MaxDrawdown = decimal.NewFromFloat(0.10)
	e, _, _ := newEngine(t, p, x)

	fired := make(chan struct{}, 1)
	e.SetDrawdownHandler(func(ctx context.Context) { fired <- struct{}{} })

	e.Evaluate(context.Background()) // peak at 1000

	x.SetBalances("850", "850") // 15% under peak
	e.Evaluate(context.Background())

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("drawdown handler not invoked")
	}
}

func TestMinBalanceFloorDisablesOpens(t *testing.T) {
	t.Parallel()

	x := venuetest.New("binance")
	x.SetBalances("90", "90")

	p := testParams()
	p.MinBalance = decimal.NewFromInt(100)
	e, _, controls := newEngine(t, p, x)

	e.Evaluate(context.Background())

	if !controls.disabled() {
		t.Error("auto hedge not disabled below balance floor")
	}
}
