package types

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestSideOpposite(t *testing.T) {
	t.Parallel()

	if got := BUY.Opposite(); got != SELL {
		t.Errorf("BUY.Opposite() = %q, want %q", got, SELL)
	}
	if got := SELL.Opposite(); got != BUY {
		t.Errorf("SELL.Opposite() = %q, want %q", got, BUY)
	}
}

func TestSideSign(t *testing.T) {
	t.Parallel()

	if !BUY.Sign().Equal(decimal.NewFromInt(1)) {
		t.Errorf("BUY.Sign() = %v, want 1", BUY.Sign())
	}
	if !SELL.Sign().Equal(decimal.NewFromInt(-1)) {
		t.Errorf("SELL.Sign() = %v, want -1", SELL.Sign())
	}
}

func TestHedgeStateTerminal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state HedgeState
		want  bool
	}{
		{HedgeOpening, false},
		{HedgeActive, false},
		{HedgeClosing, false},
		{HedgeClosed, true},
		{HedgeFailed, true},
		{HedgeCloseFailed, true},
	}

	for _, tt := range tests {
		if got := tt.state.Terminal(); got != tt.want {
			t.Errorf("HedgeState(%q).Terminal() = %v, want %v", tt.state, got, tt.want)
		}
	}
}

func TestHedgeKeyRoundTrip(t *testing.T) {
	t.Parallel()

	key := HedgeKey("BTCUSDT", "binance", "okx")
	if key != "BTCUSDT|binance|okx" {
		t.Fatalf("HedgeKey = %q, want BTCUSDT|binance|okx", key)
	}

	sym, long, short, err := SplitHedgeKey(key)
	if err != nil {
		t.Fatalf("SplitHedgeKey: %v", err)
	}
	if sym != "BTCUSDT" || long != "binance" || short != "okx" {
		t.Errorf("SplitHedgeKey = (%q, %q, %q)", sym, long, short)
	}

	if _, _, _, err := SplitHedgeKey("just-one-part"); err == nil {
		t.Error("SplitHedgeKey accepted a malformed key")
	}
}

func TestEventKindCritical(t *testing.T) {
	t.Parallel()

	critical := []EventKind{EventHedgeOpened, EventHedgeClosed, EventHedgeFailed, EventHedgeCloseFailed}
	for _, k := range critical {
		if !k.Critical() {
			t.Errorf("EventKind(%q).Critical() = false, want true", k)
		}
	}

	droppable := []EventKind{EventAlert, EventArbitrage, EventExtreme, EventRiskExceeded, EventFetchFailed}
	for _, k := range droppable {
		if k.Critical() {
			t.Errorf("EventKind(%q).Critical() = true, want false", k)
		}
	}
}

func TestPositionNotional(t *testing.T) {
	t.Parallel()

	p := Position{
		Side:      SELL,
		Size:      decimal.RequireFromString("0.5"),
		MarkPrice: decimal.RequireFromString("50000"),
	}
	if want := decimal.RequireFromString("25000"); !p.Notional().Equal(want) {
		t.Errorf("Notional = %v, want %v", p.Notional(), want)
	}
}
