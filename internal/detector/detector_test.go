package detector

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"funding-arb/internal/bus"
	"funding-arb/internal/config"
	"funding-arb/internal/store"
	"funding-arb/pkg/types"
)

func defaultThresholds() config.ThresholdsConfig {
	return config.ThresholdsConfig{Warning: 0.0005, Critical: 0.001, Arbitrage: 0.002}
}

func defaultExtremes() config.ExtremesConfig {
	return config.ExtremesConfig{Window: 20, ReturnLimit: 0.05, VolumeFloor: 0.3, VolSpike: 3.0}
}

func newDetector(t *testing.T, st *store.Store) (*Detector, *bus.Bus) {
	t.Helper()
	b := bus.New(zerolog.Nop())
	return New(defaultThresholds(), defaultExtremes(), st, b, nil, zerolog.Nop()), b
}

func obs(venue, symbol, rate string) types.FundingObservation {
	return types.FundingObservation{
		Venue:      venue,
		Symbol:     symbol,
		Rate:       decimal.RequireFromString(rate),
		ObservedAt: time.Now(),
	}
}

func drainAlerts(t *testing.T, ch <-chan types.Event, n int) []types.AlertEvent {
	t.Helper()
	out := make([]types.AlertEvent, 0, n)
	for len(out) < n {
		select {
		case ev := <-ch:
			out = append(out, ev.Payload.(types.AlertEvent))
		case <-time.After(time.Second):
			t.Fatalf("got %d alerts, want %d", len(out), n)
		}
	}
	return out
}

func TestWarningThenCriticalCountsTwo(t *testing.T) {
	t.Parallel()

	st := store.New(10)
	d, b := newDetector(t, st)
	alerts := b.Subscribe("test", 8, types.EventAlert)

	d.OnFunding(obs("binance", "BTCUSDT", "0.0006"))
	d.OnFunding(obs("binance", "BTCUSDT", "0.0012"))

	got := drainAlerts(t, alerts, 2)
	if got[0].Level != types.AlertWarning {
		t.Errorf("first alert level = %q, want warning", got[0].Level)
	}
	if got[1].Level != types.AlertCritical {
		t.Errorf("second alert level = %q, want critical", got[1].Level)
	}
	if got[0].Message == "" || got[1].Venue != "binance" {
		t.Errorf("alert payload incomplete: %+v", got)
	}

	if c := d.Counter("binance", "BTCUSDT"); c != 2 {
		t.Errorf("counter = %d, want 2", c)
	}
}

func TestCounterResetsAtOrBelowWarning(t *testing.T) {
	t.Parallel()

	st := store.New(10)
	d, _ := newDetector(t, st)

	d.OnFunding(obs("binance", "BTCUSDT", "0.0008"))
	d.OnFunding(obs("binance", "BTCUSDT", "-0.0009"))
	if c := d.Counter("binance", "BTCUSDT"); c != 2 {
		t.Fatalf("counter = %d, want 2 (negative rates count by magnitude)", c)
	}

	// Exactly the warning threshold does not exceed it: reset.
	d.OnFunding(obs("binance", "BTCUSDT", "0.0005"))
	if c := d.Counter("binance", "BTCUSDT"); c != 0 {
		t.Errorf("counter = %d, want 0 after at-threshold observation", c)
	}
}

func TestScanEmitsOpportunity(t *testing.T) {
	t.Parallel()

	st := store.New(10)
	now := time.Now()
	st.ApplyFunding(types.FundingObservation{Venue: "binance", Symbol: "BTCUSDT", Rate: decimal.RequireFromString("-0.001"), ObservedAt: now})
	st.ApplyFunding(types.FundingObservation{Venue: "okx", Symbol: "BTCUSDT", Rate: decimal.RequireFromString("0.0015"), ObservedAt: now})

	d, b := newDetector(t, st)
	opps := b.Subscribe("test", 4, types.EventArbitrage)

	d.OnSnapshotCycle()

	select {
	case ev := <-opps:
		opp := ev.Payload.(types.ArbitrageEvent)
		if opp.Symbol != "BTCUSDT" {
			t.Errorf("symbol = %q", opp.Symbol)
		}
		if opp.LongVenue != "binance" || opp.ShortVenue != "okx" {
			t.Errorf("long/short = %s/%s, want binance/okx", opp.LongVenue, opp.ShortVenue)
		}
		if want := decimal.RequireFromString("0.0025"); !opp.Spread.Equal(want) {
			t.Errorf("spread = %v, want %v", opp.Spread, want)
		}
	case <-time.After(time.Second):
		t.Fatal("no arbitrage event")
	}
}

func TestScanSkipsBelowThresholdAndSingleVenue(t *testing.T) {
	t.Parallel()

	st := store.New(10)
	now := time.Now()
	st.ApplyFunding(types.FundingObservation{Venue: "binance", Symbol: "BTCUSDT", Rate: decimal.RequireFromString("0.001"), ObservedAt: now})

	d, b := newDetector(t, st)
	opps := b.Subscribe("test", 4, types.EventArbitrage)

	// One venue: skip.
	d.OnSnapshotCycle()

	// Two venues, spread exactly at threshold: not strictly greater, skip.
	st.ApplyFunding(types.FundingObservation{Venue: "okx", Symbol: "BTCUSDT", Rate: decimal.RequireFromString("-0.001"), ObservedAt: now})
	d.OnSnapshotCycle()

	select {
	case ev := <-opps:
		t.Fatalf("unexpected opportunity: %+v", ev.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestScanRequiresCommonSymbol(t *testing.T) {
	t.Parallel()

	st := store.New(10)
	now := time.Now()
	st.ApplyFunding(types.FundingObservation{Venue: "binance", Symbol: "BTCUSDT", Rate: decimal.RequireFromString("0.005"), ObservedAt: now})
	st.ApplyFunding(types.FundingObservation{Venue: "okx", Symbol: "ETHUSDT", Rate: decimal.RequireFromString("-0.005"), ObservedAt: now})

	d, b := newDetector(t, st)
	opps := b.Subscribe("test", 4, types.EventArbitrage)

	d.OnSnapshotCycle()

	select {
	case ev := <-opps:
		t.Fatalf("opportunity across disjoint symbols: %+v", ev.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestScanTieBreaksOnSmallerVenueID(t *testing.T) {
	t.Parallel()

	st := store.New(10)
	now := time.Now()
	st.ApplyFunding(types.FundingObservation{Venue: "bybit", Symbol: "BTCUSDT", Rate: decimal.RequireFromString("0.003"), ObservedAt: now})
	st.ApplyFunding(types.FundingObservation{Venue: "binance", Symbol: "BTCUSDT", Rate: decimal.RequireFromString("0.003"), ObservedAt: now})
	st.ApplyFunding(types.FundingObservation{Venue: "okx", Symbol: "BTCUSDT", Rate: decimal.RequireFromString("0"), ObservedAt: now})

	d, b := newDetector(t, st)
	opps := b.Subscribe("test", 4, types.EventArbitrage)

	d.OnSnapshotCycle()

	select {
	case ev := <-opps:
		opp := ev.Payload.(types.ArbitrageEvent)
		if opp.ShortVenue != "binance" {
			t.Errorf("short venue = %q, want binance (lexicographic tie-break)", opp.ShortVenue)
		}
		if opp.LongVenue != "okx" {
			t.Errorf("long venue = %q, want okx", opp.LongVenue)
		}
	case <-time.After(time.Second):
		t.Fatal("no arbitrage event")
	}
}

func TestCriticalTriggersImmediateScan(t *testing.T) {
	t.Parallel()

	st := store.New(10)
	now := time.Now()
	st.ApplyFunding(types.FundingObservation{Venue: "binance", Symbol: "BTCUSDT", Rate: decimal.RequireFromString("-0.001"), ObservedAt: now})
	st.ApplyFunding(types.FundingObservation{Venue: "okx", Symbol: "BTCUSDT", Rate: decimal.RequireFromString("0.0015"), ObservedAt: now})

	d, b := newDetector(t, st)
	opps := b.Subscribe("test", 4, types.EventArbitrage)

	// Critical stream observation: no snapshot cycle needed.
	d.OnFunding(obs("okx", "BTCUSDT", "0.0015"))

	select {
	case <-opps:
	case <-time.After(time.Second):
		t.Fatal("critical observation did not trigger a scan")
	}
}
