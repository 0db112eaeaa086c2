package store

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"funding-arb/pkg/types"
)

func obs(venue, symbol, rate string, at time.Time) types.FundingObservation {
	return types.FundingObservation{
		Venue:      venue,
		Symbol:     symbol,
		Rate:       decimal.RequireFromString(rate),
		ObservedAt: at,
	}
}

func TestApplyFundingReturnsPrevious(t *testing.T) {
	t.Parallel()
	s := New(10)
	t0 := time.Now()

	prev, applied := s.ApplyFunding(obs("binance", "BTCUSDT", "0.0001", t0))
	if !applied {
		t.Fatal("first observation not applied")
	}
	if !prev.Rate.IsZero() {
		t.Errorf("first apply returned non-zero previous: %+v", prev)
	}

	prev, applied = s.ApplyFunding(obs("binance", "BTCUSDT", "0.0002", t0.Add(time.Second)))
	if !applied {
		t.Fatal("second observation not applied")
	}
	if !prev.Rate.Equal(decimal.RequireFromString("0.0001")) {
		t.Errorf("previous rate = %v, want 0.0001", prev.Rate)
	}
}

func TestLatestMatchesHistoryTail(t *testing.T) {
	t.Parallel()
	s := New(10)
	t0 := time.Now()

	s.ApplyFunding(obs("okx", "ETHUSDT", "0.0001", t0))
	s.ApplyFunding(obs("okx", "ETHUSDT", "0.0003", t0.Add(time.Second)))

	latest, ok := s.Funding("okx", "ETHUSDT")
	if !ok {
		t.Fatal("latest missing")
	}
	h := s.History("okx", "ETHUSDT")
	if len(h) != 2 {
		t.Fatalf("history length = %d, want 2", len(h))
	}
	if !latest.Rate.Equal(h[len(h)-1].Rate) || !latest.ObservedAt.Equal(h[len(h)-1].ObservedAt) {
		t.Errorf("latest %+v does not match history tail %+v", latest, h[len(h)-1])
	}
}

func TestHistoryEvictsOldestAboveCap(t *testing.T) {
	t.Parallel()
	s := New(3)
	t0 := time.Now()

	for i := 0; i < 5; i++ {
		s.ApplyFunding(obs("binance", "BTCUSDT", "0.0001", t0.Add(time.Duration(i)*time.Second)))
	}

	h := s.History("binance", "BTCUSDT")
	if len(h) != 3 {
		t.Fatalf("history length = %d, want 3", len(h))
	}
	if !h[0].ObservedAt.Equal(t0.Add(2 * time.Second)) {
		t.Errorf("oldest entry at %v, want %v", h[0].ObservedAt, t0.Add(2*time.Second))
	}
}

func TestHistoryTimestampsNonDecreasing(t *testing.T) {
	t.Parallel()
	s := New(10)
	t0 := time.Now()

	s.ApplyFunding(obs("binance", "BTCUSDT", "0.0002", t0.Add(2*time.Second)))

	// A stale poll result racing a fresher stream push must be ignored.
	if _, applied := s.ApplyFunding(obs("binance", "BTCUSDT", "0.0001", t0)); applied {
		t.Error("stale observation was applied")
	}

	latest, _ := s.Funding("binance", "BTCUSDT")
	if !latest.Rate.Equal(decimal.RequireFromString("0.0002")) {
		t.Errorf("latest rate = %v, want 0.0002", latest.Rate)
	}

	h := s.History("binance", "BTCUSDT")
	for i := 1; i < len(h); i++ {
		if h[i].ObservedAt.Before(h[i-1].ObservedAt) {
			t.Fatalf("history out of order at %d: %v < %v", i, h[i].ObservedAt, h[i-1].ObservedAt)
		}
	}
}

func TestEqualTimestampAppendsAgain(t *testing.T) {
	t.Parallel()
	s := New(10)
	t0 := time.Now()

	o := obs("binance", "BTCUSDT", "0.0001", t0)
	s.ApplyFunding(o)
	if _, applied := s.ApplyFunding(o); !applied {
		t.Error("re-ingesting the same observation should apply (no dedup)")
	}
	if h := s.History("binance", "BTCUSDT"); len(h) != 2 {
		t.Errorf("history length = %d, want 2", len(h))
	}
}

func TestApplyQuoteIgnoresStale(t *testing.T) {
	t.Parallel()
	s := New(10)
	t0 := time.Now()

	s.ApplyQuote(types.MarketQuote{Venue: "okx", Symbol: "BTCUSDT", MarkPrice: decimal.NewFromInt(50000), ObservedAt: t0.Add(time.Second)})
	if _, applied := s.ApplyQuote(types.MarketQuote{Venue: "okx", Symbol: "BTCUSDT", MarkPrice: decimal.NewFromInt(49000), ObservedAt: t0}); applied {
		t.Error("stale quote was applied")
	}

	q, ok := s.Quote("okx", "BTCUSDT")
	if !ok || !q.MarkPrice.Equal(decimal.NewFromInt(50000)) {
		t.Errorf("quote = %+v, want mark 50000", q)
	}
}

func TestLatestFundingSnapshotIsACopy(t *testing.T) {
	t.Parallel()
	s := New(10)
	s.ApplyFunding(obs("binance", "BTCUSDT", "0.0001", time.Now()))

	snap := s.LatestFunding()
	snap["binance"]["BTCUSDT"] = obs("binance", "BTCUSDT", "0.9", time.Now())
	delete(snap, "binance")

	latest, ok := s.Funding("binance", "BTCUSDT")
	if !ok || !latest.Rate.Equal(decimal.RequireFromString("0.0001")) {
		t.Errorf("store mutated through snapshot: %+v", latest)
	}
}

func TestVenues(t *testing.T) {
	t.Parallel()
	s := New(10)
	now := time.Now()
	s.ApplyFunding(obs("binance", "BTCUSDT", "0.0001", now))
	s.ApplyFunding(obs("okx", "BTCUSDT", "0.0002", now))

	venues := s.Venues()
	if len(venues) != 2 {
		t.Fatalf("Venues() = %v, want two entries", venues)
	}
	seen := map[string]bool{}
	for _, v := range venues {
		seen[v] = true
	}
	if !seen["binance"] || !seen["okx"] {
		t.Errorf("Venues() = %v, want binance and okx", venues)
	}
}
