package aggregator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"funding-arb/internal/bus"
	"funding-arb/internal/store"
	"funding-arb/internal/venue"
	"funding-arb/internal/venue/venuetest"
	"funding-arb/pkg/types"
)

type sinkRecorder struct {
	mu      sync.Mutex
	funding []types.FundingObservation
	tickers []string
	cycles  int
}

func (s *sinkRecorder) OnFunding(obs types.FundingObservation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.funding = append(s.funding, obs)
}

func (s *sinkRecorder) OnTicker(venueName, symbol string, price, volume decimal.Decimal, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickers = append(s.tickers, venueName+"/"+symbol)
}

func (s *sinkRecorder) OnSnapshotCycle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycles++
}

func (s *sinkRecorder) snapshot() (int, int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.funding), len(s.tickers), s.cycles
}

func TestPollOnceAllSettled(t *testing.T) {
	t.Parallel()

	good := venuetest.New("binance")
	good.SetFunding("BTCUSDT", "0.0004", time.Now())
	good.SetFunding("ETHUSDT", "0.0001", time.Now())

	bad := venuetest.New("okx")
	bad.SetFundingErr(venue.Errf("okx", venue.KindNetwork, "dial timeout"))

	st := store.New(50)
	b := bus.New(zerolog.Nop())
	failures := b.Subscribe("test", 4, types.EventFetchFailed)
	sink := &sinkRecorder{}

	a := New([]venue.Adapter{good, bad}, st, sink, b, nil, time.Second, zerolog.Nop())
	a.pollOnce(context.Background())

	nFunding, _, cycles := sink.snapshot()
	if nFunding != 2 {
		t.Errorf("sink got %d funding observations, want 2", nFunding)
	}
	if cycles != 1 {
		t.Errorf("snapshot cycles = %d, want 1", cycles)
	}
	if _, ok := st.Funding("binance", "BTCUSDT"); !ok {
		t.Error("good venue's data missing from store")
	}

	select {
	case ev := <-failures:
		payload := ev.Payload.(types.FetchFailedEvent)
		if payload.Venue != "okx" {
			t.Errorf("FetchFailed venue = %q, want okx", payload.Venue)
		}
	case <-time.After(time.Second):
		t.Fatal("no FetchFailed event for the failing venue")
	}
}

func TestStreamFundingWritesThrough(t *testing.T) {
	t.Parallel()

	st := store.New(50)
	sink := &sinkRecorder{}
	a := New(nil, st, sink, bus.New(zerolog.Nop()), nil, time.Second, zerolog.Nop())

	now := time.Now()
	a.handleStreamEvent("binance", types.StreamEvent{
		Kind:   types.StreamFunding,
		Symbol: "BTCUSDT",
		Rate:   decimal.RequireFromString("0.0012"),
		At:     now,
	})

	obs, ok := st.Funding("binance", "BTCUSDT")
	if !ok || !obs.Rate.Equal(decimal.RequireFromString("0.0012")) {
		t.Fatalf("store funding = %+v, ok=%v", obs, ok)
	}
	if n, _, _ := sink.snapshot(); n != 1 {
		t.Errorf("sink funding count = %d, want 1", n)
	}

	// A stale snapshot arriving after the stream push must not reach the sink.
	a.ingestFunding(types.FundingObservation{
		Venue: "binance", Symbol: "BTCUSDT",
		Rate: decimal.RequireFromString("0.0001"), ObservedAt: now.Add(-time.Minute),
	})
	if n, _, _ := sink.snapshot(); n != 1 {
		t.Errorf("stale observation forwarded to sink (count %d)", n)
	}
}

func TestStreamTickerUpdatesQuote(t *testing.T) {
	t.Parallel()

	st := store.New(50)
	sink := &sinkRecorder{}
	a := New(nil, st, sink, bus.New(zerolog.Nop()), nil, time.Second, zerolog.Nop())

	a.handleStreamEvent("okx", types.StreamEvent{
		Kind:      types.StreamTicker,
		Symbol:    "ETHUSDT",
		MarkPrice: decimal.RequireFromString("3200.5"),
		Volume:    decimal.RequireFromString("1000"),
		At:        time.Now(),
	})

	q, ok := st.Quote("okx", "ETHUSDT")
	if !ok || !q.MarkPrice.Equal(decimal.RequireFromString("3200.5")) {
		t.Fatalf("quote = %+v, ok=%v", q, ok)
	}
	if _, nTickers, _ := sink.snapshot(); nTickers != 1 {
		t.Errorf("sink ticker count = %d, want 1", nTickers)
	}
}

type staticLoader struct {
	observations []types.FundingObservation
	err          error
}

func (l staticLoader) Load(ctx context.Context) ([]types.FundingObservation, error) {
	return l.observations, l.err
}

func TestPreload(t *testing.T) {
	t.Parallel()

	st := store.New(50)
	a := New(nil, st, &sinkRecorder{}, bus.New(zerolog.Nop()), nil, time.Second, zerolog.Nop())

	now := time.Now()
	a.Preload(context.Background(), staticLoader{observations: []types.FundingObservation{
		{Venue: "binance", Symbol: "BTCUSDT", Rate: decimal.RequireFromString("0.0001"), ObservedAt: now.Add(-2 * time.Hour)},
		{Venue: "binance", Symbol: "BTCUSDT", Rate: decimal.RequireFromString("0.0002"), ObservedAt: now.Add(-time.Hour)},
	}})

	if h := st.History("binance", "BTCUSDT"); len(h) != 2 {
		t.Errorf("history length = %d, want 2", len(h))
	}

	// A failing loader must not panic or seed anything.
	st2 := store.New(50)
	a2 := New(nil, st2, &sinkRecorder{}, bus.New(zerolog.Nop()), nil, time.Second, zerolog.Nop())
	a2.Preload(context.Background(), staticLoader{err: venue.Errf("hist", venue.KindNetwork, "down")})
	if got := len(st2.Venues()); got != 0 {
		t.Errorf("failed preload seeded %d venues", got)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	ad := venuetest.New("binance")
	ad.SetFunding("BTCUSDT", "0.0001", time.Now())
	st := store.New(50)
	sink := &sinkRecorder{}
	a := New([]venue.Adapter{ad}, st, sink, bus.New(zerolog.Nop()), nil, 50*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	time.Sleep(120 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	if _, _, cycles := sink.snapshot(); cycles < 2 {
		t.Errorf("expected at least 2 snapshot cycles, got %d", cycles)
	}
}
