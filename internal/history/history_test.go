package history

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"funding-arb/internal/config"
)

func TestLoadParsesRows(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("limit"); got != "50" {
			t.Errorf("limit = %q, want 50", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"venue":"binance","symbol":"BTCUSDT","rate":"0.0001","timestamp":1756166400000,"next_time":1756195200000},
			{"venue":"okx","symbol":"BTCUSDT","rate":"-0.0002","timestamp":1756166400000},
			{"venue":"","symbol":"BTCUSDT","rate":"0.5","timestamp":1}
		]`))
	}))
	t.Cleanup(srv.Close)

	l := New(config.HistoryConfig{URL: srv.URL, Limit: 50}, zerolog.Nop())
	observations, err := l.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(observations) != 2 {
		t.Fatalf("rows = %d, want 2 (malformed row dropped)", len(observations))
	}
	first := observations[0]
	if first.Venue != "binance" || !first.Rate.Equal(decimal.RequireFromString("0.0001")) {
		t.Errorf("first = %+v", first)
	}
	if want := time.UnixMilli(1756166400000).UTC(); !first.ObservedAt.Equal(want) {
		t.Errorf("observed_at = %s, want %s", first.ObservedAt, want)
	}
	if first.NextFundingTime.IsZero() {
		t.Error("next funding time not parsed")
	}
	if !observations[1].NextFundingTime.IsZero() {
		t.Error("absent next_time should stay zero")
	}
}

func TestLoadErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	l := New(config.HistoryConfig{URL: srv.URL, Limit: 10}, zerolog.Nop())
	if _, err := l.Load(context.Background()); err == nil {
		t.Fatal("want error on 500 response")
	}
}

func TestNoURLMeansNoLoader(t *testing.T) {
	t.Parallel()

	if l := New(config.HistoryConfig{}, zerolog.Nop()); l != nil {
		t.Fatal("loader without URL should be nil")
	}
}
