// Package history fetches past funding observations from an external
// collector service at startup. The engine treats this as a best-effort
// warm-up: no collector, or a collector that is down, just means the
// baselines build up from live polling instead.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"funding-arb/internal/config"
	"funding-arb/pkg/types"
)

// record is one row in the collector's JSON response. Timestamps are Unix
// milliseconds.
type record struct {
	Venue     string          `json:"venue"`
	Symbol    string          `json:"symbol"`
	Rate      decimal.Decimal `json:"rate"`
	Timestamp int64           `json:"timestamp"`
	NextTime  int64           `json:"next_time,omitempty"`
}

// Loader pulls funding history over HTTP.
type Loader struct {
	client *resty.Client
	url    string
	limit  int
	log    zerolog.Logger
}

// New builds a loader, or nil when no collector URL is configured so callers
// can pass the result straight to the aggregator.
func New(cfg config.HistoryConfig, log zerolog.Logger) *Loader {
	if cfg.URL == "" {
		return nil
	}
	client := resty.New().
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)
	return &Loader{
		client: client,
		url:    cfg.URL,
		limit:  cfg.Limit,
		log:    log.With().Str("comp", "history").Logger(),
	}
}

// Load fetches up to limit observations per symbol, oldest first.
func (l *Loader) Load(ctx context.Context) ([]types.FundingObservation, error) {
	var rows []record
	resp, err := l.client.R().
		SetContext(ctx).
		SetQueryParam("limit", fmt.Sprint(l.limit)).
		SetResult(&rows).
		Get(l.url)
	if err != nil {
		return nil, fmt.Errorf("history fetch: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("history fetch: status %d", resp.StatusCode())
	}

	out := make([]types.FundingObservation, 0, len(rows))
	for _, r := range rows {
		if r.Venue == "" || r.Symbol == "" {
			l.log.Debug().Interface("row", r).Msg("skipping malformed history row")
			continue
		}
		obs := types.FundingObservation{
			Venue:      r.Venue,
			Symbol:     r.Symbol,
			Rate:       r.Rate,
			ObservedAt: time.UnixMilli(r.Timestamp).UTC(),
		}
		if r.NextTime > 0 {
			obs.NextFundingTime = time.UnixMilli(r.NextTime).UTC()
		}
		out = append(out, obs)
	}
	l.log.Info().Int("rows", len(out)).Msg("funding history loaded")
	return out, nil
}
