// Package rebalance equalizes working capital across venues. A hedge engine
// bleeds margin toward whichever venue holds the losing legs; the rebalancer
// periodically moves the trade asset from over-funded venues back to
// under-funded ones so both sides can keep opening.
package rebalance

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"funding-arb/internal/metrics"
	"funding-arb/internal/venue"
)

// Rebalancer runs the periodic capital equalization pass.
type Rebalancer struct {
	adapters  []venue.Adapter
	metrics   *metrics.Metrics
	threshold decimal.Decimal // imbalance fraction of total that triggers a move
	asset     string
	interval  time.Duration
	log       zerolog.Logger
}

// New builds a rebalancer. metrics may be nil.
func New(adapters []venue.Adapter, m *metrics.Metrics, threshold float64, asset string, interval time.Duration, log zerolog.Logger) *Rebalancer {
	return &Rebalancer{
		adapters:  adapters,
		metrics:   m,
		threshold: decimal.NewFromFloat(threshold),
		asset:     asset,
		interval:  interval,
		log:       log.With().Str("comp", "rebalance").Logger(),
	}
}

// Run drives periodic rebalance passes until ctx is cancelled.
func (r *Rebalancer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("rebalancer stopped")
			return
		case <-ticker.C:
			r.RebalanceOnce(ctx)
		}
	}
}

type venueBalance struct {
	adapter venue.Adapter
	balance decimal.Decimal
}

// RebalanceOnce performs one equalization pass: collect balances, find
// venues off the mean beyond the threshold, and pair donors with recipients.
// Every transfer is best-effort; a failure or an Unsupported venue skips
// that pair and the pass continues.
func (r *Rebalancer) RebalanceOnce(ctx context.Context) {
	if len(r.adapters) < 2 {
		return
	}

	balances := r.collect(ctx)
	if len(balances) < 2 {
		return
	}

	total := decimal.Zero
	for _, vb := range balances {
		total = total.Add(vb.balance)
	}
	if !total.IsPositive() {
		return
	}
	avg := total.Div(decimal.NewFromInt(int64(len(balances))))
	trigger := r.threshold.Mul(total)

	var donors, recipients []venueBalance
	for _, vb := range balances {
		switch {
		case vb.balance.Sub(avg).GreaterThan(trigger):
			donors = append(donors, vb)
		case vb.balance.LessThan(avg):
			recipients = append(recipients, vb)
		}
	}
	if len(donors) == 0 || len(recipients) == 0 {
		return
	}

	// Largest excess feeds the largest deficit first.
	sort.Slice(donors, func(i, j int) bool {
		return donors[i].balance.GreaterThan(donors[j].balance)
	})
	sort.Slice(recipients, func(i, j int) bool {
		return recipients[i].balance.LessThan(recipients[j].balance)
	})

	ri := 0
	for _, donor := range donors {
		excess := donor.balance.Sub(avg)
		for excess.IsPositive() && ri < len(recipients) {
			recipient := &recipients[ri]
			deficit := avg.Sub(recipient.balance)
			if !deficit.IsPositive() {
				ri++
				continue
			}

			amount := decimal.Min(excess, deficit).Truncate(2)
			if !amount.IsPositive() {
				break
			}
			err := donor.adapter.TransferTo(ctx, recipient.adapter, amount, r.asset)
			if err != nil {
				if venue.IsUnsupported(err) {
					r.log.Debug().
						Str("from", donor.adapter.Name()).
						Str("to", recipient.adapter.Name()).
						Msg("transfer unsupported, skipping pair")
				} else {
					r.log.Warn().
						Str("from", donor.adapter.Name()).
						Str("to", recipient.adapter.Name()).
						Str("amount", amount.String()).
						Err(err).
						Msg("transfer failed")
					r.metrics.CountVenueError(donor.adapter.Name(), string(venue.KindOf(err)))
				}
				ri++
				continue
			}

			r.log.Info().
				Str("from", donor.adapter.Name()).
				Str("to", recipient.adapter.Name()).
				Str("amount", amount.String()).
				Str("asset", r.asset).
				Msg("capital rebalanced")
			excess = excess.Sub(amount)
			recipient.balance = recipient.balance.Add(amount)
			if !avg.Sub(recipient.balance).IsPositive() {
				ri++
			}
		}
	}
}

// collect gathers total balances from every venue concurrently, all-settled.
func (r *Rebalancer) collect(ctx context.Context) []venueBalance {
	type result struct {
		vb  venueBalance
		err error
	}
	results := make(chan result, len(r.adapters))
	for _, ad := range r.adapters {
		go func(ad venue.Adapter) {
			bal, err := ad.TotalBalance(ctx)
			results <- result{vb: venueBalance{adapter: ad, balance: bal}, err: err}
		}(ad)
	}

	out := make([]venueBalance, 0, len(r.adapters))
	for range r.adapters {
		res := <-results
		if res.err != nil {
			r.log.Warn().Str("venue", res.vb.adapter.Name()).Err(res.err).Msg("balance fetch failed")
			continue
		}
		out = append(out, res.vb)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].adapter.Name() < out[j].adapter.Name()
	})
	return out
}
