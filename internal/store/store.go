// Package store holds the in-memory market state: the latest funding rate
// and mark price per (venue, symbol) plus a bounded funding history.
//
// The aggregator is the only writer. Every other component reads through
// snapshot accessors that return copies, so no caller can observe a
// half-applied update or mutate shared state.
package store

import (
	"sync"

	"funding-arb/pkg/types"
)

// DefaultHistoryCap bounds per-(venue,symbol) funding history when the
// configured cap is zero.
const DefaultHistoryCap = 200

// Store is the market state container. Safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	funding map[string]map[string]types.FundingObservation // venue → symbol → latest
	quotes  map[string]map[string]types.MarketQuote        // venue → symbol → latest
	history map[string][]types.FundingObservation          // venue|symbol → ordered, oldest first
	cap     int
}

// New creates an empty store with the given history cap per (venue, symbol).
func New(historyCap int) *Store {
	if historyCap <= 0 {
		historyCap = DefaultHistoryCap
	}
	return &Store{
		funding: make(map[string]map[string]types.FundingObservation),
		quotes:  make(map[string]map[string]types.MarketQuote),
		history: make(map[string][]types.FundingObservation),
		cap:     historyCap,
	}
}

func rowKey(venue, symbol string) string {
	return venue + "|" + symbol
}

// ApplyFunding ingests one funding observation: the latest slot is
// overwritten and the observation appended to history, evicting the oldest
// entry above the cap. Returns the previous latest (zero value if none) and
// whether the observation was applied. Observations older than the current
// latest for the same (venue, symbol) are ignored, which keeps history
// timestamps non-decreasing and the latest slot equal to the newest entry.
func (s *Store) ApplyFunding(obs types.FundingObservation) (types.FundingObservation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bySymbol := s.funding[obs.Venue]
	if bySymbol == nil {
		bySymbol = make(map[string]types.FundingObservation)
		s.funding[obs.Venue] = bySymbol
	}

	prev, had := bySymbol[obs.Symbol]
	if had && obs.ObservedAt.Before(prev.ObservedAt) {
		return prev, false
	}

	bySymbol[obs.Symbol] = obs

	key := rowKey(obs.Venue, obs.Symbol)
	h := append(s.history[key], obs)
	if len(h) > s.cap {
		h = h[1:]
	}
	s.history[key] = h

	return prev, true
}

// ApplyQuote ingests one mark-price quote; latest replaces previous. Quotes
// older than the current latest are ignored.
func (s *Store) ApplyQuote(q types.MarketQuote) (types.MarketQuote, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bySymbol := s.quotes[q.Venue]
	if bySymbol == nil {
		bySymbol = make(map[string]types.MarketQuote)
		s.quotes[q.Venue] = bySymbol
	}

	prev, had := bySymbol[q.Symbol]
	if had && q.ObservedAt.Before(prev.ObservedAt) {
		return prev, false
	}
	bySymbol[q.Symbol] = q
	return prev, true
}

// Funding returns the latest funding observation for one (venue, symbol).
func (s *Store) Funding(venue, symbol string) (types.FundingObservation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obs, ok := s.funding[venue][symbol]
	return obs, ok
}

// Quote returns the latest mark price for one (venue, symbol).
func (s *Store) Quote(venue, symbol string) (types.MarketQuote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[venue][symbol]
	return q, ok
}

// History returns a copy of the funding history for one (venue, symbol),
// oldest first.
func (s *Store) History(venue, symbol string) []types.FundingObservation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := s.history[rowKey(venue, symbol)]
	out := make([]types.FundingObservation, len(h))
	copy(out, h)
	return out
}

// LatestFunding returns a deep copy of the latest funding observations for
// every venue and symbol, for cross-venue scans.
func (s *Store) LatestFunding() map[string]map[string]types.FundingObservation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]map[string]types.FundingObservation, len(s.funding))
	for venue, bySymbol := range s.funding {
		row := make(map[string]types.FundingObservation, len(bySymbol))
		for sym, obs := range bySymbol {
			row[sym] = obs
		}
		out[venue] = row
	}
	return out
}

// Venues lists the venues that have reported at least one funding rate.
func (s *Store) Venues() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.funding))
	for venue := range s.funding {
		out = append(out, venue)
	}
	return out
}
