package hedger

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"funding-arb/pkg/types"
)

// Book is the hedge table: one record per hedge key, single writer (the
// Manager). Terminal records stay in place for audit; a fresh open attempt on
// the same key moves the old terminal record to the archive first.
type Book struct {
	mu      sync.Mutex
	records map[string]types.Hedge
	archive []types.Hedge
}

// NewBook creates an empty hedge book.
func NewBook() *Book {
	return &Book{records: make(map[string]types.Hedge)}
}

// TryOpen atomically claims a key with a fresh Opening record. It fails when
// a non-terminal record already holds the key — that is the idempotency
// guarantee for repeated opportunities.
func (b *Book) TryOpen(h types.Hedge) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cur, ok := b.records[h.Key]; ok {
		if !cur.State.Terminal() {
			return false
		}
		b.archive = append(b.archive, cur)
	}
	h.State = types.HedgeOpening
	b.records[h.Key] = h
	return true
}

// Remove deletes a record outright. Only used to revert an Opening
// placeholder before any order was submitted.
func (b *Book) Remove(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.records, key)
}

// Transition moves a record from one state to the next, applying fn to the
// record under the lock. It fails when the record is missing or not in the
// expected state, which serializes concurrent close attempts on one key.
func (b *Book) Transition(key string, from, to types.HedgeState, fn func(*types.Hedge)) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	h, ok := b.records[key]
	if !ok || h.State != from {
		return false
	}
	h.State = to
	if fn != nil {
		fn(&h)
	}
	b.records[key] = h
	return true
}

// Update applies fn to a record without changing its state.
func (b *Book) Update(key string, fn func(*types.Hedge)) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	h, ok := b.records[key]
	if !ok {
		return false
	}
	fn(&h)
	b.records[key] = h
	return true
}

// Get returns a copy of one record.
func (b *Book) Get(key string) (types.Hedge, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.records[key]
	return h, ok
}

// Active returns copies of all records in the Active state.
func (b *Book) Active() []types.Hedge {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.Hedge, 0, len(b.records))
	for _, h := range b.records {
		if h.State == types.HedgeActive {
			out = append(out, h)
		}
	}
	return out
}

// ActiveCount returns the number of Active records.
func (b *Book) ActiveCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, h := range b.records {
		if h.State == types.HedgeActive {
			n++
		}
	}
	return n
}

// All returns copies of every record, current and archived.
func (b *Book) All() []types.Hedge {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.Hedge, 0, len(b.records)+len(b.archive))
	out = append(out, b.archive...)
	for _, h := range b.records {
		out = append(out, h)
	}
	return out
}

// ————————————————————————————————————————————————————————————————————————
// Persistence
// ————————————————————————————————————————————————————————————————————————

// bookFile is the on-disk shape of the hedge book.
type bookFile struct {
	SavedAt time.Time               `json:"saved_at"`
	Records map[string]types.Hedge  `json:"records"`
	Archive []types.Hedge           `json:"archive,omitempty"`
}

// Save atomically persists the book for audit across restarts. It writes to
// a .tmp file first, then renames over the target, so a crash mid-save never
// leaves a partial file.
func (b *Book) Save(path string) error {
	b.mu.Lock()
	file := bookFile{
		SavedAt: time.Now(),
		Records: make(map[string]types.Hedge, len(b.records)),
		Archive: append([]types.Hedge(nil), b.archive...),
	}
	for k, h := range b.records {
		file.Records[k] = h
	}
	b.mu.Unlock()

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal hedge book: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write hedge book: %w", err)
	}
	return os.Rename(tmp, path)
}

// Load restores a previously saved book. A missing file is not an error.
// Non-terminal records from the previous run are demoted to CloseFailed:
// their venue-side positions may still exist and need operator attention.
func (b *Book) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read hedge book: %w", err)
	}

	var file bookFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("unmarshal hedge book: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.archive = file.Archive
	for k, h := range file.Records {
		if !h.State.Terminal() {
			h.State = types.HedgeCloseFailed
			h.CloseReason = types.CloseManual
		}
		b.records[k] = h
	}
	return nil
}
