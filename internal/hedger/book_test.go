package hedger

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"funding-arb/pkg/types"
)

func newHedge(key string) types.Hedge {
	symbol, long, short, _ := types.SplitHedgeKey(key)
	return types.Hedge{Key: key, Symbol: symbol, LongVenue: long, ShortVenue: short}
}

func TestTryOpenClaimsOnce(t *testing.T) {
	t.Parallel()
	b := NewBook()

	if !b.TryOpen(newHedge("BTCUSDT|binance|okx")) {
		t.Fatal("first claim failed")
	}
	if b.TryOpen(newHedge("BTCUSDT|binance|okx")) {
		t.Error("second claim succeeded while record non-terminal")
	}
}

func TestTryOpenConcurrentSingleWinner(t *testing.T) {
	t.Parallel()
	b := NewBook()

	const n = 32
	var wg sync.WaitGroup
	wins := make(chan bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wins <- b.TryOpen(newHedge("BTCUSDT|binance|okx"))
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for won := range wins {
		if won {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("winners = %d, want exactly 1", winners)
	}
}

func TestTerminalKeyIsReclaimableAndArchived(t *testing.T) {
	t.Parallel()
	b := NewBook()

	b.TryOpen(newHedge("BTCUSDT|binance|okx"))
	b.Transition("BTCUSDT|binance|okx", types.HedgeOpening, types.HedgeFailed, nil)

	if !b.TryOpen(newHedge("BTCUSDT|binance|okx")) {
		t.Fatal("terminal key not reclaimable")
	}
	all := b.All()
	if len(all) != 2 {
		t.Errorf("records = %d, want 2 (archived terminal + fresh)", len(all))
	}
}

func TestTransitionRequiresExpectedState(t *testing.T) {
	t.Parallel()
	b := NewBook()
	b.TryOpen(newHedge("BTCUSDT|binance|okx"))

	if b.Transition("BTCUSDT|binance|okx", types.HedgeActive, types.HedgeClosing, nil) {
		t.Error("transition out of wrong state succeeded")
	}
	if !b.Transition("BTCUSDT|binance|okx", types.HedgeOpening, types.HedgeActive, nil) {
		t.Error("valid transition failed")
	}
	// Only one of two concurrent closers may win the Active→Closing edge.
	if !b.Transition("BTCUSDT|binance|okx", types.HedgeActive, types.HedgeClosing, nil) {
		t.Error("first close transition failed")
	}
	if b.Transition("BTCUSDT|binance|okx", types.HedgeActive, types.HedgeClosing, nil) {
		t.Error("second close transition succeeded")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "hedges.json")

	b := NewBook()
	b.TryOpen(newHedge("BTCUSDT|binance|okx"))
	b.Transition("BTCUSDT|binance|okx", types.HedgeOpening, types.HedgeActive, func(h *types.Hedge) {
		h.Size = decimal.RequireFromString("0.01")
	})
	b.TryOpen(newHedge("ETHUSDT|okx|binance"))
	b.Transition("ETHUSDT|okx|binance", types.HedgeOpening, types.HedgeFailed, nil)

	if err := b.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	restored := NewBook()
	if err := restored.Load(path); err != nil {
		t.Fatalf("load: %v", err)
	}

	// The Active record from the previous run is demoted: its legs may still
	// be live on the venues.
	h, ok := restored.Get("BTCUSDT|binance|okx")
	if !ok {
		t.Fatal("active record missing after load")
	}
	if h.State != types.HedgeCloseFailed {
		t.Errorf("restored state = %s, want CLOSE_FAILED", h.State)
	}
	if !h.Size.Equal(decimal.RequireFromString("0.01")) {
		t.Errorf("restored size = %s, want 0.01", h.Size)
	}

	failed, ok := restored.Get("ETHUSDT|okx|binance")
	if !ok || failed.State != types.HedgeFailed {
		t.Errorf("terminal record not preserved: %+v", failed)
	}
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	t.Parallel()
	b := NewBook()
	if err := b.Load(filepath.Join(t.TempDir(), "absent.json")); err != nil {
		t.Fatalf("load missing file: %v", err)
	}
}
