package venue

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	t.Parallel()

	err := Errf("binance", KindRateLimited, "weight exhausted")
	if got := KindOf(err); got != KindRateLimited {
		t.Errorf("KindOf = %q, want %q", got, KindRateLimited)
	}

	wrapped := fmt.Errorf("fetch funding: %w", err)
	if got := KindOf(wrapped); got != KindRateLimited {
		t.Errorf("KindOf(wrapped) = %q, want %q", got, KindRateLimited)
	}

	if got := KindOf(errors.New("plain")); got != KindInternal {
		t.Errorf("KindOf(plain) = %q, want %q", got, KindInternal)
	}
	if got := KindOf(nil); got != "" {
		t.Errorf("KindOf(nil) = %q, want empty", got)
	}
}

func TestIsRetriable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind Kind
		want bool
	}{
		{KindNetwork, true},
		{KindRateLimited, true},
		{KindAuthFailed, false},
		{KindExchange, false},
		{KindInsufficientFunds, false},
		{KindUnsupported, false},
	}
	for _, tt := range tests {
		err := Errf("okx", tt.kind, "x")
		if got := IsRetriable(err); got != tt.want {
			t.Errorf("IsRetriable(%s) = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestErrorFormatting(t *testing.T) {
	t.Parallel()

	e := Exchange("okx", "51000", "parameter error")
	want := "okx: exchange (51000): parameter error"
	if e.Error() != want {
		t.Errorf("Error() = %q, want %q", e.Error(), want)
	}

	cause := errors.New("dial tcp: timeout")
	w := Wrap("binance", KindNetwork, cause)
	if !errors.Is(w, cause) {
		t.Error("Wrap lost the underlying cause")
	}
}
