// Package venue defines the uniform contract every exchange adapter
// implements, together with the error vocabulary shared by all venues.
//
// The engine talks to exchanges only through the Adapter interface; concrete
// implementations live in the binance and okx subpackages, and venuetest
// provides an in-memory double for tests.
package venue

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"funding-arb/pkg/types"
)

// StreamHandler receives normalized push updates from a venue stream.
// Handlers are invoked sequentially per stream; a slow handler delays only
// its own venue.
type StreamHandler func(types.StreamEvent)

// CloseSpec narrows ClosePosition to one side and quantity. A nil CloseSpec
// closes the full live position.
type CloseSpec struct {
	Side types.Side      // side of the position being closed
	Qty  decimal.Decimal // base quantity to close
}

// Adapter is the uniform capability set over one derivatives venue. All
// monetary values are decimals in the venue's quote asset; symbols use the
// engine's canonical form (exchange-native uppercase, e.g. BTCUSDT).
//
// Every method may fail with *Error carrying one of the Kind values below.
// Adapters never panic the process.
type Adapter interface {
	// Name is the stable venue identifier used in keys and events.
	Name() string

	// FetchFundingRates returns the current funding rate of every tradable
	// perpetual on the venue.
	FetchFundingRates(ctx context.Context) ([]types.FundingObservation, error)

	// FundingRate returns the current funding rate for one symbol.
	FundingRate(ctx context.Context, symbol string) (decimal.Decimal, error)

	// AvgFundingRate returns the arithmetic mean of historical funding rates
	// at or after since. Returns zero when no history exists.
	AvgFundingRate(ctx context.Context, symbol string, since time.Time) (decimal.Decimal, error)

	// MarkPrice returns the venue's current mark price for one symbol.
	MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error)

	// Positions returns all non-zero positions keyed by symbol.
	Positions(ctx context.Context) (map[string]types.Position, error)

	// TotalBalance returns the account equity in the configured quote asset.
	TotalBalance(ctx context.Context) (decimal.Decimal, error)

	// AvailableBalance returns the free margin in the quote asset.
	AvailableBalance(ctx context.Context) (decimal.Decimal, error)

	// CreateMarketOrder submits a market order. Orders are never retried by
	// the adapter; duplicate-fill protection is the caller's concern.
	CreateMarketOrder(ctx context.Context, symbol string, side types.Side, qty decimal.Decimal) (types.OrderRef, error)

	// ClosePosition unwinds a position with an opposite market order. With a
	// nil spec the full live position is closed.
	ClosePosition(ctx context.Context, symbol string, spec *CloseSpec) (types.OrderRef, error)

	// TransferTo moves funds to another venue. Venues without transfer
	// support fail with Unsupported.
	TransferTo(ctx context.Context, to Adapter, amount decimal.Decimal, asset string) error

	// SubscribeStream connects the venue's push stream and delivers events to
	// the handler until ctx is cancelled. The adapter owns reconnection with
	// bounded exponential backoff (5s initial, 60s cap, jittered). The call
	// returns once the stream loop has stopped.
	SubscribeStream(ctx context.Context, handler StreamHandler) error
}
