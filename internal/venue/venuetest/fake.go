// Package venuetest provides an in-memory venue.Adapter double. Tests seed
// rates, prices, balances, and positions, inject failures per operation, and
// assert against the recorded order and transfer calls.
package venuetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"funding-arb/internal/venue"
	"funding-arb/pkg/types"
)

// OrderCall records one order submitted to the fake.
type OrderCall struct {
	Close  bool // true when issued via ClosePosition
	Symbol string
	Side   types.Side // side of the submitted order
	Qty    decimal.Decimal
}

// Transfer records one TransferTo call.
type Transfer struct {
	To     string
	Amount decimal.Decimal
	Asset  string
}

// Fake implements venue.Adapter entirely in memory.
type Fake struct {
	name string

	mu          sync.Mutex
	funding     map[string]types.FundingObservation
	fundingErr  error
	avg         map[string]decimal.Decimal
	marks       map[string]decimal.Decimal
	markErr     error
	positions   map[string]types.Position
	positionsErr error
	total       decimal.Decimal
	available   decimal.Decimal
	balanceErr  error

	orderErr   map[string]error           // symbol|side
	partials   map[string]decimal.Decimal // symbol|side → executed qty
	closeFails map[string]int             // symbol → remaining forced failures
	closeErr   map[string]error
	noTransfer bool

	orders    []OrderCall
	transfers []Transfer
	orderSeq  int

	handler venue.StreamHandler
	pending []types.StreamEvent
}

var _ venue.Adapter = (*Fake)(nil)

// New creates an empty fake venue.
func New(name string) *Fake {
	return &Fake{
		name:       name,
		funding:    make(map[string]types.FundingObservation),
		avg:        make(map[string]decimal.Decimal),
		marks:      make(map[string]decimal.Decimal),
		positions:  make(map[string]types.Position),
		orderErr:   make(map[string]error),
		partials:   make(map[string]decimal.Decimal),
		closeFails: make(map[string]int),
		closeErr:   make(map[string]error),
	}
}

func (f *Fake) Name() string { return f.name }

// ————————————————————————————————————————————————————————————————————————
// Seeding and failure injection
// ————————————————————————————————————————————————————————————————————————

// SetFunding seeds the current funding rate for a symbol.
func (f *Fake) SetFunding(symbol, rate string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.funding[symbol] = types.FundingObservation{
		Venue:      f.name,
		Symbol:     symbol,
		Rate:       decimal.RequireFromString(rate),
		ObservedAt: at,
	}
}

// SetFundingErr makes FetchFundingRates and FundingRate fail.
func (f *Fake) SetFundingErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fundingErr = err
}

// SetAvgFunding seeds the historical average rate for a symbol.
func (f *Fake) SetAvgFunding(symbol, rate string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.avg[symbol] = decimal.RequireFromString(rate)
}

// SetMark seeds the mark price for a symbol.
func (f *Fake) SetMark(symbol, price string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks[symbol] = decimal.RequireFromString(price)
}

// SetBalances seeds total and available balances.
func (f *Fake) SetBalances(total, available string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.total = decimal.RequireFromString(total)
	f.available = decimal.RequireFromString(available)
}

// SetPosition seeds one live position.
func (f *Fake) SetPosition(symbol string, side types.Side, size, entry, mark, upnl string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions[symbol] = types.Position{
		Symbol:        symbol,
		Side:          side,
		Size:          decimal.RequireFromString(size),
		EntryPrice:    decimal.RequireFromString(entry),
		MarkPrice:     decimal.RequireFromString(mark),
		UnrealizedPnl: decimal.RequireFromString(upnl),
	}
}

// FailOrder makes CreateMarketOrder fail for one (symbol, side).
func (f *Fake) FailOrder(symbol string, side types.Side, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orderErr[symbol+"|"+string(side)] = err
}

// PartialFillOrder makes CreateMarketOrder for one (symbol, side) return a
// partial_fill error alongside a ref carrying the given executed quantity,
// the way the real adapters surface incomplete market fills.
func (f *Fake) PartialFillOrder(symbol string, side types.Side, executed string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.partials[symbol+"|"+string(side)] = decimal.RequireFromString(executed)
}

// FailClose makes the next n ClosePosition calls for symbol fail with err;
// subsequent calls succeed.
func (f *Fake) FailClose(symbol string, n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeFails[symbol] = n
	f.closeErr[symbol] = err
}

// SetBalanceErr makes TotalBalance and AvailableBalance fail.
func (f *Fake) SetBalanceErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balanceErr = err
}

// DisableTransfers makes TransferTo fail with Unsupported.
func (f *Fake) DisableTransfers() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.noTransfer = true
}

// Orders returns a copy of all recorded order calls.
func (f *Fake) Orders() []OrderCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]OrderCall, len(f.orders))
	copy(out, f.orders)
	return out
}

// Transfers returns a copy of all recorded transfer calls.
func (f *Fake) Transfers() []Transfer {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Transfer, len(f.transfers))
	copy(out, f.transfers)
	return out
}

// ————————————————————————————————————————————————————————————————————————
// venue.Adapter implementation
// ————————————————————————————————————————————————————————————————————————

func (f *Fake) FetchFundingRates(ctx context.Context) ([]types.FundingObservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fundingErr != nil {
		return nil, f.fundingErr
	}
	out := make([]types.FundingObservation, 0, len(f.funding))
	for _, obs := range f.funding {
		out = append(out, obs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (f *Fake) FundingRate(ctx context.Context, symbol string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fundingErr != nil {
		return decimal.Zero, f.fundingErr
	}
	obs, ok := f.funding[symbol]
	if !ok {
		return decimal.Zero, venue.Errf(f.name, venue.KindNotFound, "no funding for %s", symbol)
	}
	return obs.Rate, nil
}

func (f *Fake) AvgFundingRate(ctx context.Context, symbol string, since time.Time) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.avg[symbol], nil
}

func (f *Fake) MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return decimal.Zero, f.markErr
	}
	p, ok := f.marks[symbol]
	if !ok {
		return decimal.Zero, venue.Errf(f.name, venue.KindNotFound, "no mark price for %s", symbol)
	}
	return p, nil
}

func (f *Fake) Positions(ctx context.Context) (map[string]types.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.positionsErr != nil {
		return nil, f.positionsErr
	}
	out := make(map[string]types.Position, len(f.positions))
	for sym, pos := range f.positions {
		out[sym] = pos
	}
	return out, nil
}

// SetPositionsErr makes Positions fail.
func (f *Fake) SetPositionsErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positionsErr = err
}

func (f *Fake) TotalBalance(ctx context.Context) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balanceErr != nil {
		return decimal.Zero, f.balanceErr
	}
	return f.total, nil
}

func (f *Fake) AvailableBalance(ctx context.Context) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balanceErr != nil {
		return decimal.Zero, f.balanceErr
	}
	return f.available, nil
}

func (f *Fake) CreateMarketOrder(ctx context.Context, symbol string, side types.Side, qty decimal.Decimal) (types.OrderRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.orderErr[symbol+"|"+string(side)]; err != nil {
		return types.OrderRef{}, err
	}
	if executed, ok := f.partials[symbol+"|"+string(side)]; ok {
		f.orders = append(f.orders, OrderCall{Symbol: symbol, Side: side, Qty: qty})
		f.orderSeq++
		ref := types.OrderRef{
			OrderID:     fmt.Sprintf("%s-%d", f.name, f.orderSeq),
			Symbol:      symbol,
			Side:        side,
			ExecutedQty: executed,
			AvgPrice:    f.marks[symbol],
		}
		return ref, venue.Errf(f.name, venue.KindPartialFill, "filled %s of %s", executed, qty)
	}
	f.orders = append(f.orders, OrderCall{Symbol: symbol, Side: side, Qty: qty})
	f.orderSeq++
	return types.OrderRef{
		OrderID:     fmt.Sprintf("%s-%d", f.name, f.orderSeq),
		Symbol:      symbol,
		Side:        side,
		ExecutedQty: qty,
		AvgPrice:    f.marks[symbol],
	}, nil
}

func (f *Fake) ClosePosition(ctx context.Context, symbol string, spec *venue.CloseSpec) (types.OrderRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if n := f.closeFails[symbol]; n > 0 {
		f.closeFails[symbol] = n - 1
		return types.OrderRef{}, f.closeErr[symbol]
	}

	var posSide types.Side
	var qty decimal.Decimal
	if spec == nil {
		pos, ok := f.positions[symbol]
		if !ok {
			return types.OrderRef{}, venue.Errf(f.name, venue.KindNotFound, "no position for %s", symbol)
		}
		posSide, qty = pos.Side, pos.Size
		delete(f.positions, symbol)
	} else {
		posSide, qty = spec.Side, spec.Qty
	}

	orderSide := posSide.Opposite()
	f.orders = append(f.orders, OrderCall{Close: true, Symbol: symbol, Side: orderSide, Qty: qty})
	f.orderSeq++
	return types.OrderRef{
		OrderID:     fmt.Sprintf("%s-%d", f.name, f.orderSeq),
		Symbol:      symbol,
		Side:        orderSide,
		ExecutedQty: qty,
		AvgPrice:    f.marks[symbol],
	}, nil
}

func (f *Fake) TransferTo(ctx context.Context, to venue.Adapter, amount decimal.Decimal, asset string) error {
	f.mu.Lock()
	if f.noTransfer {
		f.mu.Unlock()
		return venue.Errf(f.name, venue.KindUnsupported, "transfers not supported")
	}
	f.transfers = append(f.transfers, Transfer{To: to.Name(), Amount: amount, Asset: asset})
	f.total = f.total.Sub(amount)
	f.available = f.available.Sub(amount)
	f.mu.Unlock()

	if peer, ok := to.(*Fake); ok {
		peer.credit(amount)
	}
	return nil
}

func (f *Fake) credit(amount decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.total = f.total.Add(amount)
	f.available = f.available.Add(amount)
}

// SubscribeStream registers the handler, replays any events pushed before
// subscription, and blocks until ctx is cancelled.
func (f *Fake) SubscribeStream(ctx context.Context, handler venue.StreamHandler) error {
	f.mu.Lock()
	f.handler = handler
	backlog := f.pending
	f.pending = nil
	f.mu.Unlock()

	for _, ev := range backlog {
		handler(ev)
	}
	<-ctx.Done()
	return ctx.Err()
}

// Push delivers one stream event to the subscriber. Events pushed before
// SubscribeStream are buffered and replayed in order on subscription.
func (f *Fake) Push(ev types.StreamEvent) {
	f.mu.Lock()
	handler := f.handler
	if handler == nil {
		f.pending = append(f.pending, ev)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	handler(ev)
}
