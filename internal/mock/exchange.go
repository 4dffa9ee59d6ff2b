// Package mock provides a scriptable in-memory Exchange for tests.
package mock

import (
	"context"
	"fmt"
	"sync"

	"gridbot/internal/core"
	apperrors "gridbot/pkg/errors"

	"github.com/shopspring/decimal"
)

// MockExchange implements core.Exchange for testing. Tests script the book,
// the ticker and failure modes directly; removing an order from the book is
// how a fill is simulated.
type MockExchange struct {
	mu        sync.Mutex
	name      string
	orders    map[string]core.OpenOrder
	balances  map[string]core.Balance
	markets   map[string]core.MarketInfo
	last      decimal.Decimal
	idCounter int

	placed    []core.OpenOrder
	cancelled []string

	// Failure overrides
	Outage      bool // FetchOpenOrders reports an empty book
	PlaceErr    error
	CancelErr   error
	SnapshotErr error
	TickerErr   error
}

// NewMockExchange builds a mock with a flat book and round balances.
func NewMockExchange(name string, last decimal.Decimal) *MockExchange {
	return &MockExchange{
		name:   name,
		orders: make(map[string]core.OpenOrder),
		balances: map[string]core.Balance{
			"BTC": {Free: decimal.NewFromInt(1), Total: decimal.NewFromInt(1)},
			"USD": {Free: decimal.NewFromInt(100000), Total: decimal.NewFromInt(100000)},
		},
		markets: make(map[string]core.MarketInfo),
		last:    last,
	}
}

func (m *MockExchange) Name() string { return m.name }

// SetTicker overrides the last price.
func (m *MockExchange) SetTicker(last decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = last
}

// SetMarket installs market metadata returned by LoadMarkets.
func (m *MockExchange) SetMarket(symbol string, info core.MarketInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markets[symbol] = info
}

// SetBalance overrides one asset balance.
func (m *MockExchange) SetBalance(asset string, total decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[asset] = core.Balance{Free: total, Total: total}
}

// AddOpenOrder seeds a venue-side order the engine did not place.
func (m *MockExchange) AddOpenOrder(o core.OpenOrder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = o
}

// Fill removes an order from the book, surfacing as a fill on the next
// open-orders snapshot.
func (m *MockExchange) Fill(orderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.orders, orderID)
}

// OpenCount returns the venue-side order count.
func (m *MockExchange) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

// Placed returns every order placed through the mock, in order.
func (m *MockExchange) Placed() []core.OpenOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]core.OpenOrder(nil), m.placed...)
}

// Cancelled returns every order id a cancel was attempted on.
func (m *MockExchange) Cancelled() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.cancelled...)
}

func (m *MockExchange) LoadMarkets(ctx context.Context) (map[string]core.MarketInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]core.MarketInfo, len(m.markets))
	for k, v := range m.markets {
		out[k] = v
	}
	return out, nil
}

func (m *MockExchange) FetchTicker(ctx context.Context, symbol string) (*core.Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.TickerErr != nil {
		return nil, m.TickerErr
	}
	return &core.Ticker{Symbol: symbol, Bid: m.last, Ask: m.last, Last: m.last}, nil
}

func (m *MockExchange) PlaceLimitOrder(ctx context.Context, symbol string, side core.Side, price, size decimal.Decimal) (*core.PlaceResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PlaceErr != nil {
		return nil, m.PlaceErr
	}
	m.idCounter++
	id := fmt.Sprintf("mock_%d", m.idCounter)
	order := core.OpenOrder{ID: id, Side: side, Price: price, Amount: size, Remaining: size}
	m.orders[id] = order
	m.placed = append(m.placed, order)
	return &core.PlaceResult{VenueOrderID: id, Status: core.PlaceOpen}, nil
}

func (m *MockExchange) CancelOrder(ctx context.Context, orderID, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CancelErr != nil {
		return m.CancelErr
	}
	m.cancelled = append(m.cancelled, orderID)
	if _, ok := m.orders[orderID]; !ok {
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, orderID)
	}
	delete(m.orders, orderID)
	return nil
}

func (m *MockExchange) FetchOpenOrders(ctx context.Context, symbol string) ([]core.OpenOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SnapshotErr != nil {
		return nil, m.SnapshotErr
	}
	if m.Outage {
		return nil, nil
	}
	var out []core.OpenOrder
	for _, o := range m.orders {
		out = append(out, o)
	}
	return out, nil
}

func (m *MockExchange) FetchOrder(ctx context.Context, orderID, symbol string) (*core.OpenOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[orderID]; ok {
		return &o, nil
	}
	return nil, fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, orderID)
}

func (m *MockExchange) FetchBalance(ctx context.Context) (map[string]core.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]core.Balance, len(m.balances))
	for k, v := range m.balances {
		out[k] = v
	}
	return out, nil
}

func (m *MockExchange) Close() error { return nil }
