// Package sim provides a deterministic in-memory venue for hermetic testing
// and simulated runs. Prices follow a seeded geometric random walk; resting
// limit orders match when the walk crosses their price.
package sim

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"gridbot/internal/core"
	apperrors "gridbot/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	defaultSymbol     = "SIM_BTC"
	defaultVolatility = 0.001
	tickPeriod        = time.Second
)

type simOrder struct {
	id     string
	side   core.Side
	price  decimal.Decimal
	amount decimal.Decimal
	ts     int64
	open   bool
}

// Trade is one simulated execution, retained for inspection.
type Trade struct {
	ID      string
	OrderID string
	Side    core.Side
	Price   decimal.Decimal
	Amount  decimal.Decimal
	Ts      int64
}

// SimExchange implements core.Exchange against an internal price walk.
type SimExchange struct {
	logger core.Logger

	mu       sync.Mutex
	price    decimal.Decimal
	rng      *rand.Rand
	orders   map[string]*simOrder
	balances map[string]decimal.Decimal
	trades   []Trade
	symbol   string
	base     string
	quote    string
	fee      decimal.Decimal

	cancelTicker context.CancelFunc
	wg           sync.WaitGroup
}

// Option configures the simulator.
type Option func(*SimExchange)

// WithInitialPrice overrides the starting mid price.
func WithInitialPrice(p decimal.Decimal) Option {
	return func(e *SimExchange) { e.price = p }
}

// WithSymbol overrides the traded symbol (QUOTE_BASE form).
func WithSymbol(symbol string) Option {
	return func(e *SimExchange) { e.setSymbol(symbol) }
}

// WithBalance seeds an asset balance.
func WithBalance(asset string, amount decimal.Decimal) Option {
	return func(e *SimExchange) { e.balances[asset] = amount }
}

// WithFee charges a taker fee on the received asset of each fill.
func WithFee(rate decimal.Decimal) Option {
	return func(e *SimExchange) { e.fee = rate }
}

// NewSimExchange creates a simulator seeded for reproducibility. Seed 0
// seeds from the clock.
func NewSimExchange(seed int64, logger core.Logger, opts ...Option) *SimExchange {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	e := &SimExchange{
		logger:   logger.WithField("venue", "sim"),
		price:    decimal.NewFromInt(62000),
		rng:      rand.New(rand.NewSource(seed)),
		orders:   make(map[string]*simOrder),
		balances: make(map[string]decimal.Decimal),
	}
	e.setSymbol(defaultSymbol)
	e.balances["SIM"] = decimal.NewFromInt(10000)
	e.balances["BTC"] = decimal.RequireFromString("0.1")

	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *SimExchange) setSymbol(symbol string) {
	e.symbol = symbol
	parts := strings.SplitN(symbol, "_", 2)
	if len(parts) == 2 {
		e.quote, e.base = parts[0], parts[1]
	} else {
		e.quote, e.base = "SIM", symbol
	}
}

// Name returns the venue name
func (e *SimExchange) Name() string {
	return "sim"
}

// StartTicker launches the background walk at the fixed tick period. Tests
// normally drive the walk with Step instead.
func (e *SimExchange) StartTicker(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancelTicker = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(tickPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.Step()
			}
		}
	}()
}

// Step advances the price walk by one tick and matches crossed orders.
func (e *SimExchange) Step() {
	e.mu.Lock()
	defer e.mu.Unlock()

	change := e.rng.NormFloat64() * defaultVolatility
	next := e.price.Mul(decimal.NewFromFloat(math.Max(1e-9, 1+change)))
	if next.LessThan(decimal.NewFromInt(1)) {
		next = decimal.NewFromInt(1)
	}
	e.price = next
	e.matchLocked()
}

// SetPrice pins the mid directly and matches, for deterministic tests.
func (e *SimExchange) SetPrice(p decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.price = p
	e.matchLocked()
}

// matchLocked fills every open order the current price has crossed,
// settling both asset balances. Caller holds e.mu.
func (e *SimExchange) matchLocked() {
	for id, o := range e.orders {
		if !o.open {
			continue
		}

		crossed := (o.side == core.SideBuy && e.price.LessThanOrEqual(o.price)) ||
			(o.side == core.SideSell && e.price.GreaterThanOrEqual(o.price))
		if !crossed {
			continue
		}

		cost := o.amount.Mul(o.price)
		keep := decimal.NewFromInt(1).Sub(e.fee)
		if o.side == core.SideBuy {
			if e.balances[e.quote].LessThan(cost) {
				continue
			}
			e.balances[e.quote] = e.balances[e.quote].Sub(cost)
			e.balances[e.base] = e.balances[e.base].Add(o.amount.Mul(keep))
		} else {
			if e.balances[e.base].LessThan(o.amount) {
				continue
			}
			e.balances[e.base] = e.balances[e.base].Sub(o.amount)
			e.balances[e.quote] = e.balances[e.quote].Add(cost.Mul(keep))
		}

		o.open = false
		e.trades = append(e.trades, Trade{
			ID:      uuid.NewString(),
			OrderID: id,
			Side:    o.side,
			Price:   o.price,
			Amount:  o.amount,
			Ts:      time.Now().UnixMilli(),
		})
		e.logger.Info("simulated fill",
			"side", o.side, "amount", o.amount.String(), "price", o.price.String())
	}
}

// Trades returns a copy of the executed trades.
func (e *SimExchange) Trades() []Trade {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Trade(nil), e.trades...)
}

// LoadMarkets reports the single simulated market.
func (e *SimExchange) LoadMarkets(ctx context.Context) (map[string]core.MarketInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return map[string]core.MarketInfo{
		e.symbol: {
			Symbol:      e.symbol,
			Base:        e.base,
			Quote:       e.quote,
			Active:      true,
			MinSize:     decimal.RequireFromString("0.0001"),
			MinNotional: decimal.NewFromInt(10),
			SizeStep:    decimal.RequireFromString("0.0001"),
			PriceTick:   decimal.RequireFromString("0.01"),
		},
	}, nil
}

// FetchTicker reports the walk's mid with a synthetic spread.
func (e *SimExchange) FetchTicker(ctx context.Context, symbol string) (*core.Ticker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if symbol != e.symbol {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
	}

	spread := e.price.Mul(decimal.RequireFromString("0.001"))
	return &core.Ticker{
		Symbol: symbol,
		Bid:    e.price.Sub(spread),
		Ask:    e.price.Add(spread),
		Last:   e.price,
		Ts:     time.Now().UnixMilli(),
	}, nil
}

// PlaceLimitOrder books a resting order. No immediate matching happens; the
// order fills on the first Step that crosses it.
func (e *SimExchange) PlaceLimitOrder(ctx context.Context, symbol string, side core.Side, price, size decimal.Decimal) (*core.PlaceResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if symbol != e.symbol {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
	}
	if !price.IsPositive() || !size.IsPositive() {
		return nil, fmt.Errorf("%w: price and size must be positive", apperrors.ErrInvalidOrderParameter)
	}

	id := "sim_" + uuid.NewString()
	ts := time.Now().UnixMilli()
	e.orders[id] = &simOrder{
		id:     id,
		side:   side,
		price:  price,
		amount: size,
		ts:     ts,
		open:   true,
	}
	return &core.PlaceResult{VenueOrderID: id, Status: core.PlaceOpen, Ts: ts}, nil
}

// CancelOrder closes a resting order, reporting NotFound for ids the book
// no longer holds.
func (e *SimExchange) CancelOrder(ctx context.Context, orderID, symbol string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.orders[orderID]
	if !ok || !o.open {
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, orderID)
	}
	o.open = false
	return nil
}

// FetchOpenOrders lists resting orders; fills show up as absence.
func (e *SimExchange) FetchOpenOrders(ctx context.Context, symbol string) ([]core.OpenOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var orders []core.OpenOrder
	for _, o := range e.orders {
		if !o.open {
			continue
		}
		orders = append(orders, core.OpenOrder{
			ID:        o.id,
			Side:      o.side,
			Price:     o.price,
			Amount:    o.amount,
			Remaining: o.amount,
			Ts:        o.ts,
		})
	}
	return orders, nil
}

// FetchOrder returns any known order, open or not.
func (e *SimExchange) FetchOrder(ctx context.Context, orderID, symbol string) (*core.OpenOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, orderID)
	}
	remaining := o.amount
	if !o.open {
		remaining = decimal.Zero
	}
	return &core.OpenOrder{
		ID:        o.id,
		Side:      o.side,
		Price:     o.price,
		Amount:    o.amount,
		Remaining: remaining,
		Ts:        o.ts,
	}, nil
}

// FetchBalance returns the simulated dual-asset balances.
func (e *SimExchange) FetchBalance(ctx context.Context) (map[string]core.Balance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	balances := make(map[string]core.Balance, len(e.balances))
	for asset, amount := range e.balances {
		balances[asset] = core.Balance{Free: amount, Total: amount}
	}
	return balances, nil
}

// Close stops the background ticker if it was started.
func (e *SimExchange) Close() error {
	if e.cancelTicker != nil {
		e.cancelTicker()
	}
	e.wg.Wait()
	return nil
}
