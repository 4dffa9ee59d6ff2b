package sim

import (
	"context"
	"testing"

	"gridbot/internal/core"
	apperrors "gridbot/pkg/errors"
	"gridbot/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSim(t *testing.T, opts ...Option) *SimExchange {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	e := NewSimExchange(42, logger, opts...)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestDeterministicWalk(t *testing.T) {
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)

	a := NewSimExchange(7, logger)
	b := NewSimExchange(7, logger)
	for i := 0; i < 20; i++ {
		a.Step()
		b.Step()
	}

	ta, err := a.FetchTicker(context.Background(), "SIM_BTC")
	require.NoError(t, err)
	tb, err := b.FetchTicker(context.Background(), "SIM_BTC")
	require.NoError(t, err)
	assert.True(t, ta.Last.Equal(tb.Last), "same seed must give same walk: %s vs %s", ta.Last, tb.Last)
}

func TestBuyFillsWhenPriceDrops(t *testing.T) {
	e := newSim(t, WithInitialPrice(decimal.NewFromInt(62000)))
	ctx := context.Background()

	result, err := e.PlaceLimitOrder(ctx, "SIM_BTC", core.SideBuy,
		decimal.NewFromInt(61000), decimal.RequireFromString("0.001"))
	require.NoError(t, err)

	// Price above the limit: order stays open
	open, err := e.FetchOpenOrders(ctx, "SIM_BTC")
	require.NoError(t, err)
	require.Len(t, open, 1)

	e.SetPrice(decimal.NewFromInt(60999))

	open, err = e.FetchOpenOrders(ctx, "SIM_BTC")
	require.NoError(t, err)
	assert.Empty(t, open, "fill must be reported as absence from open orders")

	trades := e.Trades()
	require.Len(t, trades, 1)
	assert.Equal(t, result.VenueOrderID, trades[0].OrderID)
	assert.Equal(t, core.SideBuy, trades[0].Side)
}

func TestFillSettlesBothBalances(t *testing.T) {
	e := newSim(t,
		WithInitialPrice(decimal.NewFromInt(100)),
		WithBalance("SIM", decimal.NewFromInt(1000)),
		WithBalance("BTC", decimal.NewFromInt(1)),
	)
	ctx := context.Background()

	_, err := e.PlaceLimitOrder(ctx, "SIM_BTC", core.SideSell,
		decimal.NewFromInt(110), decimal.RequireFromString("0.5"))
	require.NoError(t, err)

	e.SetPrice(decimal.NewFromInt(111))

	balances, err := e.FetchBalance(ctx)
	require.NoError(t, err)
	assert.True(t, balances["BTC"].Free.Equal(decimal.RequireFromString("0.5")), "got %s", balances["BTC"].Free)
	assert.True(t, balances["SIM"].Free.Equal(decimal.NewFromInt(1055)), "got %s", balances["SIM"].Free)
}

func TestFeeChargedOnReceivedAsset(t *testing.T) {
	e := newSim(t,
		WithInitialPrice(decimal.NewFromInt(100)),
		WithFee(decimal.RequireFromString("0.01")),
		WithBalance("SIM", decimal.NewFromInt(1000)),
		WithBalance("BTC", decimal.NewFromInt(1)),
	)
	ctx := context.Background()

	// Sell 0.5 at 110: proceeds 55, minus 1% fee leaves 54.45
	_, err := e.PlaceLimitOrder(ctx, "SIM_BTC", core.SideSell,
		decimal.NewFromInt(110), decimal.RequireFromString("0.5"))
	require.NoError(t, err)

	e.SetPrice(decimal.NewFromInt(111))

	balances, err := e.FetchBalance(ctx)
	require.NoError(t, err)
	assert.True(t, balances["SIM"].Free.Equal(decimal.RequireFromString("1054.45")), "got %s", balances["SIM"].Free)

	// Buy 0.1 at 100: costs 10 in quote, credits 0.099 base after fee
	_, err = e.PlaceLimitOrder(ctx, "SIM_BTC", core.SideBuy,
		decimal.NewFromInt(100), decimal.RequireFromString("0.1"))
	require.NoError(t, err)

	e.SetPrice(decimal.NewFromInt(99))

	balances, err = e.FetchBalance(ctx)
	require.NoError(t, err)
	assert.True(t, balances["BTC"].Free.Equal(decimal.RequireFromString("0.599")), "got %s", balances["BTC"].Free)
}

func TestInsufficientBalanceLeavesOrderOpen(t *testing.T) {
	e := newSim(t,
		WithInitialPrice(decimal.NewFromInt(100)),
		WithBalance("SIM", decimal.NewFromInt(1)),
	)
	ctx := context.Background()

	_, err := e.PlaceLimitOrder(ctx, "SIM_BTC", core.SideBuy,
		decimal.NewFromInt(90), decimal.NewFromInt(1))
	require.NoError(t, err)

	e.SetPrice(decimal.NewFromInt(80))

	open, err := e.FetchOpenOrders(ctx, "SIM_BTC")
	require.NoError(t, err)
	assert.Len(t, open, 1, "unfunded order must not fill")
}

func TestCancelOrder(t *testing.T) {
	e := newSim(t)
	ctx := context.Background()

	result, err := e.PlaceLimitOrder(ctx, "SIM_BTC", core.SideBuy,
		decimal.NewFromInt(1000), decimal.RequireFromString("0.001"))
	require.NoError(t, err)

	require.NoError(t, e.CancelOrder(ctx, result.VenueOrderID, "SIM_BTC"))
	assert.ErrorIs(t, e.CancelOrder(ctx, result.VenueOrderID, "SIM_BTC"), apperrors.ErrOrderNotFound)
	assert.ErrorIs(t, e.CancelOrder(ctx, "no_such_order", "SIM_BTC"), apperrors.ErrOrderNotFound)
}

func TestFetchOrderAfterFill(t *testing.T) {
	e := newSim(t, WithInitialPrice(decimal.NewFromInt(62000)))
	ctx := context.Background()

	result, err := e.PlaceLimitOrder(ctx, "SIM_BTC", core.SideSell,
		decimal.NewFromInt(63000), decimal.RequireFromString("0.01"))
	require.NoError(t, err)

	e.SetPrice(decimal.NewFromInt(64000))

	order, err := e.FetchOrder(ctx, result.VenueOrderID, "SIM_BTC")
	require.NoError(t, err)
	assert.True(t, order.Remaining.IsZero())
}

func TestUnknownSymbolRejected(t *testing.T) {
	e := newSim(t)
	ctx := context.Background()

	_, err := e.PlaceLimitOrder(ctx, "NOPE", core.SideBuy, decimal.NewFromInt(1), decimal.NewFromInt(1))
	assert.ErrorIs(t, err, apperrors.ErrInvalidSymbol)

	_, err = e.FetchTicker(ctx, "NOPE")
	assert.ErrorIs(t, err, apperrors.ErrInvalidSymbol)
}
