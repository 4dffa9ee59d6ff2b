package validator

import (
	"testing"

	"gridbot/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundSize_Idempotent(t *testing.T) {
	v := New()

	size := decimal.RequireFromString("0.123456789")
	once := v.RoundSize("binance", "BTCUSDT", size)
	twice := v.RoundSize("binance", "BTCUSDT", once)

	assert.True(t, once.Equal(decimal.RequireFromString("0.12346")), "got %s", once)
	assert.True(t, once.Equal(twice), "rounding must be idempotent")
}

func TestRoundSize_NearestNotFloor(t *testing.T) {
	v := New()

	// 0.000019 sits above the midpoint between steps and must round up.
	up := v.RoundSize("binance", "BTCUSDT", decimal.RequireFromString("0.000019"))
	assert.True(t, up.Equal(decimal.RequireFromString("0.00002")), "got %s", up)

	down := v.RoundSize("binance", "BTCUSDT", decimal.RequireFromString("0.000012"))
	assert.True(t, down.Equal(decimal.RequireFromString("0.00001")), "got %s", down)
}

func TestRoundPrice(t *testing.T) {
	v := New()

	price := v.RoundPrice("bitkub", "THB_BTC", decimal.RequireFromString("1234567.899"))
	assert.True(t, price.Equal(decimal.RequireFromString("1234567.90")), "got %s", price)
}

func TestRound_UnknownSymbolPassthrough(t *testing.T) {
	v := New()

	size := decimal.RequireFromString("0.123456789")
	assert.True(t, size.Equal(v.RoundSize("binance", "NOPEUSDT", size)))
	assert.True(t, size.Equal(v.RoundPrice("nowhere", "X_Y", size)))
	assert.Nil(t, v.Validate("nowhere", "X_Y", size, size))
}

func TestValidate_BelowMinimums(t *testing.T) {
	v := New()

	// 0.000001 BTC at 10 USDT: below min size and below min notional
	violations := v.Validate("binance", "BTCUSDT",
		decimal.NewFromInt(10), decimal.RequireFromString("0.000001"))
	require.Len(t, violations, 3)

	reasons := make(map[Reason]bool)
	for _, viol := range violations {
		reasons[viol.Reason] = true
	}
	assert.True(t, reasons[ReasonBelowMinSize])
	assert.True(t, reasons[ReasonBelowMinNotional])
	assert.True(t, reasons[ReasonBadSizeStep])
}

func TestValidate_OffStep(t *testing.T) {
	v := New()

	violations := v.Validate("binance", "BTCUSDT",
		decimal.RequireFromString("50000.005"), decimal.RequireFromString("0.001"))
	require.Len(t, violations, 1)
	assert.Equal(t, ReasonBadPriceTick, violations[0].Reason)
}

func TestValidate_Acceptable(t *testing.T) {
	v := New()

	violations := v.Validate("binance", "BTCUSDT",
		decimal.NewFromInt(50000), decimal.RequireFromString("0.001"))
	assert.Nil(t, violations)
}

func TestOnStep_Tolerance(t *testing.T) {
	step := decimal.RequireFromString("0.00001")

	// Remainder within 0.1% of the step passes either way.
	assert.True(t, onStep(decimal.RequireFromString("0.00123"), step))
	assert.True(t, onStep(decimal.RequireFromString("0.001230000001"), step))
	assert.False(t, onStep(decimal.RequireFromString("0.001235"), step))
}

func TestUpdateFromMarkets(t *testing.T) {
	v := New()

	v.UpdateFromMarkets("binance", map[string]core.MarketInfo{
		"BTCUSDT": {
			Symbol:      "BTCUSDT",
			MinSize:     decimal.RequireFromString("0.0002"),
			MinNotional: decimal.NewFromInt(7),
			SizeStep:    decimal.RequireFromString("0.0001"),
			PriceTick:   decimal.RequireFromString("0.1"),
		},
	})

	r, ok := v.Lookup("binance", "BTCUSDT")
	require.True(t, ok)
	assert.True(t, r.MinSize.Equal(decimal.RequireFromString("0.0002")))
	assert.True(t, r.MinNotional.Equal(decimal.NewFromInt(7)))

	// Exactly half a tick rounds away from zero.
	price := v.RoundPrice("binance", "BTCUSDT", decimal.RequireFromString("50000.05"))
	assert.True(t, price.Equal(decimal.RequireFromString("50000.1")), "got %s", price)
}

func TestMinimumFor(t *testing.T) {
	v := New()

	// min notional 5 at price 50000 -> 0.0001 from notional, but min size
	// 0.00001 is smaller, so notional dominates
	req := v.MinimumFor("binance", "BTCUSDT", decimal.NewFromInt(50000))
	assert.True(t, req.MinSizeAtPrice.Equal(decimal.RequireFromString("0.0001")),
		"got %s", req.MinSizeAtPrice)

	// at a very high price the size-step ceiling kicks in
	req = v.MinimumFor("binance", "BTCUSDT", decimal.NewFromInt(10000000))
	assert.True(t, req.MinSizeAtPrice.Equal(decimal.RequireFromString("0.00001")),
		"got %s", req.MinSizeAtPrice)
}
