// Package core defines the domain types and interfaces shared across the bot.
package core

import (
	"fmt"

	apperrors "gridbot/pkg/errors"

	"github.com/shopspring/decimal"
)

// Side is the polarity of an order at a grid level relative to the mid price.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
	SideSkip Side = "skip"
)

// Spacing selects how level prices are distributed inside the band.
type Spacing string

const (
	SpacingArithmetic Spacing = "arithmetic"
	SpacingGeometric  Spacing = "geometric"
)

// Mode selects the execution venue class.
type Mode string

const (
	ModeLive      Mode = "live"
	ModeSimulated Mode = "simulated"
)

// BotState is the coarse lifecycle state of the engine.
type BotState string

const (
	StateStopped    BotState = "STOPPED"
	StateStarting   BotState = "STARTING"
	StateRunning    BotState = "RUNNING"
	StateStopping   BotState = "STOPPING"
	StateError      BotState = "ERROR"
	StateSimRunning BotState = "SIM_RUNNING"
)

// Zone is a contiguous inclusive range of level indices toggled as a unit.
type Zone struct {
	ID       int  `json:"id" yaml:"id"`
	StartIdx int  `json:"start_idx" yaml:"start_idx"`
	EndIdx   int  `json:"end_idx" yaml:"end_idx"`
	Enabled  bool `json:"enabled" yaml:"enabled"`
}

// GridConfig is the immutable grid parameterization. A new instance is built
// for every reconfigure; the engine derives levels and the zone map from it.
type GridConfig struct {
	Lower        decimal.Decimal `json:"lower"`
	Upper        decimal.Decimal `json:"upper"`
	NLevels      int             `json:"n_levels"`
	Spacing      Spacing         `json:"spacing"`
	SizePerLevel decimal.Decimal `json:"size_per_level"`
	Zones        []Zone          `json:"zones,omitempty"`
	Mode         Mode            `json:"mode"`
	Venue        string          `json:"venue"`
	Symbol       string          `json:"symbol"`
}

// Validate checks bounds, level count and zone layout.
func (c *GridConfig) Validate() error {
	if c.NLevels < 2 {
		return fmt.Errorf("%w: need at least 2 levels, got %d", apperrors.ErrInvalidGrid, c.NLevels)
	}
	if c.Lower.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: lower bound must be positive", apperrors.ErrInvalidGrid)
	}
	if c.Upper.LessThanOrEqual(c.Lower) {
		return fmt.Errorf("%w: upper bound must exceed lower bound", apperrors.ErrInvalidGrid)
	}
	if c.SizePerLevel.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: size per level must be positive", apperrors.ErrInvalidGrid)
	}
	if c.Spacing != SpacingArithmetic && c.Spacing != SpacingGeometric {
		return fmt.Errorf("%w: unknown spacing %q", apperrors.ErrInvalidGrid, c.Spacing)
	}
	if c.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", apperrors.ErrInvalidGrid)
	}
	return c.validateZones()
}

func (c *GridConfig) validateZones() error {
	covered := make([]int, c.NLevels)
	for _, z := range c.Zones {
		if z.StartIdx < 0 || z.EndIdx >= c.NLevels || z.StartIdx > z.EndIdx {
			return fmt.Errorf("%w: zone %d range [%d,%d] outside [0,%d]",
				apperrors.ErrInvalidGrid, z.ID, z.StartIdx, z.EndIdx, c.NLevels-1)
		}
		for i := z.StartIdx; i <= z.EndIdx; i++ {
			covered[i]++
			if covered[i] > 1 {
				return fmt.Errorf("%w: zones overlap at level %d", apperrors.ErrInvalidGrid, i)
			}
		}
	}
	return nil
}

// Clone returns a deep copy safe to hand to observers.
func (c *GridConfig) Clone() *GridConfig {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Zones = append([]Zone(nil), c.Zones...)
	return &cp
}

// RequiresRestart reports whether switching to next while running needs a
// full stop/start cycle. Zone and size changes hot-apply on the next tick.
func (c *GridConfig) RequiresRestart(next *GridConfig) bool {
	return !c.Lower.Equal(next.Lower) ||
		!c.Upper.Equal(next.Upper) ||
		c.NLevels != next.NLevels ||
		c.Mode != next.Mode ||
		c.Venue != next.Venue
}

// OrderStatus tracks a per-level slot through its lifecycle. Filled and
// cancelled orders are historical and leave the active map once observed.
type OrderStatus string

const (
	OrderIntended  OrderStatus = "intended"
	OrderOpen      OrderStatus = "open"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
	OrderUnknown   OrderStatus = "unknown"
)

// LiveOrder is the engine's record of one resting order bound to a level.
type LiveOrder struct {
	LevelIndex   int             `json:"level_index"`
	ZoneID       int             `json:"zone_id"`
	Side         Side            `json:"side"`
	Price        decimal.Decimal `json:"price"`
	Size         decimal.Decimal `json:"size"`
	VenueOrderID string          `json:"venue_order_id"`
	Status       OrderStatus     `json:"status"`
}

// Clone returns a copy; observers never see the engine's own instance.
func (o *LiveOrder) Clone() *LiveOrder {
	cp := *o
	return &cp
}

// OpenOrder is one row of a venue open-orders snapshot.
type OpenOrder struct {
	ID        string          `json:"id"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	Remaining decimal.Decimal `json:"remaining"`
	Ts        int64           `json:"ts"`
}

// ExternalOrder is an operator-supplied order for manual adoption.
type ExternalOrder struct {
	ID     string          `json:"id"`
	Side   Side            `json:"side"`
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
}

// Ticker is a venue price snapshot.
type Ticker struct {
	Symbol string          `json:"symbol"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	Last   decimal.Decimal `json:"last"`
	Ts     int64           `json:"ts"`
}

// MarketInfo carries per-symbol venue metadata, including the quantization
// parameters the validator consumes.
type MarketInfo struct {
	Symbol      string          `json:"symbol"`
	Base        string          `json:"base"`
	Quote       string          `json:"quote"`
	Active      bool            `json:"active"`
	MinSize     decimal.Decimal `json:"min_size"`
	MinNotional decimal.Decimal `json:"min_notional"`
	SizeStep    decimal.Decimal `json:"size_step"`
	PriceTick   decimal.Decimal `json:"price_tick"`
}

// Balance is a per-asset account balance.
type Balance struct {
	Free  decimal.Decimal `json:"free"`
	Used  decimal.Decimal `json:"used"`
	Total decimal.Decimal `json:"total"`
}

// PlaceStatus is the immediate outcome of a limit order placement.
type PlaceStatus string

const (
	PlaceOpen     PlaceStatus = "open"
	PlaceRejected PlaceStatus = "rejected"
)

// PlaceResult is returned by Exchange.PlaceLimitOrder.
type PlaceResult struct {
	VenueOrderID string      `json:"venue_order_id"`
	Status       PlaceStatus `json:"status"`
	Ts           int64       `json:"ts"`
}

// RuntimeState is the mutable bot state held by the state store.
type RuntimeState struct {
	BotState      BotState                   `json:"bot_state"`
	ActiveLevels  []int                      `json:"active_levels"`
	PnLRealized   decimal.Decimal            `json:"pnl_realized"`
	PnLUnrealized decimal.Decimal            `json:"pnl_unrealized"`
	Inventory     map[string]decimal.Decimal `json:"inventory"`
	LastError     string                     `json:"last_error,omitempty"`
}

// NewRuntimeState returns the initial state.
func NewRuntimeState() *RuntimeState {
	return &RuntimeState{
		BotState:  StateStopped,
		Inventory: make(map[string]decimal.Decimal),
	}
}

// Clone returns a deep copy for observers.
func (s *RuntimeState) Clone() *RuntimeState {
	cp := *s
	cp.ActiveLevels = append([]int(nil), s.ActiveLevels...)
	cp.Inventory = make(map[string]decimal.Decimal, len(s.Inventory))
	for k, v := range s.Inventory {
		cp.Inventory[k] = v
	}
	return &cp
}
