// Package validator quantizes order parameters to venue precision and
// checks them against venue minimums before anything reaches the wire.
package validator

import (
	"fmt"
	"strings"
	"sync"

	"gridbot/internal/core"

	"github.com/shopspring/decimal"
)

// Reason identifies why an order failed validation.
type Reason string

const (
	ReasonBelowMinSize     Reason = "below_min_size"
	ReasonBelowMinNotional Reason = "below_min_notional"
	ReasonBadSizeStep      Reason = "bad_size_step"
	ReasonBadPriceTick     Reason = "bad_price_tick"
)

// Violation is a single failed check with the observed and required values.
type Violation struct {
	Reason   Reason
	Observed decimal.Decimal
	Required decimal.Decimal
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: observed=%s required=%s", v.Reason, v.Observed, v.Required)
}

// Requirements are the per-symbol constraints an order must satisfy.
// Zero-valued fields are not enforced.
type Requirements struct {
	MinSize     decimal.Decimal
	MinNotional decimal.Decimal
	SizeStep    decimal.Decimal
	PriceTick   decimal.Decimal
}

// stepTolerance allows for representation error after rounding. An order is
// on-step when the remainder is within 0.1% of the step either way.
var stepTolerance = decimal.RequireFromString("0.001")

// Validator holds requirement tables keyed by venue and symbol. Lookups for
// unknown (venue, symbol) pairs are permissive: rounding is a no-op and
// validation passes.
type Validator struct {
	mu   sync.RWMutex
	reqs map[string]Requirements
}

func key(venue, symbol string) string {
	return strings.ToLower(venue) + "/" + strings.ToUpper(symbol)
}

// New builds a validator with the built-in defaults for known venues.
func New() *Validator {
	v := &Validator{reqs: make(map[string]Requirements)}
	for k, r := range defaultRequirements {
		v.reqs[k] = r
	}
	return v
}

// defaultRequirements seed the table so the engine can do pre-trade checks
// before LoadMarkets completes. Live market data replaces these.
var defaultRequirements = map[string]Requirements{
	key("bitkub", "THB_BTC"): {
		MinNotional: decimal.NewFromInt(10),
		SizeStep:    decimal.RequireFromString("0.00000001"),
		PriceTick:   decimal.RequireFromString("0.01"),
	},
	key("bitkub", "THB_ETH"): {
		MinNotional: decimal.NewFromInt(10),
		SizeStep:    decimal.RequireFromString("0.00000001"),
		PriceTick:   decimal.RequireFromString("0.01"),
	},
	key("binance", "BTCUSDT"): {
		MinSize:     decimal.RequireFromString("0.00001"),
		MinNotional: decimal.NewFromInt(5),
		SizeStep:    decimal.RequireFromString("0.00001"),
		PriceTick:   decimal.RequireFromString("0.01"),
	},
	key("binance", "ETHUSDT"): {
		MinSize:     decimal.RequireFromString("0.0001"),
		MinNotional: decimal.NewFromInt(5),
		SizeStep:    decimal.RequireFromString("0.0001"),
		PriceTick:   decimal.RequireFromString("0.01"),
	},
	key("sim", "SIM_BTC"): {
		MinSize:     decimal.RequireFromString("0.0001"),
		MinNotional: decimal.NewFromInt(10),
		SizeStep:    decimal.RequireFromString("0.0001"),
		PriceTick:   decimal.RequireFromString("0.01"),
	},
}

// Lookup returns the requirements for a (venue, symbol) pair.
func (v *Validator) Lookup(venue, symbol string) (Requirements, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	r, ok := v.reqs[key(venue, symbol)]
	return r, ok
}

// Set installs or replaces the requirements for a (venue, symbol) pair.
func (v *Validator) Set(venue, symbol string, r Requirements) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.reqs[key(venue, symbol)] = r
}

// UpdateFromMarkets refreshes the table from a LoadMarkets result.
func (v *Validator) UpdateFromMarkets(venue string, markets map[string]core.MarketInfo) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for sym, m := range markets {
		v.reqs[key(venue, sym)] = Requirements{
			MinSize:     m.MinSize,
			MinNotional: m.MinNotional,
			SizeStep:    m.SizeStep,
			PriceTick:   m.PriceTick,
		}
	}
}

// RoundSize quantizes a size to the nearest multiple of the venue's size
// step. Rounding an already-quantized size returns it unchanged.
func (v *Validator) RoundSize(venue, symbol string, size decimal.Decimal) decimal.Decimal {
	r, ok := v.Lookup(venue, symbol)
	if !ok || r.SizeStep.IsZero() {
		return size
	}
	return quantizeNearest(size, r.SizeStep)
}

// RoundPrice quantizes a price to the nearest multiple of the venue's price
// tick.
func (v *Validator) RoundPrice(venue, symbol string, price decimal.Decimal) decimal.Decimal {
	r, ok := v.Lookup(venue, symbol)
	if !ok || r.PriceTick.IsZero() {
		return price
	}
	return quantizeNearest(price, r.PriceTick)
}

// quantizeNearest snaps x to the nearest multiple of step, half away from
// zero.
func quantizeNearest(x, step decimal.Decimal) decimal.Decimal {
	return x.Div(step).Round(0).Mul(step)
}

// Validate checks quantized order parameters against the venue minimums and
// returns every violation found. A nil slice means the order is acceptable.
func (v *Validator) Validate(venue, symbol string, price, size decimal.Decimal) []Violation {
	r, ok := v.Lookup(venue, symbol)
	if !ok {
		return nil
	}

	var violations []Violation

	if !r.MinSize.IsZero() && size.LessThan(r.MinSize) {
		violations = append(violations, Violation{
			Reason: ReasonBelowMinSize, Observed: size, Required: r.MinSize,
		})
	}
	if !r.MinNotional.IsZero() {
		notional := price.Mul(size)
		if notional.LessThan(r.MinNotional) {
			violations = append(violations, Violation{
				Reason: ReasonBelowMinNotional, Observed: notional, Required: r.MinNotional,
			})
		}
	}
	if !r.SizeStep.IsZero() && !onStep(size, r.SizeStep) {
		violations = append(violations, Violation{
			Reason: ReasonBadSizeStep, Observed: size, Required: r.SizeStep,
		})
	}
	if !r.PriceTick.IsZero() && !onStep(price, r.PriceTick) {
		violations = append(violations, Violation{
			Reason: ReasonBadPriceTick, Observed: price, Required: r.PriceTick,
		})
	}

	return violations
}

// onStep reports whether x sits on a multiple of step within tolerance.
func onStep(x, step decimal.Decimal) bool {
	rem := x.Mod(step)
	tol := step.Mul(stepTolerance)
	return rem.LessThanOrEqual(tol) || step.Sub(rem).LessThanOrEqual(tol)
}

// MinimumRequirement describes the smallest acceptable order at a price,
// used by the operator surface to show funding needs up front.
type MinimumRequirement struct {
	Symbol      string
	MinSize     decimal.Decimal
	MinNotional decimal.Decimal
	// MinSizeAtPrice is the larger of MinSize and MinNotional/price,
	// quantized up to the size step.
	MinSizeAtPrice decimal.Decimal
}

// MinimumFor computes the minimum viable order size at the given price.
func (v *Validator) MinimumFor(venue, symbol string, price decimal.Decimal) MinimumRequirement {
	r, _ := v.Lookup(venue, symbol)
	out := MinimumRequirement{
		Symbol:      symbol,
		MinSize:     r.MinSize,
		MinNotional: r.MinNotional,
	}

	minSize := r.MinSize
	if !r.MinNotional.IsZero() && price.IsPositive() {
		fromNotional := r.MinNotional.Div(price)
		if fromNotional.GreaterThan(minSize) {
			minSize = fromNotional
		}
	}
	if !r.SizeStep.IsZero() && !minSize.IsZero() {
		minSize = minSize.Div(r.SizeStep).Ceil().Mul(r.SizeStep)
	}
	out.MinSizeAtPrice = minSize
	return out
}
