// Package grid computes level prices, zone maps and order polarity.
// Everything here is pure; the engine owns all state.
package grid

import (
	"fmt"
	"math"

	"gridbot/internal/core"
	apperrors "gridbot/pkg/errors"

	"github.com/shopspring/decimal"
)

// levelPrecision bounds the decimals kept on computed level prices before
// venue quantization is applied.
const levelPrecision = 8

// DefaultSideTolerance is the absolute band around the mid price inside
// which a level takes no order.
var DefaultSideTolerance = decimal.New(1, -5) // 0.00001

// ZoneInfo is the per-level zone assignment.
type ZoneInfo struct {
	ZoneID  int
	Enabled bool
}

// ComputeLevels returns the strictly increasing level prices for the band.
// Arithmetic spacing splits the band into equal steps; geometric spacing
// uses a constant ratio r = (upper/lower)^(1/(n-1)). The endpoints are
// pinned to the configured bounds exactly.
func ComputeLevels(lower, upper decimal.Decimal, n int, spacing core.Spacing) ([]decimal.Decimal, error) {
	if n < 2 {
		return nil, fmt.Errorf("%w: need at least 2 levels, got %d", apperrors.ErrInvalidGrid, n)
	}
	if upper.LessThanOrEqual(lower) {
		return nil, fmt.Errorf("%w: upper bound %s must exceed lower bound %s",
			apperrors.ErrInvalidGrid, upper, lower)
	}

	levels := make([]decimal.Decimal, n)
	switch spacing {
	case core.SpacingArithmetic:
		step := upper.Sub(lower).Div(decimal.NewFromInt(int64(n - 1)))
		for i := 0; i < n; i++ {
			levels[i] = lower.Add(step.Mul(decimal.NewFromInt(int64(i)))).Round(levelPrecision)
		}
	case core.SpacingGeometric:
		if lower.LessThanOrEqual(decimal.Zero) {
			return nil, fmt.Errorf("%w: geometric spacing needs a positive lower bound", apperrors.ErrInvalidGrid)
		}
		lf := lower.InexactFloat64()
		uf := upper.InexactFloat64()
		r := math.Pow(uf/lf, 1/float64(n-1))
		for i := 0; i < n; i++ {
			levels[i] = decimal.NewFromFloat(lf * math.Pow(r, float64(i))).Round(levelPrecision)
		}
	default:
		return nil, fmt.Errorf("%w: unknown spacing %q", apperrors.ErrInvalidGrid, spacing)
	}

	levels[0] = lower
	levels[n-1] = upper
	return levels, nil
}

// DetermineSide returns the polarity of a level given the mid price. Levels
// within tol of the mid take no order.
func DetermineSide(price, mid, tol decimal.Decimal) core.Side {
	switch {
	case price.LessThan(mid.Sub(tol)):
		return core.SideBuy
	case price.GreaterThan(mid.Add(tol)):
		return core.SideSell
	default:
		return core.SideSkip
	}
}

// BuildZoneMap assigns every level to a zone. Levels not covered by any
// configured zone default to zone 0, enabled.
func BuildZoneMap(nLevels int, zones []core.Zone) map[int]ZoneInfo {
	m := make(map[int]ZoneInfo, nLevels)
	for i := 0; i < nLevels; i++ {
		m[i] = ZoneInfo{ZoneID: 0, Enabled: true}
	}
	for _, z := range zones {
		for i := z.StartIdx; i <= z.EndIdx && i < nLevels; i++ {
			if i < 0 {
				continue
			}
			m[i] = ZoneInfo{ZoneID: z.ID, Enabled: z.Enabled}
		}
	}
	return m
}

// Snap maps a price to the nearest level index by absolute distance.
// Ties break toward the lower index.
func Snap(price decimal.Decimal, levels []decimal.Decimal) int {
	best := 0
	bestDiff := price.Sub(levels[0]).Abs()
	for i := 1; i < len(levels); i++ {
		diff := price.Sub(levels[i]).Abs()
		if diff.LessThan(bestDiff) {
			best = i
			bestDiff = diff
		}
	}
	return best
}
