package grid

import (
	"math/rand"
	"testing"

	"gridbot/internal/core"
	apperrors "gridbot/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeLevels_Arithmetic(t *testing.T) {
	levels, err := ComputeLevels(decimal.NewFromInt(100), decimal.NewFromInt(200), 5, core.SpacingArithmetic)
	require.NoError(t, err)
	require.Len(t, levels, 5)

	expected := []string{"100", "125", "150", "175", "200"}
	for i, want := range expected {
		assert.True(t, levels[i].Equal(decimal.RequireFromString(want)),
			"level %d: got %s want %s", i, levels[i], want)
	}
}

func TestComputeLevels_Geometric(t *testing.T) {
	levels, err := ComputeLevels(decimal.NewFromInt(100), decimal.NewFromInt(800), 4, core.SpacingGeometric)
	require.NoError(t, err)
	require.Len(t, levels, 4)

	expected := []float64{100, 200, 400, 800}
	for i, want := range expected {
		got := levels[i].InexactFloat64()
		assert.InDelta(t, want, got, want*1e-8, "level %d", i)
	}
}

func TestComputeLevels_Endpoints(t *testing.T) {
	lower := decimal.RequireFromString("123.45")
	upper := decimal.RequireFromString("6789.01")

	for _, spacing := range []core.Spacing{core.SpacingArithmetic, core.SpacingGeometric} {
		levels, err := ComputeLevels(lower, upper, 17, spacing)
		require.NoError(t, err)
		assert.True(t, levels[0].Equal(lower), "%s: first level", spacing)
		assert.True(t, levels[16].Equal(upper), "%s: last level", spacing)
		for i := 1; i < len(levels); i++ {
			assert.True(t, levels[i].GreaterThan(levels[i-1]),
				"%s: levels must be strictly increasing at %d", spacing, i)
		}
	}
}

func TestComputeLevels_EqualSpacingProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for iter := 0; iter < 50; iter++ {
		lower := decimal.NewFromFloat(10 + rng.Float64()*1000)
		upper := lower.Mul(decimal.NewFromFloat(1.5 + rng.Float64()*10))
		n := 2 + rng.Intn(40)

		arith, err := ComputeLevels(lower, upper, n, core.SpacingArithmetic)
		require.NoError(t, err)
		first := arith[1].Sub(arith[0])
		for i := 2; i < n; i++ {
			diff := arith[i].Sub(arith[i-1])
			rel := diff.Sub(first).Abs().Div(first)
			assert.True(t, rel.LessThan(decimal.NewFromFloat(1e-6)),
				"arithmetic diff %d drifted: %s vs %s", i, diff, first)
		}

		geo, err := ComputeLevels(lower, upper, n, core.SpacingGeometric)
		require.NoError(t, err)
		firstRatio := geo[1].Div(geo[0])
		for i := 2; i < n; i++ {
			ratio := geo[i].Div(geo[i-1])
			rel := ratio.Sub(firstRatio).Abs().Div(firstRatio)
			assert.True(t, rel.LessThan(decimal.NewFromFloat(1e-6)),
				"geometric ratio %d drifted: %s vs %s", i, ratio, firstRatio)
		}
	}
}

func TestComputeLevels_Invalid(t *testing.T) {
	_, err := ComputeLevels(decimal.NewFromInt(100), decimal.NewFromInt(200), 1, core.SpacingArithmetic)
	assert.ErrorIs(t, err, apperrors.ErrInvalidGrid)

	_, err = ComputeLevels(decimal.NewFromInt(200), decimal.NewFromInt(100), 5, core.SpacingArithmetic)
	assert.ErrorIs(t, err, apperrors.ErrInvalidGrid)

	_, err = ComputeLevels(decimal.NewFromInt(100), decimal.NewFromInt(100), 5, core.SpacingGeometric)
	assert.ErrorIs(t, err, apperrors.ErrInvalidGrid)
}

func TestDetermineSide(t *testing.T) {
	mid := decimal.NewFromInt(150)
	tol := DefaultSideTolerance

	assert.Equal(t, core.SideBuy, DetermineSide(decimal.NewFromInt(100), mid, tol))
	assert.Equal(t, core.SideBuy, DetermineSide(decimal.NewFromInt(125), mid, tol))
	assert.Equal(t, core.SideSkip, DetermineSide(decimal.NewFromInt(150), mid, tol))
	assert.Equal(t, core.SideSell, DetermineSide(decimal.NewFromInt(175), mid, tol))
	assert.Equal(t, core.SideSell, DetermineSide(decimal.NewFromInt(200), mid, tol))

	// Within tolerance of the mid
	assert.Equal(t, core.SideSkip, DetermineSide(decimal.RequireFromString("150.000001"), mid, tol))
	assert.Equal(t, core.SideSkip, DetermineSide(decimal.RequireFromString("149.999999"), mid, tol))
}

func TestBuildZoneMap_Defaults(t *testing.T) {
	m := BuildZoneMap(5, nil)
	require.Len(t, m, 5)
	for i := 0; i < 5; i++ {
		assert.Equal(t, ZoneInfo{ZoneID: 0, Enabled: true}, m[i])
	}
}

func TestBuildZoneMap_PartialCoverage(t *testing.T) {
	zones := []core.Zone{
		{ID: 1, StartIdx: 0, EndIdx: 1, Enabled: true},
		{ID: 2, StartIdx: 3, EndIdx: 4, Enabled: false},
	}
	m := BuildZoneMap(5, zones)

	assert.Equal(t, ZoneInfo{ZoneID: 1, Enabled: true}, m[0])
	assert.Equal(t, ZoneInfo{ZoneID: 1, Enabled: true}, m[1])
	// Level 2 is uncovered, defaults to zone 0 enabled
	assert.Equal(t, ZoneInfo{ZoneID: 0, Enabled: true}, m[2])
	assert.Equal(t, ZoneInfo{ZoneID: 2, Enabled: false}, m[3])
	assert.Equal(t, ZoneInfo{ZoneID: 2, Enabled: false}, m[4])
}

func TestSnap(t *testing.T) {
	levels := []decimal.Decimal{
		decimal.NewFromInt(100),
		decimal.NewFromInt(125),
		decimal.NewFromInt(150),
	}

	assert.Equal(t, 0, Snap(decimal.NewFromInt(90), levels))
	assert.Equal(t, 1, Snap(decimal.NewFromInt(126), levels))
	assert.Equal(t, 2, Snap(decimal.NewFromInt(1000), levels))
	// Exact midpoint between 100 and 125 ties toward the lower index
	assert.Equal(t, 0, Snap(decimal.RequireFromString("112.5"), levels))
}
