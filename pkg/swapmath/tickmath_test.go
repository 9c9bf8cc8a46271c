package swapmath

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTickToSqrtPriceX96AtZeroIsQ96(t *testing.T) {
	assert.Equal(t, 0, Q96.Cmp(TickToSqrtPriceX96(0)))
}

func TestTickToSqrtPriceX96IncreasesWithTick(t *testing.T) {
	lower := TickToSqrtPriceX96(-60)
	mid := TickToSqrtPriceX96(0)
	upper := TickToSqrtPriceX96(60)
	assert.True(t, lower.Cmp(mid) < 0)
	assert.True(t, mid.Cmp(upper) < 0)
}

func TestSqrtPriceToPriceAtTickZero(t *testing.T) {
	price := SqrtPriceToPrice(Q96)
	got, _ := price.Float64()
	assert.InDelta(t, 1.0, got, 1e-9)
}

func TestCalculateTickBoundsSnapsToSpacing(t *testing.T) {
	lower, upper, err := CalculateTickBounds(65, 1, 60)
	require.NoError(t, err)
	assert.EqualValues(t, 0, lower)
	assert.EqualValues(t, 120, upper)
}

func TestCalculateTickBoundsRejectsNonPositiveSpacing(t *testing.T) {
	_, _, err := CalculateTickBounds(0, 1, 0)
	assert.Error(t, err)
}

func TestCalculateTickBoundsRejectsNonPositiveWidth(t *testing.T) {
	_, _, err := CalculateTickBounds(0, 0, 60)
	assert.Error(t, err)
}

func TestCalculateTickBoundsRejectsOutOfRange(t *testing.T) {
	_, _, err := CalculateTickBounds(887272, 1, 60)
	assert.Error(t, err)
}

func TestTickToSqrtPriceX96NegativeIsReciprocalShaped(t *testing.T) {
	pos := TickToSqrtPriceX96(100)
	neg := TickToSqrtPriceX96(-100)
	product := new(big.Int).Mul(pos, neg)
	scaled := new(big.Int).Rsh(product, 96)
	// sqrtRatio(tick) * sqrtRatio(-tick) ~= Q96 (reciprocal prices), within
	// the same rounding tolerance TickToSqrtPriceX96 itself carries.
	diff := new(big.Int).Sub(scaled, Q96)
	diff.Abs(diff)
	assert.True(t, diff.Cmp(new(big.Int).Lsh(big.NewInt(1), 40)) < 0)
}
