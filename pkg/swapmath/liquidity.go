package swapmath

import (
	"fmt"
	"math/big"
)

// sortedSqrtBounds returns the sqrt prices for tickLower/tickUpper in
// ascending order, since the amount formulas assume sqrtA <= sqrtB.
func sortedSqrtBounds(tickLower, tickUpper int) (*big.Int, *big.Int) {
	a := TickToSqrtPriceX96(tickLower)
	b := TickToSqrtPriceX96(tickUpper)
	if a.Cmp(b) > 0 {
		return b, a
	}
	return a, b
}

// amount0ForLiquidity is Uniswap v3's getAmount0ForLiquidity: L * Q96 *
// (sqrtB - sqrtA) / (sqrtB * sqrtA).
func amount0ForLiquidity(sqrtA, sqrtB, liquidity *big.Int) *big.Int {
	if sqrtA.Sign() == 0 || sqrtB.Sign() == 0 {
		return big.NewInt(0)
	}
	numerator := new(big.Int).Mul(liquidity, Q96)
	numerator.Mul(numerator, new(big.Int).Sub(sqrtB, sqrtA))
	denom := new(big.Int).Mul(sqrtB, sqrtA)
	return new(big.Int).Div(numerator, denom)
}

// amount1ForLiquidity is Uniswap v3's getAmount1ForLiquidity: L * (sqrtB -
// sqrtA) / Q96.
func amount1ForLiquidity(sqrtA, sqrtB, liquidity *big.Int) *big.Int {
	numerator := new(big.Int).Mul(liquidity, new(big.Int).Sub(sqrtB, sqrtA))
	return new(big.Int).Div(numerator, Q96)
}

func amountsForLiquidityAtPrice(sqrtPriceX96, sqrtA, sqrtB, liquidity *big.Int) (*big.Int, *big.Int) {
	switch {
	case sqrtPriceX96.Cmp(sqrtA) <= 0:
		return amount0ForLiquidity(sqrtA, sqrtB, liquidity), big.NewInt(0)
	case sqrtPriceX96.Cmp(sqrtB) >= 0:
		return big.NewInt(0), amount1ForLiquidity(sqrtA, sqrtB, liquidity)
	default:
		return amount0ForLiquidity(sqrtPriceX96, sqrtB, liquidity), amount1ForLiquidity(sqrtA, sqrtPriceX96, liquidity)
	}
}

// CalculateTokenAmountsFromLiquidity returns the amount0/amount1 a given
// liquidity figure represents over [tickLower, tickUpper] at sqrtPriceX96.
// The sizer's liquidity-depth bound (pkg/evaluator) calls this over the
// tick-spacing bucket straddling a pool's current tick to estimate how much
// of the input token can be swapped before the active liquidity changes.
func CalculateTokenAmountsFromLiquidity(liquidity, sqrtPriceX96 *big.Int, tickLower, tickUpper int32) (*big.Int, *big.Int, error) {
	if liquidity == nil || liquidity.Sign() < 0 {
		return nil, nil, fmt.Errorf("liquidity must be non-negative")
	}
	sqrtA, sqrtB := sortedSqrtBounds(int(tickLower), int(tickUpper))
	amount0, amount1 := amountsForLiquidityAtPrice(sqrtPriceX96, sqrtA, sqrtB, liquidity)
	return amount0, amount1, nil
}
