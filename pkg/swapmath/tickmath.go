// Package swapmath holds the pure, I/O-free concentrated-liquidity math: tick
// <-> sqrt-price conversions, liquidity/amount conversions, and the
// exact-input swap simulator the evaluator and sizer both call directly.
package swapmath

import (
	"fmt"
	"math/big"
)

// Q96 is 2^96, the fixed-point base of a sqrtPriceX96 value.
var Q96 = new(big.Int).Lsh(big.NewInt(1), 96)

// q128 constants below are Uniswap v3's canonical per-bit tick ratios,
// ported from TickMath.sol so sqrt-price conversions line up with what an
// on-chain pool and quoter actually return.
var tickRatios = []string{
	"0xfff97272373d413259a46990580e213a",
	"0xfff2e50f5f656932ef12357cf3c7fdcc",
	"0xffe5caca7e10e4e61c3624eaa0941cd0",
	"0xffcb9843d60f6159c9db58835c926644",
	"0xff973b41fa98c081472e6896dfb254c0",
	"0xff2ea16466c96a3843ec78b326b52861",
	"0xfe5dee046a99a2a811c461f1969c3053",
	"0xfcbe86c7900a88aedcffc83b479aa3a4",
	"0xf987a7253ac413176f2b074cf7815e54",
	"0xf3392b0822b70005940c7a398e4b70f3",
	"0xe7159475a2c29b7443b29c7fa6e889d9",
	"0xd097f3bdfd2022b8845ad8f792aa5825",
	"0xa9f746462d870fdf8a65dc1f90e061e5",
	"0x70d869a156d2a1b890bb3df62baf32f7",
	"0x31be135f97d08fd981231505542fcfa6",
	"0x9aa508b5b7a84e1c677de54f3e99bc9",
	"0x5d6af8dedb81196699c329225ee604",
	"0x2216e584f5fa1ea926041bedfe98",
	"0x48a170391f7dc42444e8fa2",
}

const maxTick = 887272

var ratioOne, _ = new(big.Int).SetString("100000000000000000000000000000000", 16)
var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// TickToSqrtPriceX96 computes the Q64.96 sqrt-price for a tick, matching
// Uniswap v3's getSqrtRatioAtTick so local simulation agrees with on-chain
// pool state bit-for-bit.
func TickToSqrtPriceX96(tick int) *big.Int {
	absTick := tick
	if absTick < 0 {
		absTick = -absTick
	}

	ratio := new(big.Int).Set(ratioOne)
	if absTick&0x1 != 0 {
		v, _ := new(big.Int).SetString("fffcb933bd6fad37aa2d162d1a594001", 16)
		ratio = v
	}

	for i, hex := range tickRatios {
		bit := 1 << uint(i+1)
		if absTick&bit == 0 {
			continue
		}
		c, _ := new(big.Int).SetString(hex[2:], 16)
		ratio = new(big.Int).Rsh(new(big.Int).Mul(ratio, c), 128)
	}

	if tick > 0 {
		ratio = new(big.Int).Div(maxUint256, ratio)
	}

	// ratio is Q128.128; shift down by 32 to get Q64.96, rounding up on a
	// nonzero remainder the way the Solidity source does.
	shifted := new(big.Int).Rsh(ratio, 32)
	remainder := new(big.Int).And(ratio, new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 32), big.NewInt(1)))
	if remainder.Sign() != 0 {
		shifted.Add(shifted, big.NewInt(1))
	}
	return shifted
}

// SqrtPriceToPrice converts a Q64.96 sqrt price into the raw token1/token0
// price ratio (undecimalized — callers apply a 10^(dec0-dec1) adjustment for
// a human-readable quote).
func SqrtPriceToPrice(sqrtPriceX96 *big.Int) *big.Float {
	sqrtPrice := new(big.Float).Quo(new(big.Float).SetInt(sqrtPriceX96), new(big.Float).SetInt(Q96))
	return new(big.Float).Mul(sqrtPrice, sqrtPrice)
}

// floorDiv is integer division that rounds toward negative infinity, unlike
// Go's native truncating division, so tick-spacing alignment is stable
// across the zero tick.
func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// CalculateTickBounds centers a symmetric range of rangeWidth tick-spacing
// units around currentTick, snapped to tick-spacing boundaries.
func CalculateTickBounds(currentTick int32, rangeWidth, tickSpacing int) (int32, int32, error) {
	if tickSpacing <= 0 {
		return 0, 0, fmt.Errorf("tick spacing must be positive, got %d", tickSpacing)
	}
	if rangeWidth <= 0 {
		return 0, 0, fmt.Errorf("range width must be positive, got %d", rangeWidth)
	}

	centerIndex := floorDiv(int(currentTick), tickSpacing)
	tickLower := int32((centerIndex - rangeWidth) * tickSpacing)
	tickUpper := int32((centerIndex + rangeWidth) * tickSpacing)
	if tickLower < -maxTick || tickUpper > maxTick {
		return 0, 0, fmt.Errorf("tick bounds [%d, %d] exceed the tick range", tickLower, tickUpper)
	}
	return tickLower, tickUpper, nil
}
