package swapmath

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// PoolExhausted is returned when input is still left to swap and the active
// liquidity is zero. Moving past the last initialized tick carried in the
// snapshot is not rejected: the swap continues at the current active
// liquidity toward the extreme price.
type PoolExhausted struct {
	Pool       common.Address
	AmountLeft *big.Int
}

func (e *PoolExhausted) Error() string {
	return "pool " + e.Pool.Hex() + " exhausted with " + e.AmountLeft.String() + " left to swap"
}

// TickInfo is one initialized tick boundary carried in a pool snapshot.
type TickInfo struct {
	Tick           int32
	LiquidityNet   *big.Int // signed; applied when crossed in the direction of travel
	LiquidityGross *big.Int
}

// PoolSnapshot is the immutable, copy-on-read view of a pool's concentrated
// liquidity state that the cache hands out to readers.
type PoolSnapshot struct {
	Address      common.Address
	Token0       common.Address
	Token1       common.Address
	FeePips      uint32 // hundredths of a basis point, e.g. 3000 = 0.3%
	TickSpacing  int32
	SqrtPriceX96 *big.Int
	Tick         int32
	Liquidity    *big.Int
	Ticks        []TickInfo // sorted ascending by Tick; initialized ticks only
	Degraded     bool
}

// SimulateResult is what SimulateExactInput reports for a successful run.
type SimulateResult struct {
	AmountOut    *big.Int
	CrossedTicks int
	FeePaid      *big.Int
	EndSqrtPrice *big.Int
	EndTick      int32
}

// SwapCurve abstracts the pool-family-specific math behind a single
// exact-input simulation contract, so non-concentrated-liquidity curves
// (constant product, stable swap) can be added later without touching the
// evaluator.
type SwapCurve interface {
	SimulateExactInput(snapshot *PoolSnapshot, tokenIn common.Address, amountIn *big.Int) (*SimulateResult, error)
}

// ConcentratedLiquidityCurve implements SwapCurve for Uniswap-v3-family
// pools: sqrt-price/tick math over 256-bit fixed point.
type ConcentratedLiquidityCurve struct{}

var _ SwapCurve = ConcentratedLiquidityCurve{}

const feeDenominator = 1_000_000

// SimulateExactInput walks the tick-indexed liquidity of snapshot from its
// current price, consuming amountIn of tokenIn one swap-step at a time,
// crossing initialized ticks as the step's price moves past them.
func (ConcentratedLiquidityCurve) SimulateExactInput(snapshot *PoolSnapshot, tokenIn common.Address, amountIn *big.Int) (*SimulateResult, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, errors.New("amountIn must be positive")
	}
	if snapshot.Liquidity == nil || snapshot.Liquidity.Sign() < 0 {
		return nil, errors.New("snapshot liquidity must be non-negative")
	}

	zeroForOne := tokenIn == snapshot.Token0
	if !zeroForOne && tokenIn != snapshot.Token1 {
		return nil, errors.New("tokenIn does not belong to this pool")
	}

	sqrtPrice := uint256.MustFromBig(snapshot.SqrtPriceX96)
	liquidity := uint256.MustFromBig(snapshot.Liquidity)
	remaining := uint256.MustFromBig(amountIn)
	amountOut := new(uint256.Int)
	feePaid := new(uint256.Int)

	ticks := orderedTicks(snapshot.Ticks, zeroForOne)
	tickIdx := 0
	currentTick := snapshot.Tick
	crossed := 0

	for remaining.Sign() > 0 {
		var targetSqrtPrice *uint256.Int
		var nextTick *TickInfo
		if tickIdx < len(ticks) {
			t := ticks[tickIdx]
			if (zeroForOne && t.Tick < currentTick) || (!zeroForOne && t.Tick > currentTick) {
				nextTick = &ticks[tickIdx]
				targetSqrtPrice = uint256.MustFromBig(TickToSqrtPriceX96(int(t.Tick)))
			}
		}
		if nextTick == nil {
			// No more initialized ticks in this direction within the
			// snapshot's lookback window: the pool may have more liquidity
			// on-chain, but this cache doesn't carry it.
			if liquidity.IsZero() {
				return nil, &PoolExhausted{Pool: snapshot.Address, AmountLeft: remaining.ToBig()}
			}
			targetSqrtPrice = extremeSqrtPrice(zeroForOne)
		}

		stepOut, stepIn, stepFee, nextSqrtPrice := computeSwapStep(sqrtPrice, targetSqrtPrice, liquidity, remaining, snapshot.FeePips, zeroForOne)

		remaining = new(uint256.Int).Sub(remaining, new(uint256.Int).Add(stepIn, stepFee))
		amountOut.Add(amountOut, stepOut)
		feePaid.Add(feePaid, stepFee)
		sqrtPrice = nextSqrtPrice

		reachedTick := nextTick != nil && sqrtPrice.Eq(targetSqrtPrice)
		if reachedTick {
			crossed++
			currentTick = nextTick.Tick
			if zeroForOne {
				liquidity = subLiquidityNet(liquidity, nextTick.LiquidityNet)
			} else {
				liquidity = addLiquidityNet(liquidity, nextTick.LiquidityNet)
			}
			tickIdx++
			if liquidity.Sign() < 0 {
				liquidity = new(uint256.Int)
			}
			continue
		}

		if remaining.Sign() <= 0 {
			break
		}
		if liquidity.IsZero() {
			return nil, &PoolExhausted{Pool: snapshot.Address, AmountLeft: remaining.ToBig()}
		}
	}

	return &SimulateResult{
		AmountOut:    amountOut.ToBig(),
		CrossedTicks: crossed,
		FeePaid:      feePaid.ToBig(),
		EndSqrtPrice: sqrtPrice.ToBig(),
		EndTick:      currentTick,
	}, nil
}

func orderedTicks(ticks []TickInfo, zeroForOne bool) []TickInfo {
	out := make([]TickInfo, len(ticks))
	copy(out, ticks)
	if zeroForOne {
		// descending, since price falls as token0 is sold in
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out
}

func subLiquidityNet(liquidity *uint256.Int, net *big.Int) *uint256.Int {
	if net.Sign() >= 0 {
		return new(uint256.Int).Sub(liquidity, uint256.MustFromBig(net))
	}
	return new(uint256.Int).Add(liquidity, uint256.MustFromBig(new(big.Int).Neg(net)))
}

func addLiquidityNet(liquidity *uint256.Int, net *big.Int) *uint256.Int {
	if net.Sign() >= 0 {
		return new(uint256.Int).Add(liquidity, uint256.MustFromBig(net))
	}
	return new(uint256.Int).Sub(liquidity, uint256.MustFromBig(new(big.Int).Neg(net)))
}

// extremeSqrtPrice is the min/max sqrt price a swap could ever reach,
// bounding a step when the snapshot has no further initialized tick.
func extremeSqrtPrice(zeroForOne bool) *uint256.Int {
	if zeroForOne {
		return uint256.MustFromBig(TickToSqrtPriceX96(-887272))
	}
	return uint256.MustFromBig(TickToSqrtPriceX96(887272))
}

// computeSwapStep ports Uniswap v3's SwapMath.computeSwapStep for the
// exact-input case: it advances price within a single tick range by as much
// of amountRemaining as fits before targetSqrtPrice, and reports the
// input/output/fee actually consumed.
func computeSwapStep(sqrtCurrent, sqrtTarget, liquidity, amountRemaining *uint256.Int, feePips uint32, zeroForOne bool) (amountOut, amountIn, feeAmount, sqrtNext *uint256.Int) {
	fee := uint256.NewInt(uint64(feePips))
	denom := uint256.NewInt(feeDenominator)
	remainingLessFee := mulDiv(amountRemaining, new(uint256.Int).Sub(denom, fee), denom)

	if zeroForOne {
		amountIn = getAmount0Delta(sqrtTarget, sqrtCurrent, liquidity, true)
	} else {
		amountIn = getAmount1Delta(sqrtCurrent, sqrtTarget, liquidity, true)
	}

	reachesTarget := remainingLessFee.Cmp(amountIn) >= 0
	if reachesTarget {
		sqrtNext = sqrtTarget
	} else {
		sqrtNext = getNextSqrtPriceFromInput(sqrtCurrent, liquidity, remainingLessFee, zeroForOne)
	}

	if zeroForOne {
		if !reachesTarget {
			amountIn = getAmount0Delta(sqrtNext, sqrtCurrent, liquidity, true)
		}
		amountOut = getAmount1Delta(sqrtNext, sqrtCurrent, liquidity, false)
	} else {
		if !reachesTarget {
			amountIn = getAmount1Delta(sqrtCurrent, sqrtNext, liquidity, true)
		}
		amountOut = getAmount0Delta(sqrtCurrent, sqrtNext, liquidity, false)
	}

	if reachesTarget {
		feeAmount = mulDivRoundingUp(amountIn, fee, new(uint256.Int).Sub(denom, fee))
	} else {
		feeAmount = new(uint256.Int).Sub(amountRemaining, amountIn)
	}
	return amountOut, amountIn, feeAmount, sqrtNext
}

func mulDiv(x, y, d *uint256.Int) *uint256.Int {
	z, _ := new(uint256.Int).MulDivOverflow(x, y, d)
	return z
}

func mulDivRoundingUp(x, y, d *uint256.Int) *uint256.Int {
	z := mulDiv(x, y, d)
	if !new(uint256.Int).MulMod(x, y, d).IsZero() {
		z = new(uint256.Int).Add(z, uint256.NewInt(1))
	}
	return z
}

func divRoundingUp(x, d *uint256.Int) *uint256.Int {
	q := new(uint256.Int).Div(x, d)
	r := new(uint256.Int).Mod(x, d)
	if !r.IsZero() {
		q = new(uint256.Int).Add(q, uint256.NewInt(1))
	}
	return q
}

var q96U256 = func() *uint256.Int { v, _ := uint256.FromBig(Q96); return v }()

func getAmount0Delta(sqrtA, sqrtB, liquidity *uint256.Int, roundUp bool) *uint256.Int {
	if sqrtA.Cmp(sqrtB) > 0 {
		sqrtA, sqrtB = sqrtB, sqrtA
	}
	numerator1 := new(uint256.Int).Lsh(liquidity, 96)
	numerator2 := new(uint256.Int).Sub(sqrtB, sqrtA)
	if roundUp {
		return divRoundingUp(mulDivRoundingUp(numerator1, numerator2, sqrtB), sqrtA)
	}
	return new(uint256.Int).Div(mulDiv(numerator1, numerator2, sqrtB), sqrtA)
}

func getAmount1Delta(sqrtA, sqrtB, liquidity *uint256.Int, roundUp bool) *uint256.Int {
	if sqrtA.Cmp(sqrtB) > 0 {
		sqrtA, sqrtB = sqrtB, sqrtA
	}
	diff := new(uint256.Int).Sub(sqrtB, sqrtA)
	if roundUp {
		return mulDivRoundingUp(liquidity, diff, q96U256)
	}
	return mulDiv(liquidity, diff, q96U256)
}

// getNextSqrtPriceFromInput moves sqrtPrice by amountIn of the input token,
// at constant liquidity, within a single tick range.
func getNextSqrtPriceFromInput(sqrtPrice, liquidity, amountIn *uint256.Int, zeroForOne bool) *uint256.Int {
	if zeroForOne {
		numerator1 := new(uint256.Int).Lsh(liquidity, 96)
		product := new(uint256.Int).Mul(amountIn, sqrtPrice)
		denominator := new(uint256.Int).Add(numerator1, product)
		if denominator.Cmp(numerator1) >= 0 {
			return mulDivRoundingUp(numerator1, sqrtPrice, denominator)
		}
		return divRoundingUp(numerator1, new(uint256.Int).Add(new(uint256.Int).Div(numerator1, sqrtPrice), amountIn))
	}
	quotient := mulDiv(amountIn, q96U256, liquidity)
	return new(uint256.Int).Add(sqrtPrice, quotient)
}
