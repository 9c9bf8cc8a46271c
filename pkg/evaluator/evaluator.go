// Package evaluator runs the two-stage profit check triggered by a pool
// Swap event: fast local simulation to prune, then an authoritative
// on-chain quote before an opportunity is ever emitted.
package evaluator

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/hexbridge-labs/triarb/pkg/bus"
	"github.com/hexbridge-labs/triarb/pkg/metrics"
	"github.com/hexbridge-labs/triarb/pkg/pathindex"
	"github.com/hexbridge-labs/triarb/pkg/poolcache"
	"github.com/hexbridge-labs/triarb/pkg/priceoracle"
	"github.com/hexbridge-labs/triarb/pkg/sizer"
	"github.com/hexbridge-labs/triarb/pkg/swapmath"
)

// StaleOpportunity describes a detected opportunity that is too many blocks
// behind the current head to safely submit. No function returns it: the
// executor's own staleness check ends such an attempt with a "stale" reason
// string.
type StaleOpportunity struct {
	DetectedAtBlock uint64
	HeadBlock       uint64
	MaxStaleness    uint64
}

func (e *StaleOpportunity) Error() string {
	return fmt.Sprintf("opportunity at block %d stale against head %d (max staleness %d)",
		e.DetectedAtBlock, e.HeadBlock, e.MaxStaleness)
}

// QuoterDisagreement is logged (as a log-and-continue signal, not a hard
// failure) when the local simulation and the on-chain quoter disagree by
// more than the configured tolerance.
type QuoterDisagreement struct {
	LocalOut   *big.Int
	QuoterOut  *big.Int
	ToleranceBps int
}

func (e *QuoterDisagreement) Error() string {
	return fmt.Sprintf("local sim output %s disagrees with quoter output %s beyond %d bps",
		e.LocalOut.String(), e.QuoterOut.String(), e.ToleranceBps)
}

// Quoter is the on-chain authoritative quoter view call collaborator
// (QuoterV2 or equivalent).
type Quoter interface {
	QuoteExactInput(ctx context.Context, path pathindex.Path, amountIn *big.Int) (amountOut *big.Int, err error)
}

// GasEstimator reports the gas cost (denominated in token_a) of executing a
// 3-hop arbitrage, used by the sizer's net(x) and the final profit check.
type GasEstimator interface {
	EstimateGasCostInToken(ctx context.Context, tokenA common.Address) (*big.Int, error)
}

// Config bounds the evaluator's gate and tolerance thresholds.
type Config struct {
	MinNotionalUSD       float64
	MaxCombinedFeeBps    int
	MinProfitThreshold   *big.Int // in token_a raw units
	QuoterToleranceBps   int
	XMin, XMax           float64 // sizer bracket, in token_a raw units
}

// Evaluator wires the pool cache, path index, swap math, sizer, price
// oracle, quoter and bus into the five-step procedure from the profit
// evaluator design.
type Evaluator struct {
	cache    *poolcache.Cache
	index    *pathindex.Index
	curve    swapmath.SwapCurve
	quoter   Quoter
	oracle   priceoracle.PriceOracle
	gas      GasEstimator
	bus      *bus.Bus
	metrics  *metrics.Metrics
	cfg      Config
}

// New builds an Evaluator.
func New(
	cache *poolcache.Cache,
	index *pathindex.Index,
	curve swapmath.SwapCurve,
	quoter Quoter,
	oracle priceoracle.PriceOracle,
	gas GasEstimator,
	b *bus.Bus,
	m *metrics.Metrics,
	cfg Config,
) *Evaluator {
	return &Evaluator{
		cache: cache, index: index, curve: curve, quoter: quoter,
		oracle: oracle, gas: gas, bus: b, metrics: m, cfg: cfg,
	}
}

// OnSwap runs the evaluation procedure for every path triggered by a Swap
// on triggerPool, in priority order, stamping any emitted opportunity with
// blockNumber.
func (e *Evaluator) OnSwap(ctx context.Context, triggerPool common.Address, triggerAmount *big.Int, blockNumber uint64) {
	for _, path := range e.index.ByTrigger(triggerPool) {
		start := time.Now()
		e.evaluatePath(ctx, path, triggerAmount, blockNumber)
		if e.metrics != nil {
			e.metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
		}
	}
}

func (e *Evaluator) evaluatePath(ctx context.Context, path pathindex.Path, triggerAmount *big.Int, blockNumber uint64) {
	if !e.gate(ctx, path, triggerAmount) {
		return
	}

	probe := e.cfg.XMin
	if probe <= 0 {
		probe = 1
	}

	localOut, err := e.simulatePath(path, probe)
	if err != nil || localOut.Cmp(big.NewInt(int64(probe))) <= 0 {
		return
	}

	gasCost, err := e.gasCostOrZero(ctx, path.TokenA)
	if err != nil {
		return
	}

	xMax := e.cfg.XMax
	if depth := e.liquidityDepthBound(path); depth > 0 && depth < xMax {
		xMax = depth
	}
	if xMax <= e.cfg.XMin {
		return
	}

	result, err := sizer.Size(e.cfg.XMin, xMax, func(x float64) (float64, error) {
		out, simErr := e.simulatePath(path, x)
		if simErr != nil {
			return 0, simErr
		}
		outF, _ := new(big.Float).SetInt(out).Float64()
		gasF, _ := new(big.Float).SetInt(gasCost).Float64()
		return outF - x - gasF, nil
	})
	if err != nil {
		return
	}

	xStar := new(big.Int).SetInt64(int64(result.X))
	quoteOut, err := e.quoter.QuoteExactInput(ctx, path, xStar)
	if err != nil {
		if e.metrics != nil {
			e.metrics.TransientRPCErrors.Inc()
		}
		return
	}

	localAtXStar, simErr := e.simulatePath(path, result.X)
	if simErr == nil {
		if disagrees(localAtXStar, quoteOut, e.cfg.QuoterToleranceBps) {
			log.Printf("evaluator: path %d: %v", path.ID, &QuoterDisagreement{
				LocalOut: localAtXStar, QuoterOut: quoteOut, ToleranceBps: e.cfg.QuoterToleranceBps,
			})
			if e.metrics != nil {
				e.metrics.QuoterDisagreements.Inc()
			}
		}
	}

	net := new(big.Int).Sub(quoteOut, xStar)
	net.Sub(net, gasCost)
	if net.Cmp(e.cfg.MinProfitThreshold) < 0 {
		return
	}

	op := bus.Opportunity{
		PathID:          path.ID,
		Priority:        path.Priority,
		InputToken:      path.TokenA.Hex(),
		InputAmount:     xStar.String(),
		EstGrossOut:     quoteOut.String(),
		EstGasWei:       gasCost.String(),
		EstNetProfit:    net.String(),
		DetectedAtBlock: blockNumber,
		QuoteID:         fmt.Sprintf("%d-%d", path.ID, blockNumber),
	}
	if e.bus.Push(op) {
		if e.metrics != nil {
			e.metrics.OpportunitiesEmitted.Inc()
		}
	} else if e.metrics != nil {
		e.metrics.OpportunitiesDropped.Inc()
	}
}

func disagrees(local, quoted *big.Int, toleranceBps int) bool {
	if quoted.Sign() == 0 {
		return local.Sign() != 0
	}
	diff := new(big.Int).Sub(local, quoted)
	diff.Abs(diff)
	diff.Mul(diff, big.NewInt(10000))
	bound := new(big.Int).Mul(quoted, big.NewInt(int64(toleranceBps)))
	return diff.Cmp(bound) > 0
}

func (e *Evaluator) gate(ctx context.Context, path pathindex.Path, triggerAmount *big.Int) bool {
	pools := []common.Address{path.Pool1, path.Pool2, path.Pool3}
	if !e.cache.Healthy(pools...) {
		return false
	}

	combinedFeeBps := e.combinedFeeBps(pools)
	if combinedFeeBps > e.cfg.MaxCombinedFeeBps {
		return false
	}

	if e.oracle == nil {
		return false
	}
	usd, err := e.oracle.USDValue(ctx, path.TokenA, triggerAmount)
	if err != nil {
		return false
	}
	return usd >= e.cfg.MinNotionalUSD
}

func (e *Evaluator) combinedFeeBps(pools []common.Address) int {
	total := 0
	for _, p := range pools {
		state := e.cache.Get(p)
		if state == nil {
			return 1 << 30
		}
		total += int(state.Snapshot.FeePips) / 100
	}
	return total
}

// simulatePath runs SimulateExactInput sequentially through the path's
// three pools and returns the terminal token_a output, or an error if any
// hop's pool is missing, degraded or saturates. It does not compare the
// output with the input.
func (e *Evaluator) simulatePath(path pathindex.Path, x float64) (*big.Int, error) {
	amountIn := new(big.Int).SetInt64(int64(x))
	hops := []struct {
		pool common.Address
		in   common.Address
	}{
		{path.Pool1, path.TokenA},
		{path.Pool2, path.TokenB},
		{path.Pool3, path.TokenC},
	}

	current := amountIn
	for _, hop := range hops {
		state := e.cache.Get(hop.pool)
		if state == nil {
			return nil, fmt.Errorf("pool %s not in cache", hop.pool.Hex())
		}
		if state.Degraded {
			return nil, fmt.Errorf("pool %s degraded", hop.pool.Hex())
		}

		result, err := e.curve.SimulateExactInput(state.Snapshot, hop.in, current)
		if err != nil {
			return nil, err
		}
		current = result.AmountOut
	}

	return current, nil
}

// liquidityDepthBound estimates, in path.TokenA raw units, how much of
// the input token the first hop's active liquidity bucket can actually
// absorb before the sizer's probe runs past ticks this snapshot doesn't
// carry. It widens the tick-bounds window by a tick spacing on each side of
// the pool's current tick, converts the bucket's liquidity into raw
// amount0/amount1 via CalculateTokenAmountsFromLiquidity, and folds the
// non-input side into input-token terms using the pool's current price. A
// zero result means no bound could be computed and the configured XMax
// stands unchanged.
func (e *Evaluator) liquidityDepthBound(path pathindex.Path) float64 {
	state := e.cache.Get(path.Pool1)
	if state == nil || state.Degraded {
		return 0
	}
	snapshot := state.Snapshot

	tickLower, tickUpper, err := swapmath.CalculateTickBounds(snapshot.Tick, 1, int(snapshot.TickSpacing))
	if err != nil {
		return 0
	}

	amount0, amount1, err := swapmath.CalculateTokenAmountsFromLiquidity(snapshot.Liquidity, snapshot.SqrtPriceX96, tickLower, tickUpper)
	if err != nil {
		return 0
	}

	price := swapmath.SqrtPriceToPrice(snapshot.SqrtPriceX96) // token1 per token0
	var depth *big.Float
	if path.TokenA == snapshot.Token0 {
		other := new(big.Float).Quo(new(big.Float).SetInt(amount1), price)
		depth = new(big.Float).Add(new(big.Float).SetInt(amount0), other)
	} else if path.TokenA == snapshot.Token1 {
		other := new(big.Float).Mul(new(big.Float).SetInt(amount0), price)
		depth = new(big.Float).Add(new(big.Float).SetInt(amount1), other)
	} else {
		return 0
	}

	bound, _ := depth.Float64()
	return bound
}

func (e *Evaluator) gasCostOrZero(ctx context.Context, tokenA common.Address) (*big.Int, error) {
	if e.gas == nil {
		return big.NewInt(0), nil
	}
	return e.gas.EstimateGasCostInToken(ctx, tokenA)
}
