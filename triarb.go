package triarb

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/hexbridge-labs/triarb/pkg/bus"
	"github.com/hexbridge-labs/triarb/pkg/contractclient"
	"github.com/hexbridge-labs/triarb/pkg/evaluator"
	"github.com/hexbridge-labs/triarb/pkg/executor"
	"github.com/hexbridge-labs/triarb/pkg/gateway"
	"github.com/hexbridge-labs/triarb/pkg/metrics"
	"github.com/hexbridge-labs/triarb/pkg/pathindex"
	"github.com/hexbridge-labs/triarb/pkg/poolcache"
)

// Engine wires the chain gateway, pool cache, path index, evaluator and
// executor into the running arbitrage loop: subscribe to pool logs, feed
// the cache and evaluator, drain the opportunity bus into the executor.
type Engine struct {
	gw       gateway.Gateway
	cache    *poolcache.Cache
	index    *pathindex.Index
	eval     *evaluator.Evaluator
	exec     *executor.Executor
	bus      *bus.Bus
	metrics  *metrics.Metrics
	pools    []PoolDescriptor
	cfg      EngineConfig
	reportCh chan<- EngineReport
}

// NewEngine builds an Engine from its already-constructed collaborators.
// Wiring the concrete Resyncer/Quoter/GasEstimator/ContractCaller adapters
// is the caller's job (cmd/main.go), keeping this constructor free of
// concrete RPC types.
func NewEngine(
	gw gateway.Gateway,
	cache *poolcache.Cache,
	index *pathindex.Index,
	eval *evaluator.Evaluator,
	exec *executor.Executor,
	b *bus.Bus,
	m *metrics.Metrics,
	pools []PoolDescriptor,
	cfg EngineConfig,
) *Engine {
	return &Engine{
		gw: gw, cache: cache, index: index, eval: eval, exec: exec,
		bus: b, metrics: m, pools: pools, cfg: cfg,
	}
}

// swapEventABI describes the subset of a Uniswap-v3-style pool's ABI the
// engine decodes directly off the wire: Swap, Mint and Burn logs.
var swapEventABI = mustPoolEventsABI()

// Run subscribes to every catalog pool's Swap/Mint/Burn logs, applies them
// to the pool cache, evaluates triggered paths, and drains emitted
// opportunities into the executor until ctx is cancelled. Every
// ReconcileInterval (when positive) it resyncs the catalog's degraded pools.
func (e *Engine) Run(ctx context.Context, reportCh chan<- EngineReport) error {
	e.reportCh = reportCh
	e.report(Initializing, "run_start", "engine starting", nil)

	addrs := make([]common.Address, len(e.pools))
	for i, p := range e.pools {
		addrs[i] = p.Address
	}

	filter := ethereum.FilterQuery{
		Addresses: addrs,
		Topics: [][]common.Hash{{
			swapEventABI.Events["Swap"].ID,
			swapEventABI.Events["Mint"].ID,
			swapEventABI.Events["Burn"].ID,
		}},
	}

	logCh, sub, err := e.gw.SubscribeLogs(ctx, filter)
	if err != nil {
		return fmt.Errorf("triarb: subscribe pool logs: %w", err)
	}
	defer sub.Unsubscribe()

	e.report(Running, "run_running", "subscribed to pool logs", nil)

	breaker := e.cfg.CircuitBreaker
	var reconcileC <-chan time.Time
	if e.cfg.ReconcileInterval > 0 {
		ticker := time.NewTicker(e.cfg.ReconcileInterval)
		defer ticker.Stop()
		reconcileC = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			e.report(Halted, "shutdown", "context cancelled", nil)
			return nil

		case <-reconcileC:
			for _, addr := range addrs {
				if err := e.cache.ReconcileIfDegraded(ctx, addr); err != nil {
					log.Printf("triarb: reconcile pool %s: %v", addr.Hex(), err)
				}
			}

		case err := <-sub.Err():
			if err == nil {
				continue
			}
			log.Printf("triarb: log subscription error: %v", err)
			if breaker.RecordError(time.Now(), false) {
				e.report(Halted, "halt", "circuit breaker tripped on subscription errors", err)
				return ErrEngineHalted
			}

		case l, ok := <-logCh:
			if !ok {
				return nil
			}
			e.handleLog(ctx, l)
			e.drainBus(ctx)
		}
	}
}

func (e *Engine) handleLog(ctx context.Context, l coretypes.Log) {
	if len(l.Topics) == 0 {
		return
	}
	event, err := swapEventABI.EventByID(l.Topics[0])
	if err != nil {
		return
	}

	switch event.Name {
	case "Swap":
		e.handleSwapLog(ctx, event, l)
	case "Mint", "Burn":
		e.handleLiquidityLog(event, l)
	}
}

func (e *Engine) handleSwapLog(ctx context.Context, event abi.Event, l coretypes.Log) {
	params, err := decodeLog(event, l)
	if err != nil {
		return
	}

	sqrtPriceX96, _ := params["sqrtPriceX96"].(*big.Int)
	var tick int32
	if t, ok := params["tick"].(*big.Int); ok { // int24 decodes as *big.Int
		tick = int32(t.Int64())
	}
	liquidity, _ := params["liquidity"].(*big.Int)
	amount0, _ := params["amount0"].(*big.Int)

	ev := poolcache.SwapEvent{
		Pool:         l.Address,
		BlockNumber:  l.BlockNumber,
		LogIndex:     l.Index,
		TxHash:       l.TxHash,
		SqrtPriceX96: sqrtPriceX96,
		Tick:         tick,
		Liquidity:    liquidity,
	}
	if err := e.cache.ApplySwap(ev); err != nil {
		log.Printf("triarb: apply swap for pool %s: %v", l.Address.Hex(), err)
		e.cache.MarkDegraded(l.Address)
		if err := e.cache.ReconcileIfDegraded(ctx, l.Address); err != nil {
			log.Printf("triarb: reconcile pool %s: %v", l.Address.Hex(), err)
		}
		if e.metrics != nil {
			e.metrics.CacheResyncs.Inc()
		}
		return
	}

	triggerAmount := amount0
	if triggerAmount == nil {
		triggerAmount = big.NewInt(0)
	}
	if triggerAmount.Sign() < 0 {
		triggerAmount = new(big.Int).Neg(triggerAmount)
	}
	e.eval.OnSwap(ctx, l.Address, triggerAmount, l.BlockNumber)
}

func (e *Engine) handleLiquidityLog(event abi.Event, l coretypes.Log) {
	params, err := decodeLog(event, l)
	if err != nil {
		return
	}

	// int24 topics decode as *big.Int.
	tickLowerBig, _ := params["tickLower"].(*big.Int)
	tickUpperBig, _ := params["tickUpper"].(*big.Int)
	amount, _ := params["amount"].(*big.Int)
	if amount == nil || tickLowerBig == nil || tickUpperBig == nil {
		return
	}
	tickLower, tickUpper := int32(tickLowerBig.Int64()), int32(tickUpperBig.Int64())

	delta := new(big.Int).Set(amount)
	if event.Name == "Burn" {
		delta.Neg(delta)
	}

	ev := poolcache.LiquidityEvent{
		Pool:           l.Address,
		BlockNumber:    l.BlockNumber,
		LogIndex:       l.Index,
		TxHash:         l.TxHash,
		TickLower:      tickLower,
		TickUpper:      tickUpper,
		LiquidityDelta: delta,
	}
	if err := e.cache.ApplyLiquidity(ev); err != nil {
		log.Printf("triarb: apply liquidity for pool %s: %v", l.Address.Hex(), err)
		e.cache.MarkDegraded(l.Address)
	}
}

// drainBus pulls every queued opportunity and hands it to the executor.
// One Execute call runs end to end (submit, poll, record) before the next
// is popped, matching the single-in-flight-nonce invariant the executor
// owns.
func (e *Engine) drainBus(ctx context.Context) {
	for {
		op, ok := e.bus.Pop()
		if !ok {
			return
		}
		path, ok := e.index.ByID(op.PathID)
		if !ok {
			continue
		}

		attempt := e.exec.Execute(ctx, op, path, e.cfg.Route, op.DetectedAtBlock)
		e.report(Running, "attempt_"+attempt.State.String(), attemptMessage(attempt), nil)
	}
}

func attemptMessage(a *executor.Attempt) string {
	return fmt.Sprintf("path %d reached %s (%s)", a.Path.ID, a.State, a.FailureReason)
}

func (e *Engine) report(phase EnginePhase, eventType, message string, err error) {
	if e.reportCh == nil {
		return
	}
	rep := EngineReport{
		Timestamp: time.Now(),
		EventType: eventType,
		Message:   message,
		Phase:     phase,
	}
	if err != nil {
		rep.Error = err.Error()
	}
	select {
	case e.reportCh <- rep:
	default:
		log.Printf("triarb: report channel full, dropping %s", eventType)
	}
}

func decodeLog(event abi.Event, l coretypes.Log) (map[string]interface{}, error) {
	params := make(map[string]interface{})
	if len(l.Data) > 0 {
		if err := event.Inputs.UnpackIntoMap(params, l.Data); err != nil {
			return nil, err
		}
	}

	var indexed abi.Arguments
	for _, in := range event.Inputs {
		if in.Indexed {
			indexed = append(indexed, in)
		}
	}
	if len(indexed) > 0 && len(l.Topics) > 1 {
		if err := abi.ParseTopicsIntoMap(params, indexed, l.Topics[1:]); err != nil {
			return nil, err
		}
	}
	return params, nil
}

func mustPoolEventsABI() abi.ABI {
	const poolEventsJSON = `[
		{"name":"Swap","type":"event","anonymous":false,"inputs":[
			{"name":"sender","type":"address","indexed":true},
			{"name":"recipient","type":"address","indexed":true},
			{"name":"amount0","type":"int256","indexed":false},
			{"name":"amount1","type":"int256","indexed":false},
			{"name":"sqrtPriceX96","type":"uint160","indexed":false},
			{"name":"liquidity","type":"uint128","indexed":false},
			{"name":"tick","type":"int24","indexed":false}]},
		{"name":"Mint","type":"event","anonymous":false,"inputs":[
			{"name":"sender","type":"address","indexed":false},
			{"name":"owner","type":"address","indexed":true},
			{"name":"tickLower","type":"int24","indexed":true},
			{"name":"tickUpper","type":"int24","indexed":true},
			{"name":"amount","type":"uint128","indexed":false},
			{"name":"amount0","type":"uint256","indexed":false},
			{"name":"amount1","type":"uint256","indexed":false}]},
		{"name":"Burn","type":"event","anonymous":false,"inputs":[
			{"name":"owner","type":"address","indexed":true},
			{"name":"tickLower","type":"int24","indexed":true},
			{"name":"tickUpper","type":"int24","indexed":true},
			{"name":"amount","type":"uint128","indexed":false},
			{"name":"amount0","type":"uint256","indexed":false},
			{"name":"amount1","type":"uint256","indexed":false}]}
	]`
	parsed, err := abi.JSON(strings.NewReader(poolEventsJSON))
	if err != nil {
		panic(fmt.Sprintf("triarb: invalid embedded pool events ABI: %v", err))
	}
	return parsed
}

// contractCallerAdapter satisfies executor.ContractCaller over a
// contractclient.ContractClient, the settlement-contract facade bound at
// wiring time to a concrete ethclient connection and wallet.
type contractCallerAdapter struct {
	client contractclient.ContractClient
	from   common.Address
}

// NewContractCallerAdapter adapts a contractclient.ContractClient (bound to
// the settlement contract) to the narrower surface pkg/executor needs.
func NewContractCallerAdapter(client contractclient.ContractClient, from common.Address) executor.ContractCaller {
	return &contractCallerAdapter{client: client, from: from}
}

func (a *contractCallerAdapter) ContractAddress() common.Address { return a.client.ContractAddress() }

func (a *contractCallerAdapter) Abi() abi.ABI { return a.client.Abi() }

func (a *contractCallerAdapter) Sign(
	ctx context.Context,
	gasLimit *big.Int,
	maxFeePerGas, priorityFee *big.Int,
	nonce uint64,
	pk *ecdsa.PrivateKey,
	method string,
	args ...interface{},
) (*coretypes.Transaction, error) {
	return a.client.Sign(ctx, gasLimit, maxFeePerGas, priorityFee, nonce, pk, method, args...)
}

// gatewayCallerAdapter narrows gateway.Gateway's struct-based
// SendPrivateBundle (a caller can bundle several transactions for one
// target block) down to the single-transaction surface pkg/executor needs,
// since the executor only ever replicates one signed attempt across
// several candidate blocks.
type gatewayCallerAdapter struct {
	gw gateway.Gateway
}

// NewGatewayAdapter adapts a gateway.Gateway to executor.Gateway.
func NewGatewayAdapter(gw gateway.Gateway) executor.Gateway {
	return &gatewayCallerAdapter{gw: gw}
}

func (a *gatewayCallerAdapter) SendRawTransaction(ctx context.Context, tx *coretypes.Transaction) (common.Hash, error) {
	return a.gw.SendRawTransaction(ctx, tx)
}

func (a *gatewayCallerAdapter) SendPrivateBundle(ctx context.Context, tx *coretypes.Transaction, targetBlock uint64) (string, error) {
	return a.gw.SendPrivateBundle(ctx, gateway.PrivateBundle{
		Transactions: []*coretypes.Transaction{tx},
		TargetBlock:  targetBlock,
	})
}

func (a *gatewayCallerAdapter) TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error) {
	return a.gw.TransactionReceipt(ctx, txHash)
}

func (a *gatewayCallerAdapter) HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error) {
	return a.gw.HeaderByNumber(ctx, number)
}
