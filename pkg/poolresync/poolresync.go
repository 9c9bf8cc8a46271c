// Package poolresync rebuilds a single pool's authoritative snapshot when
// the pool cache detects a gap: a fresh slot0/liquidity view call plus a
// bounded-lookback scan of Mint/Burn history to rebuild the initialized
// tick set, the same split the cache's initial fill uses (§4.1).
package poolresync

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/hexbridge-labs/triarb/pkg/swapmath"
)

// PoolView is the narrow contractclient.ContractClient surface a resync
// needs: slot0/liquidity/token0/token1/fee/tickSpacing view calls.
type PoolView interface {
	ContractAddress() common.Address
	Abi() abi.ABI
	Call(from *common.Address, method string, args ...interface{}) ([]interface{}, error)
}

// LogSource is the narrow chain surface needed to replay Mint/Burn history
// over a bounded lookback window.
type LogSource interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]coretypes.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Resyncer implements poolcache.Resyncer against a registered set of pool
// views and a shared log source.
type Resyncer struct {
	pools          map[common.Address]PoolView
	logs           LogSource
	lookbackBlocks uint64
}

// New builds a Resyncer that replays at most lookbackBlocks of Mint/Burn
// history per pool when rebuilding its tick set.
func New(logs LogSource, lookbackBlocks uint64) *Resyncer {
	return &Resyncer{
		pools:          make(map[common.Address]PoolView),
		logs:           logs,
		lookbackBlocks: lookbackBlocks,
	}
}

// Register binds a pool address to the view used to resync it.
func (r *Resyncer) Register(pool common.Address, view PoolView) {
	r.pools[pool] = view
}

// Resync fetches a fresh slot0/liquidity reading and rebuilds the
// initialized-tick set from Mint/Burn history over the lookback window.
func (r *Resyncer) Resync(ctx context.Context, pool common.Address) (*swapmath.PoolSnapshot, error) {
	view, ok := r.pools[pool]
	if !ok {
		return nil, fmt.Errorf("poolresync: pool %s not registered", pool.Hex())
	}

	sqrtPriceX96, tick, err := readSlot0(view)
	if err != nil {
		return nil, fmt.Errorf("poolresync: slot0 for %s: %w", pool.Hex(), err)
	}

	liquidity, err := readLiquidity(view)
	if err != nil {
		return nil, fmt.Errorf("poolresync: liquidity for %s: %w", pool.Hex(), err)
	}

	token0, token1, err := readTokens(view)
	if err != nil {
		return nil, fmt.Errorf("poolresync: tokens for %s: %w", pool.Hex(), err)
	}

	feePips, tickSpacing, err := readFeeAndSpacing(view)
	if err != nil {
		return nil, fmt.Errorf("poolresync: fee/spacing for %s: %w", pool.Hex(), err)
	}

	ticks, err := r.rebuildTicks(ctx, view)
	if err != nil {
		return nil, fmt.Errorf("poolresync: rebuild ticks for %s: %w", pool.Hex(), err)
	}

	return &swapmath.PoolSnapshot{
		Address:      pool,
		Token0:       token0,
		Token1:       token1,
		FeePips:      feePips,
		TickSpacing:  tickSpacing,
		SqrtPriceX96: sqrtPriceX96,
		Tick:         tick,
		Liquidity:    liquidity,
		Ticks:        ticks,
	}, nil
}

func readSlot0(view PoolView) (*big.Int, int32, error) {
	out, err := view.Call(nil, "slot0")
	if err != nil {
		return nil, 0, err
	}
	if len(out) < 2 {
		return nil, 0, fmt.Errorf("unexpected slot0 output shape")
	}
	sqrtPriceX96, ok := out[0].(*big.Int)
	if !ok {
		return nil, 0, fmt.Errorf("slot0: unexpected sqrtPriceX96 type %T", out[0])
	}
	tick, ok := out[1].(int32)
	if !ok {
		return nil, 0, fmt.Errorf("slot0: unexpected tick type %T", out[1])
	}
	return sqrtPriceX96, tick, nil
}

func readLiquidity(view PoolView) (*big.Int, error) {
	out, err := view.Call(nil, "liquidity")
	if err != nil {
		return nil, err
	}
	if len(out) < 1 {
		return nil, fmt.Errorf("unexpected liquidity output shape")
	}
	liquidity, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("liquidity: unexpected type %T", out[0])
	}
	return liquidity, nil
}

func readTokens(view PoolView) (common.Address, common.Address, error) {
	t0, err := view.Call(nil, "token0")
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	t1, err := view.Call(nil, "token1")
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	token0, ok := t0[0].(common.Address)
	if !ok {
		return common.Address{}, common.Address{}, fmt.Errorf("token0: unexpected type %T", t0[0])
	}
	token1, ok := t1[0].(common.Address)
	if !ok {
		return common.Address{}, common.Address{}, fmt.Errorf("token1: unexpected type %T", t1[0])
	}
	return token0, token1, nil
}

func readFeeAndSpacing(view PoolView) (uint32, int32, error) {
	feeOut, err := view.Call(nil, "fee")
	if err != nil {
		return 0, 0, err
	}
	spacingOut, err := view.Call(nil, "tickSpacing")
	if err != nil {
		return 0, 0, err
	}
	fee, ok := feeOut[0].(uint32)
	if !ok {
		return 0, 0, fmt.Errorf("fee: unexpected type %T", feeOut[0])
	}
	spacing, ok := spacingOut[0].(int32)
	if !ok {
		return 0, 0, fmt.Errorf("tickSpacing: unexpected type %T", spacingOut[0])
	}
	return fee, spacing, nil
}

// rebuildTicks replays Mint/Burn history over the lookback window and folds
// each event's liquidityDelta into the affected tick boundaries. A nil log
// source means ticks cannot be rebuilt; the caller gets back a snapshot with
// fresh price/liquidity but an empty tick set, over which simulate swaps at
// the current active liquidity with no tick boundary to cross.
func (r *Resyncer) rebuildTicks(ctx context.Context, view PoolView) ([]swapmath.TickInfo, error) {
	if r.logs == nil {
		return nil, nil
	}

	head, err := r.logs.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}
	var fromBlock uint64
	if head > r.lookbackBlocks {
		fromBlock = head - r.lookbackBlocks
	}

	mintID := view.Abi().Events["Mint"].ID
	burnID := view.Abi().Events["Burn"].ID

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: []common.Address{view.ContractAddress()},
		Topics:    [][]common.Hash{{mintID, burnID}},
	}

	logs, err := r.logs.FilterLogs(ctx, query)
	if err != nil {
		return nil, err
	}

	net := make(map[int32]*big.Int)
	gross := make(map[int32]*big.Int)

	for _, l := range logs {
		if len(l.Topics) == 0 {
			continue
		}
		event, err := view.Abi().EventByID(l.Topics[0])
		if err != nil {
			continue
		}

		params := make(map[string]interface{})
		if len(l.Data) > 0 {
			if err := event.Inputs.UnpackIntoMap(params, l.Data); err != nil {
				continue
			}
		}

		var indexed abi.Arguments
		for _, in := range event.Inputs {
			if in.Indexed {
				indexed = append(indexed, in)
			}
		}
		if len(indexed) > 0 {
			if err := abi.ParseTopicsIntoMap(params, indexed, l.Topics[1:]); err != nil {
				continue
			}
		}

		// int24 topics decode as *big.Int.
		tickLowerBig, lowerOK := params["tickLower"].(*big.Int)
		tickUpperBig, upperOK := params["tickUpper"].(*big.Int)
		amount, amountOK := params["amount"].(*big.Int)
		if !lowerOK || !upperOK || !amountOK {
			continue
		}
		tickLower, tickUpper := int32(tickLowerBig.Int64()), int32(tickUpperBig.Int64())

		delta := new(big.Int).Set(amount)
		if event.Name == "Burn" {
			delta.Neg(delta)
		}

		addDelta(net, tickLower, delta)
		addDelta(net, tickUpper, new(big.Int).Neg(delta))
		addDelta(gross, tickLower, new(big.Int).Abs(delta))
		addDelta(gross, tickUpper, new(big.Int).Abs(delta))
	}

	ticksSeen := make(map[int32]struct{}, len(net))
	for t := range net {
		ticksSeen[t] = struct{}{}
	}
	for t := range gross {
		ticksSeen[t] = struct{}{}
	}

	ticks := make([]swapmath.TickInfo, 0, len(ticksSeen))
	for t := range ticksSeen {
		n, ok := net[t]
		if !ok {
			n = big.NewInt(0)
		}
		g, ok := gross[t]
		if !ok {
			g = big.NewInt(0)
		}
		if g.Sign() == 0 {
			continue
		}
		ticks = append(ticks, swapmath.TickInfo{Tick: t, LiquidityNet: n, LiquidityGross: g})
	}

	sort.Slice(ticks, func(i, j int) bool { return ticks[i].Tick < ticks[j].Tick })
	return ticks, nil
}

func addDelta(m map[int32]*big.Int, tick int32, delta *big.Int) {
	if existing, ok := m[tick]; ok {
		existing.Add(existing, delta)
		return
	}
	m[tick] = new(big.Int).Set(delta)
}
