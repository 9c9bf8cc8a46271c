// Package poolcache holds the process's single mutable view of on-chain
// pool state: one atomically-swapped snapshot per pool address, updated as
// Swap/Mint/Burn logs arrive. Flash and SetFeeProtocol logs are not applied.
package poolcache

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/bits-and-blooms/bitset"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/singleflight"

	"github.com/hexbridge-labs/triarb/pkg/swapmath"
)

// eventKey identifies one applied log for idempotent replay protection.
type eventKey struct {
	blockNumber uint64
	logIndex    uint
	txHash      common.Hash
}

// tickBitmap tracks which ticks (by tick/tick_spacing compressed index) are
// initialized, word-indexed the way the teacher's tick_bitmap.go pages ticks.
type tickBitmap struct {
	bits *bitset.BitSet
}

func newTickBitmap() *tickBitmap {
	return &tickBitmap{bits: bitset.New(0)}
}

func compress(tick int32, tickSpacing int32) uint {
	c := tick / tickSpacing
	if tick%tickSpacing != 0 && tick < 0 {
		c--
	}
	// bitset indices are unsigned; shift into a non-negative range wide
	// enough for the full tick universe (±887272 compressed).
	const offset = 1 << 20
	return uint(int(c) + offset)
}

func (b *tickBitmap) set(tick int32, tickSpacing int32) {
	b.bits.Set(compress(tick, tickSpacing))
}

func (b *tickBitmap) clear(tick int32, tickSpacing int32) {
	b.bits.Clear(compress(tick, tickSpacing))
}

func (b *tickBitmap) isSet(tick int32, tickSpacing int32) bool {
	return b.bits.Test(compress(tick, tickSpacing))
}

// State is an immutable point-in-time pool record. Readers that obtained a
// *State keep seeing it even after the cache installs a newer one.
type State struct {
	Snapshot  *swapmath.PoolSnapshot
	Bitmap    *tickBitmap
	Degraded  bool
	UpdatedAt time.Time
	seen      mapset.Set[eventKey]
}

// clone returns a shallow-deep enough copy for copy-on-write updates: ticks
// slice and event set are copied, the bitmap is copied by value semantics
// via a fresh BitSet clone.
func (s *State) clone() *State {
	ticksCopy := make([]swapmath.TickInfo, len(s.Snapshot.Ticks))
	copy(ticksCopy, s.Snapshot.Ticks)
	snap := *s.Snapshot
	snap.Ticks = ticksCopy

	var bm *tickBitmap
	if s.Bitmap != nil {
		bm = &tickBitmap{bits: s.Bitmap.bits.Clone()}
	} else {
		bm = newTickBitmap()
	}

	return &State{
		Snapshot:  &snap,
		Bitmap:    bm,
		Degraded:  s.Degraded,
		UpdatedAt: s.UpdatedAt,
		seen:      s.seen.Clone(),
	}
}

// Resyncer fetches a fresh slot0/liquidity/tick-range view of a pool,
// implemented against the chain gateway by the caller.
type Resyncer interface {
	Resync(ctx context.Context, pool common.Address) (*swapmath.PoolSnapshot, error)
}

// Cache is the address-keyed pool-state map: a write installs a new *State
// in place of the old one, and a *State already handed out is never
// modified. Get takes a shared read lock, so a read waits while a write
// holds the lock.
type Cache struct {
	mu       sync.RWMutex
	states   map[common.Address]*State
	resync   Resyncer
	inflight singleflight.Group
}

// New builds an empty Cache backed by resyncer for forced resync calls.
func New(resyncer Resyncer) *Cache {
	return &Cache{
		states: make(map[common.Address]*State),
		resync: resyncer,
	}
}

// InitPool installs the initial snapshot for a pool, as produced by the
// startup slot0/liquidity/tick-history fetch.
func (c *Cache) InitPool(pool common.Address, snapshot *swapmath.PoolSnapshot) {
	bm := newTickBitmap()
	for _, t := range snapshot.Ticks {
		bm.set(t.Tick, snapshot.TickSpacing)
	}

	state := &State{
		Snapshot:  snapshot,
		Bitmap:    bm,
		UpdatedAt: time.Now(),
		seen:      mapset.NewThreadUnsafeSet[eventKey](),
	}

	c.mu.Lock()
	c.states[pool] = state
	c.mu.Unlock()
}

// Get returns the current snapshot record for a pool, or nil if unknown.
func (c *Cache) Get(pool common.Address) *State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.states[pool]
}

// SwapEvent carries the fields a Uniswap-v3-style Swap log provides.
type SwapEvent struct {
	Pool         common.Address
	BlockNumber  uint64
	LogIndex     uint
	TxHash       common.Hash
	SqrtPriceX96 *big.Int
	Tick         int32
	Liquidity    *big.Int
}

// ApplySwap updates sqrt_price_x96, tick and liquidity from a Swap log,
// no-op if the (block, log_index, tx_hash) triple was already applied.
func (c *Cache) ApplySwap(ev SwapEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.states[ev.Pool]
	if !ok {
		return fmt.Errorf("apply swap: pool %s not initialized", ev.Pool.Hex())
	}

	key := eventKey{blockNumber: ev.BlockNumber, logIndex: ev.LogIndex, txHash: ev.TxHash}
	if state.seen.Contains(key) {
		return nil
	}

	next := state.clone()
	next.Snapshot.SqrtPriceX96 = ev.SqrtPriceX96
	next.Snapshot.Tick = ev.Tick
	next.Snapshot.Liquidity = ev.Liquidity
	next.UpdatedAt = time.Now()
	next.seen.Add(key)

	c.states[ev.Pool] = next
	return nil
}

// LiquidityEvent carries the fields a Mint/Burn log provides: the affected
// tick range and the signed liquidity delta applied to it.
type LiquidityEvent struct {
	Pool           common.Address
	BlockNumber    uint64
	LogIndex       uint
	TxHash         common.Hash
	TickLower      int32
	TickUpper      int32
	LiquidityDelta *big.Int // positive for Mint, negative for Burn
}

// ApplyLiquidity adjusts the affected range's liquidity_net/liquidity_gross
// and, if the range straddles the current tick, the active liquidity too.
func (c *Cache) ApplyLiquidity(ev LiquidityEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.states[ev.Pool]
	if !ok {
		return fmt.Errorf("apply liquidity: pool %s not initialized", ev.Pool.Hex())
	}

	key := eventKey{blockNumber: ev.BlockNumber, logIndex: ev.LogIndex, txHash: ev.TxHash}
	if state.seen.Contains(key) {
		return nil
	}

	next := state.clone()
	adjustTick(next, ev.TickLower, ev.LiquidityDelta, true)
	adjustTick(next, ev.TickUpper, ev.LiquidityDelta, false)

	if ev.TickLower <= next.Snapshot.Tick && next.Snapshot.Tick < ev.TickUpper {
		next.Snapshot.Liquidity = addBig(next.Snapshot.Liquidity, ev.LiquidityDelta)
	}

	next.UpdatedAt = time.Now()
	next.seen.Add(key)
	c.states[ev.Pool] = next
	return nil
}

func adjustTick(state *State, tick int32, delta *big.Int, lower bool) {
	for i := range state.Snapshot.Ticks {
		if state.Snapshot.Ticks[i].Tick == tick {
			signedDelta := delta
			if !lower {
				signedDelta = negBig(delta)
			}
			state.Snapshot.Ticks[i].LiquidityNet = addBig(state.Snapshot.Ticks[i].LiquidityNet, signedDelta)
			state.Snapshot.Ticks[i].LiquidityGross = addBig(state.Snapshot.Ticks[i].LiquidityGross, absBig(delta))
			state.Bitmap.set(tick, state.Snapshot.TickSpacing)
			return
		}
	}

	signedDelta := delta
	if !lower {
		signedDelta = negBig(delta)
	}
	state.Snapshot.Ticks = append(state.Snapshot.Ticks, swapmath.TickInfo{
		Tick:           tick,
		LiquidityNet:   signedDelta,
		LiquidityGross: absBig(delta),
	})
	state.Bitmap.set(tick, state.Snapshot.TickSpacing)
}

// MarkDegraded flags a pool as stale or partially applied; degraded pools
// are excluded from evaluation until ReconcileIfDegraded clears them.
func (c *Cache) MarkDegraded(pool common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.states[pool]
	if !ok {
		return
	}
	next := state.clone()
	next.Degraded = true
	c.states[pool] = next
}

// ReconcileIfDegraded forces a fresh resync of a degraded pool, collapsing
// concurrent callers for the same pool into a single RPC round trip.
func (c *Cache) ReconcileIfDegraded(ctx context.Context, pool common.Address) error {
	state := c.Get(pool)
	if state == nil || !state.Degraded {
		return nil
	}

	_, err, _ := c.inflight.Do(pool.Hex(), func() (interface{}, error) {
		snapshot, rerr := c.resync.Resync(ctx, pool)
		if rerr != nil {
			return nil, fmt.Errorf("resync pool %s: %w", pool.Hex(), rerr)
		}
		c.InitPool(pool, snapshot)
		return nil, nil
	})
	return err
}

func addBig(a, b *big.Int) *big.Int {
	if a == nil {
		a = big.NewInt(0)
	}
	return new(big.Int).Add(a, b)
}

func negBig(a *big.Int) *big.Int {
	return new(big.Int).Neg(a)
}

func absBig(a *big.Int) *big.Int {
	return new(big.Int).Abs(a)
}

// Healthy reports whether every pool in addrs has a non-degraded snapshot.
func (c *Cache) Healthy(addrs ...common.Address) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, a := range addrs {
		state, ok := c.states[a]
		if !ok || state.Degraded {
			return false
		}
	}
	return true
}
