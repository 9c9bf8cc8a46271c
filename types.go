// Package triarb wires the chain gateway, pool cache, path index, profit
// evaluator and executor into a single triangular-arbitrage engine, the way
// the teacher's Blackhole struct wired its own strategy's collaborators.
package triarb

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/hexbridge-labs/triarb/pkg/executor"
)

// Token describes one ERC20 leg of a path, as carried in the engine's
// static catalog (configs/config.go builds these from YAML).
type Token struct {
	Address  common.Address `json:"address"`
	Symbol   string         `json:"symbol"`
	Decimals uint8          `json:"decimals"`
}

// PoolDescriptor is the catalog entry used to bootstrap a pool's cache
// entry and the settlement contract's call arguments: everything the
// engine needs to know about a pool before it has ever seen a log.
type PoolDescriptor struct {
	Address     common.Address `json:"address"`
	Token0      common.Address `json:"token0"`
	Token1      common.Address `json:"token1"`
	FeePips     uint32         `json:"fee_pips"`
	TickSpacing int32          `json:"tick_spacing"`
}

// EnginePhase is the engine's own coarse run-state, reported alongside
// every EngineReport so a dashboard can render a single status line.
type EnginePhase int

const (
	// Initializing covers pool-cache warmup and path-index construction.
	Initializing EnginePhase = iota
	// Running is the steady-state: subscribed, evaluating, executing.
	Running
	// Degraded means at least one pool is out of sync but the engine is
	// still evaluating paths that don't touch it.
	Degraded
	// Halted means the circuit breaker tripped or a fatal error occurred;
	// the engine has stopped submitting new attempts.
	Halted
)

func (p EnginePhase) String() string {
	switch p {
	case Initializing:
		return "Initializing"
	case Running:
		return "Running"
	case Degraded:
		return "Degraded"
	case Halted:
		return "Halted"
	default:
		return "Unknown"
	}
}

// EngineReport is one structured message sent on the engine's reporting
// channel: opportunity detection, attempt terminal states, degraded pools,
// and halts all flow through the same shape.
type EngineReport struct {
	Timestamp     time.Time   `json:"timestamp"`
	EventType     string      `json:"event_type"`
	Message       string      `json:"message"`
	Phase         EnginePhase `json:"phase"`
	PathID        uint64      `json:"path_id,omitempty"`
	RealizedUSD   float64     `json:"realized_usd,omitempty"`
	CumulativeUSD float64     `json:"cumulative_usd,omitempty"`
	Error         string      `json:"error,omitempty"`
}

// CircuitBreaker halts the engine once too many errors land inside a
// rolling time window, the same fail-safe shape the teacher's strategy
// contract described but with the counting logic actually implemented.
type CircuitBreaker struct {
	ErrorWindow           time.Duration
	ErrorThreshold        int
	LastErrors            []time.Time
	CriticalErrorOccurred bool
}

// RecordError records an occurrence at now and reports whether the engine
// should halt: immediately for a critical error, or once ErrorThreshold
// non-critical errors have landed inside ErrorWindow.
func (cb *CircuitBreaker) RecordError(now time.Time, critical bool) bool {
	if critical {
		cb.CriticalErrorOccurred = true
		return true
	}

	cb.LastErrors = append(cb.LastErrors, now)
	cb.LastErrors = withinWindow(cb.LastErrors, now, cb.ErrorWindow)
	return len(cb.LastErrors) >= cb.ErrorThreshold
}

func withinWindow(errs []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	kept := errs[:0]
	for _, t := range errs {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// Reset clears the circuit breaker's accumulated state.
func (cb *CircuitBreaker) Reset() {
	cb.LastErrors = nil
	cb.CriticalErrorOccurred = false
}

// ErrorRate reports the current error rate in errors per hour.
func (cb *CircuitBreaker) ErrorRate() float64 {
	if cb.ErrorWindow <= 0 {
		return 0
	}
	return float64(len(cb.LastErrors)) / cb.ErrorWindow.Hours()
}

// PoolFeeTable resolves a pool address to its configured fee tier, built
// once from the catalog and handed to the on-chain quoter for path
// encoding (it never needs a fresh view call just to learn a fee pips
// value that configuration already pinned).
type PoolFeeTable map[common.Address]uint32

// NewPoolFeeTable builds a PoolFeeTable from the catalog.
func NewPoolFeeTable(pools []PoolDescriptor) PoolFeeTable {
	t := make(PoolFeeTable, len(pools))
	for _, p := range pools {
		t[p.Address] = p.FeePips
	}
	return t
}

// FeePips satisfies onchainquoter.PoolFee.
func (t PoolFeeTable) FeePips(pool common.Address) (uint32, bool) {
	fee, ok := t[pool]
	return fee, ok
}

// EngineConfig bounds the engine's top-level run behavior: how often it
// reconciles degraded pools, and the circuit breaker thresholds.
type EngineConfig struct {
	ReconcileInterval time.Duration
	CircuitBreaker    CircuitBreaker
	Route             executor.Route
}

// ErrEngineHalted is returned by engine operations once the circuit
// breaker has tripped.
var ErrEngineHalted = errors.New("triarb: engine halted by circuit breaker")

// quoteNotional renders a raw token amount as a display-unit string for
// EngineReport messages, the same big.Int-to-string safety the teacher's
// persistence layer used for untrusted on-chain values.
func quoteNotional(amount *big.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	f := new(big.Float).SetInt(amount)
	scale := new(big.Float).SetFloat64(pow10(decimals))
	f.Quo(f, scale)
	return fmt.Sprintf("%.6f", f)
}

func pow10(n uint8) float64 {
	v := 1.0
	for i := uint8(0); i < n; i++ {
		v *= 10
	}
	return v
}
