// Package rpcpool is the single facade owning the RPC admission limit: a
// non-blocking, rate-based admission gate per endpoint, with an explicit
// start/stop lifecycle. Stop only ends new admissions; calls already
// admitted are not tracked or waited for.
package rpcpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Pool admits RPC calls per named endpoint through a token bucket. It does
// not count calls in flight, so a finished call frees no slot; admission
// depends only on the bucket's refill rate. Callers that cannot acquire
// admission are rejected immediately rather than queued.
type Pool struct {
	mu      sync.RWMutex
	gates   map[string]*rate.Limiter
	cap     int
	started int32
}

// New builds a Pool where each endpoint gets its own rate.Limiter used as a
// non-blocking admission gate: burst equals the concurrency cap, refill
// rate equals cap per second (steady-state, one full refill per second).
func New(concurrencyCap int) *Pool {
	return &Pool{
		gates: make(map[string]*rate.Limiter),
		cap:   concurrencyCap,
	}
}

// Start marks the pool as accepting admissions; calling Allow before Start
// or after Stop always rejects.
func (p *Pool) Start() {
	atomic.StoreInt32(&p.started, 1)
}

// Stop marks the pool as draining; no further admissions are granted.
func (p *Pool) Stop() {
	atomic.StoreInt32(&p.started, 0)
}

// Allow admits one call against endpoint if the pool is running and the
// endpoint's gate has capacity.
func (p *Pool) Allow(endpoint string) bool {
	if atomic.LoadInt32(&p.started) == 0 {
		return false
	}
	return p.gateFor(endpoint).Allow()
}

// Do runs fn only if Allow admits the call, otherwise returns ErrRejected
// without invoking fn.
func (p *Pool) Do(ctx context.Context, endpoint string, fn func(ctx context.Context) error) error {
	if !p.Allow(endpoint) {
		return fmt.Errorf("rpcpool: %w (endpoint %s)", ErrRejected, endpoint)
	}
	return fn(ctx)
}

// ErrRejected is returned when an endpoint's token bucket is empty.
var ErrRejected = rejectedError{}

type rejectedError struct{}

func (rejectedError) Error() string { return "admission rejected" }

func (p *Pool) gateFor(endpoint string) *rate.Limiter {
	p.mu.RLock()
	gate, ok := p.gates[endpoint]
	p.mu.RUnlock()
	if ok {
		return gate
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if gate, ok = p.gates[endpoint]; ok {
		return gate
	}
	gate = rate.NewLimiter(rate.Limit(p.cap), p.cap)
	p.gates[endpoint] = gate
	return gate
}
