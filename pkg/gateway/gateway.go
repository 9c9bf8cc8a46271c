// Package gateway is the single facade every other component uses to reach
// the chain: subscriptions, view calls, raw transaction submission and
// receipt polling, all behind the rate-limited admission gate.
package gateway

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Gateway is the chain access facade described for the scanner, evaluator
// and executor. Call, SendRawTransaction, TransactionReceipt and
// HeaderByNumber carry their own deadline; every method except Close passes
// through the shared admission gate before touching the RPC connection or
// relay.
type Gateway interface {
	SubscribeNewHead(ctx context.Context) (<-chan *coretypes.Header, ethereum.Subscription, error)
	SubscribeLogs(ctx context.Context, filter ethereum.FilterQuery) (<-chan coretypes.Log, ethereum.Subscription, error)
	Call(ctx context.Context, address common.Address, data []byte, blockTag *big.Int) ([]byte, error)
	SendRawTransaction(ctx context.Context, tx *coretypes.Transaction) (common.Hash, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
	SendPrivateBundle(ctx context.Context, bundle PrivateBundle) (string, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	Close()
}

// PrivateBundle describes a Flashbots-style eth_sendBundle payload: one or
// more raw signed transactions targeting a specific block.
type PrivateBundle struct {
	Transactions []*coretypes.Transaction
	TargetBlock  uint64
}

// AdmissionGate decides whether an RPC call may proceed now; callers that
// cannot acquire a token immediately are rejected rather than queued.
// NewRateGate admits by rate and does not count calls in flight.
type AdmissionGate interface {
	Allow() bool
}

type rateGate struct {
	limiter *rate.Limiter
}

// NewRateGate builds an AdmissionGate backed by golang.org/x/time/rate,
// admitting up to rps calls per second with the given burst.
func NewRateGate(rps float64, burst int) AdmissionGate {
	return &rateGate{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (g *rateGate) Allow() bool { return g.limiter.Allow() }

// ErrGateRejected is returned when the admission gate denies a call.
var ErrGateRejected = fmt.Errorf("gateway: admission gate rejected call")

// PrivateRelay posts a bundle to a private relay; a Flashbots-style relay
// client is the only production implementation, but tests substitute a stub.
type PrivateRelay interface {
	SendBundle(ctx context.Context, bundle PrivateBundle) (string, error)
}

type gateway struct {
	eth   *ethclient.Client
	gate  AdmissionGate
	relay PrivateRelay

	callTimeout    time.Duration
	receiptTimeout time.Duration

	mu            sync.Mutex
	subscriptions []ethereum.Subscription
}

// Option configures a Gateway at construction time.
type Option func(*gateway)

// WithAdmissionGate overrides the default unbounded gate with a rate-limited one.
func WithAdmissionGate(gate AdmissionGate) Option {
	return func(g *gateway) { g.gate = gate }
}

// WithPrivateRelay wires a PrivateRelay for SendPrivateBundle.
func WithPrivateRelay(relay PrivateRelay) Option {
	return func(g *gateway) { g.relay = relay }
}

// WithCallTimeout overrides the default 1.5s view-call deadline.
func WithCallTimeout(d time.Duration) Option {
	return func(g *gateway) { g.callTimeout = d }
}

// WithReceiptTimeout overrides the default 10s receipt-poll deadline.
func WithReceiptTimeout(d time.Duration) Option {
	return func(g *gateway) { g.receiptTimeout = d }
}

type alwaysAllow struct{}

func (alwaysAllow) Allow() bool { return true }

// New builds a Gateway over a single ethclient.Client connection.
func New(eth *ethclient.Client, opts ...Option) Gateway {
	g := &gateway{
		eth:            eth,
		gate:           alwaysAllow{},
		callTimeout:    1500 * time.Millisecond,
		receiptTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *gateway) admit() error {
	if !g.gate.Allow() {
		return ErrGateRejected
	}
	return nil
}

// SubscribeNewHead multiplexes the underlying head subscription, reconnecting
// transparently on drop. The returned channel is closed when ctx is done, when
// the underlying subscription ends without an error, or when resubscribing
// fails.
func (g *gateway) SubscribeNewHead(ctx context.Context) (<-chan *coretypes.Header, ethereum.Subscription, error) {
	if err := g.admit(); err != nil {
		return nil, nil, err
	}

	raw := make(chan *coretypes.Header)
	sub, err := g.eth.SubscribeNewHead(ctx, raw)
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe new head: %w", err)
	}

	out := make(chan *coretypes.Header)
	resub := &reconnectingSub{
		errCh: make(chan error, 1),
	}

	go func() {
		defer close(out)
		current := sub
		for {
			select {
			case <-ctx.Done():
				current.Unsubscribe()
				return
			case h := <-raw:
				select {
				case out <- h:
				case <-ctx.Done():
					current.Unsubscribe()
					return
				}
			case err := <-current.Err():
				if err == nil {
					return
				}
				newSub, rerr := g.eth.SubscribeNewHead(ctx, raw)
				if rerr != nil {
					resub.errCh <- fmt.Errorf("resubscribe new head: %w", rerr)
					return
				}
				current = newSub
			}
		}
	}()

	g.mu.Lock()
	g.subscriptions = append(g.subscriptions, sub)
	g.mu.Unlock()

	return out, resub, nil
}

// SubscribeLogs multiplexes a filtered log subscription. On reconnect it
// gap-fills by re-querying FilterLogs over the block range missed while
// disconnected, before resuming live delivery.
func (g *gateway) SubscribeLogs(ctx context.Context, filter ethereum.FilterQuery) (<-chan coretypes.Log, ethereum.Subscription, error) {
	if err := g.admit(); err != nil {
		return nil, nil, err
	}

	raw := make(chan coretypes.Log)
	sub, err := g.eth.SubscribeFilterLogs(ctx, filter, raw)
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe filter logs: %w", err)
	}

	out := make(chan coretypes.Log)
	resub := &reconnectingSub{errCh: make(chan error, 1)}
	var lastBlock uint64

	go func() {
		defer close(out)
		current := sub
		for {
			select {
			case <-ctx.Done():
				current.Unsubscribe()
				return
			case l := <-raw:
				if l.BlockNumber > lastBlock {
					lastBlock = l.BlockNumber
				}
				select {
				case out <- l:
				case <-ctx.Done():
					current.Unsubscribe()
					return
				}
			case err := <-current.Err():
				if err == nil {
					return
				}

				gapFilter := filter
				if lastBlock > 0 {
					gapFilter.FromBlock = new(big.Int).SetUint64(lastBlock + 1)
					gapFilter.ToBlock = nil
					missed, ferr := g.eth.FilterLogs(ctx, gapFilter)
					if ferr == nil {
						for _, l := range missed {
							select {
							case out <- l:
								if l.BlockNumber > lastBlock {
									lastBlock = l.BlockNumber
								}
							case <-ctx.Done():
								return
							}
						}
					}
				}

				newSub, rerr := g.eth.SubscribeFilterLogs(ctx, filter, raw)
				if rerr != nil {
					resub.errCh <- fmt.Errorf("resubscribe filter logs: %w", rerr)
					return
				}
				current = newSub
			}
		}
	}()

	g.mu.Lock()
	g.subscriptions = append(g.subscriptions, sub)
	g.mu.Unlock()

	return out, resub, nil
}

// reconnectingSub adapts the internal reconnect loop's terminal error into
// the ethereum.Subscription contract the rest of the codebase expects.
type reconnectingSub struct {
	errCh chan error
}

func (r *reconnectingSub) Err() <-chan error { return r.errCh }
func (r *reconnectingSub) Unsubscribe()      {}

func (g *gateway) Call(ctx context.Context, address common.Address, data []byte, blockTag *big.Int) ([]byte, error) {
	if err := g.admit(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()

	msg := ethereum.CallMsg{To: &address, Data: data}
	out, err := g.eth.CallContract(ctx, msg, blockTag)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", address.Hex(), err)
	}
	return out, nil
}

func (g *gateway) SendRawTransaction(ctx context.Context, tx *coretypes.Transaction) (common.Hash, error) {
	if err := g.admit(); err != nil {
		return common.Hash{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()

	if err := g.eth.SendTransaction(ctx, tx); err != nil {
		return common.Hash{}, fmt.Errorf("send raw transaction: %w", err)
	}
	return tx.Hash(), nil
}

func (g *gateway) TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error) {
	if err := g.admit(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, g.receiptTimeout)
	defer cancel()

	r, err := g.eth.TransactionReceipt(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("transaction receipt %s: %w", txHash.Hex(), err)
	}
	return r, nil
}

func (g *gateway) HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error) {
	if err := g.admit(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()

	h, err := g.eth.HeaderByNumber(ctx, number)
	if err != nil {
		return nil, fmt.Errorf("header by number: %w", err)
	}
	return h, nil
}

func (g *gateway) SendPrivateBundle(ctx context.Context, bundle PrivateBundle) (string, error) {
	if g.relay == nil {
		return "", fmt.Errorf("send private bundle: no relay configured")
	}
	if err := g.admit(); err != nil {
		return "", err
	}
	return g.relay.SendBundle(ctx, bundle)
}

func (g *gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, sub := range g.subscriptions {
		sub.Unsubscribe()
	}
}

// InitPools runs fn concurrently over addrs, stopping at the first error,
// the way the pool cache spins up its catalog at startup.
func InitPools(ctx context.Context, addrs []common.Address, fn func(ctx context.Context, addr common.Address) error) error {
	grp, ctx := errgroup.WithContext(ctx)
	for _, addr := range addrs {
		addr := addr
		grp.Go(func() error {
			return fn(ctx, addr)
		})
	}
	return grp.Wait()
}
