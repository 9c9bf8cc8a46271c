// Package executor drives each opportunity through the attempt state
// machine: build, submit, observe, record.
package executor

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/hexbridge-labs/triarb/pkg/bus"
	"github.com/hexbridge-labs/triarb/pkg/metrics"
	"github.com/hexbridge-labs/triarb/pkg/pathindex"
	triarbtypes "github.com/hexbridge-labs/triarb/pkg/types"
)

// State is one step of the attempt state machine.
type State int

const (
	Queued State = iota
	Building
	Submitted
	Included
	Reverted
	Dropped
	Timeout
)

func (s State) String() string {
	switch s {
	case Queued:
		return "Queued"
	case Building:
		return "Building"
	case Submitted:
		return "Submitted"
	case Included:
		return "Included"
	case Reverted:
		return "Reverted"
	case Dropped:
		return "Dropped"
	case Timeout:
		return "Timeout"
	default:
		return "Unknown"
	}
}

// Route selects which submission path(s) an attempt goes out over.
type Route int

const (
	RoutePublic Route = iota
	RoutePrivate
	RouteBoth
)

// Attempt is the executor's owned record for one opportunity.
type Attempt struct {
	Opportunity    bus.Opportunity
	Path           pathindex.Path
	State          State
	Route          Route
	Nonce          uint64
	TxHashes       []common.Hash
	RealizedProfit *big.Int
	FailureReason  string
	RetryCount     int
	mu             sync.Mutex
}

// FlashProvider abstracts the flash-loan source the settlement contract
// borrows from. Only uniswap_v3 is implemented; the interface leaves room
// for aave/balancer/uniswap_v4 without touching the executor's state
// machine.
type FlashProvider interface {
	Name() string
}

// UniswapV3Flash is the only implemented FlashProvider.
type UniswapV3Flash struct{}

func (UniswapV3Flash) Name() string { return "uniswap_v3" }

// NewFlashProvider resolves a configured provider name to an implementation.
// Only "uniswap_v3" is supported; any other value is a construction error.
func NewFlashProvider(name string) (FlashProvider, error) {
	if name != "uniswap_v3" {
		return nil, fmt.Errorf("executor: flash loan provider %q not implemented", name)
	}
	return UniswapV3Flash{}, nil
}

// ContractCaller is the narrow settlement-contract facade the executor
// needs: encode executeArbitrage and sign it, and decode receipts/errors.
// Signing is split from submission so the same signed transaction can be
// broadcast over whichever route(s) the attempt requires.
type ContractCaller interface {
	ContractAddress() common.Address
	Abi() abi.ABI
	Sign(ctx context.Context, gasLimit, maxFeePerGas, priorityFee *big.Int, nonce uint64, pk *ecdsa.PrivateKey, method string, args ...interface{}) (*coretypes.Transaction, error)
}

// PoolFeeLookup resolves a pool address to its configured fee tier, so the
// settlement call's fee1/fee2/fee3 arguments never need a fresh view call
// just to learn a value configuration already pinned.
type PoolFeeLookup interface {
	FeePips(pool common.Address) (uint32, bool)
}

// Gateway is the narrow chain-facing surface the executor needs for
// submission, receipt polling and head tracking.
type Gateway interface {
	SendRawTransaction(ctx context.Context, tx *coretypes.Transaction) (common.Hash, error)
	SendPrivateBundle(ctx context.Context, tx *coretypes.Transaction, targetBlock uint64) (string, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
}

// TradeRecorder is the persistence collaborator: every terminal attempt is
// handed to it for durable storage.
type TradeRecorder interface {
	RecordAttempt(record TradeAttemptRecord) error
}

// TradeAttemptRecord is the append-only row written per terminal attempt.
type TradeAttemptRecord struct {
	AttemptID     string
	PathID        uint64
	AmountIn      string
	AmountOut     string
	ProfitRaw     string
	ProfitUSD     float64
	GasWei        string
	GasUSD        float64
	Route         string
	TxHashes      []string
	TerminalState string
	BlockNumber   uint64
	Timestamp     time.Time
}

// Config bounds the executor's staleness/reorg/retry/fee behavior.
type Config struct {
	MaxStalenessBlocks  uint64
	ReorgSafetyBlocks   uint64
	ReceiptPollBlocks   uint64 // blocks to wait before Timeout
	GasLimitHeadroom    float64
	GasPriceMultiplier  float64 // max_fee_per_gas = base_fee * this; default 2.0
	PrivateBundleBlocks int     // consecutive target blocks a private bundle is replicated across; default 3
}

// NonceSource owns the one-nonce-per-wallet invariant: advanced only on
// confirmed inclusion or definitive drop.
type NonceSource interface {
	Next() uint64
	Release(nonce uint64)
}

type counterNonce struct {
	mu   sync.Mutex
	next uint64
}

// NewCounterNonce builds a NonceSource starting from start.
func NewCounterNonce(start uint64) NonceSource {
	return &counterNonce{next: start}
}

func (c *counterNonce) Next() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.next
	c.next++
	return n
}

func (c *counterNonce) Release(nonce uint64) {}

// gasTracker keeps a per-path exponential moving average of observed gas
// usage, seeded at a conservative default until a path's first receipt
// lands.
type gasTracker struct {
	mu     sync.Mutex
	alpha  float64
	seed   uint64
	byPath map[uint64]uint64
}

func newGasTracker() *gasTracker {
	return &gasTracker{alpha: 0.2, seed: 300000, byPath: make(map[uint64]uint64)}
}

func (g *gasTracker) estimate(pathID uint64) *big.Int {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok := g.byPath[pathID]
	if !ok {
		v = g.seed
	}
	return new(big.Int).SetUint64(v)
}

func (g *gasTracker) observe(pathID uint64, used uint64) {
	if used == 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	prev, ok := g.byPath[pathID]
	if !ok {
		g.byPath[pathID] = used
		return
	}
	g.byPath[pathID] = uint64(g.alpha*float64(used) + (1-g.alpha)*float64(prev))
}

// Executor drives attempts through Queued -> Building -> Submitted ->
// terminal, one in-flight transaction per (nonce, wallet) at a time.
type Executor struct {
	contract ContractCaller
	gateway  Gateway
	recorder TradeRecorder
	nonces   NonceSource
	metrics  *metrics.Metrics
	flash    FlashProvider
	fees     PoolFeeLookup
	pk       *ecdsa.PrivateKey
	cfg      Config
	gas      *gasTracker
}

// New builds an Executor.
func New(contract ContractCaller, gateway Gateway, recorder TradeRecorder, nonces NonceSource, m *metrics.Metrics, flash FlashProvider, fees PoolFeeLookup, pk *ecdsa.PrivateKey, cfg Config) *Executor {
	return &Executor{
		contract: contract, gateway: gateway, recorder: recorder,
		nonces: nonces, metrics: m, flash: flash, fees: fees, pk: pk, cfg: cfg,
		gas: newGasTracker(),
	}
}

// Execute runs one opportunity through the full state machine to a
// terminal state, using route for submission.
func (ex *Executor) Execute(ctx context.Context, op bus.Opportunity, path pathindex.Path, route Route, headBlock uint64) *Attempt {
	attempt := &Attempt{Opportunity: op, Path: path, State: Queued, Route: route}

	if headBlock > op.DetectedAtBlock && headBlock-op.DetectedAtBlock > ex.cfg.MaxStalenessBlocks {
		ex.finish(attempt, Timeout, "stale: detected_at_block too far behind head")
		return attempt
	}

	attempt.State = Building
	amountIn, minProfit, err := parseAmounts(op)
	if err != nil {
		ex.finish(attempt, Reverted, err.Error())
		return attempt
	}

	fee1, ok1 := ex.fees.FeePips(path.Pool1)
	fee2, ok2 := ex.fees.FeePips(path.Pool2)
	fee3, ok3 := ex.fees.FeePips(path.Pool3)
	if !ok1 || !ok2 || !ok3 {
		ex.finish(attempt, Reverted, "fee lookup failed for one or more hop pools")
		return attempt
	}

	// The cycle always returns to token_a, so profit settles there with no
	// conversion hop needed.
	args := []interface{}{
		path.Pool1, path.TokenA, path.TokenB, path.TokenC,
		fee1, fee2, fee3,
		amountIn, minProfit,
		path.TokenA, big.NewInt(0),
	}

	nonce := ex.nonces.Next()
	attempt.Nonce = nonce
	gasLimit := headroom(ex.gas.estimate(path.ID), ex.cfg.GasLimitHeadroom)

	if err := ex.submit(ctx, attempt, gasLimit, nonce, triarbtypes.Standard, args); err != nil {
		ex.nonces.Release(nonce)
		ex.finish(attempt, Dropped, fmt.Sprintf("submission rejected: %v", err))
		if ex.metrics != nil {
			ex.metrics.SubmissionRejects.Inc()
		}
		return attempt
	}

	attempt.State = Submitted
	ex.observe(ctx, attempt, gasLimit, nonce, args)
	return attempt
}

// submit signs the settlement call once and broadcasts the same signed
// transaction over whichever channel(s) attempt.Route names, appending the
// resulting hash to attempt.TxHashes.
func (ex *Executor) submit(ctx context.Context, attempt *Attempt, gasLimit *big.Int, nonce uint64, txType triarbtypes.TxType, args []interface{}) error {
	maxFeePerGas, priorityFee, err := ex.feeCaps(ctx, attempt.Route, txType)
	if err != nil {
		return fmt.Errorf("compute fee caps: %w", err)
	}

	tx, err := ex.contract.Sign(ctx, gasLimit, maxFeePerGas, priorityFee, nonce, ex.pk, "executeArbitrage", args...)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}

	switch attempt.Route {
	case RoutePublic:
		if _, err := ex.gateway.SendRawTransaction(ctx, tx); err != nil {
			return err
		}
	case RoutePrivate:
		if err := ex.submitPrivate(ctx, tx); err != nil {
			return err
		}
	case RouteBoth:
		if _, err := ex.gateway.SendRawTransaction(ctx, tx); err != nil {
			return err
		}
		if err := ex.submitPrivate(ctx, tx); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown submission route %d", attempt.Route)
	}

	attempt.mu.Lock()
	attempt.TxHashes = append(attempt.TxHashes, tx.Hash())
	attempt.mu.Unlock()
	return nil
}

// submitPrivate replicates tx across the configured number of upcoming
// blocks: a relay only includes a bundle that lands in the exact target
// block it names, so one target is a single roll of the dice.
func (ex *Executor) submitPrivate(ctx context.Context, tx *coretypes.Transaction) error {
	head, err := ex.gateway.HeaderByNumber(ctx, nil)
	if err != nil || head == nil || head.Number == nil {
		return fmt.Errorf("resolve head block for private bundle: %w", err)
	}

	blocks := ex.cfg.PrivateBundleBlocks
	if blocks <= 0 {
		blocks = 3
	}
	for i := uint64(1); i <= uint64(blocks); i++ {
		if _, err := ex.gateway.SendPrivateBundle(ctx, tx, head.Number.Uint64()+i); err != nil {
			return err
		}
	}
	return nil
}

// feeCaps computes the EIP-1559 fee caps for one submission. The max fee
// scales off the current base fee by cfg.GasPriceMultiplier; the priority
// fee follows a per-route schedule and is doubled (capped at maxFeePerGas)
// on a boosted retry.
func (ex *Executor) feeCaps(ctx context.Context, route Route, txType triarbtypes.TxType) (maxFeePerGas, priorityFee *big.Int, err error) {
	head, err := ex.gateway.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	if head == nil || head.BaseFee == nil {
		return nil, nil, fmt.Errorf("head has no base fee")
	}

	multiplier := ex.cfg.GasPriceMultiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	maxFeePerGas = mulFloat(head.BaseFee, multiplier)

	priorityFee = mulFloat(head.BaseFee, routePriorityFeeFactor(route))
	if txType == triarbtypes.Boosted {
		priorityFee = new(big.Int).Mul(priorityFee, big.NewInt(2))
	}
	if priorityFee.Cmp(maxFeePerGas) > 0 {
		priorityFee = new(big.Int).Set(maxFeePerGas)
	}
	return maxFeePerGas, priorityFee, nil
}

// routePriorityFeeFactor is the fraction of the current base fee offered as
// a priority tip. The public mempool only needs to clear the floor miners
// already expect; private submission pays up front since there's no
// mempool bidding to undercut.
func routePriorityFeeFactor(route Route) float64 {
	switch route {
	case RoutePrivate, RouteBoth:
		return 1.5
	default:
		return 0.1
	}
}

func mulFloat(v *big.Int, factor float64) *big.Int {
	f := new(big.Float).SetInt(v)
	f.Mul(f, big.NewFloat(factor))
	out, _ := f.Int(nil)
	return out
}

func parseAmounts(op bus.Opportunity) (amountIn, minProfit *big.Int, err error) {
	amountIn, ok := new(big.Int).SetString(op.InputAmount, 10)
	if !ok {
		return nil, nil, fmt.Errorf("invalid input amount %q", op.InputAmount)
	}
	minProfit, ok = new(big.Int).SetString(op.EstNetProfit, 10)
	if !ok {
		return nil, nil, fmt.Errorf("invalid est net profit %q", op.EstNetProfit)
	}
	return amountIn, minProfit, nil
}

func headroom(gasLimit *big.Int, factor float64) *big.Int {
	if factor <= 0 {
		factor = 1.25
	}
	f := new(big.Float).SetInt(gasLimit)
	f.Mul(f, big.NewFloat(factor))
	out, _ := f.Int(nil)
	return out
}

// observe polls the receipt until terminal. A first timeout resubmits once
// at the same nonce with a boosted priority fee before giving up; a second
// timeout is terminal.
func (ex *Executor) observe(ctx context.Context, attempt *Attempt, gasLimit *big.Int, nonce uint64, args []interface{}) {
	deadline := time.Now().Add(time.Duration(ex.cfg.ReceiptPollBlocks) * 12 * time.Second)
	receipt, timedOut := ex.pollReceipt(ctx, attempt, allHashes(attempt), deadline)
	if receipt != nil {
		ex.handleReceipt(ctx, attempt, receipt)
		return
	}
	if !timedOut {
		return // finish already called on context cancellation
	}

	attempt.mu.Lock()
	attempt.RetryCount++
	attempt.mu.Unlock()
	if ex.metrics != nil {
		ex.metrics.AttemptsRetried.Inc()
	}

	if err := ex.submit(ctx, attempt, gasLimit, nonce, triarbtypes.Boosted, args); err != nil {
		ex.finish(attempt, Timeout, fmt.Sprintf("retry submission failed: %v", err))
		if ex.metrics != nil {
			ex.metrics.AttemptsTimedOut.Inc()
		}
		return
	}

	// The retry shares the original's nonce, so either transaction - not
	// just the newest one - can end up mined; poll for both hashes.
	retryDeadline := time.Now().Add(time.Duration(ex.cfg.ReceiptPollBlocks) * 12 * time.Second)
	receipt, _ = ex.pollReceipt(ctx, attempt, allHashes(attempt), retryDeadline)
	if receipt != nil {
		ex.handleReceipt(ctx, attempt, receipt)
		return
	}

	ex.finish(attempt, Timeout, "timed out awaiting inclusion after retry")
	if ex.metrics != nil {
		ex.metrics.AttemptsTimedOut.Inc()
	}
}

func allHashes(attempt *Attempt) []common.Hash {
	attempt.mu.Lock()
	defer attempt.mu.Unlock()
	out := make([]common.Hash, len(attempt.TxHashes))
	copy(out, attempt.TxHashes)
	return out
}

// pollReceipt polls for a receipt matching any of txHashes until one
// appears or deadline passes - every hash shares one nonce, so at most one
// of them can ever be mined. The second return is true only when the
// deadline, not context cancellation, ended the wait; on cancellation
// finish is called directly since the caller has no further retry to
// attempt.
func (ex *Executor) pollReceipt(ctx context.Context, attempt *Attempt, txHashes []common.Hash, deadline time.Time) (*coretypes.Receipt, bool) {
	for time.Now().Before(deadline) {
		for _, txHash := range txHashes {
			receipt, err := ex.gateway.TransactionReceipt(ctx, txHash)
			if err == nil && receipt != nil {
				return receipt, false
			}
		}
		select {
		case <-ctx.Done():
			ex.finish(attempt, Timeout, "context cancelled while awaiting receipt")
			return nil, false
		case <-time.After(3 * time.Second):
		}
	}
	return nil, true
}

func (ex *Executor) handleReceipt(ctx context.Context, attempt *Attempt, receipt *coretypes.Receipt) {
	if receipt.Status == 0 {
		// The nonce was already consumed on-chain by this reverted tx; no
		// further nonce advance is needed here.
		ex.finish(attempt, Reverted, decodeRevertReason(ex.contract, receipt))
		if ex.metrics != nil {
			ex.metrics.Reverts.Inc()
		}
		return
	}

	if ex.reorged(ctx, receipt) {
		ex.finish(attempt, Dropped, "included receipt orphaned by reorg")
		if ex.metrics != nil {
			ex.metrics.AttemptsReorgDropped.Inc()
		}
		return
	}

	ex.gas.observe(attempt.Path.ID, receipt.GasUsed)

	profit := decodeRealizedProfit(ex.contract, receipt)
	attempt.mu.Lock()
	attempt.RealizedProfit = profit
	attempt.mu.Unlock()
	ex.finish(attempt, Included, "")
	if ex.metrics != nil {
		ex.metrics.AttemptsIncluded.Inc()
	}
}

// reorged reports whether the receipt's block has since been displaced,
// checked by comparing the receipt's block hash against the canonical
// header at that height.
func (ex *Executor) reorged(ctx context.Context, receipt *coretypes.Receipt) bool {
	canonical, err := ex.gateway.HeaderByNumber(ctx, receipt.BlockNumber)
	if err != nil || canonical == nil {
		return false
	}
	return canonical.Hash() != receipt.BlockHash
}

func decodeRevertReason(contract ContractCaller, receipt *coretypes.Receipt) string {
	for _, l := range receipt.Logs {
		if len(l.Topics) == 0 {
			continue
		}
		event, err := contract.Abi().EventByID(l.Topics[0])
		if err != nil {
			continue
		}
		if event.Name == "ArbitrageFailed_Detailed" || event.Name == "ProfitBelowMinimum" {
			return event.Name
		}
	}
	return "reverted"
}

func decodeRealizedProfit(contract ContractCaller, receipt *coretypes.Receipt) *big.Int {
	for _, l := range receipt.Logs {
		if len(l.Topics) == 0 {
			continue
		}
		event, err := contract.Abi().EventByID(l.Topics[0])
		if err != nil || event.Name != "ArbitrageExecuted" {
			continue
		}
		out := make(map[string]interface{})
		if err := contract.Abi().UnpackIntoMap(out, event.Name, l.Data); err != nil {
			continue
		}
		if profit, ok := out["profit"].(*big.Int); ok {
			return profit
		}
	}
	return big.NewInt(0)
}

func (ex *Executor) finish(attempt *Attempt, state State, reason string) {
	attempt.mu.Lock()
	attempt.State = state
	attempt.FailureReason = reason
	attempt.mu.Unlock()

	if state == Included || state == Dropped || state == Reverted || state == Timeout {
		if ex.recorder != nil {
			_ = ex.recorder.RecordAttempt(toRecord(attempt))
		}
	}
}

func toRecord(attempt *Attempt) TradeAttemptRecord {
	attempt.mu.Lock()
	defer attempt.mu.Unlock()

	hashes := make([]string, len(attempt.TxHashes))
	for i, h := range attempt.TxHashes {
		hashes[i] = h.Hex()
	}

	profit := attempt.RealizedProfit
	if profit == nil {
		profit = big.NewInt(0)
	}

	return TradeAttemptRecord{
		PathID:        attempt.Path.ID,
		AmountIn:      attempt.Opportunity.InputAmount,
		ProfitRaw:     profit.String(),
		GasWei:        attempt.Opportunity.EstGasWei,
		Route:         routeName(attempt.Route),
		TxHashes:      hashes,
		TerminalState: attempt.State.String(),
		BlockNumber:   attempt.Opportunity.DetectedAtBlock,
		Timestamp:     time.Now(),
	}
}

func routeName(r Route) string {
	switch r {
	case RoutePublic:
		return "public"
	case RoutePrivate:
		return "private"
	case RouteBoth:
		return "both"
	default:
		return "unknown"
	}
}
