package executor

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexbridge-labs/triarb/pkg/bus"
	"github.com/hexbridge-labs/triarb/pkg/metrics"
	"github.com/hexbridge-labs/triarb/pkg/pathindex"
	triarbtypes "github.com/hexbridge-labs/triarb/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
)

func TestNewFlashProviderOnlyUniswapV3(t *testing.T) {
	p, err := NewFlashProvider("uniswap_v3")
	require.NoError(t, err)
	assert.Equal(t, "uniswap_v3", p.Name())

	_, err = NewFlashProvider("aave")
	assert.Error(t, err)
}

func TestCounterNonceAdvancesSequentially(t *testing.T) {
	n := NewCounterNonce(5)
	assert.Equal(t, uint64(5), n.Next())
	assert.Equal(t, uint64(6), n.Next())
}

// stubContract records every Sign call's nonce/fee caps/args and either
// returns a signed tx keyed off a counter (so each call yields a distinct
// hash) or the configured error.
type stubContract struct {
	mu       sync.Mutex
	signErr  error
	calls    int
	lastArgs []interface{}
	lastFees []*big.Int // [maxFeePerGas, priorityFee] from the most recent call
	abi      abi.ABI
}

func (s *stubContract) ContractAddress() common.Address { return common.HexToAddress("0xC0") }
func (s *stubContract) Abi() abi.ABI                     { return s.abi }

func (s *stubContract) Sign(ctx context.Context, gasLimit, maxFeePerGas, priorityFee *big.Int, nonce uint64, pk *ecdsa.PrivateKey, method string, args ...interface{}) (*coretypes.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signErr != nil {
		return nil, s.signErr
	}
	s.calls++
	s.lastArgs = args
	s.lastFees = []*big.Int{maxFeePerGas, priorityFee}
	return coretypes.NewTx(&coretypes.DynamicFeeTx{Nonce: nonce + uint64(s.calls), Gas: gasLimit.Uint64()}), nil
}

type stubGateway struct {
	mu              sync.Mutex
	header          *coretypes.Header
	receipts        map[common.Hash]*coretypes.Receipt
	publicSends     int
	privateBundles  []uint64
	sendRawErr      error
	sendPrivateErr  error
}

func (s *stubGateway) SendRawTransaction(ctx context.Context, tx *coretypes.Transaction) (common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendRawErr != nil {
		return common.Hash{}, s.sendRawErr
	}
	s.publicSends++
	return tx.Hash(), nil
}

func (s *stubGateway) SendPrivateBundle(ctx context.Context, tx *coretypes.Transaction, targetBlock uint64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendPrivateErr != nil {
		return "", s.sendPrivateErr
	}
	s.privateBundles = append(s.privateBundles, targetBlock)
	return "bundle", nil
}

func (s *stubGateway) TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receipts[txHash], nil
}

func (s *stubGateway) HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error) {
	return s.header, nil
}

type stubRecorder struct {
	mu      sync.Mutex
	records []TradeAttemptRecord
}

func (s *stubRecorder) RecordAttempt(r TradeAttemptRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

type stubFees struct{}

func (stubFees) FeePips(pool common.Address) (uint32, bool) { return 3000, true }

type missingFees struct{}

func (missingFees) FeePips(pool common.Address) (uint32, bool) { return 0, false }

func buildOp() bus.Opportunity {
	return bus.Opportunity{
		PathID:          1,
		InputAmount:     "1000",
		EstNetProfit:    "50",
		DetectedAtBlock: 100,
	}
}

func buildTestPath() pathindex.Path {
	return pathindex.Path{
		ID:    1,
		Pool1: common.HexToAddress("0x1"), Pool2: common.HexToAddress("0x2"), Pool3: common.HexToAddress("0x3"),
		TokenA: common.HexToAddress("0xA"), TokenB: common.HexToAddress("0xB"), TokenC: common.HexToAddress("0xC"),
	}
}

func baseHead() *coretypes.Header {
	return &coretypes.Header{Number: big.NewInt(100), BaseFee: big.NewInt(10_000_000_000)}
}

func TestExecuteAbandonsWhenStale(t *testing.T) {
	rec := &stubRecorder{}
	ex := New(&stubContract{}, &stubGateway{header: baseHead()}, rec, NewCounterNonce(0), metrics.New(prometheus.NewRegistry()), nil, stubFees{}, nil, Config{MaxStalenessBlocks: 2})

	attempt := ex.Execute(context.Background(), buildOp(), buildTestPath(), RoutePublic, 200)
	assert.Equal(t, Timeout, attempt.State)
}

func TestExecuteRejectsOnSubmissionError(t *testing.T) {
	rec := &stubRecorder{}
	contract := &stubContract{signErr: assertErr{}}
	ex := New(contract, &stubGateway{header: baseHead()}, rec, NewCounterNonce(0), metrics.New(prometheus.NewRegistry()), nil, stubFees{}, nil, Config{MaxStalenessBlocks: 10})

	attempt := ex.Execute(context.Background(), buildOp(), buildTestPath(), RoutePublic, 100)
	assert.Equal(t, Dropped, attempt.State)
	require.Len(t, rec.records, 1)
	assert.Equal(t, "Dropped", rec.records[0].TerminalState)
}

func TestExecuteRejectsOnMissingFeeLookup(t *testing.T) {
	rec := &stubRecorder{}
	ex := New(&stubContract{}, &stubGateway{header: baseHead()}, rec, NewCounterNonce(0), metrics.New(prometheus.NewRegistry()), nil, missingFees{}, nil, Config{MaxStalenessBlocks: 10})

	attempt := ex.Execute(context.Background(), buildOp(), buildTestPath(), RoutePublic, 100)
	assert.Equal(t, Reverted, attempt.State)
}

func TestExecuteEncodesFullSettlementTuple(t *testing.T) {
	rec := &stubRecorder{}
	contract := &stubContract{}
	gw := &stubGateway{header: baseHead()}

	ex := New(contract, gw, rec, NewCounterNonce(0), metrics.New(prometheus.NewRegistry()), nil, stubFees{}, nil, Config{MaxStalenessBlocks: 10, ReceiptPollBlocks: 0})

	path := buildTestPath()
	attempt := ex.Execute(context.Background(), buildOp(), path, RoutePublic, 100)

	require.NotEmpty(t, attempt.TxHashes)
	require.NotNil(t, contract.lastArgs)
	require.Len(t, contract.lastArgs, 11)
	assert.Equal(t, path.Pool1, contract.lastArgs[0])
	assert.Equal(t, path.TokenA, contract.lastArgs[1])
	assert.Equal(t, path.TokenB, contract.lastArgs[2])
	assert.Equal(t, path.TokenC, contract.lastArgs[3])
	assert.Equal(t, uint32(3000), contract.lastArgs[4])
	assert.Equal(t, uint32(3000), contract.lastArgs[5])
	assert.Equal(t, uint32(3000), contract.lastArgs[6])
	assert.Equal(t, path.TokenA, contract.lastArgs[9], "profit settles back in token_a")
	assert.Equal(t, big.NewInt(0), contract.lastArgs[10])
	assert.Equal(t, 2, gw.publicSends, "initial submission plus the boosted retry after the first timeout")
	// Times out because the stub never produces a receipt; what matters here
	// is the encoded call shape, not the terminal state.
	assert.Equal(t, Timeout, attempt.State)
}

func TestExecuteRoutePrivateReplicatesAcrossTargetBlocks(t *testing.T) {
	rec := &stubRecorder{}
	contract := &stubContract{}
	gw := &stubGateway{header: baseHead()}
	ex := New(contract, gw, rec, NewCounterNonce(0), metrics.New(prometheus.NewRegistry()), nil, stubFees{}, nil, Config{MaxStalenessBlocks: 10, ReceiptPollBlocks: 0, PrivateBundleBlocks: 2})

	attempt := ex.Execute(context.Background(), buildOp(), buildTestPath(), RoutePrivate, 100)

	assert.Equal(t, 0, gw.publicSends, "private route must never touch the public mempool")
	// The boosted retry after the first timeout replicates across the same
	// target blocks again.
	assert.Equal(t, []uint64{101, 102, 101, 102}, gw.privateBundles)
	assert.Equal(t, Timeout, attempt.State)
}

func TestExecuteRouteBothUsesPublicAndPrivateChannels(t *testing.T) {
	rec := &stubRecorder{}
	contract := &stubContract{}
	gw := &stubGateway{header: baseHead(), sendPrivateErr: nil}
	ex := New(contract, gw, rec, NewCounterNonce(0), metrics.New(prometheus.NewRegistry()), nil, stubFees{}, nil, Config{MaxStalenessBlocks: 10, ReceiptPollBlocks: 0, PrivateBundleBlocks: 1})

	ex.Execute(context.Background(), buildOp(), buildTestPath(), RouteBoth, 100)

	// One send over each channel for the initial submission and one more for
	// the boosted retry after the first timeout.
	assert.Equal(t, 2, gw.publicSends)
	assert.Len(t, gw.privateBundles, 2)
}

func TestExecuteRetriesOnceWithBoostedPriorityFeeAfterTimeout(t *testing.T) {
	rec := &stubRecorder{}
	contract := &stubContract{}
	gw := &stubGateway{header: baseHead()}
	m := metrics.New(prometheus.NewRegistry())
	ex := New(contract, gw, rec, NewCounterNonce(0), m, nil, stubFees{}, nil, Config{MaxStalenessBlocks: 10, ReceiptPollBlocks: 0})

	attempt := ex.Execute(context.Background(), buildOp(), buildTestPath(), RoutePublic, 100)

	assert.Equal(t, Timeout, attempt.State)
	assert.Equal(t, 1, attempt.RetryCount)
	assert.Equal(t, 2, contract.calls, "one initial submission plus one boosted retry")
	assert.Len(t, attempt.TxHashes, 2)
}

func TestFeeCapsBoostsPriorityFeeOnRetryCappedAtMaxFee(t *testing.T) {
	ex := &Executor{gateway: &stubGateway{header: baseHead()}, cfg: Config{GasPriceMultiplier: 2.0}}

	maxFee, standardTip, err := ex.feeCaps(context.Background(), RoutePublic, triarbtypes.Standard)
	require.NoError(t, err)
	_, boostedTip, err := ex.feeCaps(context.Background(), RoutePublic, triarbtypes.Boosted)
	require.NoError(t, err)

	assert.True(t, boostedTip.Cmp(standardTip) > 0)
	assert.True(t, boostedTip.Cmp(maxFee) <= 0)
}

func TestGasTrackerSeedsThenTracksEWMA(t *testing.T) {
	g := newGasTracker()
	assert.Equal(t, uint64(300000), g.estimate(1).Uint64())

	g.observe(1, 200000)
	assert.Equal(t, uint64(200000), g.estimate(1).Uint64())

	g.observe(1, 300000)
	// alpha=0.2: 0.2*300000 + 0.8*200000 = 220000
	assert.Equal(t, uint64(220000), g.estimate(1).Uint64())
}

type assertErr struct{}

func (assertErr) Error() string { return "underpriced" }
