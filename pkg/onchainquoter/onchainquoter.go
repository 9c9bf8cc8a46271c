// Package onchainquoter is the production Quoter/GasEstimator/QuoterClient
// collaborator: a QuoterV2-style view-call contract wrapped behind the
// evaluator's and price oracle's narrow interfaces, the same Call-then-unpack
// shape contractclient.ContractClient uses for every other view call.
package onchainquoter

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/hexbridge-labs/triarb/pkg/contractclient"
	"github.com/hexbridge-labs/triarb/pkg/pathindex"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

// PoolFee resolves a pool address to its fee tier (pips), used to encode the
// multi-hop quoter path. Backed by the engine's static pool catalog.
type PoolFee interface {
	FeePips(pool common.Address) (uint32, bool)
}

// HeadSource is the narrow gateway surface the gas estimator needs: the
// current base fee, to price a fixed gas-unit budget in native-token wei.
type HeadSource interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
}

// Quoter wraps a deployed QuoterV2-style contract's quoteExactInput and
// quoteExactInputSingle view functions.
type Quoter struct {
	contract contractclient.ContractClient
	fees     PoolFee
	gw       HeadSource

	nativeWrapped common.Address
	gasUnits      *big.Int
	nativeFeePips uint32
}

// New builds a Quoter bound to a deployed quoter contract. gasUnits is the
// estimated gas consumption of one full 3-hop flash-loan arbitrage,
// nativeWrapped/nativeFeePips identify the pool used to convert a gas cost
// denominated in the chain's native token into token_a units.
func New(contract contractclient.ContractClient, fees PoolFee, gw HeadSource, nativeWrapped common.Address, nativeFeePips uint32, gasUnits *big.Int) *Quoter {
	return &Quoter{contract: contract, fees: fees, gw: gw, nativeWrapped: nativeWrapped, nativeFeePips: nativeFeePips, gasUnits: gasUnits}
}

// QuoteExactInput satisfies evaluator.Quoter: it encodes path's three hops
// into a Uniswap-style packed path and calls quoteExactInput.
func (q *Quoter) QuoteExactInput(ctx context.Context, path pathindex.Path, amountIn *big.Int) (*big.Int, error) {
	encoded, err := q.encodePath(path)
	if err != nil {
		return nil, fmt.Errorf("onchainquoter: encode path for quote: %w", err)
	}

	out, err := q.contract.Call(nil, "quoteExactInput", encoded, amountIn)
	if err != nil {
		return nil, fmt.Errorf("onchainquoter: quoteExactInput: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("onchainquoter: quoteExactInput returned no outputs")
	}
	amountOut, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("onchainquoter: unexpected quoteExactInput output type %T", out[0])
	}
	return amountOut, nil
}

// QuoteToStable satisfies priceoracle.QuoterClient: a single-hop quote
// against the configured native/stable reference pool.
func (q *Quoter) QuoteToStable(ctx context.Context, token common.Address, amount *big.Int) (*big.Int, error) {
	out, err := q.contract.Call(nil, "quoteExactInputSingle", token, q.nativeWrapped, q.nativeFeePips, amount, big.NewInt(0))
	if err != nil {
		return nil, fmt.Errorf("onchainquoter: quoteExactInputSingle: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("onchainquoter: quoteExactInputSingle returned no outputs")
	}
	amountOut, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("onchainquoter: unexpected quoteExactInputSingle output type %T", out[0])
	}
	return amountOut, nil
}

// EstimateGasCostInToken satisfies evaluator.GasEstimator: it prices
// gasUnits at the current base fee, then converts the resulting native-token
// wei amount into tokenA raw units via the same quoter contract.
func (q *Quoter) EstimateGasCostInToken(ctx context.Context, tokenA common.Address) (*big.Int, error) {
	head, err := q.gw.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("onchainquoter: head for gas estimate: %w", err)
	}
	if head.BaseFee == nil {
		return nil, fmt.Errorf("onchainquoter: chain head has no base fee")
	}

	gasCostWei := new(big.Int).Mul(head.BaseFee, q.gasUnits)

	out, err := q.contract.Call(nil, "quoteExactInputSingle", q.nativeWrapped, tokenA, q.nativeFeePips, gasCostWei, big.NewInt(0))
	if err != nil {
		return nil, fmt.Errorf("onchainquoter: convert gas cost to token: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("onchainquoter: quoteExactInputSingle returned no outputs")
	}
	amountOut, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("onchainquoter: unexpected quoteExactInputSingle output type %T", out[0])
	}
	return amountOut, nil
}

// encodePath builds the tightly-packed (address,uint24,address,uint24,
// address,uint24,address) byte string Uniswap-v3-style quoters expect: one
// 20-byte address per token, one 3-byte big-endian fee per hop, closing the
// triangle back to token_a.
func (q *Quoter) encodePath(path pathindex.Path) ([]byte, error) {
	hops := []struct {
		token common.Address
		pool  common.Address
	}{
		{path.TokenA, path.Pool1},
		{path.TokenB, path.Pool2},
		{path.TokenC, path.Pool3},
	}

	var buf []byte
	for _, hop := range hops {
		buf = append(buf, hop.token.Bytes()...)
		fee, ok := q.fees.FeePips(hop.pool)
		if !ok {
			return nil, fmt.Errorf("no fee tier known for pool %s", hop.pool.Hex())
		}
		buf = append(buf, encodeUint24(fee)...)
	}
	buf = append(buf, path.TokenA.Bytes()...)
	return buf, nil
}

func encodeUint24(v uint32) []byte {
	return []byte{byte(v >> 16), byte(v >> 8), byte(v)}
}
