// Package txlistener polls for transaction receipts, the same way the
// teacher's listener backs every Send call: fire-and-forget submission, then
// block on WaitForTransaction until a receipt lands or the timeout expires.
package txlistener

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	triarbtypes "github.com/hexbridge-labs/triarb/pkg/types"
)

// TxListener waits for a submitted transaction's receipt.
type TxListener interface {
	WaitForTransaction(txHash common.Hash) (*triarbtypes.TxReceipt, error)
	WaitForTransactionCtx(ctx context.Context, txHash common.Hash) (*triarbtypes.TxReceipt, error)
}

type listener struct {
	client       *ethclient.Client
	pollInterval time.Duration
	timeout      time.Duration
}

// Option configures a TxListener at construction time.
type Option func(*listener)

// WithPollInterval sets how often WaitForTransaction re-polls for a receipt.
func WithPollInterval(d time.Duration) Option {
	return func(l *listener) { l.pollInterval = d }
}

// WithTimeout bounds how long WaitForTransaction will poll before giving up.
func WithTimeout(d time.Duration) Option {
	return func(l *listener) { l.timeout = d }
}

// NewTxListener builds a TxListener over client, defaulting to a 2s poll
// interval and a 2 minute timeout.
func NewTxListener(client *ethclient.Client, opts ...Option) TxListener {
	l := &listener{
		client:       client,
		pollInterval: 2 * time.Second,
		timeout:      2 * time.Minute,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *listener) WaitForTransaction(txHash common.Hash) (*triarbtypes.TxReceipt, error) {
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	return l.WaitForTransactionCtx(ctx, txHash)
}

func (l *listener) WaitForTransactionCtx(ctx context.Context, txHash common.Hash) (*triarbtypes.TxReceipt, error) {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := l.client.TransactionReceipt(ctx, txHash)
		if err == nil {
			return toTxReceipt(receipt), nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("fetch receipt for %s: %w", txHash.Hex(), err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timed out waiting for transaction %s: %w", txHash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func toTxReceipt(r *coretypes.Receipt) *triarbtypes.TxReceipt {
	logs := make([]triarbtypes.Log, 0, len(r.Logs))
	for _, l := range r.Logs {
		logs = append(logs, triarbtypes.Log{
			Address: l.Address,
			Topics:  l.Topics,
			Data:    l.Data,
			Index:   l.Index,
		})
	}

	status := "0x0"
	if r.Status == 1 {
		status = "0x1"
	}

	return &triarbtypes.TxReceipt{
		TxHash:            r.TxHash,
		BlockNumber:       "0x" + strconv.FormatUint(r.BlockNumber.Uint64(), 16),
		BlockHash:         r.BlockHash,
		GasUsed:           "0x" + strconv.FormatUint(r.GasUsed, 16),
		EffectiveGasPrice: "0x" + strconv.FormatUint(r.EffectiveGasPrice.Uint64(), 16),
		Status:            status,
		Logs:              logs,
	}
}
