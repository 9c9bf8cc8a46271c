// Package contractclient wraps a single on-chain contract (address + ABI)
// behind a small Call/Sign/decode surface so the rest of the engine never
// touches go-ethereum's bind package directly.
package contractclient

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	triarbtypes "github.com/hexbridge-labs/triarb/pkg/types"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ContractClient is the interface the rest of the engine programs against.
// Every pool, the quoter, the settlement contract, and every ERC20 are all
// just a ContractClient bound to a different address/ABI pair.
type ContractClient interface {
	// Call invokes a view function and returns its ABI-unpacked outputs.
	Call(from *common.Address, method string, args ...interface{}) ([]interface{}, error)
	// Sign builds and signs a state-changing call using the caller-supplied
	// nonce and EIP-1559 fee caps, without broadcasting it — submission
	// routing (public mempool, private relay, or both) is the caller's job.
	Sign(ctx context.Context, gasLimit, maxFeePerGas, priorityFee *big.Int, nonce uint64, pk *ecdsa.PrivateKey, method string, args ...interface{}) (*coretypes.Transaction, error)
	// ContractAddress returns the address this client is bound to.
	ContractAddress() common.Address
	// Abi exposes the raw ABI for packing calls the Sign helper doesn't cover
	// (e.g. multicall payloads).
	Abi() abi.ABI
	// ParseReceipt decodes every log in receipt that matches this contract's
	// ABI into a JSON array of {EventName, Parameter} objects.
	ParseReceipt(receipt *triarbtypes.TxReceipt) (string, error)
	// DecodeTransaction decodes a raw calldata blob against this contract's ABI.
	DecodeTransaction(data []byte) (*DecodedCall, error)
	// TransactionData fetches the calldata of a previously-submitted transaction.
	TransactionData(txHash common.Hash) ([]byte, error)
}

// DecodedCall is the result of decoding a transaction's calldata.
type DecodedCall struct {
	MethodName string                 `json:"methodName"`
	Parameter  map[string]interface{} `json:"parameter"`
}

type client struct {
	eth     *ethclient.Client
	address common.Address
	abi     abi.ABI
	chainID *big.Int
}

// NewContractClient binds eth to a single contract address/ABI pair.
func NewContractClient(eth *ethclient.Client, address common.Address, contractAbi abi.ABI) ContractClient {
	return &client{eth: eth, address: address, abi: contractAbi}
}

func (c *client) ContractAddress() common.Address { return c.address }

func (c *client) Abi() abi.ABI { return c.abi }

func (c *client) Call(from *common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()

	msg := ethereum.CallMsg{To: &c.address, Data: data}
	if from != nil {
		msg.From = *from
	}

	out, err := c.eth.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}

	outputs, err := c.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return outputs, nil
}

func (c *client) Sign(
	ctx context.Context,
	gasLimit *big.Int,
	maxFeePerGas, priorityFee *big.Int,
	nonce uint64,
	pk *ecdsa.PrivateKey,
	method string,
	args ...interface{},
) (*coretypes.Transaction, error) {
	if pk == nil {
		return nil, fmt.Errorf("sign %s: no signing key configured", method)
	}
	if gasLimit == nil || maxFeePerGas == nil || priorityFee == nil {
		return nil, fmt.Errorf("sign %s: gas limit and fee caps must be supplied by the caller", method)
	}

	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	if c.chainID == nil {
		id, err := c.eth.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("chain id: %w", err)
		}
		c.chainID = id
	}

	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: priorityFee,
		GasFeeCap: maxFeePerGas,
		Gas:       gasLimit.Uint64(),
		To:        &c.address,
		Data:      data,
	})

	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(c.chainID), pk)
	if err != nil {
		return nil, fmt.Errorf("sign %s: %w", method, err)
	}

	return signed, nil
}

func (c *client) TransactionData(txHash common.Hash) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()

	tx, _, err := c.eth.TransactionByHash(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("fetch tx %s: %w", txHash.Hex(), err)
	}
	return tx.Data(), nil
}

func (c *client) DecodeTransaction(data []byte) (*DecodedCall, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("calldata too short: %d bytes", len(data))
	}

	method, err := c.abi.MethodById(data[:4])
	if err != nil {
		return nil, fmt.Errorf("lookup method selector: %w", err)
	}

	args := map[string]interface{}{}
	if err := method.Inputs.UnpackIntoMap(args, data[4:]); err != nil {
		return nil, fmt.Errorf("unpack %s inputs: %w", method.Name, err)
	}

	return &DecodedCall{MethodName: method.Name, Parameter: args}, nil
}

// ParseReceipt decodes every log this contract's ABI recognizes into a JSON
// array of {EventName, Parameter} objects, for the trade recorder to persist
// alongside a settled attempt.
func (c *client) ParseReceipt(receipt *triarbtypes.TxReceipt) (string, error) {
	type decodedEvent struct {
		EventName string                 `json:"EventName"`
		Parameter map[string]interface{} `json:"Parameter"`
	}

	var events []decodedEvent
	for _, log := range receipt.Logs {
		if log.Address != c.address || len(log.Topics) == 0 {
			continue
		}

		event, err := c.abi.EventByID(log.Topics[0])
		if err != nil {
			continue // not an event this ABI declares; skip rather than fail the whole receipt
		}

		params := map[string]interface{}{}
		if len(log.Data) > 0 {
			if err := event.Inputs.UnpackIntoMap(params, log.Data); err != nil {
				return "", fmt.Errorf("unpack event %s: %w", event.Name, err)
			}
		}
		indexed := abi.Arguments{}
		for _, in := range event.Inputs {
			if in.Indexed {
				indexed = append(indexed, in)
			}
		}
		if len(indexed) > 0 {
			if err := abi.ParseTopicsIntoMap(params, indexed, log.Topics[1:]); err != nil {
				return "", fmt.Errorf("unpack indexed args for %s: %w", event.Name, err)
			}
		}

		events = append(events, decodedEvent{EventName: event.Name, Parameter: params})
	}

	out, err := json.Marshal(events)
	if err != nil {
		return "", fmt.Errorf("marshal parsed receipt: %w", err)
	}
	return string(out), nil
}

// PrivateKeyToAddress is a small convenience for deriving the wallet address
// from the decrypted signing key.
func PrivateKeyToAddress(pk *ecdsa.PrivateKey) (common.Address, error) {
	pub, ok := pk.Public().(*ecdsa.PublicKey)
	if !ok {
		return common.Address{}, fmt.Errorf("public key is not ECDSA")
	}
	return crypto.PubkeyToAddress(*pub), nil
}
