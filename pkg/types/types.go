// Package types holds the small set of wire-level types shared between the
// contract client, the tx listener, the executor and util. They stay
// decoupled from go-ethereum's core/types structs; numeric receipt fields
// are 0x-prefixed hex strings the way a JSON-RPC response hands them back.
package types

import "github.com/ethereum/go-ethereum/common"

// TxType selects the fee model used when a transaction is built.
type TxType int

const (
	// Standard is a legacy/EIP-1559 transaction priced from the gateway's
	// current base fee and the route's priority-fee schedule.
	Standard TxType = iota
	// Boosted repeats a prior attempt with a higher priority fee, used by
	// the executor's single timeout retry.
	Boosted
)

func (t TxType) String() string {
	switch t {
	case Standard:
		return "standard"
	case Boosted:
		return "boosted"
	default:
		return "unknown"
	}
}

// TxReceipt mirrors the fields callers pull out of an eth_getTransactionReceipt
// response. Numeric fields are kept as 0x-prefixed hex strings, matching the
// shape txlistener builds, so callers decide how to parse them.
type TxReceipt struct {
	TxHash            common.Hash
	BlockNumber       string
	BlockHash         common.Hash
	GasUsed           string
	EffectiveGasPrice string
	Status            string // "0x1" success, "0x0" failure
	Logs              []Log
}

// Log is a decoded-address, raw-topics view of a single receipt log entry.
type Log struct {
	Address common.Address
	Topics  []common.Hash
	Data    []byte
	Index   uint
}
