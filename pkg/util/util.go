// Package util collects the small cross-cutting helpers every other package
// needs: ABI loading, hex conversion, gas-cost extraction from a receipt, and
// symmetric decryption of the signing key at boot.
package util

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"

	triarbtypes "github.com/hexbridge-labs/triarb/pkg/types"
)

// LoadABI parses a bare ABI JSON file (an array of ABI entries).
func LoadABI(path string) (abi.ABI, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return abi.ABI{}, fmt.Errorf("read abi file %s: %w", path, err)
	}
	parsed, err := abi.JSON(strings.NewReader(string(data)))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parse abi file %s: %w", path, err)
	}
	return parsed, nil
}

// hardhatArtifact is the subset of a Hardhat build artifact's JSON fields
// this engine cares about.
type hardhatArtifact struct {
	ABI json.RawMessage `json:"abi"`
}

// LoadABIFromHardhatArtifact extracts the ABI field from a Hardhat-style
// compiled artifact JSON file.
func LoadABIFromHardhatArtifact(path string) (abi.ABI, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return abi.ABI{}, fmt.Errorf("read artifact %s: %w", path, err)
	}

	var artifact hardhatArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return abi.ABI{}, fmt.Errorf("parse artifact %s: %w", path, err)
	}

	parsed, err := abi.JSON(strings.NewReader(string(artifact.ABI)))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parse artifact abi %s: %w", path, err)
	}
	return parsed, nil
}

// Hex2Bytes strips an optional "0x" prefix and decodes the remainder.
func Hex2Bytes(s string) []byte {
	s = strings.TrimPrefix(s, "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil
	}
	return b
}

// ExtractGasCost computes gasUsed * effectiveGasPrice in wei from a receipt.
func ExtractGasCost(receipt *triarbtypes.TxReceipt) (*big.Int, error) {
	gasUsed, ok := new(big.Int).SetString(strings.TrimPrefix(receipt.GasUsed, "0x"), 16)
	if !ok {
		return nil, fmt.Errorf("parse gasUsed %q", receipt.GasUsed)
	}
	gasPrice, ok := new(big.Int).SetString(strings.TrimPrefix(receipt.EffectiveGasPrice, "0x"), 16)
	if !ok {
		return nil, fmt.Errorf("parse effectiveGasPrice %q", receipt.EffectiveGasPrice)
	}
	return new(big.Int).Mul(gasUsed, gasPrice), nil
}

// Decrypt recovers the signing key from an AES-256-GCM-encrypted, hex-encoded
// blob, keyed off a passphrase the same way the boot sequence reads ENC_PK/KEY
// from the environment. The blob layout is nonce || ciphertext.
func Decrypt(key []byte, encryptedHex string) (*ecdsa.PrivateKey, error) {
	sum := sha256.Sum256(key)

	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, fmt.Errorf("build cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("build gcm: %w", err)
	}

	raw, err := hex.DecodeString(strings.TrimPrefix(encryptedHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(raw) < nonceSize {
		return nil, fmt.Errorf("ciphertext shorter than nonce size %d", nonceSize)
	}
	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]

	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt signing key: %w", err)
	}

	pk, err := crypto.ToECDSA(plain)
	if err != nil {
		return nil, fmt.Errorf("parse decrypted private key: %w", err)
	}
	return pk, nil
}
