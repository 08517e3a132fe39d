// Package types common blockchain types.
package types

import (
	"errors"
	"math/big"
)

// Transaction status constants as reported by a receipt.
const (
	TrxFailed  uint8 = 1
	TrxSuccess uint8 = 2
)

// Account is a freshly generated externally owned account. Key holds the raw private key and must be wiped by the
// caller once it has been encrypted.
type Account struct {
	Address string
	Key     []byte
}

// Receipt contains a simplified number of receipt fields for a mined transaction.
type Receipt struct {
	Hash        string   `json:"hash"`
	Status      uint8    `json:"status"`
	BlockNumber uint64   `json:"blockNumber"`
	GasUsed     uint64   `json:"gasUsed"`
	GasPrice    *big.Int `json:"gasPrice"`
}

// Error codes.
var (
	ErrNoReceipt   = errors.New("transaction receipt not available yet")
	ErrUnavailable = errors.New("chain provider unavailable")
	ErrBadKey      = errors.New("invalid private key")
	ErrBadAddress  = errors.New("invalid address")
	ErrBadHash     = errors.New("invalid transaction hash")
)
