package store

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Direction of a transaction relative to the owning wallet.
type Direction string

// Transaction directions.
const (
	Send    Direction = "send"
	Receive Direction = "receive"
)

// Status of a transaction. Transitions are pending to completed or pending to failed, never back.
type Status string

// Transaction statuses.
const (
	Pending   Status = "pending"
	Completed Status = "completed"
	Failed    Status = "failed"
)

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	return s == Completed || s == Failed
}

// Wallet contains the fields for a custodial wallet saved to DB. EncryptedKey is a vault bundle and never leaves the
// service.
type Wallet struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	Address      string    `json:"address"`
	EncryptedKey string    `json:"-"`
	Network      string    `json:"network"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Transaction contains the fields of a send or receive saved to DB. TxHash may be empty only for a send that has not
// been broadcast yet.
type Transaction struct {
	ID          string          `json:"id"`
	WalletID    string          `json:"walletId"`
	Direction   Direction       `json:"type"`
	From        string          `json:"fromAddress"`
	To          string          `json:"toAddress"`
	Amount      decimal.Decimal `json:"amount"`
	TxHash      string          `json:"txHash"`
	Status      Status          `json:"status"`
	BlockNumber *uint64         `json:"blockNumber"`
	GasUsed     string          `json:"gasUsed,omitempty"`
	GasPrice    string          `json:"gasPrice,omitempty"`
	Nonce       *uint64         `json:"nonce"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Confirmation holds the receipt fields written when a transaction reaches a terminal status.
type Confirmation struct {
	BlockNumber uint64
	GasUsed     string
	GasPrice    string
}

// SameAddress compares two hex addresses ignoring case.
func SameAddress(a, b string) bool {
	return strings.EqualFold(a, b)
}

// MaxLimit caps the number of transactions returned by DB.Transactions.
const MaxLimit = 500

// ClampLimit returns limit bounded to [1, MaxLimit], using def for non positive values.
func ClampLimit(limit, def int) int {
	if limit <= 0 {
		limit = def
	}

	if limit > MaxLimit {
		limit = MaxLimit
	}

	return limit
}
