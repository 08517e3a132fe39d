// Package store defines the interface for database implementations to the wallet and reconciler microservices.
package store

import (
	"context"
	"errors"
)

// DB defines required methods for wallets and their transactions. Uniqueness of Wallet.UserID, Wallet.Address and of
// every non-empty Transaction.TxHash is enforced by the database itself, so concurrent writers race safely.
type DB interface {
	// wallets
	CreateWallet(ctx context.Context, w *Wallet) error
	WalletByUser(ctx context.Context, userID string) (Wallet, error)
	WalletByAddress(ctx context.Context, address string) (Wallet, error)
	Wallets(ctx context.Context) ([]Wallet, error)
	// transactions
	InsertTransaction(ctx context.Context, t *Transaction) error
	SetTxHash(ctx context.Context, id, hash string) error
	FinishTransaction(ctx context.Context, id string, status Status, c *Confirmation) (bool, error)
	AbortTransaction(ctx context.Context, id string) (bool, error)
	Transactions(ctx context.Context, walletID string, limit int) ([]Transaction, error)
	TransactionByHash(ctx context.Context, hash string) (Transaction, error)
	KnownHashes(ctx context.Context, walletID string) (map[string]struct{}, error)
	Close() error
}

// Errors returned
var (
	ErrNotFound      = errors.New("data was not found in store")
	ErrConflict      = errors.New("wallet already exists")
	ErrDuplicate     = errors.New("transaction hash already stored")
	ErrBadStatus     = errors.New("not a terminal transaction status")
	ErrHashImmutable = errors.New("transaction hash already set")
)
