package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/tarancss/custody/lib/block/types"
	"github.com/tarancss/custody/lib/store"
	"github.com/tarancss/custody/reconciler"
)

// GetTransactions returns the latest transactions of the wallet of userID, newest first. A non positive limit
// returns DefaultLimit transactions and limits above store.MaxLimit are capped.
func (w *Wallet) GetTransactions(ctx context.Context, userID string, limit int) ([]store.Transaction, error) {
	rec, err := w.wallet(ctx, userID)
	if err != nil {
		return nil, err
	}

	txs, err := w.db.Transactions(ctx, rec.ID, store.ClampLimit(limit, DefaultLimit))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	return txs, nil
}

// SyncTransaction settles a pending transaction of the wallet of userID from its receipt. Terminal transactions and
// transactions not mined yet are returned unchanged.
func (w *Wallet) SyncTransaction(ctx context.Context, userID, hash string) (store.Transaction, error) {
	rec, err := w.wallet(ctx, userID)
	if err != nil {
		return store.Transaction{}, err
	}

	tx, err := w.db.TransactionByHash(ctx, hash)
	if errors.Is(err, store.ErrNotFound) || (err == nil && tx.WalletID != rec.ID) {
		return store.Transaction{}, fmt.Errorf("transaction: %w", ErrNotFound)
	}

	if err != nil {
		return store.Transaction{}, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	if tx.Status.Terminal() {
		return tx, nil
	}

	r, err := w.bc.Receipt(ctx, hash)
	if errors.Is(err, types.ErrNoReceipt) {
		return tx, nil
	}

	if err != nil {
		return store.Transaction{}, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	settled := w.settleReceipt(tx, r)
	if !settled.Status.Terminal() {
		// settled concurrently by the watcher
		if cur, err := w.db.TransactionByHash(ctx, hash); err == nil {
			return cur, nil
		}
	}

	return settled, nil
}

// SyncIncoming backfills the transfers received by the wallet of userID.
func (w *Wallet) SyncIncoming(ctx context.Context, userID string) (reconciler.Result, error) {
	rec, err := w.wallet(ctx, userID)
	if err != nil {
		return reconciler.Result{}, err
	}

	if w.rec == nil {
		return reconciler.Result{}, fmt.Errorf("%w: reconciler not configured", ErrServiceUnavailable)
	}

	res, err := w.rec.SyncWallet(ctx, rec)
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	return res, nil
}
