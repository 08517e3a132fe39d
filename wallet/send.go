package wallet

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tarancss/custody/lib/block/types"
	"github.com/tarancss/custody/lib/metrics"
	"github.com/tarancss/custody/lib/store"
	"github.com/tarancss/custody/lib/util"
)

// SendTransaction transfers amount ether from the wallet of userID to address to. Every validation and the balance
// check happen before anything is stored. Submissions from one wallet are serialized so each gets the next nonce.
// It returns the stored transaction in pending status as soon as the network accepted it; the confirmation is
// followed in the background.
func (w *Wallet) SendTransaction(ctx context.Context, userID, to, amount string) (store.Transaction, error) {
	if userID == "" {
		return store.Transaction{}, ErrNoUser
	}

	if !w.bc.ValidAddress(to) {
		return store.Transaction{}, ErrInvalidAddress
	}

	value, err := util.ParseEther(amount)
	if err != nil || value.Sign() <= 0 {
		return store.Transaction{}, ErrInvalidAmount
	}

	rec, err := w.wallet(ctx, userID)
	if err != nil {
		return store.Transaction{}, err
	}

	key, err := w.vault.Decrypt(rec.EncryptedKey)
	if err != nil {
		w.log.Error("cannot decrypt wallet key", zap.String("address", rec.Address), zap.Error(err))

		return store.Transaction{}, fmt.Errorf("%w: %w", ErrCorruptKeyStore, err)
	}
	defer wipe(key)

	unlock, err := w.locks.Lock(ctx, rec.Address)
	if err != nil {
		return store.Transaction{}, err
	}
	defer unlock()

	// the cache may be stale by up to its ttl, a send always checks the chain
	bal, err := w.bc.Balance(ctx, rec.Address)
	if err != nil {
		return store.Transaction{}, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	if bal.Cmp(value) < 0 {
		metrics.Sends.WithLabelValues(metrics.SendRejected).Inc()

		return store.Transaction{}, ErrInsufficientFunds
	}

	nonce, err := w.bc.PendingNonce(ctx, rec.Address)
	if err != nil {
		return store.Transaction{}, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	tx := store.Transaction{
		WalletID:  rec.ID,
		Direction: store.Send,
		From:      rec.Address,
		To:        to,
		Amount:    util.WeiToEther(value),
		Status:    store.Pending,
		Nonce:     &nonce,
	}
	if err = w.db.InsertTransaction(ctx, &tx); err != nil {
		return store.Transaction{}, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	// no cancellation from here on: once broadcast the transaction exists on chain
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opTimeout)
	defer cancel()

	log := w.log.With(zap.String("address", rec.Address), zap.String("tx_id", tx.ID), zap.Uint64("nonce", nonce))

	hash, err := w.bc.Send(bctx, key, to, value, nonce)
	if err != nil {
		metrics.Sends.WithLabelValues(metrics.SendFailed).Inc()
		log.Warn("broadcast failed", zap.Error(err))

		if _, aerr := w.db.AbortTransaction(bctx, tx.ID); aerr != nil {
			log.Error("cannot fail transaction", zap.Error(aerr))
		}

		if errors.Is(err, types.ErrUnavailable) {
			return store.Transaction{}, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
		}

		return store.Transaction{}, fmt.Errorf("%w: %v", ErrBroadcast, err)
	}

	tx.TxHash = hash
	if err = w.db.SetTxHash(bctx, tx.ID, hash); err != nil {
		// the watcher still settles the transaction, keyed by id
		log.Error("cannot store transaction hash", zap.String("tx_hash", hash), zap.Error(err))
	}

	metrics.Sends.WithLabelValues(metrics.SendBroadcast).Inc()
	log.Info("transaction broadcast", zap.String("tx_hash", hash), zap.String("to", to),
		zap.String("amount", tx.Amount.String()))

	w.invalidate(bctx, rec.Address)
	w.publish(tx)
	w.watch(tx)

	return tx, nil
}
