package wallet

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/tarancss/custody/lib/block"
	"github.com/tarancss/custody/lib/block/types"
	"github.com/tarancss/custody/lib/metrics"
	"github.com/tarancss/custody/lib/msg"
	"github.com/tarancss/custody/lib/store"
)

// watch follows a broadcast transaction until it is mined, the wait times out or the service stops.
func (w *Wallet) watch(tx store.Transaction) {
	w.tasks.Go("watch", func(ctx context.Context) error {
		metrics.Watching.Inc()
		defer metrics.Watching.Dec()

		wctx, cancel := context.WithTimeout(ctx, w.opts.ConfirmTimeout)
		defer cancel()

		r, err := block.WaitMined(wctx, w.bc, tx.TxHash, w.opts.PollInterval)
		if err != nil {
			if ctx.Err() != nil {
				// shutting down, the transaction stays pending for a later sync
				w.log.Info("confirmation wait interrupted", zap.String("tx_hash", tx.TxHash))

				return nil
			}

			w.settle(tx, store.Failed, nil)

			return fmt.Errorf("confirmation of %s: %w", tx.TxHash, err)
		}

		w.settleReceipt(tx, r)

		return nil
	}, zap.String("tx_hash", tx.TxHash))
}

// settleReceipt applies a mined receipt to tx. A successful transfer also refreshes the recipient.
func (w *Wallet) settleReceipt(tx store.Transaction, r *types.Receipt) store.Transaction {
	c := &store.Confirmation{
		BlockNumber: r.BlockNumber,
		GasUsed:     strconv.FormatUint(r.GasUsed, 10),
	}
	if r.GasPrice != nil {
		c.GasPrice = r.GasPrice.String()
	}

	status := store.Failed
	if r.Status == types.TrxSuccess {
		status = store.Completed
	}

	tx, changed := w.settle(tx, status, c)
	if changed && status == store.Completed && tx.Direction == store.Send {
		w.dispatchSync(tx.To, msg.ReasonConfirmed)
	}

	return tx
}

// settle moves tx to a terminal status. It reports whether this call made the transition.
func (w *Wallet) settle(tx store.Transaction, status store.Status, c *store.Confirmation) (store.Transaction, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	log := w.log.With(zap.String("tx_hash", tx.TxHash), zap.String("tx_id", tx.ID))

	changed, err := w.db.FinishTransaction(ctx, tx.ID, status, c)
	if err != nil {
		log.Error("cannot settle transaction", zap.String("status", string(status)), zap.Error(err))

		return tx, false
	}

	if !changed {
		log.Debug("transaction already settled")

		return tx, false
	}

	metrics.Confirmations.WithLabelValues(string(status)).Inc()
	log.Info("transaction settled", zap.String("status", string(status)))

	tx.Status = status
	if c != nil {
		bn := c.BlockNumber
		tx.BlockNumber, tx.GasUsed, tx.GasPrice = &bn, c.GasUsed, c.GasPrice
	}

	w.invalidate(ctx, tx.From)
	w.publish(tx)

	return tx, true
}
