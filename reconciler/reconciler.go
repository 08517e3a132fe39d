// Package reconciler implements the chain reconciler. It backfills the transfers received by custodied wallets that
// were not originated by this system, scanning the wallet's history at an external ledger-history provider.
//
// A pass is idempotent: hashes already stored are skipped and a unique violation raised by a concurrent pass is
// treated as success. The reconciler runs inside the wallet service (triggered after wallet creation and after a
// confirmed send) or as its own service (cmd/reconciler) consuming sync requests from the message broker and
// sweeping every wallet periodically.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tarancss/custody/lib/cache"
	"github.com/tarancss/custody/lib/history"
	"github.com/tarancss/custody/lib/metrics"
	"github.com/tarancss/custody/lib/msg"
	"github.com/tarancss/custody/lib/store"
	"github.com/tarancss/custody/lib/util"
)

// History lists the transactions of an address, see package lib/history.
type History interface {
	Transactions(ctx context.Context, address string) ([]history.Entry, error)
}

// Result summarizes a reconciliation pass.
type Result struct {
	WalletID      string `json:"walletId"`
	Address       string `json:"address"`
	New           int    `json:"newTransactions"`
	TotalIncoming int    `json:"totalIncoming"`
}

// Reconciler implements the reconciliation of one network.
type Reconciler struct {
	db    store.DB
	h     History
	cache cache.Cache   // optional, balances are invalidated when something new arrives
	mb    msg.MsgBroker // optional, used to publish receive events and consume sync requests
	net   string
	log   *zap.Logger

	stop chan struct{}
	once sync.Once
}

// New instantiates a new reconciler for network net.
func New(db store.DB, h History, c cache.Cache, mb msg.MsgBroker, net string, log *zap.Logger) *Reconciler {
	return &Reconciler{db: db, h: h, cache: c, mb: mb, net: net, log: log, stop: make(chan struct{})}
}

// SyncUser reconciles the wallet of userID.
func (r *Reconciler) SyncUser(ctx context.Context, userID string) (Result, error) {
	w, err := r.db.WalletByUser(ctx, userID)
	if err != nil {
		return Result{}, fmt.Errorf("reconciler: wallet of %s: %w", userID, err)
	}

	return r.SyncWallet(ctx, w)
}

// SyncAddress reconciles the wallet holding address. The lookup tries an exact match before ignoring case. It
// returns store.ErrNotFound for addresses that are not custodied here.
func (r *Reconciler) SyncAddress(ctx context.Context, address string) (Result, error) {
	w, err := r.db.WalletByAddress(ctx, address)
	if err != nil {
		return Result{}, fmt.Errorf("reconciler: wallet at %s: %w", address, err)
	}

	return r.SyncWallet(ctx, w)
}

// SyncWallet inserts a completed receive for every incoming transfer of w unknown to the store.
func (r *Reconciler) SyncWallet(ctx context.Context, w store.Wallet) (Result, error) {
	res := Result{WalletID: w.ID, Address: w.Address}
	log := r.log.With(zap.String("address", w.Address))

	known, err := r.db.KnownHashes(ctx, w.ID)
	if err != nil {
		metrics.ReconcileErrors.Inc()

		return res, fmt.Errorf("reconciler: known hashes: %w", err)
	}

	seen := make(map[string]struct{}, len(known))
	for h := range known {
		seen[strings.ToLower(h)] = struct{}{}
	}

	entries, err := r.h.Transactions(ctx, w.Address)
	if err != nil {
		metrics.ReconcileErrors.Inc()

		return res, fmt.Errorf("reconciler: history of %s: %w", w.Address, err)
	}

	for _, e := range entries {
		if !incoming(w.Address, e) {
			continue
		}

		res.TotalIncoming++

		if _, ok := seen[strings.ToLower(e.Hash)]; ok {
			continue
		}

		bn, nonce := e.BlockNumber, e.Nonce
		tx := store.Transaction{
			WalletID:    w.ID,
			Direction:   store.Receive,
			From:        e.From,
			To:          e.To,
			Amount:      util.WeiToEther(e.Value),
			TxHash:      e.Hash,
			Status:      store.Completed,
			BlockNumber: &bn,
			GasUsed:     e.GasUsed,
			GasPrice:    e.GasPrice,
			Nonce:       &nonce,
		}

		err = r.db.InsertTransaction(ctx, &tx)
		if errors.Is(err, store.ErrDuplicate) {
			// inserted by a concurrent pass
			seen[strings.ToLower(e.Hash)] = struct{}{}

			continue
		}

		if err != nil {
			metrics.ReconcileErrors.Inc()

			return res, fmt.Errorf("reconciler: insert %s: %w", e.Hash, err)
		}

		seen[strings.ToLower(e.Hash)] = struct{}{}
		res.New++

		metrics.Reconciled.Inc()
		log.Info("incoming transaction stored", zap.String("tx_hash", e.Hash), zap.String("amount",
			tx.Amount.String()))
		r.publish(tx)
	}

	if res.New > 0 && r.cache != nil {
		if err = r.cache.Del(ctx, cache.BalanceKey(w.Address)); err != nil {
			log.Warn("cannot invalidate balance", zap.Error(err))
		}
	}

	return res, nil
}

// incoming reports whether e is a successful transfer into address from someone else.
func incoming(address string, e history.Entry) bool {
	return store.SameAddress(e.To, address) && !store.SameAddress(e.From, address) && !e.IsError
}

func (r *Reconciler) publish(t store.Transaction) {
	if r.mb == nil {
		return
	}

	e := msg.TxEvent{
		Net:         r.net,
		Direction:   string(t.Direction),
		Hash:        t.TxHash,
		From:        t.From,
		To:          t.To,
		Amount:      t.Amount.String(),
		Status:      string(t.Status),
		BlockNumber: t.BlockNumber,
		TS:          time.Now().UTC(),
	}
	if err := r.mb.PublishTx(r.net, e); err != nil {
		r.log.Warn("cannot publish transaction event", zap.String("tx_hash", t.TxHash), zap.Error(err))
	}
}

// Stop ends ManageRequests and Run.
func (r *Reconciler) Stop() {
	r.once.Do(func() { close(r.stop) })
}
