// Package wallet implements the custodial wallet microservice.
//
// The service keeps one wallet per user. It generates the private key, keeps it encrypted by the key vault, submits
// value transfers signed with it and follows every broadcast transaction until it is mined. Incoming transfers made
// by third parties are discovered by the reconciler. A RESTful API is provided in rest.go.
package wallet

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tarancss/custody/lib/block"
	"github.com/tarancss/custody/lib/cache"
	"github.com/tarancss/custody/lib/msg"
	"github.com/tarancss/custody/lib/store"
	"github.com/tarancss/custody/lib/vault"
	"github.com/tarancss/custody/reconciler"
)

// Reconciler backfills incoming transfers of a wallet.
type Reconciler interface {
	SyncWallet(ctx context.Context, w store.Wallet) (reconciler.Result, error)
	SyncAddress(ctx context.Context, address string) (reconciler.Result, error)
}

// Options tune the service. Zero values take the defaults below.
type Options struct {
	BalanceTTL     time.Duration // balance cache expiry
	PollInterval   time.Duration // receipt polling period
	ConfirmTimeout time.Duration // bound of the confirmation wait
	BrokerDispatch bool          // send sync requests to the broker instead of reconciling in process
	ShutdownGrace  time.Duration // wait for background tasks on Stop
}

// Defaults.
const (
	DefaultBalanceTTL     = 30 * time.Second
	DefaultPollInterval   = 4 * time.Second
	DefaultConfirmTimeout = 10 * time.Minute
	DefaultShutdownGrace  = 10 * time.Second
	DefaultLimit          = 50
	opTimeout             = 30 * time.Second
)

func (o *Options) defaults() {
	if o.BalanceTTL <= 0 {
		o.BalanceTTL = DefaultBalanceTTL
	}

	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}

	if o.ConfirmTimeout <= 0 {
		o.ConfirmTimeout = DefaultConfirmTimeout
	}

	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = DefaultShutdownGrace
	}
}

// Wallet contains the data necessary to deliver the service
type Wallet struct {
	db    store.DB     // db connection
	cache cache.Cache  // balance cache
	bc    block.Chain  // chain client
	vault *vault.Vault // key vault
	rec   Reconciler
	mb    msg.MsgBroker // optional
	log   *zap.Logger
	opts  Options

	locks *addrLocks
	tasks *tasks

	s  *http.Server  // http server
	ss *http.Server  // https server
	sc chan struct{} // http server channel used for graceful shutdowns
}

// New returns a pointer to a new Wallet service. mb may be nil, in which case no events are published and
// reconciliation always runs in process.
func New(db store.DB, c cache.Cache, bc block.Chain, v *vault.Vault, rec Reconciler, mb msg.MsgBroker,
	log *zap.Logger, opts Options) *Wallet {
	opts.defaults()

	return &Wallet{
		db:    db,
		cache: c,
		bc:    bc,
		vault: v,
		rec:   rec,
		mb:    mb,
		log:   log,
		opts:  opts,
		locks: newAddrLocks(),
		tasks: newTasks(log),
		sc:    make(chan struct{}),
	}
}

// StopWallet shuts down the http servers implementing the RESTful API and waits for the background tasks. Closing
// the connections it was given is left to the caller.
func (w *Wallet) StopWallet() {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	// shutdown http servers
	if w.s != nil {
		if err := w.s.Shutdown(ctx); err != nil {
			w.log.Error("http server shutdown", zap.Error(err))
		}
	}

	if w.ss != nil {
		if err := w.ss.Shutdown(ctx); err != nil {
			w.log.Error("https server shutdown", zap.Error(err))
		}
	}

	select {
	case <-w.sc:
	default:
		close(w.sc) // indicate shutdowns have finished
	}

	w.tasks.stop(w.opts.ShutdownGrace)
	w.log.Info("wallet service stopped")
}

// publish sends a transaction event when a broker is configured. Failures are logged.
func (w *Wallet) publish(t store.Transaction) {
	if w.mb == nil {
		return
	}

	e := msg.TxEvent{
		Net:         w.bc.Network(),
		Direction:   string(t.Direction),
		Hash:        t.TxHash,
		From:        t.From,
		To:          t.To,
		Amount:      t.Amount.String(),
		Status:      string(t.Status),
		BlockNumber: t.BlockNumber,
		TS:          time.Now().UTC(),
	}
	if err := w.mb.PublishTx(e.Net, e); err != nil {
		w.log.Warn("cannot publish transaction event", zap.String("tx_hash", t.TxHash), zap.Error(err))
	}
}

// dispatchSync asks for a best-effort reconciliation of address, either through the broker or in process.
func (w *Wallet) dispatchSync(address, reason string) {
	if w.opts.BrokerDispatch && w.mb != nil {
		net := w.bc.Network()

		err := w.mb.SendSyncRequest(net, msg.SyncReq{Net: net, Address: address, Reason: reason})
		if err == nil {
			return
		}

		w.log.Warn("cannot send sync request, reconciling locally", zap.String("address", address), zap.Error(err))
	}

	if w.rec == nil {
		return
	}

	w.tasks.Go("reconcile", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()

		res, err := w.rec.SyncAddress(ctx, address)
		if errors.Is(err, store.ErrNotFound) {
			// not a custodied address
			return nil
		}

		if err != nil {
			return err
		}

		w.log.Debug("reconciled", zap.String("address", res.Address), zap.Int("new", res.New))

		return nil
	}, zap.String("address", address), zap.String("reason", reason))
}
