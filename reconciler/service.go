package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tarancss/custody/lib/msg"
	"github.com/tarancss/custody/lib/store"
)

const passTimeout = time.Minute

// ManageRequests starts a go routine to receive and process the sync requests published to the broker for the
// reconciler's network. Every request is acknowledged once processed, whatever its outcome. The returned channel is
// closed when the routine ends.
func (r *Reconciler) ManageRequests() (<-chan struct{}, error) {
	if r.mb == nil {
		return nil, errors.New("reconciler: no message broker")
	}

	mut := new(sync.Mutex)
	mut.Lock()

	reqCh, errCh, err := r.mb.GetSyncRequests(r.net, mut)
	if err != nil {
		return nil, fmt.Errorf("reconciler: cannot get requests: %w", err)
	}

	done := make(chan struct{})

	// launch request channel reader
	go func() {
		defer close(done)

		r.log.Info("start listening to sync requests", zap.String("net", r.net))

		for {
			select {
			case req, ok := <-reqCh:
				if !ok {
					r.log.Info("sync request channel closed", zap.String("net", r.net))

					return
				}

				r.handle(req)
				mut.Unlock()
			case err, ok := <-errCh:
				if !ok {
					errCh = nil

					continue
				}

				r.log.Warn("sync request error", zap.String("net", r.net), zap.Error(err))
			case <-r.stop:
				r.log.Info("stop listening to sync requests", zap.String("net", r.net))

				return
			}
		}
	}()

	return done, nil
}

// handle processes one sync request.
func (r *Reconciler) handle(req msg.SyncReq) {
	log := r.log.With(zap.String("address", req.Address), zap.String("reason", req.Reason))

	if req.Net != r.net || req.Address == "" {
		log.Warn("ignoring sync request", zap.String("req_net", req.Net))

		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), passTimeout)
	defer cancel()

	res, err := r.SyncAddress(ctx, req.Address)

	switch {
	case errors.Is(err, store.ErrNotFound):
		log.Debug("sync request for an address without wallet")
	case err != nil:
		log.Warn("sync request failed", zap.Error(err))
	default:
		log.Info("sync request processed", zap.Int("new", res.New), zap.Int("incoming", res.TotalIncoming))
	}
}

// Run sweeps every wallet once per interval until ctx is done or Stop is called. The first sweep starts at once.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.log.Info("starting reconciliation sweeps", zap.Duration("interval", interval))

	for {
		r.Sweep(ctx)

		select {
		case <-ticker.C:
		case <-r.stop:
			r.log.Info("stopping reconciliation sweeps")

			return
		case <-ctx.Done():
			r.log.Info("context cancelled, stopping reconciliation sweeps")

			return
		}
	}
}

// Sweep reconciles every wallet of the store, returning the number of new transactions.
func (r *Reconciler) Sweep(ctx context.Context) int {
	ws, err := r.db.Wallets(ctx)
	if err != nil {
		r.log.Error("cannot list wallets", zap.Error(err))

		return 0
	}

	total := 0

	for _, w := range ws {
		select {
		case <-r.stop:
			return total
		case <-ctx.Done():
			return total
		default:
		}

		pctx, cancel := context.WithTimeout(ctx, passTimeout)
		res, err := r.SyncWallet(pctx, w)
		cancel()

		if err != nil {
			r.log.Warn("reconciliation failed", zap.String("address", w.Address), zap.Error(err))

			continue
		}

		total += res.New
	}

	if total > 0 {
		r.log.Info("sweep done", zap.Int("wallets", len(ws)), zap.Int("new", total))
	}

	return total
}
