package wallet

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"go.uber.org/zap"

	"github.com/tarancss/custody/lib/cache"
	"github.com/tarancss/custody/lib/metrics"
	"github.com/tarancss/custody/lib/msg"
	"github.com/tarancss/custody/lib/store"
	"github.com/tarancss/custody/lib/util"
)

// Info is a wallet together with its balance in ether.
type Info struct {
	store.Wallet
	Balance string `json:"balance"`
}

// CreateWallet generates a new key for userID, stores it encrypted and returns the wallet with its current
// balance. The store rejects a second wallet for the same user with ErrConflict, concurrent calls included.
func (w *Wallet) CreateWallet(ctx context.Context, userID string) (Info, error) {
	if userID == "" {
		return Info{}, ErrNoUser
	}

	acc, err := w.bc.NewAccount()
	if err != nil {
		return Info{}, fmt.Errorf("cannot create account: %w", err)
	}
	defer wipe(acc.Key)

	bundle, err := w.vault.Encrypt(acc.Key)
	if err != nil {
		return Info{}, fmt.Errorf("cannot encrypt key: %w", err)
	}

	rec := store.Wallet{UserID: userID, Address: acc.Address, EncryptedKey: bundle, Network: w.bc.Network()}
	if err = w.db.CreateWallet(ctx, &rec); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return Info{}, ErrConflict
		}

		return Info{}, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	metrics.WalletsCreated.Inc()
	w.log.Info("wallet created", zap.String("user", userID), zap.String("address", rec.Address))

	info := Info{Wallet: rec, Balance: util.FormatEther(new(big.Int))}

	// the wallet exists from here on, a provider failure only leaves the balance at zero
	if bal, err := w.balance(ctx, rec.Address); err == nil {
		info.Balance = util.FormatEther(bal)
	} else {
		w.log.Warn("cannot read balance of new wallet", zap.String("address", rec.Address), zap.Error(err))
	}

	// funds sent before the account existed
	w.dispatchSync(rec.Address, msg.ReasonCreated)

	return info, nil
}

// GetWallet returns the wallet of userID with its balance. The balance is served from the cache when present.
func (w *Wallet) GetWallet(ctx context.Context, userID string) (Info, error) {
	rec, err := w.wallet(ctx, userID)
	if err != nil {
		return Info{}, err
	}

	bal, err := w.balance(ctx, rec.Address)
	if err != nil {
		return Info{}, err
	}

	return Info{Wallet: rec, Balance: util.FormatEther(bal)}, nil
}

// wallet loads the wallet of userID.
func (w *Wallet) wallet(ctx context.Context, userID string) (store.Wallet, error) {
	if userID == "" {
		return store.Wallet{}, ErrNoUser
	}

	rec, err := w.db.WalletByUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return rec, fmt.Errorf("wallet: %w", ErrNotFound)
	}

	if err != nil {
		return rec, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	return rec, nil
}

// balance returns the wei balance of address, from the cache when possible. Cache failures fall back to the chain.
func (w *Wallet) balance(ctx context.Context, address string) (*big.Int, error) {
	key := cache.BalanceKey(address)

	if w.cache != nil {
		v, err := w.cache.Get(ctx, key)
		switch {
		case err == nil:
			if bal, perr := util.ParseWei(v); perr == nil {
				metrics.BalanceCache.WithLabelValues(metrics.CacheHit).Inc()

				return bal, nil
			}

			w.log.Warn("bad cached balance", zap.String("address", address))
		case errors.Is(err, cache.ErrMiss):
			metrics.BalanceCache.WithLabelValues(metrics.CacheMiss).Inc()
		default:
			metrics.BalanceCache.WithLabelValues(metrics.CacheError).Inc()
			w.log.Warn("balance cache unavailable", zap.Error(err))
		}
	}

	bal, err := w.bc.Balance(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	if w.cache != nil {
		if err = w.cache.Set(ctx, key, bal.String(), w.opts.BalanceTTL); err != nil {
			w.log.Warn("cannot cache balance", zap.String("address", address), zap.Error(err))
		}
	}

	return bal, nil
}

// invalidate drops the cached balance of address.
func (w *Wallet) invalidate(ctx context.Context, address string) {
	if w.cache == nil {
		return
	}

	if err := w.cache.Del(ctx, cache.BalanceKey(address)); err != nil {
		w.log.Warn("cannot invalidate balance", zap.String("address", address), zap.Error(err))
	}
}

// wipe zeroes key material.
func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
