// Package block defines the interface required for the chain connection used by the custody service.
package block

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/tarancss/custody/lib/block/ethereum"
	"github.com/tarancss/custody/lib/block/types"
	"github.com/tarancss/custody/lib/config"
)

// Chain is an interface that contains the methods the custody service needs from a chain RPC provider. All methods
// that reach the network take a context and return types.ErrUnavailable (wrapped) when the provider cannot be reached.
type Chain interface {
	Network() string
	Close()
	NewAccount() (types.Account, error)
	ValidAddress(address string) bool
	Balance(ctx context.Context, address string) (*big.Int, error)
	PendingNonce(ctx context.Context, address string) (uint64, error)
	Send(ctx context.Context, key []byte, to string, value *big.Int, nonce uint64) (hash string, err error)
	Receipt(ctx context.Context, hash string) (*types.Receipt, error)
}

// ErrUnknownNetwork is returned by Init for networks without a client.
var ErrUnknownNetwork = errors.New("blockchain interface not defined")

// ethereumNetworks lists the network labels served by the ethereum client.
var ethereumNetworks = map[string]bool{
	"mainnet": true,
	"sepolia": true,
	"holesky": true,
	"dev":     true,
}

// Init connects the chain client read from the config.
func Init(ctx context.Context, conf config.ChainConfig) (Chain, error) {
	if !ethereumNetworks[conf.Network] {
		return nil, fmt.Errorf("%w for %s", ErrUnknownNetwork, conf.Network)
	}

	return ethereum.Init(ctx, conf.Network, conf.Node, conf.ChainID)
}

// WaitMined polls the chain every interval until the receipt for hash is available. It returns when a receipt is
// found or ctx is done. Transient provider errors are retried until ctx expires.
func WaitMined(ctx context.Context, c Chain, hash string, interval time.Duration) (*types.Receipt, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastErr error

	for {
		r, err := c.Receipt(ctx, hash)
		switch {
		case err == nil:
			return r, nil
		case errors.Is(err, types.ErrNoReceipt), errors.Is(err, types.ErrUnavailable):
			lastErr = err
		default:
			return nil, err
		}

		select {
		case <-ctx.Done():
			if lastErr != nil && !errors.Is(lastErr, types.ErrNoReceipt) {
				return nil, fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
			}

			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
