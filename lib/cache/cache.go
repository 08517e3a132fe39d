// Package cache defines the short lived key/value cache used for balances.
package cache

import (
	"context"
	"errors"
	"time"
)

// Cache is a string key/value store with expiry.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Close() error
}

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// BalanceKey returns the cache key holding the balance of address.
func BalanceKey(address string) string {
	return "wallet:balance:" + address
}
