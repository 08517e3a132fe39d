// Package redis implements the cache interface on Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tarancss/custody/lib/cache"
	"github.com/tarancss/custody/lib/config"
)

// Redis implements a cache connection.
type Redis struct {
	rdb redis.UniversalClient
}

// Connect opens a client and checks the server answers.
func Connect(ctx context.Context, cfg config.RedisConfig) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  time.Second,
		ReadTimeout:  400 * time.Millisecond,
		WriteTimeout: 400 * time.Millisecond,
		OnConnect: func(ctx context.Context, cn *redis.Conn) error {
			_ = cn.ClientSetName(ctx, "custody").Err()
			return nil
		},
	})

	// health check
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()

		return nil, fmt.Errorf("cannot connect to redis at %s: %w", cfg.Addr, err)
	}

	return &Redis{rdb: rdb}, nil
}

// New wraps an existing client.
func New(rdb redis.UniversalClient) *Redis {
	return &Redis{rdb: rdb}
}

// Get returns the value of key or cache.ErrMiss.
func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", cache.ErrMiss
	}

	if err != nil {
		return "", fmt.Errorf("redis get %s: %w", key, err)
	}

	return v, nil
}

// Set stores value under key for ttl.
func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}

	return nil
}

// Del removes key. Removing a missing key is not an error.
func (r *Redis) Del(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}

	return nil
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.rdb.Close()
}
