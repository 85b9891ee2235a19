// Package redis backs the Idempotency-Key claim of POST /api/purchase. A key
// is claimed with SETNX before the purchase runs, so a retried or duplicated
// request cannot buy twice.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long a finished response is replayed.
	DefaultTTL = 24 * time.Hour
	// DefaultPendingTTL bounds how long a claim outlives a crashed request.
	DefaultPendingTTL = time.Minute

	defaultPrefix = "vending:idem:"
)

// IdempotencyCache implements api.IdempotencyStore on Redis.
type IdempotencyCache struct {
	rdb        goredis.Cmdable
	ttl        time.Duration
	pendingTTL time.Duration
	prefix     string
}

// Connect dials addr and pings it.
func Connect(ctx context.Context, addr string) (*goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr: addr,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return rdb, nil
}

// NewIdempotencyCache wraps a client. ttl <= 0 uses DefaultTTL.
func NewIdempotencyCache(rdb goredis.Cmdable, ttl time.Duration) *IdempotencyCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &IdempotencyCache{rdb: rdb, ttl: ttl, pendingTTL: DefaultPendingTTL, prefix: defaultPrefix}
}

// Reserve claims key with SETNX. The claim expires after DefaultPendingTTL
// unless Set replaces it.
func (c *IdempotencyCache) Reserve(ctx context.Context, key string, value []byte) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, c.prefix+key, value, c.pendingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency reserve: %w", err)
	}
	return ok, nil
}

// Get returns the value stored for key, if any.
func (c *IdempotencyCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := c.rdb.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("idempotency get: %w", err)
	}
	return raw, true, nil
}

// Set stores the final value for key with the full TTL.
func (c *IdempotencyCache) Set(ctx context.Context, key string, value []byte) error {
	if err := c.rdb.Set(ctx, c.prefix+key, value, c.ttl).Err(); err != nil {
		return fmt.Errorf("idempotency set: %w", err)
	}
	return nil
}

// Delete releases key.
func (c *IdempotencyCache) Delete(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, c.prefix+key).Err(); err != nil {
		return fmt.Errorf("idempotency delete: %w", err)
	}
	return nil
}
