package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces every key written by RedisCache.
const DefaultKeyPrefix = "tenantgate:cache:"

// DefaultOpTimeout bounds each Redis round trip. The cache sits on the tenant
// resolution path, so a slow Redis must cost a miss rather than a stall.
const DefaultOpTimeout = 250 * time.Millisecond

// RedisCache is the shared tier: every instance reads the memo entries the
// others wrote.
type RedisCache struct {
	client    *redis.Client
	prefix    string
	opTimeout time.Duration
}

// NewRedisCache creates a Redis cache on an existing client. The client is
// owned by the caller and is not closed by Close.
func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisCache{client: client, prefix: prefix, opTimeout: DefaultOpTimeout}
}

// WithOpTimeout overrides the per-call timeout. Zero disables it.
func (c *RedisCache) WithOpTimeout(d time.Duration) *RedisCache {
	c.opTimeout = d
	return c
}

func (c *RedisCache) key(k string) string {
	return c.prefix + k
}

func (c *RedisCache) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.opTimeout)
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	val, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.client.Set(ctx, c.key(key), value, ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.client.Del(ctx, c.key(key)).Err()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error { return nil }
