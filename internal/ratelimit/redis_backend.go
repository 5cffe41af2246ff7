package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript atomically advances a fixed-window counter.
//
// Keys: KEYS[1] = counter key
// Args: ARGV[1] = now (unix ms), ARGV[2] = window (ms), ARGV[3] = ttl (ms)
// Returns: {count, window_start (unix ms)}
var fixedWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local state = redis.call("HMGET", key, "count", "start")
local count = tonumber(state[1])
local start = tonumber(state[2])

if count == nil or start == nil or now - start >= window then
    count = 1
    start = now
else
    count = count + 1
end

redis.call("HSET", key, "count", count, "start", start)
redis.call("PEXPIRE", key, ttl)

return {count, start}
`)

// RedisBackend shares counters between instances through Redis. Idle
// counters expire after twice their window.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend creates a new Redis-backed rate limiting backend.
func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{
		client: client,
		prefix: "tenantgate:rl:",
	}
}

func (b *RedisBackend) Hit(ctx context.Context, key string, window time.Duration, now time.Time) (Counter, error) {
	result, err := fixedWindowScript.Run(ctx, b.client, []string{b.prefix + key},
		now.UnixMilli(), window.Milliseconds(), (2 * window).Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Counter{}, fmt.Errorf("redis rate limit hit: %w", err)
	}
	if len(result) != 2 {
		return Counter{}, fmt.Errorf("unexpected result length: %d", len(result))
	}
	return Counter{
		Count:       int(result[0]),
		WindowStart: time.UnixMilli(result[1]),
	}, nil
}
