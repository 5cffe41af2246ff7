package cache

import (
	"context"
	"errors"
	"time"

	"github.com/oriys/tenantgate/internal/logging"
)

// TieredCache keeps a short-lived copy of shared entries in process memory.
// The shared tier is authoritative: local copies live at most localTTL, so an
// entry deleted by another instance disappears here soon after. When the
// shared tier fails, reads and writes degrade to the local copy.
type TieredCache struct {
	local    Cache
	shared   Cache
	localTTL time.Duration
}

// NewTieredCache creates a two-level cache. localTTL defaults to 10s.
func NewTieredCache(local, shared Cache, localTTL time.Duration) *TieredCache {
	if localTTL <= 0 {
		localTTL = 10 * time.Second
	}
	return &TieredCache{local: local, shared: shared, localTTL: localTTL}
}

func (t *TieredCache) Get(ctx context.Context, key string) ([]byte, error) {
	if val, err := t.local.Get(ctx, key); err == nil {
		return val, nil
	}

	val, err := t.shared.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		logging.Op().Warn("shared cache read failed, treating as miss", "key", key, "error", err)
		return nil, ErrNotFound
	}
	_ = t.local.Set(ctx, key, val, t.localTTL)
	return val, nil
}

// Set writes both tiers. The local copy is kept even when the shared write
// fails; the error is still returned.
func (t *TieredCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	localTTL := t.localTTL
	if ttl > 0 && ttl < localTTL {
		localTTL = ttl
	}
	_ = t.local.Set(ctx, key, value, localTTL)
	return t.shared.Set(ctx, key, value, ttl)
}

func (t *TieredCache) Delete(ctx context.Context, key string) error {
	_ = t.local.Delete(ctx, key)
	return t.shared.Delete(ctx, key)
}

// DeleteLocal evicts key from this instance only. It serves invalidations
// whose sender already removed the shared entry.
func (t *TieredCache) DeleteLocal(ctx context.Context, key string) error {
	return t.local.Delete(ctx, key)
}

func (t *TieredCache) Ping(ctx context.Context) error {
	if err := t.local.Ping(ctx); err != nil {
		return err
	}
	return t.shared.Ping(ctx)
}

func (t *TieredCache) Close() error {
	_ = t.local.Close()
	return t.shared.Close()
}
