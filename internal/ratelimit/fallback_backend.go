package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oriys/tenantgate/internal/logging"
)

// FallbackBackend wraps a primary Backend (typically Redis) with an in-memory
// fallback. When the primary returns an error it degrades to local counters
// and periodically probes the primary to restore shared counting.
type FallbackBackend struct {
	primary       Backend
	local         *LocalBackend
	degraded      atomic.Bool
	probeMu       sync.Mutex
	lastProbeTime atomic.Value // time.Time
}

// NewFallbackBackend creates a rate-limit backend that falls back to local
// counters when the primary backend is unavailable.
func NewFallbackBackend(primary Backend) *FallbackBackend {
	fb := &FallbackBackend{
		primary: primary,
		local:   NewLocalBackend(),
	}
	fb.lastProbeTime.Store(time.Time{})
	return fb
}

// probeInterval is the minimum time between health probes of the primary backend.
const probeInterval = 5 * time.Second

func (f *FallbackBackend) Hit(ctx context.Context, key string, window time.Duration, now time.Time) (Counter, error) {
	if f.degraded.Load() {
		if last, ok := f.lastProbeTime.Load().(time.Time); ok && time.Since(last) > probeInterval {
			go f.probeAndRecover(context.WithoutCancel(ctx))
		}
		return f.local.Hit(ctx, key, window, now)
	}

	c, err := f.primary.Hit(ctx, key, window, now)
	if err != nil {
		logging.Op().Warn("rate-limit primary backend error, degrading to local", "error", err)
		f.degraded.Store(true)
		f.lastProbeTime.Store(time.Now())
		return f.local.Hit(ctx, key, window, now)
	}
	return c, nil
}

func (f *FallbackBackend) probeAndRecover(ctx context.Context) {
	if !f.probeMu.TryLock() {
		return
	}
	defer f.probeMu.Unlock()

	f.lastProbeTime.Store(time.Now())

	if _, err := f.primary.Hit(ctx, "probe:health", time.Second, time.Now()); err == nil {
		logging.Op().Info("rate-limit primary backend recovered, resuming shared counters")
		f.degraded.Store(false)
	}
}

// Degraded reports whether the backend is currently using local counters.
func (f *FallbackBackend) Degraded() bool {
	return f.degraded.Load()
}

// Sweep implements Sweeper for the local fallback counters.
func (f *FallbackBackend) Sweep(now time.Time) int {
	return f.local.Sweep(now)
}

// Len implements Sweeper.
func (f *FallbackBackend) Len() int {
	return f.local.Len()
}
