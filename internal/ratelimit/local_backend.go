package ratelimit

import (
	"context"
	"sync"
	"time"
)

// LocalBackend keeps counters in process memory.
type LocalBackend struct {
	counters sync.Map // key -> *counter
}

type counter struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
	lastSeen    time.Time
	window      time.Duration
	dead        bool
}

// NewLocalBackend creates an empty in-memory backend.
func NewLocalBackend() *LocalBackend {
	return &LocalBackend{}
}

func (b *LocalBackend) Hit(_ context.Context, key string, window time.Duration, now time.Time) (Counter, error) {
	for {
		v, ok := b.counters.Load(key)
		if !ok {
			v, _ = b.counters.LoadOrStore(key, &counter{})
		}
		c := v.(*counter)

		c.mu.Lock()
		if c.dead {
			// Removed by a concurrent sweep; retry on a fresh counter.
			c.mu.Unlock()
			continue
		}
		if c.count == 0 || now.Sub(c.windowStart) >= window {
			c.count = 1
			c.windowStart = now
		} else {
			c.count++
		}
		c.window = window
		if now.After(c.lastSeen) {
			c.lastSeen = now
		}
		snap := Counter{Count: c.count, WindowStart: c.windowStart}
		c.mu.Unlock()
		return snap, nil
	}
}

// Sweep implements Sweeper.
func (b *LocalBackend) Sweep(now time.Time) int {
	removed := 0
	b.counters.Range(func(k, v any) bool {
		c := v.(*counter)
		c.mu.Lock()
		if c.count > 0 && now.Sub(c.lastSeen) > 2*c.window {
			c.dead = true
			b.counters.CompareAndDelete(k, c)
			removed++
		}
		c.mu.Unlock()
		return true
	})
	return removed
}

// Len implements Sweeper.
func (b *LocalBackend) Len() int {
	n := 0
	b.counters.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
