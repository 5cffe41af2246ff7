package ratelimit

import (
	"context"
	"time"
)

// Counter is the state of a fixed-window counter right after a hit.
type Counter struct {
	Count       int
	WindowStart time.Time
}

// Backend stores fixed-window counters. Hit must atomically reset the counter
// to 1 when it is missing or its window has elapsed at now, and increment it
// otherwise.
type Backend interface {
	Hit(ctx context.Context, key string, window time.Duration, now time.Time) (Counter, error)
}

// Sweeper is implemented by backends that keep counters in process memory.
type Sweeper interface {
	// Sweep removes counters idle for more than twice their window and
	// returns how many were removed.
	Sweep(now time.Time) int
	Len() int
}
