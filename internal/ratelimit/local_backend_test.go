package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalBackend_WindowReset(t *testing.T) {
	b := NewLocalBackend()
	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	for i := 1; i <= 3; i++ {
		c, err := b.Hit(ctx, "k", time.Minute, t0.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		assert.Equal(t, i, c.Count)
	}

	c, err := b.Hit(ctx, "k", time.Minute, t0.Add(61*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, c.Count)
	assert.Equal(t, t0.Add(61*time.Second), c.WindowStart)
}

func TestLocalBackend_ExactWindowBoundaryResets(t *testing.T) {
	b := NewLocalBackend()
	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	_, _ = b.Hit(ctx, "k", time.Minute, t0)
	c, _ := b.Hit(ctx, "k", time.Minute, t0.Add(time.Minute))
	assert.Equal(t, 1, c.Count)
}

func TestLocalBackend_ConcurrentHits(t *testing.T) {
	b := NewLocalBackend()
	ctx := context.Background()
	now := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = b.Hit(ctx, "shared", time.Minute, now)
		}()
	}
	wg.Wait()

	c, err := b.Hit(ctx, "shared", time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, 201, c.Count)
}

func TestLocalBackend_SweepHonoursWindow(t *testing.T) {
	b := NewLocalBackend()
	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	_, _ = b.Hit(ctx, "user:a@co.com", time.Minute, t0)
	_, _ = b.Hit(ctx, "forgot:ip:1.2.3.4", time.Hour, t0)
	require.Equal(t, 2, b.Len())

	// Ten minutes idle: the minute counter goes, the hour counter stays.
	assert.Equal(t, 1, b.Sweep(t0.Add(10*time.Minute)))
	assert.Equal(t, 1, b.Len())

	assert.Equal(t, 1, b.Sweep(t0.Add(3*time.Hour)))
	assert.Equal(t, 0, b.Len())
}

func TestLocalBackend_HitAfterSweepStartsFresh(t *testing.T) {
	b := NewLocalBackend()
	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	_, _ = b.Hit(ctx, "k", time.Minute, t0)
	_, _ = b.Hit(ctx, "k", time.Minute, t0)
	b.Sweep(t0.Add(5 * time.Minute))

	c, err := b.Hit(ctx, "k", time.Minute, t0.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, c.Count)
}
