package limiter

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBucket(t *testing.T, clock *fakeClock, buckets ...Bucket) *TokenBucket {
	t.Helper()
	cfg := &Config{StorageType: StorageMemory, Buckets: buckets}
	require.NoError(t, cfg.ValidateAndPrepare())
	return NewTokenBucket(cfg, NewMemoryStore(WithClock(clock.Now)))
}

func TestTokenBucket_ConsumeUpToCapacity(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	tb := newTestBucket(t, clock, Bucket{Category: "login", Capacity: 3, Period: 3})

	for i := 0; i < 3; i++ {
		assert.True(t, tb.TryConsume(ctx, "login", "1.1.1.1"), "request %d", i+1)
	}
	assert.False(t, tb.TryConsume(ctx, "login", "1.1.1.1"))
	assert.Equal(t, 0, tb.RemainingTokens(ctx, "login", "1.1.1.1"))

	// other clients have their own bucket
	assert.True(t, tb.TryConsume(ctx, "login", "2.2.2.2"))
	assert.Equal(t, 2, tb.RemainingTokens(ctx, "login", "2.2.2.2"))
}

func TestTokenBucket_LazyRefill(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	tb := newTestBucket(t, clock, Bucket{Category: "chat", Capacity: 2, Period: 2})

	assert.True(t, tb.TryConsume(ctx, "chat", "c"))
	assert.True(t, tb.TryConsume(ctx, "chat", "c"))
	assert.False(t, tb.TryConsume(ctx, "chat", "c"))
	assert.Equal(t, time.Second, tb.AutoResetRemaining(ctx, "chat", "c"))

	clock.Advance(time.Second)
	assert.Equal(t, 1, tb.RemainingTokens(ctx, "chat", "c"))
	assert.True(t, tb.TryConsume(ctx, "chat", "c"))
	assert.False(t, tb.TryConsume(ctx, "chat", "c"))

	// refill is capped at capacity
	clock.Advance(time.Hour)
	assert.Equal(t, 2, tb.RemainingTokens(ctx, "chat", "c"))
	assert.Equal(t, time.Duration(0), tb.AutoResetRemaining(ctx, "chat", "c"))
}

func TestTokenBucket_Reset(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	tb := newTestBucket(t, clock, Bucket{Category: "review", Capacity: 1, Period: 300})

	assert.True(t, tb.TryConsume(ctx, "review", "x"))
	assert.False(t, tb.TryConsume(ctx, "review", "x"))

	tb.Reset(ctx, "review", "x")
	assert.Equal(t, 1, tb.RemainingTokens(ctx, "review", "x"))
	assert.True(t, tb.TryConsume(ctx, "review", "x"))

	// resetting twice is harmless
	tb.Reset(ctx, "review", "x")
	tb.Reset(ctx, "review", "x")
	assert.True(t, tb.TryConsume(ctx, "review", "x"))
}

func TestTokenBucket_UnknownCategoryNotLimited(t *testing.T) {
	ctx := context.Background()
	tb := newTestBucket(t, newFakeClock(), Bucket{Category: "login", Capacity: 1, Period: 60})

	for i := 0; i < 10; i++ {
		assert.True(t, tb.TryConsume(ctx, "menu", "x"))
	}
	assert.Equal(t, 0, tb.RemainingTokens(ctx, "menu", "x"))
	assert.Equal(t, []string{"login"}, tb.Categories())
}

func TestTokenBucket_ConcurrentSingleDecisionPerToken(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	tb := newTestBucket(t, clock, Bucket{Category: "booking", Capacity: 10, Period: 60})

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tb.TryConsume(ctx, "booking", "9.9.9.9") {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(10), allowed.Load())
}

func TestMemoryStore_Sweep(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := NewMemoryStore(WithClock(clock.Now))

	_, err := store.Allow(ctx, "a", 2, 2)
	require.NoError(t, err)
	_, err = store.Allow(ctx, "b", 2, 2)
	require.NoError(t, err)

	sw := store.(sweeper)
	assert.Equal(t, 0, sw.Sweep())

	clock.Advance(5 * time.Second)
	assert.Equal(t, 2, sw.Sweep())
}

func TestMemoryStore_SweepDoesNotLoseConsumedTokens(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := NewMemoryStore(WithClock(clock.Now))
	sw := store.(sweeper)

	const n = 300
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			_, _ = store.Allow(ctx, "k", 1000, 60)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			sw.Sweep()
		}
	}()
	wg.Wait()

	// The clock is frozen, so every consumed token is still missing.
	tokens, err := store.Tokens(ctx, "k", 1000, 60)
	require.NoError(t, err)
	assert.InDelta(t, 1000-n, tokens, 1e-9)
}

func TestConfig_ValidateAndPrepare(t *testing.T) {
	t.Run("defaults are valid", func(t *testing.T) {
		cfg := DefaultConfig()
		require.NoError(t, cfg.ValidateAndPrepare())
		b, ok := cfg.Bucket("login")
		require.True(t, ok)
		assert.InDelta(t, 5.0/300.0, b.RatePerSecond(), 1e-9)
	})

	t.Run("empty storage defaults to memory", func(t *testing.T) {
		cfg := Config{}
		require.NoError(t, cfg.ValidateAndPrepare())
		assert.Equal(t, StorageMemory, cfg.StorageType)
	})

	tests := []struct {
		name string
		cfg  Config
		want error
	}{
		{"bad storage", Config{StorageType: "etcd"}, ErrInvalidStorage},
		{"zero capacity", Config{Buckets: []Bucket{{Category: "login", Capacity: 0, Period: 1}}}, ErrInvalidCapacity},
		{"negative period", Config{Buckets: []Bucket{{Category: "login", Capacity: 1, Period: -1}}}, ErrInvalidPeriod},
		{"duplicate", Config{Buckets: []Bucket{
			{Category: "login", Capacity: 1, Period: 1},
			{Category: "login", Capacity: 2, Period: 1},
		}}, ErrDuplicateCategory},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.ValidateAndPrepare()
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
