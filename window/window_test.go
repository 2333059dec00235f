package window

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KeyT9999/RestaurantBookingWebsite-sub002/audit"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)}
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

type recordingReporter struct {
	mu     sync.Mutex
	events []Attempt
}

func (r *recordingReporter) LogBlockedRequest(client, path, userAgent string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Attempt{Client: client, Path: path, UserAgent: userAgent})
}

func (r *recordingReporter) Events() []Attempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Attempt(nil), r.events...)
}

func newLimiter(t *testing.T, clock *fakeClock, rules []Rule, opts ...Option) *Limiter {
	t.Helper()
	cfg := &Config{
		Default: Rule{MaxAttempts: 100, Window: time.Minute, AutoReset: 5 * time.Minute},
		Rules:   rules,
	}
	require.NoError(t, cfg.ValidateAndPrepare())
	return New(cfg, append([]Option{WithClock(clock.Now)}, opts...)...)
}

func TestLimiter_AllowsUpToMaxThenDenies(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	reporter := &recordingReporter{}
	l := newLimiter(t, clock, []Rule{
		{Category: "booking", MaxAttempts: 2, Window: time.Minute, AutoReset: 5 * time.Minute},
	}, WithReporter(reporter))

	att := Attempt{Client: "2.2.2.2", Path: "/booking/new", UserAgent: "Mozilla/5.0"}

	d1 := l.Check(ctx, "booking", att)
	assert.True(t, d1.Allowed)
	assert.Equal(t, 1, d1.Remaining)
	assert.Equal(t, StateWithinLimit, d1.State)

	d2 := l.Check(ctx, "booking", att)
	assert.True(t, d2.Allowed)
	assert.Equal(t, 0, d2.Remaining)

	d3 := l.Check(ctx, "booking", att)
	assert.False(t, d3.Allowed)
	assert.Equal(t, StateBlocked, d3.State)

	events := reporter.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "2.2.2.2", events[0].Client)
	assert.Equal(t, "/booking/new", events[0].Path)

	// the denied attempt was not counted
	assert.Equal(t, 0, l.RemainingAttempts(ctx, "booking", "2.2.2.2"))
}

func TestLimiter_ResetAllowsAgain(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l := newLimiter(t, clock, []Rule{
		{Category: "login", MaxAttempts: 1, Window: 30 * time.Second, AutoReset: time.Hour},
	})
	att := Attempt{Client: "3.3.3.3"}

	assert.True(t, l.Check(ctx, "login", att).Allowed)
	assert.False(t, l.Check(ctx, "login", att).Allowed)

	l.Reset(ctx, "login", "3.3.3.3")
	assert.Equal(t, StateFresh, l.State(ctx, "login", "3.3.3.3"))
	assert.Equal(t, 1, l.RemainingAttempts(ctx, "login", "3.3.3.3"))
	assert.True(t, l.Check(ctx, "login", att).Allowed)
}

func TestLimiter_IdleAutoReset(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l := newLimiter(t, clock, []Rule{
		{Category: "login", MaxAttempts: 1, Window: 60 * time.Second, AutoReset: 120 * time.Second},
	})
	att := Attempt{Client: "5.5.5.5"}

	assert.True(t, l.Check(ctx, "login", att).Allowed)
	assert.False(t, l.Check(ctx, "login", att).Allowed)
	assert.Equal(t, 120*time.Second, l.AutoResetRemaining(ctx, "login", "5.5.5.5"))

	clock.Advance(119 * time.Second)
	assert.False(t, l.Check(ctx, "login", att).Allowed)
	assert.Equal(t, time.Second, l.AutoResetRemaining(ctx, "login", "5.5.5.5"))

	clock.Advance(time.Second)
	assert.Equal(t, StateFresh, l.State(ctx, "login", "5.5.5.5"))
	assert.Equal(t, time.Duration(0), l.AutoResetRemaining(ctx, "login", "5.5.5.5"))
	assert.True(t, l.Check(ctx, "login", att).Allowed)
}

func TestLimiter_ExpireWindow(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l := newLimiter(t, clock, []Rule{
		{Category: "chat", MaxAttempts: 2, Window: 10 * time.Second, AutoReset: time.Hour, ExpireWindow: true},
		{Category: "login", MaxAttempts: 2, Window: 10 * time.Second, AutoReset: time.Hour},
	})
	att := Attempt{Client: "6.6.6.6"}

	for _, cat := range []string{"chat", "login"} {
		assert.True(t, l.Check(ctx, cat, att).Allowed)
		assert.True(t, l.Check(ctx, cat, att).Allowed)
		assert.False(t, l.Check(ctx, cat, att).Allowed)
	}

	clock.Advance(10 * time.Second)
	assert.True(t, l.Check(ctx, "chat", att).Allowed, "expiring window starts over")
	assert.False(t, l.Check(ctx, "login", att).Allowed, "idle-only window stays blocked")
}

func TestLimiter_RemainingAttemptsMonotonic(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l := newLimiter(t, clock, []Rule{
		{Category: "review", MaxAttempts: 3, Window: 5 * time.Minute, AutoReset: 30 * time.Minute},
	})
	att := Attempt{Client: "7.7.7.7"}

	prev := l.RemainingAttempts(ctx, "review", "7.7.7.7")
	assert.Equal(t, 3, prev)
	for i := 0; i < 5; i++ {
		l.Check(ctx, "review", att)
		cur := l.RemainingAttempts(ctx, "review", "7.7.7.7")
		assert.LessOrEqual(t, cur, prev)
		assert.GreaterOrEqual(t, cur, 0)
		prev = cur
	}
	assert.Equal(t, 0, prev)

	clock.Advance(30 * time.Minute)
	assert.Equal(t, 3, l.RemainingAttempts(ctx, "review", "7.7.7.7"))
}

func TestLimiter_ResetAll(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l := newLimiter(t, clock, []Rule{
		{Category: "login", MaxAttempts: 1, Window: time.Minute, AutoReset: time.Hour},
		{Category: "register", MaxAttempts: 1, Window: time.Minute, AutoReset: time.Hour},
	})

	for _, c := range []string{"a", "b"} {
		l.Check(ctx, "login", Attempt{Client: c})
		l.Check(ctx, "register", Attempt{Client: c})
	}

	l.ResetAll(ctx, "login")
	assert.Equal(t, 1, l.RemainingAttempts(ctx, "login", "a"))
	assert.Equal(t, 1, l.RemainingAttempts(ctx, "login", "b"))
	assert.Equal(t, 0, l.RemainingAttempts(ctx, "register", "a"))

	l.ResetAll(ctx, "")
	assert.Equal(t, 1, l.RemainingAttempts(ctx, "register", "a"))
}

func TestLimiter_ResetClient(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l := newLimiter(t, clock, []Rule{
		{Category: "login", MaxAttempts: 1, Window: time.Minute, AutoReset: time.Hour},
	})

	l.Check(ctx, "login", Attempt{Client: "a"})
	l.Check(ctx, "payment", Attempt{Client: "a"})
	l.Check(ctx, "login", Attempt{Client: "b"})

	assert.Equal(t, 2, l.ResetClient(ctx, "a"))
	assert.Equal(t, 1, l.RemainingAttempts(ctx, "login", "a"))
	assert.Equal(t, 100, l.RemainingAttempts(ctx, "payment", "a"))
	assert.Equal(t, 0, l.RemainingAttempts(ctx, "login", "b"))
}

func TestLimiter_DefaultRuleForUnknownCategory(t *testing.T) {
	ctx := context.Background()
	l := newLimiter(t, newFakeClock(), nil)
	d := l.Check(ctx, "menu", Attempt{Client: "x"})
	assert.True(t, d.Allowed)
	assert.Equal(t, 100, d.Limit)
	assert.Equal(t, 99, d.Remaining)
}

func TestLimiter_AuditedCategoryEmitsRecord(t *testing.T) {
	ctx := context.Background()
	sink := audit.NewMemorySink(0)
	l := newLimiter(t, newFakeClock(), []Rule{
		{Category: "login", MaxAttempts: 1, Window: time.Minute, AutoReset: time.Hour, Audit: true},
		{Category: "chat", MaxAttempts: 1, Window: time.Minute, AutoReset: time.Hour},
	}, WithAuditSink(sink))

	for _, cat := range []string{"login", "chat"} {
		l.Check(ctx, cat, Attempt{Client: "8.8.8.8", Path: "/" + cat})
		l.Check(ctx, cat, Attempt{Client: "8.8.8.8", Path: "/" + cat})
	}

	recs := sink.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, "login", recs[0].Category)
	assert.Equal(t, "window", recs[0].Reason)
	assert.Equal(t, "/login", recs[0].Path)
}

func TestLimiter_ConcurrentChecksSingleSlot(t *testing.T) {
	ctx := context.Background()
	l := newLimiter(t, newFakeClock(), []Rule{
		{Category: "booking", MaxAttempts: 5, Window: time.Minute, AutoReset: time.Hour},
	})

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Check(ctx, "booking", Attempt{Client: "9.9.9.9"}).Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(5), allowed.Load())
}

func TestLimiter_IsAllowedWritesHeaders(t *testing.T) {
	clock := newFakeClock()
	l := newLimiter(t, clock, []Rule{
		{Category: "booking", MaxAttempts: 2, Window: time.Minute, AutoReset: time.Hour},
	})

	r := httptest.NewRequest(http.MethodPost, "/booking/new", nil)
	r.Header.Set("X-Forwarded-For", "4.4.4.4, 10.0.0.1")

	w := httptest.NewRecorder()
	assert.True(t, l.IsAllowed(w, r, "booking"))
	assert.Equal(t, "2", w.Header().Get(HeaderLimit))
	assert.Equal(t, "1", w.Header().Get(HeaderRemaining))
	assert.Equal(t, "60", w.Header().Get(HeaderReset))

	clock.Advance(15 * time.Second)
	w = httptest.NewRecorder()
	assert.True(t, l.IsAllowed(w, r, "booking"))
	assert.Equal(t, "0", w.Header().Get(HeaderRemaining))
	assert.Equal(t, "3600", w.Header().Get(HeaderReset), "the last slot reports when the block lifts")

	assert.Equal(t, 0, l.RemainingAttempts(context.Background(), "booking", "4.4.4.4"))
}

func TestLimiter_BlockedResetCountsDownToUnblock(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l := newLimiter(t, clock, []Rule{
		{Category: "login", MaxAttempts: 1, Window: 30 * time.Second, AutoReset: time.Hour},
	})

	d := l.Check(ctx, "login", Attempt{Client: "5.5.5.5"})
	require.True(t, d.Allowed)

	clock.Advance(45 * time.Second)
	d = l.Check(ctx, "login", Attempt{Client: "5.5.5.5"})
	assert.False(t, d.Allowed)
	assert.Equal(t, StateBlocked, d.State)
	assert.Equal(t, time.Hour-45*time.Second, d.ResetIn)
	assert.Equal(t, d.ResetIn, l.AutoResetRemaining(ctx, "login", "5.5.5.5"))

	w := httptest.NewRecorder()
	d.WriteHeaders(w.Header())
	assert.Equal(t, "3555", w.Header().Get(HeaderReset))
	assert.Equal(t, "0", w.Header().Get(HeaderRemaining))
}

func TestLimiter_SweepDoesNotLoseConcurrentAttempts(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l := newLimiter(t, clock, []Rule{
		{Category: "login", MaxAttempts: 1000, Window: time.Minute, AutoReset: time.Minute},
	})
	l.Check(ctx, "login", Attempt{Client: "c"})
	clock.Advance(time.Minute)

	const n = 200
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			l.Check(ctx, "login", Attempt{Client: "c"})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			l.Sweep()
		}
	}()
	wg.Wait()

	// The clock no longer moves, so once the first of the n checks opened a
	// fresh window no sweep may drop it.
	assert.Equal(t, 1000-n, l.RemainingAttempts(ctx, "login", "c"))
}

func TestLimiter_Sweep(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l := newLimiter(t, clock, []Rule{
		{Category: "login", MaxAttempts: 5, Window: time.Minute, AutoReset: time.Minute},
	})
	l.Check(ctx, "login", Attempt{Client: "a"})
	l.Check(ctx, "login", Attempt{Client: "b"})
	assert.Equal(t, 0, l.Sweep())

	clock.Advance(time.Minute)
	assert.Equal(t, 2, l.Sweep())
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.ValidateAndPrepare())
	assert.Equal(t, 5, cfg.Rule("login").MaxAttempts)
	assert.Equal(t, "menu", cfg.Rule("menu").Category)
	assert.Equal(t, 100, cfg.Rule("menu").MaxAttempts)

	bad := Config{
		Default: Rule{MaxAttempts: 1, Window: time.Second, AutoReset: time.Second},
		Rules:   []Rule{{Category: "login", MaxAttempts: 0, Window: time.Second, AutoReset: time.Second}},
	}
	assert.ErrorIs(t, bad.ValidateAndPrepare(), ErrInvalidMaxAttempts)

	dup := Config{
		Default: Rule{MaxAttempts: 1, Window: time.Second, AutoReset: time.Second},
		Rules: []Rule{
			{Category: "login", MaxAttempts: 1, Window: time.Second, AutoReset: time.Second},
			{Category: "login", MaxAttempts: 1, Window: time.Second, AutoReset: time.Second},
		},
	}
	assert.ErrorIs(t, dup.ValidateAndPrepare(), ErrDuplicateRule)

	noDefault := Config{}
	assert.ErrorIs(t, noDefault.ValidateAndPrepare(), ErrInvalidMaxAttempts)
}
