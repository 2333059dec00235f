package risk

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KeyT9999/RestaurantBookingWebsite-sub002/audit"
	"github.com/KeyT9999/RestaurantBookingWebsite-sub002/redlock"
	"github.com/KeyT9999/RestaurantBookingWebsite-sub002/stats"
	"github.com/KeyT9999/RestaurantBookingWebsite-sub002/window"
)

const browserUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64)"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)}
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
	mu    sync.Mutex
	paths []string
}

func (r *recordingReporter) LogBlockedRequest(_, path, _ string) {
	r.mu.Lock()
	r.paths = append(r.paths, path)
	r.mu.Unlock()
}

func (r *recordingReporter) count(path string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.paths {
		if p == path {
			n++
		}
	}
	return n
}

type flakyStore struct {
	*stats.MemoryStore
	findErr   error
	saveErr   error
	deleteErr error
	listErr   error
	saves     int
}

func (s *flakyStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if s.deleteErr != nil {
		return 0, s.deleteErr
	}
	return s.MemoryStore.DeleteBefore(ctx, cutoff)
}

func (s *flakyStore) List(ctx context.Context) ([]*stats.Statistics, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.MemoryStore.List(ctx)
}

func (s *flakyStore) FindByClient(ctx context.Context, client string) (*stats.Statistics, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	return s.MemoryStore.FindByClient(ctx, client)
}

func (s *flakyStore) Save(ctx context.Context, st *stats.Statistics) error {
	s.saves++
	if s.saveErr != nil {
		return s.saveErr
	}
	return s.MemoryStore.Save(ctx, st)
}

type fakeLock struct {
	err      error
	unlocked int
}

func (l *fakeLock) TryLock(context.Context) error { return l.err }

func (l *fakeLock) Unlock(context.Context) error {
	l.unlocked++
	return nil
}

func baseConfig() Config {
	cfg := DefaultConfig()
	cfg.MinInterval = 0
	cfg.MaxPerMinute = 0
	cfg.DetectBots = false
	cfg.Window = window.Config{
		Default: window.Rule{MaxAttempts: 100, Window: time.Minute, AutoReset: 5 * time.Minute},
	}
	return cfg
}

func newTestLimiter(t *testing.T, cfg Config, store stats.Store, clock *fakeClock, opts ...Option) *Limiter {
	t.Helper()
	require.NoError(t, cfg.ValidateAndPrepare())
	return New(&cfg, store, append([]Option{WithClock(clock.Now)}, opts...)...)
}

func attempt(client, ua string) window.Attempt {
	return window.Attempt{Client: client, Path: "/booking/new", UserAgent: ua}
}

func TestAllow_CleanRequestRecordsSuccess(t *testing.T) {
	ctx := context.Background()
	store := stats.NewMemoryStore()
	l := newTestLimiter(t, baseConfig(), store, newFakeClock())

	v := l.Allow(ctx, "booking", attempt("1.1.1.1", browserUA))
	assert.True(t, v.Allowed)
	assert.Empty(t, v.Reason)

	st, err := store.FindByClient(ctx, "1.1.1.1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.TotalRequests)
	assert.Equal(t, int64(1), st.SuccessfulRequests)
	assert.Equal(t, browserUA, st.UserAgent)
	assert.Equal(t, 0, st.RiskScore)
}

func TestAllow_WindowDenialIsRecorded(t *testing.T) {
	ctx := context.Background()
	store := stats.NewMemoryStore()
	reporter := &recordingReporter{}
	sink := audit.NewMemorySink(10)

	cfg := baseConfig()
	cfg.Window.Rules = []window.Rule{{Category: "login", MaxAttempts: 2, Window: time.Minute, AutoReset: time.Hour}}
	l := newTestLimiter(t, cfg, store, newFakeClock(), WithReporter(reporter), WithAuditSink(sink))

	att := window.Attempt{Client: "1.1.1.1", Path: "/login", UserAgent: browserUA}
	assert.True(t, l.Allow(ctx, "login", att).Allowed)
	assert.True(t, l.Allow(ctx, "login", att).Allowed)

	v := l.Allow(ctx, "login", att)
	assert.False(t, v.Allowed)
	assert.Equal(t, ReasonWindow, v.Reason)
	assert.Equal(t, 1, reporter.count("/login"))

	recs := sink.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, ReasonWindow, recs[0].Reason)
	assert.Equal(t, "login", recs[0].Category)

	st, err := store.FindByClient(ctx, "1.1.1.1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.TotalRequests)
	assert.Equal(t, int64(2), st.SuccessfulRequests)
	assert.Equal(t, int64(1), st.FailedRequests)
	assert.Equal(t, int64(1), st.BlockedCount)
}

func TestAllow_Velocity(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	cfg := baseConfig()
	cfg.MinInterval = time.Second
	l := newTestLimiter(t, cfg, stats.NewMemoryStore(), clock)

	assert.True(t, l.Allow(ctx, "booking", attempt("1.1.1.1", browserUA)).Allowed)

	clock.Advance(100 * time.Millisecond)
	v := l.Allow(ctx, "booking", attempt("1.1.1.1", browserUA))
	assert.False(t, v.Allowed)
	assert.Equal(t, ReasonVelocity, v.Reason)

	// other clients are tracked separately
	assert.True(t, l.Allow(ctx, "booking", attempt("2.2.2.2", browserUA)).Allowed)

	clock.Advance(2 * time.Second)
	assert.True(t, l.Allow(ctx, "booking", attempt("1.1.1.1", browserUA)).Allowed)
}

func TestAllow_RapidRequests(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	cfg := baseConfig()
	cfg.MaxPerMinute = 3
	l := newTestLimiter(t, cfg, stats.NewMemoryStore(), clock)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow(ctx, "booking", attempt("1.1.1.1", browserUA)).Allowed, "request %d", i+1)
		clock.Advance(time.Second)
	}
	v := l.Allow(ctx, "booking", attempt("1.1.1.1", browserUA))
	assert.False(t, v.Allowed)
	assert.Equal(t, ReasonRapid, v.Reason)

	clock.Advance(2 * time.Minute)
	assert.True(t, l.Allow(ctx, "booking", attempt("1.1.1.1", browserUA)).Allowed)
}

func TestAllow_BotDetection(t *testing.T) {
	ctx := context.Background()

	cfg := baseConfig()
	cfg.DetectBots = true
	l := newTestLimiter(t, cfg, stats.NewMemoryStore(), newFakeClock())

	for _, ua := range []string{"curl/8.4.0", "", "Googlebot/2.1", "python-requests/2.31", "Go-http-client/1.1"} {
		v := l.Allow(ctx, "booking", attempt("1.1.1.1", ua))
		assert.False(t, v.Allowed, ua)
		assert.Equal(t, ReasonBot, v.Reason, ua)
	}
	assert.True(t, l.Allow(ctx, "booking", attempt("2.2.2.2", browserUA)).Allowed)

	off := newTestLimiter(t, baseConfig(), stats.NewMemoryStore(), newFakeClock())
	assert.True(t, off.Allow(ctx, "booking", attempt("1.1.1.1", "curl/8.4.0")).Allowed)
}

func TestAllow_SuspiciousHistoryDenied(t *testing.T) {
	ctx := context.Background()
	store := stats.NewMemoryStore()
	require.NoError(t, store.Save(ctx, &stats.Statistics{
		Client: "6.6.6.6", TotalRequests: 100, SuccessfulRequests: 10, FailedRequests: 90, BlockedCount: 5,
	}))

	cfg := baseConfig()
	cfg.AutoBlockThreshold = 0
	l := newTestLimiter(t, cfg, store, newFakeClock())

	v := l.Allow(ctx, "booking", attempt("6.6.6.6", browserUA))
	assert.False(t, v.Allowed)
	assert.Equal(t, ReasonRisk, v.Reason)
	assert.Equal(t, int64(101), v.Stats.TotalRequests)
	assert.Equal(t, int64(91), v.Stats.FailedRequests)
	assert.Equal(t, int64(6), v.Stats.BlockedCount)
	assert.True(t, v.Stats.Suspicious)
}

func TestAllow_AutoBlockAndUnblock(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := stats.NewMemoryStore()
	reporter := &recordingReporter{}

	cfg := baseConfig()
	cfg.AutoBlockThreshold = 3
	cfg.AutoBlockDuration = time.Hour
	cfg.Window.Rules = []window.Rule{{Category: "login", MaxAttempts: 1, Window: time.Minute, AutoReset: 2 * time.Minute}}
	l := newTestLimiter(t, cfg, store, clock, WithReporter(reporter))

	att := window.Attempt{Client: "1.1.1.1", Path: "/login", UserAgent: browserUA}
	assert.True(t, l.Allow(ctx, "login", att).Allowed)
	for i := 0; i < 3; i++ {
		clock.Advance(time.Second)
		v := l.Allow(ctx, "login", att)
		assert.Equal(t, ReasonWindow, v.Reason)
	}
	assert.Equal(t, 1, reporter.count(AutoBlockPath))

	st, err := store.FindByClient(ctx, "1.1.1.1")
	require.NoError(t, err)
	assert.True(t, st.BlockedAt(clock.Now()))
	assert.Equal(t, 69, st.RiskScore)

	// the window has reset, the block still holds
	clock.Advance(5 * time.Minute)
	v := l.Allow(ctx, "login", att)
	assert.Equal(t, ReasonBlocked, v.Reason)

	report, ok := l.ThreatIntelligence(ctx, "1.1.1.1")
	require.True(t, ok)
	assert.True(t, report.Blocked)

	require.NoError(t, l.Unblock(ctx, "1.1.1.1"))
	clock.Advance(5 * time.Minute)
	v = l.Allow(ctx, "login", att)
	assert.True(t, v.Allowed)
	assert.Equal(t, 0, v.Stats.RiskScore)

	assert.ErrorIs(t, l.Unblock(ctx, "9.9.9.9"), stats.ErrNotFound)
}

func TestAllow_FailurePolicy(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("connection refused")

	t.Run("fail open", func(t *testing.T) {
		store := &flakyStore{MemoryStore: stats.NewMemoryStore(), findErr: boom}
		l := newTestLimiter(t, baseConfig(), store, newFakeClock())

		v := l.Allow(ctx, "booking", attempt("1.1.1.1", browserUA))
		assert.True(t, v.Allowed)
		assert.Zero(t, store.saves)
	})

	t.Run("fail closed", func(t *testing.T) {
		store := &flakyStore{MemoryStore: stats.NewMemoryStore(), findErr: boom}
		cfg := baseConfig()
		cfg.FailurePolicy = FailClosed
		reporter := &recordingReporter{}
		l := newTestLimiter(t, cfg, store, newFakeClock(), WithReporter(reporter))

		v := l.Allow(ctx, "booking", attempt("1.1.1.1", browserUA))
		assert.False(t, v.Allowed)
		assert.Equal(t, ReasonStore, v.Reason)
		assert.Zero(t, store.saves)
		assert.Equal(t, 1, reporter.count("/booking/new"))
	})

	t.Run("write failure does not deny", func(t *testing.T) {
		store := &flakyStore{MemoryStore: stats.NewMemoryStore(), saveErr: boom}
		l := newTestLimiter(t, baseConfig(), store, newFakeClock())

		assert.True(t, l.Allow(ctx, "booking", attempt("1.1.1.1", browserUA)).Allowed)
		assert.Equal(t, 1, store.saves)
	})
}

func TestIsAllowed_WritesHeaders(t *testing.T) {
	cfg := baseConfig()
	cfg.Window.Rules = []window.Rule{{Category: "booking", MaxAttempts: 10, Window: time.Minute, AutoReset: 5 * time.Minute}}
	l := newTestLimiter(t, cfg, stats.NewMemoryStore(), newFakeClock())

	req := httptest.NewRequest("POST", "/booking/new", nil)
	req.RemoteAddr = "3.3.3.3"
	req.Header.Set("User-Agent", browserUA)
	rec := httptest.NewRecorder()

	assert.True(t, l.IsAllowed(rec, req, "booking"))
	h := rec.Header()
	assert.Equal(t, "10", h.Get(window.HeaderLimit))
	assert.Equal(t, "9", h.Get(window.HeaderRemaining))
	assert.Equal(t, "0", h.Get(HeaderRiskScore))
	assert.Equal(t, "LOW", h.Get(HeaderRiskLevel))
	assert.Equal(t, "100.00", h.Get(HeaderSuccessRate))
	assert.Equal(t, "false", h.Get(HeaderSuspicious))
}

func TestThreatIntelligence(t *testing.T) {
	ctx := context.Background()
	store := stats.NewMemoryStore()
	require.NoError(t, store.Save(ctx, &stats.Statistics{
		Client: "6.6.6.6", TotalRequests: 100, SuccessfulRequests: 10, FailedRequests: 90, BlockedCount: 5,
	}))
	l := newTestLimiter(t, baseConfig(), store, newFakeClock())

	report, ok := l.ThreatIntelligence(ctx, "unknown")
	assert.False(t, ok)
	assert.Equal(t, ThreatReport{}, report)

	report, ok = l.ThreatIntelligence(ctx, "6.6.6.6")
	require.True(t, ok)
	assert.Equal(t, 94, report.RiskScore)
	assert.Equal(t, stats.LevelHigh, report.RiskLevel)
	assert.InDelta(t, 10.0, report.SuccessRate, 0.001)
	assert.InDelta(t, 90.0, report.FailureRate, 0.001)
	assert.True(t, report.Suspicious)

	// reading changes nothing
	st, err := store.FindByClient(ctx, "6.6.6.6")
	require.NoError(t, err)
	assert.Equal(t, int64(100), st.TotalRequests)

	failing := newTestLimiter(t, baseConfig(), &flakyStore{MemoryStore: store, findErr: errors.New("down")}, newFakeClock())
	_, ok = failing.ThreatIntelligence(ctx, "6.6.6.6")
	assert.False(t, ok)
}

func TestCleanupOldData(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()

	t.Run("empty store", func(t *testing.T) {
		l := newTestLimiter(t, baseConfig(), stats.NewMemoryStore(), clock)
		n, err := l.CleanupOldData(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	seed := func(store *stats.MemoryStore) {
		old := stats.New("old", clock.Now().Add(-48*time.Hour))
		old.LastRequestAt = clock.Now().Add(-48 * time.Hour)
		require.NoError(t, store.Save(ctx, old))
		recent := stats.New("recent", clock.Now())
		recent.LastRequestAt = clock.Now().Add(-time.Hour)
		require.NoError(t, store.Save(ctx, recent))
	}

	t.Run("removes stale statistics", func(t *testing.T) {
		store := stats.NewMemoryStore()
		seed(store)
		lock := &fakeLock{}
		l := newTestLimiter(t, baseConfig(), store, clock, WithLock(lock))

		n, err := l.CleanupOldData(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		assert.Zero(t, lock.unlocked, "the lease runs out on its own so peers skip this round")

		_, err = store.FindByClient(ctx, "recent")
		assert.NoError(t, err)
	})

	t.Run("skips when another node holds the lock", func(t *testing.T) {
		store := stats.NewMemoryStore()
		seed(store)
		lock := &fakeLock{err: redlock.ErrLockNotAcquired}
		l := newTestLimiter(t, baseConfig(), store, clock, WithLock(lock))

		n, err := l.CleanupOldData(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Zero(t, lock.unlocked)

		_, err = store.FindByClient(ctx, "old")
		assert.NoError(t, err)
	})

	t.Run("releases the lock when the store fails", func(t *testing.T) {
		store := &flakyStore{MemoryStore: stats.NewMemoryStore(), deleteErr: errors.New("store down")}
		lock := &fakeLock{}
		l := newTestLimiter(t, baseConfig(), store, clock, WithLock(lock))

		_, err := l.CleanupOldData(ctx)
		assert.Error(t, err)
		assert.Equal(t, 1, lock.unlocked)
	})
}

func TestForget(t *testing.T) {
	ctx := context.Background()
	store := stats.NewMemoryStore()
	cfg := baseConfig()
	cfg.Window.Rules = []window.Rule{{Category: "login", MaxAttempts: 1, Window: time.Minute, AutoReset: time.Hour}}
	l := newTestLimiter(t, cfg, store, newFakeClock())

	l.Allow(ctx, "login", attempt("1.1.1.1", browserUA))
	assert.Equal(t, 0, l.RemainingAttempts(ctx, "login", "1.1.1.1"))

	require.NoError(t, l.Forget(ctx, "1.1.1.1"))
	assert.Equal(t, 1, l.RemainingAttempts(ctx, "login", "1.1.1.1"))
	_, err := store.FindByClient(ctx, "1.1.1.1")
	assert.ErrorIs(t, err, stats.ErrNotFound)
}

func TestAllow_ConcurrentRequestsCountedExactly(t *testing.T) {
	ctx := context.Background()
	store := stats.NewMemoryStore()
	l := newTestLimiter(t, baseConfig(), store, newFakeClock())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Allow(ctx, "booking", attempt("1.1.1.1", browserUA))
		}()
	}
	wg.Wait()

	st, err := store.FindByClient(ctx, "1.1.1.1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), st.TotalRequests)
	assert.Equal(t, int64(50), st.SuccessfulRequests)
	assert.Zero(t, l.clients.size(), "client locks are released once idle")
}

type slowStore struct {
	*stats.MemoryStore
	release chan struct{}
	slow    string
}

func (s *slowStore) FindByClient(ctx context.Context, client string) (*stats.Statistics, error) {
	if client == s.slow {
		<-s.release
	}
	return s.MemoryStore.FindByClient(ctx, client)
}

func TestAllow_SlowStoreOnlyDelaysSameClient(t *testing.T) {
	ctx := context.Background()
	store := &slowStore{MemoryStore: stats.NewMemoryStore(), release: make(chan struct{}), slow: "1.1.1.1"}
	l := newTestLimiter(t, baseConfig(), store, newFakeClock())

	stuck := make(chan struct{})
	go func() {
		defer close(stuck)
		l.Allow(ctx, "booking", attempt("1.1.1.1", browserUA))
	}()
	require.Eventually(t, func() bool { return l.clients.size() == 1 }, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			l.Allow(ctx, "booking", attempt(fmt.Sprintf("10.0.%d.%d", i/256, i%256), browserUA))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("other clients waited on the slow store")
	}

	close(store.release)
	<-stuck
}

func TestBlockPermanently(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := stats.NewMemoryStore()
	l := newTestLimiter(t, baseConfig(), store, clock)

	require.True(t, l.Allow(ctx, "booking", attempt("1.1.1.1", browserUA)).Allowed)
	require.NoError(t, l.BlockPermanently(ctx, "1.1.1.1", "scraping", "ops", "ticket 7"))
	require.NoError(t, l.BlockPermanently(ctx, "9.9.9.9", "known bad", "ops", ""))

	v := l.Allow(ctx, "booking", attempt("1.1.1.1", browserUA))
	assert.False(t, v.Allowed)
	assert.Equal(t, ReasonBlocked, v.Reason)

	clock.Advance(365 * 24 * time.Hour)
	assert.Equal(t, ReasonBlocked, l.Allow(ctx, "booking", attempt("9.9.9.9", browserUA)).Reason)

	blocked, err := l.PermanentlyBlocked(ctx)
	require.NoError(t, err)
	require.Len(t, blocked, 2)
	assert.Equal(t, "9.9.9.9", blocked[0].Client, "most recently active first")
	assert.Equal(t, "scraping", blocked[1].Reason)
	assert.Equal(t, "ops", blocked[1].BlockedBy)
	assert.Equal(t, "ticket 7", blocked[1].Notes)

	require.NoError(t, l.Unblock(ctx, "1.1.1.1"))
	blocked, err = l.PermanentlyBlocked(ctx)
	require.NoError(t, err)
	assert.Len(t, blocked, 1)
}

func TestOverallStatistics(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := &flakyStore{MemoryStore: stats.NewMemoryStore()}
	l := newTestLimiter(t, baseConfig(), store, clock)

	o, err := l.OverallStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, Overview{}, o)

	now := clock.Now()
	heavy := stats.New("1.1.1.1", now)
	heavy.TotalRequests, heavy.FailedRequests, heavy.BlockedCount = 100, 90, 5
	heavy.Block(now, time.Hour, "auto")
	require.NoError(t, store.Save(ctx, heavy))
	clean := stats.New("2.2.2.2", now)
	clean.TotalRequests, clean.SuccessfulRequests = 10, 10
	require.NoError(t, store.Save(ctx, clean))
	require.NoError(t, l.BlockPermanently(ctx, "3.3.3.3", "abuse", "ops", ""))

	o, err = l.OverallStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, Overview{
		Clients:            3,
		ClientsWithBlocks:  1,
		PermanentlyBlocked: 1,
		TemporarilyBlocked: 1,
		Suspicious:         1,
		TotalRequests:      110,
		TotalBlocks:        5,
	}, o)

	store.listErr = errors.New("store down")
	_, err = l.OverallStatistics(ctx)
	assert.Error(t, err)
	_, err = l.PermanentlyBlocked(ctx)
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.ValidateAndPrepare())

	cfg = DefaultConfig()
	cfg.FailurePolicy = "maybe"
	assert.ErrorIs(t, cfg.ValidateAndPrepare(), ErrInvalidFailurePolicy)

	cfg = DefaultConfig()
	cfg.Retention = 0
	assert.ErrorIs(t, cfg.ValidateAndPrepare(), ErrInvalidRetention)

	cfg = DefaultConfig()
	cfg.FailurePolicy = ""
	require.NoError(t, cfg.ValidateAndPrepare())
	assert.Equal(t, FailOpen, cfg.FailurePolicy)
}
