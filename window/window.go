// Package window implements per-(category, client) attempt windows with
// idle auto-reset.
package window

import (
	"context"
	"hash/fnv"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/KeyT9999/RestaurantBookingWebsite-sub002/audit"
	"github.com/KeyT9999/RestaurantBookingWebsite-sub002/clientip"
)

const shardCount = 64

// Response headers written for windowed categories.
const (
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"
)

// State of an attempt window.
type State int

const (
	StateFresh State = iota
	StateWithinLimit
	StateBlocked
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "FRESH"
	case StateWithinLimit:
		return "WITHIN_LIMIT"
	case StateBlocked:
		return "BLOCKED"
	default:
		return "UNKNOWN"
	}
}

// Attempt describes the request being counted.
type Attempt struct {
	Client    string
	Path      string
	UserAgent string
}

// AttemptFromRequest builds an Attempt from r.
func AttemptFromRequest(r *http.Request) Attempt {
	return Attempt{
		Client:    clientip.FromRequest(r),
		Path:      r.URL.Path,
		UserAgent: r.UserAgent(),
	}
}

// Decision is the outcome of one check.
type Decision struct {
	Allowed   bool
	Category  string
	State     State // state after the check
	Limit     int
	Remaining int
	// ResetIn is when the window closes, or when a block lifts if State is StateBlocked.
	ResetIn time.Duration
}

// WriteHeaders sets the X-RateLimit-* headers for d.
func (d Decision) WriteHeaders(h http.Header) {
	h.Set(HeaderLimit, strconv.Itoa(d.Limit))
	h.Set(HeaderRemaining, strconv.Itoa(d.Remaining))
	h.Set(HeaderReset, strconv.FormatInt(int64(math.Ceil(d.ResetIn.Seconds())), 10))
}

// BlockReporter receives every denied attempt.
type BlockReporter interface {
	LogBlockedRequest(client, path, userAgent string)
}

// DecisionObserver is notified of every decision.
type DecisionObserver interface {
	ObserveDecision(limiter, category string, allowed bool)
}

type entry struct {
	mu          sync.Mutex
	category    string
	removed     bool // dropped from its shard; holders must look it up again
	open        bool
	count       int
	windowStart time.Time
	lastAttempt time.Time // last admitted attempt
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// Limiter holds the attempt windows of every (category, client) pair.
type Limiter struct {
	name     string
	config   *Config
	shards   [shardCount]*shard
	now      func() time.Time
	reporter BlockReporter
	sink     audit.Sink
	observer DecisionObserver
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithName labels the limiter in logs and metrics.
func WithName(name string) Option {
	return func(l *Limiter) { l.name = name }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithReporter sets the receiver of denied attempts.
func WithReporter(r BlockReporter) Option {
	return func(l *Limiter) { l.reporter = r }
}

// WithAuditSink sets the sink for denials of audited categories.
func WithAuditSink(s audit.Sink) Option {
	return func(l *Limiter) { l.sink = s }
}

// WithObserver sets the decision observer.
func WithObserver(o DecisionObserver) Option {
	return func(l *Limiter) { l.observer = o }
}

// New creates a Limiter. cfg must have been prepared with ValidateAndPrepare.
func New(cfg *Config, opts ...Option) *Limiter {
	l := &Limiter{
		name:   "window",
		config: cfg,
		now:    time.Now,
	}
	for i := range l.shards {
		l.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetReporter sets the receiver of denied attempts after construction.
func (l *Limiter) SetReporter(r BlockReporter) {
	l.reporter = r
}

func entryKey(category, client string) string {
	return category + "|" + client
}

func (l *Limiter) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return l.shards[h.Sum32()%shardCount]
}

func (l *Limiter) lookup(category, client string, create bool) *entry {
	key := entryKey(category, client)
	sh := l.shardFor(key)

	sh.mu.RLock()
	e, ok := sh.entries[key]
	sh.mu.RUnlock()
	if ok || !create {
		return e
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, ok = sh.entries[key]; !ok {
		e = &entry{category: category}
		sh.entries[key] = e
	}
	return e
}

// acquire returns the locked live entry of (category, client), creating it.
func (l *Limiter) acquire(category, client string) *entry {
	for {
		e := l.lookup(category, client, true)
		e.mu.Lock()
		if !e.removed {
			return e
		}
		e.mu.Unlock()
	}
}

// drop removes key from sh. Caller holds sh.mu.
func drop(sh *shard, key string, e *entry) {
	delete(sh.entries, key)
	e.mu.Lock()
	e.removed = true
	e.mu.Unlock()
}

// expired reports whether the window has to start over. Caller holds e.mu.
func expired(e *entry, rule Rule, now time.Time) bool {
	if !e.open {
		return true
	}
	if now.Sub(e.lastAttempt) >= rule.AutoReset {
		return true
	}
	return rule.ExpireWindow && now.Sub(e.windowStart) >= rule.Window
}

// state reports the state of e at now without mutating it. Caller holds e.mu.
func state(e *entry, rule Rule, now time.Time) State {
	if e == nil || expired(e, rule, now) {
		return StateFresh
	}
	if e.count >= rule.MaxAttempts {
		return StateBlocked
	}
	return StateWithinLimit
}

func resetIn(e *entry, rule Rule, now time.Time) time.Duration {
	d := rule.Window - now.Sub(e.windowStart)
	if d < 0 {
		return 0
	}
	return d
}

// unblockIn is how long a blocked entry stays blocked without further
// attempts. Caller holds e.mu.
func unblockIn(e *entry, rule Rule, now time.Time) time.Duration {
	left := rule.AutoReset - now.Sub(e.lastAttempt)
	if rule.ExpireWindow {
		if w := rule.Window - now.Sub(e.windowStart); w < left {
			left = w
		}
	}
	if left < 0 {
		return 0
	}
	return left
}

// Check counts an attempt for (category, att.Client) and decides whether it is allowed.
func (l *Limiter) Check(ctx context.Context, category string, att Attempt) Decision {
	rule := l.config.Rule(category)
	now := l.now()

	e := l.acquire(category, att.Client)
	if expired(e, rule, now) {
		if e.open {
			log.Debug().Str("limiter", l.name).Str("category", category).Str("client", att.Client).Msg("attempt window reset")
		}
		e.open = true
		e.count = 0
		e.windowStart = now
		e.lastAttempt = now
	}

	d := Decision{Category: category, Limit: rule.MaxAttempts}
	if e.count >= rule.MaxAttempts {
		d.State = StateBlocked
		d.ResetIn = unblockIn(e, rule, now)
		count := e.count
		e.mu.Unlock()

		log.Warn().Str("limiter", l.name).Str("category", category).Str("client", att.Client).Int("attempts", count).Int("max", rule.MaxAttempts).Msg("attempt limit reached")
		l.onBlocked(ctx, rule, att)
		l.observe(category, false)
		return d
	}

	e.count++
	e.lastAttempt = now
	d.Allowed = true
	d.Remaining = rule.MaxAttempts - e.count
	if e.count >= rule.MaxAttempts {
		d.State = StateBlocked
		d.ResetIn = unblockIn(e, rule, now)
	} else {
		d.State = StateWithinLimit
		d.ResetIn = resetIn(e, rule, now)
	}
	count := e.count
	e.mu.Unlock()

	log.Debug().Str("limiter", l.name).Str("category", category).Str("client", att.Client).Int("attempts", count).Int("max", rule.MaxAttempts).Msg("attempt allowed")
	l.observe(category, true)
	return d
}

func (l *Limiter) onBlocked(ctx context.Context, rule Rule, att Attempt) {
	if l.reporter != nil {
		l.reporter.LogBlockedRequest(att.Client, att.Path, att.UserAgent)
	}
	if rule.Audit && l.sink != nil {
		rec := audit.NewRecord(att.Client, att.Path, att.UserAgent, rule.Category, "window")
		if err := l.sink.Emit(ctx, rec); err != nil {
			log.Error().Err(err).Str("limiter", l.name).Str("category", rule.Category).Msg("failed to emit audit record")
		}
	}
}

func (l *Limiter) observe(category string, allowed bool) {
	if l.observer != nil {
		l.observer.ObserveDecision(l.name, category, allowed)
	}
}

// IsAllowed checks the request against category and writes the rate limit headers.
func (l *Limiter) IsAllowed(w http.ResponseWriter, r *http.Request, category string) bool {
	d := l.Check(r.Context(), category, AttemptFromRequest(r))
	d.WriteHeaders(w.Header())
	return d.Allowed
}

// Reset clears the window of (category, client); the next check starts fresh.
func (l *Limiter) Reset(ctx context.Context, category, client string) {
	key := entryKey(category, client)
	sh := l.shardFor(key)
	sh.mu.Lock()
	if e, ok := sh.entries[key]; ok {
		drop(sh, key, e)
	}
	sh.mu.Unlock()
	log.Debug().Str("limiter", l.name).Str("category", category).Str("client", client).Msg("attempt window cleared")
}

// ResetAll clears every window of category, or every window when category is empty.
func (l *Limiter) ResetAll(ctx context.Context, category string) {
	removed := 0
	for _, sh := range l.shards {
		sh.mu.Lock()
		for key, e := range sh.entries {
			if category == "" || e.category == category {
				drop(sh, key, e)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	log.Info().Str("limiter", l.name).Str("category", category).Int("removed", removed).Msg("attempt windows cleared")
}

// ResetClient clears every window of client, whatever its category.
func (l *Limiter) ResetClient(ctx context.Context, client string) int {
	suffix := "|" + client
	removed := 0
	for _, sh := range l.shards {
		sh.mu.Lock()
		for key, e := range sh.entries {
			if strings.HasSuffix(key, suffix) {
				drop(sh, key, e)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	if removed > 0 {
		log.Debug().Str("limiter", l.name).Str("client", client).Int("removed", removed).Msg("client attempt windows cleared")
	}
	return removed
}

// RemainingAttempts reports how many attempts (category, client) has left.
func (l *Limiter) RemainingAttempts(ctx context.Context, category, client string) int {
	rule := l.config.Rule(category)
	e := l.lookup(category, client, false)
	if e == nil {
		return rule.MaxAttempts
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if expired(e, rule, l.now()) {
		return rule.MaxAttempts
	}
	if e.count >= rule.MaxAttempts {
		return 0
	}
	return rule.MaxAttempts - e.count
}

// AutoResetRemaining is how long a blocked (category, client) has to stay
// idle before the window starts over. Zero when not blocked.
func (l *Limiter) AutoResetRemaining(ctx context.Context, category, client string) time.Duration {
	rule := l.config.Rule(category)
	e := l.lookup(category, client, false)
	if e == nil {
		return 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	now := l.now()
	if state(e, rule, now) != StateBlocked {
		return 0
	}
	return unblockIn(e, rule, now)
}

// State reports the current state of (category, client) without counting an attempt.
func (l *Limiter) State(ctx context.Context, category, client string) State {
	rule := l.config.Rule(category)
	e := l.lookup(category, client, false)
	if e == nil {
		return StateFresh
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return state(e, rule, l.now())
}

// Categories lists the explicitly configured categories.
func (l *Limiter) Categories() []string {
	return l.config.Categories()
}

// Sweep drops windows that would start over on their next check.
func (l *Limiter) Sweep() int {
	now := l.now()
	removed := 0
	for _, sh := range l.shards {
		sh.mu.Lock()
		for key, e := range sh.entries {
			e.mu.Lock()
			if expired(e, l.config.Rule(e.category), now) {
				delete(sh.entries, key)
				e.removed = true
				removed++
			}
			e.mu.Unlock()
		}
		sh.mu.Unlock()
	}
	return removed
}

// Run sweeps idle windows every interval until ctx is done.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				log.Debug().Str("limiter", l.name).Int("removed", n).Msg("swept idle attempt windows")
			}
		}
	}
}
