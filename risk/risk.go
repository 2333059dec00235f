// Package risk implements the advanced limiter: an attempt window, a
// velocity check, bot detection and a persisted per-client risk score.
package risk

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/KeyT9999/RestaurantBookingWebsite-sub002/audit"
	"github.com/KeyT9999/RestaurantBookingWebsite-sub002/category"
	"github.com/KeyT9999/RestaurantBookingWebsite-sub002/stats"
	"github.com/KeyT9999/RestaurantBookingWebsite-sub002/window"
)

// Denial reasons.
const (
	ReasonBlocked  = "blocked"
	ReasonWindow   = "window"
	ReasonVelocity = "velocity"
	ReasonRapid    = "rapid"
	ReasonBot      = "bot"
	ReasonRisk     = "risk"
	ReasonStore    = "store"
)

// AutoBlockPath is the path of the monitor event logged when a client gets auto-blocked.
const AutoBlockPath = "AUTO_BLOCK"

// Advanced response headers.
const (
	HeaderRiskScore   = "X-RateLimit-Risk-Score"
	HeaderRiskLevel   = "X-RateLimit-Risk-Level"
	HeaderSuccessRate = "X-RateLimit-Success-Rate"
	HeaderSuspicious  = "X-RateLimit-Suspicious"
)

const limiterName = "risk"

// Observer receives decision and failure counts.
type Observer interface {
	window.DecisionObserver
	ObserveDenial(category, reason string)
	ObserveStoreError(op string)
}

// Lock elects the node running cluster-wide cleanup.
type Lock interface {
	TryLock(ctx context.Context) error
	Unlock(ctx context.Context) error
}

// Verdict is the outcome of one Allow call.
type Verdict struct {
	Allowed  bool
	Category string
	Reason   string // empty when allowed
	Window   window.Decision
	// Stats is the client's statistics after this decision was recorded.
	Stats stats.Statistics
}

// WriteHeaders sets the window headers and, on allow, the risk headers.
func (v Verdict) WriteHeaders(h http.Header) {
	if v.Window.Limit > 0 {
		v.Window.WriteHeaders(h)
	}
	if !v.Allowed {
		return
	}
	h.Set(HeaderRiskScore, strconv.Itoa(v.Stats.RiskScore))
	h.Set(HeaderRiskLevel, string(v.Stats.RiskLevel()))
	h.Set(HeaderSuccessRate, strconv.FormatFloat(v.Stats.SuccessRate(), 'f', 2, 64))
	h.Set(HeaderSuspicious, strconv.FormatBool(v.Stats.Suspicious))
}

// Limiter is the risk scoring limiter.
type Limiter struct {
	config   *Config
	window   *window.Limiter
	store    stats.Store
	velocity *velocity
	clients  *clientLocks

	now      func() time.Time
	reporter window.BlockReporter
	sink     audit.Sink
	observer Observer
	lock     Lock
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithReporter sets the receiver of denied requests.
func WithReporter(r window.BlockReporter) Option {
	return func(l *Limiter) { l.reporter = r }
}

// WithAuditSink sets the sink every denial is recorded in.
func WithAuditSink(s audit.Sink) Option {
	return func(l *Limiter) { l.sink = s }
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(l *Limiter) { l.observer = o }
}

// WithLock makes CleanupOldData run only while holding lock.
func WithLock(lock Lock) Option {
	return func(l *Limiter) { l.lock = lock }
}

// New creates a Limiter. cfg must have been prepared with ValidateAndPrepare.
func New(cfg *Config, store stats.Store, opts ...Option) *Limiter {
	l := &Limiter{
		config:   cfg,
		store:    store,
		velocity: newVelocity(),
		clients:  newClientLocks(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.window = window.New(&cfg.Window, window.WithName(limiterName), window.WithClock(l.now))
	return l
}

// SetReporter sets the receiver of denied requests after construction.
func (l *Limiter) SetReporter(r window.BlockReporter) {
	l.reporter = r
}

// Window exposes the internal attempt window.
func (l *Limiter) Window() *window.Limiter {
	return l.window
}

// load fetches the client's statistics. ok is false when the store failed.
func (l *Limiter) load(ctx context.Context, client string, now time.Time) (*stats.Statistics, bool) {
	st, err := l.store.FindByClient(ctx, client)
	if err == nil {
		return st, true
	}
	if errors.Is(err, stats.ErrNotFound) {
		return stats.New(client, now), true
	}
	log.Error().Err(err).Str("limiter", limiterName).Str("client", client).Msg("failed to load statistics")
	l.storeError("find")
	return stats.New(client, now), false
}

// Allow decides whether att may proceed on category and records the outcome.
func (l *Limiter) Allow(ctx context.Context, category string, att window.Attempt) Verdict {
	defer l.clients.lock(att.Client)()

	now := l.now()
	v := Verdict{Category: category}

	st, readOK := l.load(ctx, att.Client, now)
	if !readOK && l.config.FailurePolicy == FailClosed {
		v.Reason = ReasonStore
		v.Stats = *st
		l.onDenied(ctx, category, att, ReasonStore)
		return v
	}

	st.Recalculate(l.config.Policy)
	v.Reason = l.check(ctx, category, att, st, readOK, now, &v)
	v.Allowed = v.Reason == ""

	st.TotalRequests++
	st.LastRequestAt = now
	if att.UserAgent != "" {
		st.UserAgent = att.UserAgent
	}
	if v.Allowed {
		st.SuccessfulRequests++
	} else {
		st.FailedRequests++
		st.BlockedCount++
	}
	st.Recalculate(l.config.Policy)

	autoBlocked := false
	if !v.Allowed && l.config.AutoBlockThreshold > 0 &&
		st.BlockedCount >= l.config.AutoBlockThreshold && !st.BlockedAt(now) {
		st.Block(now, l.config.AutoBlockDuration, "auto-blocked: "+v.Reason)
		autoBlocked = true
	}

	// A failed read leaves only fresh counters; saving them would clobber the stored record.
	if readOK {
		if err := l.store.Save(ctx, st); err != nil {
			log.Error().Err(err).Str("limiter", limiterName).Str("client", att.Client).Msg("failed to save statistics")
			l.storeError("save")
		}
	}
	v.Stats = *st

	if v.Allowed {
		log.Debug().Str("limiter", limiterName).Str("category", category).Str("client", att.Client).
			Int("risk_score", st.RiskScore).Msg("request allowed")
		l.observe(category, true)
		return v
	}

	l.onDenied(ctx, category, att, v.Reason)
	if autoBlocked {
		log.Warn().Str("limiter", limiterName).Str("client", att.Client).Int64("blocked_count", st.BlockedCount).
			Dur("duration", l.config.AutoBlockDuration).Str("reason", v.Reason).Msg("client auto-blocked")
		if l.reporter != nil {
			l.reporter.LogBlockedRequest(att.Client, AutoBlockPath, "System")
		}
	}
	return v
}

// check runs the gates in order and returns the first denial reason.
func (l *Limiter) check(ctx context.Context, category string, att window.Attempt, st *stats.Statistics, readOK bool, now time.Time, v *Verdict) string {
	if st.BlockedAt(now) {
		return ReasonBlocked
	}

	v.Window = l.window.Check(ctx, category, att)
	if !v.Window.Allowed {
		return ReasonWindow
	}

	gap, seen, count := l.velocity.record(att.Client, now, l.config.MaxPerMinute)
	if seen && l.config.MinInterval > 0 && gap < l.config.MinInterval {
		return ReasonVelocity
	}
	if l.config.MaxPerMinute > 0 && count > l.config.MaxPerMinute {
		return ReasonRapid
	}

	if l.config.DetectBots && isBot(att.UserAgent) {
		return ReasonBot
	}

	if readOK && st.Suspicious {
		return ReasonRisk
	}
	return ""
}

func (l *Limiter) onDenied(ctx context.Context, category string, att window.Attempt, reason string) {
	log.Warn().Str("limiter", limiterName).Str("category", category).Str("client", att.Client).
		Str("path", att.Path).Str("reason", reason).Msg("request denied")

	if l.reporter != nil {
		l.reporter.LogBlockedRequest(att.Client, att.Path, att.UserAgent)
	}
	if l.sink != nil {
		rec := audit.NewRecord(att.Client, att.Path, att.UserAgent, category, reason)
		if err := l.sink.Emit(ctx, rec); err != nil {
			log.Error().Err(err).Str("limiter", limiterName).Str("client", att.Client).Msg("failed to emit audit record")
		}
	}
	l.observe(category, false)
	if l.observer != nil {
		l.observer.ObserveDenial(category, reason)
	}
}

func (l *Limiter) observe(category string, allowed bool) {
	if l.observer != nil {
		l.observer.ObserveDecision(limiterName, category, allowed)
	}
}

func (l *Limiter) storeError(op string) {
	if l.observer != nil {
		l.observer.ObserveStoreError(op)
	}
}

// IsAllowed checks the request against category and writes the rate limit headers.
func (l *Limiter) IsAllowed(w http.ResponseWriter, r *http.Request, category string) bool {
	v := l.Allow(r.Context(), category, window.AttemptFromRequest(r))
	v.WriteHeaders(w.Header())
	return v.Allowed
}

// Categories lists every routed category plus any extra configured rule.
func (l *Limiter) Categories() []string {
	out := category.All()
	for _, c := range l.window.Categories() {
		if !category.Known(c) {
			out = append(out, c)
		}
	}
	return out
}

// RemainingAttempts reports the window attempts (category, client) has left.
func (l *Limiter) RemainingAttempts(ctx context.Context, category, client string) int {
	return l.window.RemainingAttempts(ctx, category, client)
}

// AutoResetRemaining reports how long a blocked window stays blocked.
func (l *Limiter) AutoResetRemaining(ctx context.Context, category, client string) time.Duration {
	return l.window.AutoResetRemaining(ctx, category, client)
}

// Reset clears the window of (category, client) and its velocity history.
func (l *Limiter) Reset(ctx context.Context, category, client string) {
	l.window.Reset(ctx, category, client)
	l.velocity.forget(client)
}
