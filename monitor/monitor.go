// Package monitor keeps the ledger of blocked requests, raises alerts for
// clients that keep getting blocked and gives operators a single place to
// inspect and reset every tracked limiter.
package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Alert types and severities.
const (
	AlertHighFrequencyBlock = "HIGH_FREQUENCY_BLOCK"
	AlertSuspiciousActivity = "SUSPICIOUS_ACTIVITY"
	AlertPermanentBlock     = "PERMANENT_BLOCK"

	SeverityWarning = "warning"
	SeverityDanger  = "danger"
)

// BlockedEvent is one denied request.
type BlockedEvent struct {
	ID        string    `json:"id"`
	Client    string    `json:"client"`
	Path      string    `json:"path"`
	UserAgent string    `json:"user_agent"`
	At        time.Time `json:"at"`
}

// Alert is raised when a client is blocked too often.
type Alert struct {
	ID       string    `json:"id"`
	Client   string    `json:"client"`
	Type     string    `json:"type"`
	Message  string    `json:"message"`
	Count    int       `json:"count"`
	Severity string    `json:"severity"`
	At       time.Time `json:"at"`
}

// ClientStats aggregates the blocked events of one client.
type ClientStats struct {
	Client         string    `json:"client"`
	BlockedCount   int64     `json:"blocked_count"`
	FirstBlockedAt time.Time `json:"first_blocked_at,omitzero"`
	LastBlockedAt  time.Time `json:"last_blocked_at,omitzero"`
}

// BucketInfo is the state of one (source, category) pair for a client.
type BucketInfo struct {
	Source    string        `json:"source"`
	Category  string        `json:"category"`
	Remaining int           `json:"remaining"`
	Blocked   bool          `json:"blocked"`
	ResetIn   time.Duration `json:"reset_in"`
}

// Source is a limiter the monitor can inspect and reset.
type Source interface {
	Categories() []string
	RemainingAttempts(ctx context.Context, category, client string) int
	AutoResetRemaining(ctx context.Context, category, client string) time.Duration
	Reset(ctx context.Context, category, client string)
}

// forgetter is implemented by sources holding more than per-category state.
type forgetter interface {
	Forget(ctx context.Context, client string) error
}

type clientRecord struct {
	events  []BlockedEvent // ring once full; events[next] is the oldest
	next    int
	recent  []time.Time // within AlertWindow, oldest first
	blocked int64
	first   time.Time
	last    time.Time
}

type trackedSource struct {
	name string
	src  Source
}

// Monitor is the in-memory monitoring store.
type Monitor struct {
	config Config
	now    func() time.Time

	mu      sync.RWMutex
	clients map[string]*clientRecord
	alerts  []Alert
	sources []trackedSource

	onAlert []func(Alert)
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// WithAlertHandler registers fn to run for every new alert. Handlers run
// on the goroutine that logged the triggering event, outside the lock.
func WithAlertHandler(fn func(Alert)) Option {
	return func(m *Monitor) {
		if fn != nil {
			m.onAlert = append(m.onAlert, fn)
		}
	}
}

// New creates a Monitor. cfg must have been prepared with ValidateAndPrepare.
func New(cfg Config, opts ...Option) *Monitor {
	m := &Monitor{
		config:  cfg,
		now:     time.Now,
		clients: make(map[string]*clientRecord),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Track adds a limiter under name. Sources are visited in the order they were tracked.
func (m *Monitor) Track(name string, src Source) {
	m.mu.Lock()
	m.sources = append(m.sources, trackedSource{name: name, src: src})
	m.mu.Unlock()
}

// LogBlockedRequest records a denied request and raises alerts when the
// client crosses a threshold.
func (m *Monitor) LogBlockedRequest(client, path, userAgent string) {
	now := m.now()
	ev := BlockedEvent{ID: uuid.NewString(), Client: client, Path: path, UserAgent: userAgent, At: now}

	m.mu.Lock()
	rec, ok := m.clients[client]
	if !ok {
		rec = &clientRecord{first: now}
		m.clients[client] = rec
	}
	rec.blocked++
	rec.last = now
	rec.push(ev, m.config.MaxEventsPerClient)

	cutoff := now.Add(-m.config.AlertWindow)
	drop := 0
	for drop < len(rec.recent) && !rec.recent[drop].After(cutoff) {
		drop++
	}
	rec.recent = append(rec.recent[drop:], now)
	// one past the escalation threshold so a saturated client does not re-alert
	if keep := m.config.EscalationThreshold + 1; len(rec.recent) > keep {
		rec.recent = rec.recent[len(rec.recent)-keep:]
	}

	alert, raised := m.evaluate(client, len(rec.recent), now)
	if raised {
		m.addAlertLocked(alert)
	}
	handlers := m.onAlert
	m.mu.Unlock()

	log.Warn().Str("client", client).Str("path", path).Str("user_agent", userAgent).Msg("blocked request logged")
	if !raised {
		return
	}
	log.Warn().Str("client", client).Str("alert_type", alert.Type).Str("severity", alert.Severity).
		Int("count", alert.Count).Msg("rate limit alert raised")
	for _, fn := range handlers {
		fn(alert)
	}
}

func (r *clientRecord) push(ev BlockedEvent, limit int) {
	if limit <= 0 || len(r.events) < limit {
		r.events = append(r.events, ev)
		return
	}
	r.events[r.next] = ev
	r.next = (r.next + 1) % limit
}

// ordered copies the retained events, oldest first.
func (r *clientRecord) ordered() []BlockedEvent {
	out := make([]BlockedEvent, 0, len(r.events))
	out = append(out, r.events[r.next:]...)
	return append(out, r.events[:r.next]...)
}

// addAlertLocked retains a, dropping the oldest alerts past MaxAlerts.
// Caller holds m.mu.
func (m *Monitor) addAlertLocked(a Alert) {
	m.alerts = append(m.alerts, a)
	if limit := m.config.MaxAlerts; limit > 0 && len(m.alerts) > limit {
		n := copy(m.alerts, m.alerts[len(m.alerts)-limit:])
		clear(m.alerts[n:])
		m.alerts = m.alerts[:n]
	}
}

// PermanentBlockAlert raises a danger alert for a client an operator
// blocked permanently.
func (m *Monitor) PermanentBlockAlert(client, reason, blockedBy string) Alert {
	alert := Alert{
		ID:       uuid.NewString(),
		Client:   client,
		Type:     AlertPermanentBlock,
		Message:  fmt.Sprintf("client %s blocked permanently by %s: %s", client, blockedBy, reason),
		Severity: SeverityDanger,
		At:       m.now(),
	}

	m.mu.Lock()
	m.addAlertLocked(alert)
	handlers := m.onAlert
	m.mu.Unlock()

	log.Warn().Str("client", client).Str("alert_type", alert.Type).Str("severity", alert.Severity).Msg("rate limit alert raised")
	for _, fn := range handlers {
		fn(alert)
	}
	return alert
}

// AlertCount is the number of retained alerts.
func (m *Monitor) AlertCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.alerts)
}

// evaluate decides whether count recent blocks crosses a threshold. Caller holds m.mu.
func (m *Monitor) evaluate(client string, count int, now time.Time) (Alert, bool) {
	var typ, severity string
	switch count {
	case m.config.EscalationThreshold:
		typ, severity = AlertSuspiciousActivity, SeverityDanger
	case m.config.AlertThreshold:
		typ, severity = AlertHighFrequencyBlock, SeverityWarning
	default:
		return Alert{}, false
	}
	return Alert{
		ID:       uuid.NewString(),
		Client:   client,
		Type:     typ,
		Message:  fmt.Sprintf("client %s was blocked %d times in %s", client, count, m.config.AlertWindow),
		Count:    count,
		Severity: severity,
		At:       now,
	}, true
}

// BlockedIps lists every client with at least one blocked event, sorted.
func (m *Monitor) BlockedIps() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.clients))
	for client := range m.clients {
		out = append(out, client)
	}
	sort.Strings(out)
	return out
}

// BlockedRequestsForIp returns the retained events of client, oldest first.
func (m *Monitor) BlockedRequestsForIp(client string) []BlockedEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.clients[client]
	if !ok {
		return []BlockedEvent{}
	}
	return rec.ordered()
}

// IpStatistics returns the aggregate of client; zero counts for unknown clients.
func (m *Monitor) IpStatistics(client string) ClientStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.clients[client]
	if !ok {
		return ClientStats{Client: client}
	}
	return rec.stats(client)
}

func (r *clientRecord) stats(client string) ClientStats {
	return ClientStats{Client: client, BlockedCount: r.blocked, FirstBlockedAt: r.first, LastBlockedAt: r.last}
}

// AllIpStatistics returns the aggregate of every client, sorted by client.
func (m *Monitor) AllIpStatistics() []ClientStats {
	m.mu.RLock()
	out := make([]ClientStats, 0, len(m.clients))
	for client, rec := range m.clients {
		out = append(out, rec.stats(client))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Client < out[j].Client })
	return out
}

// TopBlockedIps returns up to n clients with the most blocked events.
// Ties are ordered by client.
func (m *Monitor) TopBlockedIps(n int) []ClientStats {
	if n <= 0 {
		return []ClientStats{}
	}
	out := m.AllIpStatistics()
	sort.SliceStable(out, func(i, j int) bool { return out[i].BlockedCount > out[j].BlockedCount })
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// AllAlerts returns every retained alert, newest first.
func (m *Monitor) AllAlerts() []Alert {
	m.mu.RLock()
	out := append(make([]Alert, 0, len(m.alerts)), m.alerts...)
	m.mu.RUnlock()
	sortNewestFirst(out)
	return out
}

// AlertsForIp returns the alerts of client, newest first.
func (m *Monitor) AlertsForIp(client string) []Alert {
	m.mu.RLock()
	out := make([]Alert, 0)
	for _, a := range m.alerts {
		if a.Client == client {
			out = append(out, a)
		}
	}
	m.mu.RUnlock()
	sortNewestFirst(out)
	return out
}

func sortNewestFirst(alerts []Alert) {
	// reversed first so equal timestamps keep the latest insert on top
	for i, j := 0, len(alerts)-1; i < j; i, j = i+1, j-1 {
		alerts[i], alerts[j] = alerts[j], alerts[i]
	}
	sort.SliceStable(alerts, func(i, j int) bool { return alerts[i].At.After(alerts[j].At) })
}

// ClearAlerts removes the alerts of client and returns how many were removed.
func (m *Monitor) ClearAlerts(client string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clearAlertsLocked(client)
}

func (m *Monitor) clearAlertsLocked(client string) int {
	kept := m.alerts[:0]
	removed := 0
	for _, a := range m.alerts {
		if a.Client == client {
			removed++
			continue
		}
		kept = append(kept, a)
	}
	m.alerts = kept
	return removed
}

func (m *Monitor) trackedSources() []trackedSource {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]trackedSource(nil), m.sources...)
}

func owns(src Source, category string) bool {
	for _, c := range src.Categories() {
		if c == category {
			return true
		}
	}
	return false
}

// IsIpBlocked reports whether client has no attempts left on category in
// any tracked source handling that category.
func (m *Monitor) IsIpBlocked(ctx context.Context, client, category string) bool {
	for _, ts := range m.trackedSources() {
		if owns(ts.src, category) && ts.src.RemainingAttempts(ctx, category, client) == 0 {
			return true
		}
	}
	return false
}

// BucketInfo reports client's state in every category of every tracked
// source, keyed by "source/category".
func (m *Monitor) BucketInfo(ctx context.Context, client string) map[string]BucketInfo {
	out := make(map[string]BucketInfo)
	for _, ts := range m.trackedSources() {
		for _, c := range ts.src.Categories() {
			remaining := ts.src.RemainingAttempts(ctx, c, client)
			out[ts.name+"/"+c] = BucketInfo{
				Source:    ts.name,
				Category:  c,
				Remaining: remaining,
				Blocked:   remaining == 0,
				ResetIn:   ts.src.AutoResetRemaining(ctx, c, client),
			}
		}
	}
	return out
}

// ResetRateLimitForIp clears client everywhere: every category of every
// tracked source, its events, aggregate and alerts.
func (m *Monitor) ResetRateLimitForIp(ctx context.Context, client string) error {
	var firstErr error
	for _, ts := range m.trackedSources() {
		for _, c := range ts.src.Categories() {
			ts.src.Reset(ctx, c, client)
		}
		if f, ok := ts.src.(forgetter); ok {
			if err := f.Forget(ctx, client); err != nil {
				log.Error().Err(err).Str("source", ts.name).Str("client", client).Msg("failed to forget client")
				if firstErr == nil {
					firstErr = fmt.Errorf("%s: %w", ts.name, err)
				}
			}
		}
	}

	m.mu.Lock()
	delete(m.clients, client)
	alerts := m.clearAlertsLocked(client)
	m.mu.Unlock()

	log.Info().Str("client", client).Int("alerts_cleared", alerts).Msg("rate limits reset for client")
	return firstErr
}
