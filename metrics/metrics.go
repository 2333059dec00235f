// Package metrics exports limiter decisions as Prometheus counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/KeyT9999/RestaurantBookingWebsite-sub002/monitor"
	"github.com/KeyT9999/RestaurantBookingWebsite-sub002/risk"
	"github.com/KeyT9999/RestaurantBookingWebsite-sub002/window"
)

const namespace = "ratelimit"

const (
	outcomeAllowed = "allowed"
	outcomeDenied  = "denied"
)

// Metrics holds the collectors. The zero value is not usable; use New.
type Metrics struct {
	registry *prometheus.Registry

	decisions   *prometheus.CounterVec
	denials     *prometheus.CounterVec
	storeErrors *prometheus.CounterVec
	alerts      *prometheus.CounterVec
	dropped     prometheus.CounterFunc
}

var (
	_ risk.Observer           = (*Metrics)(nil)
	_ window.DecisionObserver = (*Metrics)(nil)
)

// New registers the collectors on a fresh registry. dropped, when non-nil,
// reports the number of audit records lost to a full buffer.
func New(dropped func() int64) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Rate limit decisions by limiter, category and outcome.",
		}, []string{"limiter", "category", "outcome"}),
		denials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "denials_total",
			Help:      "Risk limiter denials by category and reason.",
		}, []string{"category", "reason"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Statistics store failures by operation.",
		}, []string{"op"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Monitoring alerts raised by type and severity.",
		}, []string{"type", "severity"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.decisions, m.denials, m.storeErrors, m.alerts,
	)

	if dropped != nil {
		m.dropped = prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_dropped_total",
			Help:      "Audit records dropped because the dispatch buffer was full.",
		}, func() float64 { return float64(dropped()) })
		m.registry.MustRegister(m.dropped)
	}
	return m
}

// ObserveDecision counts one decision.
func (m *Metrics) ObserveDecision(limiter, category string, allowed bool) {
	outcome := outcomeAllowed
	if !allowed {
		outcome = outcomeDenied
	}
	m.decisions.WithLabelValues(limiter, category, outcome).Inc()
}

func (m *Metrics) ObserveDenial(category, reason string) {
	m.denials.WithLabelValues(category, reason).Inc()
}

func (m *Metrics) ObserveStoreError(op string) {
	m.storeErrors.WithLabelValues(op).Inc()
}

// ObserveAlert is a monitor alert handler.
func (m *Metrics) ObserveAlert(a monitor.Alert) {
	m.alerts.WithLabelValues(a.Type, a.Severity).Inc()
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
