// Package metrics holds the coordinator's Prometheus collectors. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	ConnectionsLive   prometheus.Gauge
	ConnectionEvents  *prometheus.CounterVec
	Injections        *prometheus.CounterVec
	Directives        *prometheus.CounterVec
	EnvelopesDropped  *prometheus.CounterVec
	HeartbeatExpiries prometheus.Counter
	Evictions         prometheus.Counter
}

// New registers every collector on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		ConnectionsLive: f.NewGauge(prometheus.GaugeOpts{
			Name: "pagebridge_connections_live",
			Help: "Tabs with a live relay socket",
		}),
		ConnectionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pagebridge_connection_events_total",
			Help: "Connection lifecycle events by kind and reason",
		}, []string{"kind", "reason"}),
		Injections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pagebridge_injections_total",
			Help: "Injection attempts by outcome code",
		}, []string{"outcome"}),
		Directives: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pagebridge_directives_total",
			Help: "Navigation directives by action",
		}, []string{"action"}),
		EnvelopesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pagebridge_envelopes_dropped_total",
			Help: "Envelopes dropped at a receiving boundary",
		}, []string{"boundary", "reason"}),
		HeartbeatExpiries: f.NewCounter(prometheus.CounterOpts{
			Name: "pagebridge_heartbeat_expiries_total",
			Help: "Tabs whose bridge heartbeat went missing",
		}),
		Evictions: f.NewCounter(prometheus.CounterOpts{
			Name: "pagebridge_evictions_total",
			Help: "Coordinator state evictions",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SetLive(n int) {
	if m == nil {
		return
	}
	m.ConnectionsLive.Set(float64(n))
}

func (m *Metrics) ConnectionEvent(kind, reason string) {
	if m == nil {
		return
	}
	m.ConnectionEvents.WithLabelValues(kind, reason).Inc()
}

// Injection records an attempt; outcome is "ok" or an error code.
func (m *Metrics) Injection(outcome string) {
	if m == nil {
		return
	}
	m.Injections.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Directive(action string) {
	if m == nil {
		return
	}
	m.Directives.WithLabelValues(action).Inc()
}

func (m *Metrics) Dropped(boundary, reason string) {
	if m == nil {
		return
	}
	m.EnvelopesDropped.WithLabelValues(boundary, reason).Inc()
}

func (m *Metrics) HeartbeatExpired() {
	if m == nil {
		return
	}
	m.HeartbeatExpiries.Inc()
}

func (m *Metrics) Evicted() {
	if m == nil {
		return
	}
	m.Evictions.Inc()
}
