// Package metrics holds the Prometheus collectors shared by the auth server, BFF and hubs.
//
// All methods are safe on a nil *Metrics so packages can run without instrumentation in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "avancira"

// Metrics is the set of collectors exported by Avancira processes.
type Metrics struct {
	reg *prometheus.Registry

	logins        *prometheus.CounterVec
	refreshes     *prometheus.CounterVec
	revocations   *prometheus.CounterVec
	cacheLookups  *prometheus.CounterVec
	cacheErrors   prometheus.Counter
	bffUpstream   *prometheus.CounterVec
	hubConns      *prometheus.GaugeVec
	sweptSessions prometheus.Counter
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "auth", Name: "logins_total",
			Help: "Login attempts by result.",
		}, []string{"result"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "auth", Name: "refreshes_total",
			Help: "Refresh-token rotations by result.",
		}, []string{"result"}),
		revocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "auth", Name: "session_revocations_total",
			Help: "Session revocations by reason.",
		}, []string{"reason"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session_cache", Name: "lookups_total",
			Help: "Session cache lookups by result (hit, miss, stale).",
		}, []string{"result"}),
		cacheErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session_cache", Name: "backend_errors_total",
			Help: "Cache backend failures that degraded to the store.",
		}),
		bffUpstream: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bff", Name: "upstream_responses_total",
			Help: "Proxied upstream responses by status class.",
		}, []string{"class"}),
		hubConns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "hubs", Name: "connections",
			Help: "Open hub WebSocket connections.",
		}, []string{"hub"}),
		sweptSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "auth", Name: "sessions_expired_total",
			Help: "Sessions marked expired by the cleanup job.",
		}),
	}

	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		m.logins, m.refreshes, m.revocations, m.cacheLookups, m.cacheErrors,
		m.bffUpstream, m.hubConns, m.sweptSessions,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry exposes the underlying registry (tests).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) Login(result string) {
	if m != nil {
		m.logins.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Refresh(result string) {
	if m != nil {
		m.refreshes.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Revocation(reason string) {
	if m != nil {
		m.revocations.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) CacheLookup(result string) {
	if m != nil {
		m.cacheLookups.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) CacheError() {
	if m != nil {
		m.cacheErrors.Inc()
	}
}

func (m *Metrics) Upstream(class string) {
	if m != nil {
		m.bffUpstream.WithLabelValues(class).Inc()
	}
}

func (m *Metrics) HubConnected(hub string) {
	if m != nil {
		m.hubConns.WithLabelValues(hub).Inc()
	}
}

func (m *Metrics) HubDisconnected(hub string) {
	if m != nil {
		m.hubConns.WithLabelValues(hub).Dec()
	}
}

func (m *Metrics) SessionsExpired(n int) {
	if m != nil && n > 0 {
		m.sweptSessions.Add(float64(n))
	}
}
