// Package metrics exposes Prometheus counters for the request integrity layer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "request_guard"

// Metrics holds the collectors for one registry.
type Metrics struct {
	registry *prometheus.Registry

	integrityFailures *prometheus.CounterVec
	rateLimitDecision *prometheus.CounterVec
	storeFailures     *prometheus.CounterVec
}

// New registers the collectors on a fresh registry together with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return newWithRegistry(reg)
}

func newWithRegistry(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,

		integrityFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "integrity_failures_total",
				Help:      "Requests rejected by an origin, content type, csrf or signature check",
			},
			[]string{"check", "reason"},
		),

		rateLimitDecision: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ratelimit_decisions_total",
				Help:      "Rate limiter decisions per endpoint",
			},
			[]string{"endpoint", "outcome"},
		),

		storeFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_failures_total",
				Help:      "Rate limit store failures by backend and the policy applied",
			},
			[]string{"backend", "policy"},
		),
	}
}

// RecordIntegrityFailure counts one rejected request.
func (m *Metrics) RecordIntegrityFailure(check, reason string) {
	m.integrityFailures.WithLabelValues(check, reason).Inc()
}

// RecordRateLimit counts one limiter decision.
func (m *Metrics) RecordRateLimit(endpoint string, allowed bool) {
	outcome := "allowed"
	if !allowed {
		outcome = "denied"
	}
	m.rateLimitDecision.WithLabelValues(endpoint, outcome).Inc()
}

// RecordStoreFailure satisfies ratelimit.FailureRecorder.
func (m *Metrics) RecordStoreFailure(backend, policy string) {
	m.storeFailures.WithLabelValues(backend, policy).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}
