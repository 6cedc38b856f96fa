// Package metrics tracks per-mode transaction counters and serves them on a
// loopback-only Prometheus endpoint. Where the teacher's msgcounter.go uses
// a bare atomic.Int64 per counter, this package uses a prometheus.CounterVec
// so counters can be broken down by mode and, for rejections, by SMTP code.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter the proxy updates as it handles transactions.
type Metrics struct {
	registry    *prometheus.Registry
	accepted    *prometheus.CounterVec
	rejected    *prometheus.CounterVec
	rateLimited *prometheus.CounterVec
}

// New registers and returns a fresh Metrics against its own registry, so
// multiple Metrics instances (e.g. one per mode in a single test binary)
// never collide.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		accepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "madfilter_accepted_total",
			Help: "Number of transactions accepted and re-injected.",
		}, []string{"mode"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "madfilter_rejected_total",
			Help: "Number of transactions rejected, by SMTP reply code.",
		}, []string{"mode", "code"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "madfilter_rate_limited_total",
			Help: "Number of MAIL FROM commands denied by the rate limiter.",
		}, []string{"mode"}),
	}
	reg.MustRegister(m.accepted, m.rejected, m.rateLimited)
	m.registry = reg
	return m
}

// Handler returns an http.Handler serving this Metrics' counters in the
// Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// IncAccepted records one accepted transaction for mode.
func (m *Metrics) IncAccepted(mode string) {
	m.accepted.WithLabelValues(mode).Inc()
}

// IncRejected records one rejected transaction for mode with the given
// leading SMTP reply code (e.g. "523", "500").
func (m *Metrics) IncRejected(mode, code string) {
	m.rejected.WithLabelValues(mode, code).Inc()
}

// IncRateLimited records one MAIL FROM denied by the rate limiter for mode.
func (m *Metrics) IncRateLimited(mode string) {
	m.rateLimited.WithLabelValues(mode).Inc()
}
