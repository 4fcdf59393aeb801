package daemon

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics are served at /__tokfence/metrics on a per-daemon registry so
// tests can run servers side by side.
type metrics struct {
	registry *prometheus.Registry

	requests     *prometheus.CounterVec
	tokens       *prometheus.CounterVec
	spendCents   *prometheus.CounterVec
	rejections   *prometheus.CounterVec
	riskEvents   *prometheus.CounterVec
	upstreamSecs *prometheus.HistogramVec
}

func newMetrics() *metrics {
	m := &metrics{registry: prometheus.NewRegistry()}

	m.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tokfence",
		Name:      "requests_total",
		Help:      "Proxied requests by provider and status class.",
	}, []string{"provider", "status"})

	m.tokens = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tokfence",
		Name:      "tokens_total",
		Help:      "Tokens metered from upstream responses.",
	}, []string{"provider", "direction"})

	m.spendCents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tokfence",
		Name:      "spend_centicents_total",
		Help:      "Estimated spend in hundredths of a cent.",
	}, []string{"provider"})

	m.rejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tokfence",
		Name:      "rejections_total",
		Help:      "Requests refused before upstream contact, by error kind.",
	}, []string{"kind"})

	m.riskEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tokfence",
		Name:      "risk_events_total",
		Help:      "Sensor escalations by event type.",
	}, []string{"event"})

	m.upstreamSecs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tokfence",
		Name:      "upstream_duration_seconds",
		Help:      "Wall time of upstream calls.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"provider"})

	m.registry.MustRegister(m.requests, m.tokens, m.spendCents, m.rejections, m.riskEvents, m.upstreamSecs)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "0"
	}
}
