// Package metrics exposes the relay's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds a private registry so tests can create isolated instances.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal  *prometheus.CounterVec
	latencyMs      *prometheus.HistogramVec
	upstreamEvents *prometheus.CounterVec
	toolCalls      *prometheus.CounterVec
	images         *prometheus.CounterVec
	inFlight       prometheus.Gauge
}

func New() *Metrics {
	r := prometheus.NewRegistry()
	m := &Metrics{
		registry: r,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codex_relay_requests_total",
			Help: "Total number of sessions handled by the relay.",
		}, []string{"dialect", "status", "stream"}),
		latencyMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "codex_relay_request_latency_ms",
			Help:    "Session latency in milliseconds.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000, 120000},
		}, []string{"dialect", "status"}),
		upstreamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codex_relay_upstream_events_total",
			Help: "Upstream stream events consumed.",
		}, []string{"dialect"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codex_relay_tool_calls_total",
			Help: "Tool calls relayed to clients, by tool family.",
		}, []string{"family"}),
		images: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codex_relay_images_total",
			Help: "Images normalized, by outcome.",
		}, []string{"outcome"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "codex_relay_sessions_in_flight",
			Help: "Sessions currently streaming.",
		}),
	}
	r.MustRegister(m.requestsTotal, m.latencyMs, m.upstreamEvents, m.toolCalls, m.images, m.inFlight)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveRequest(dialect string, status int, stream bool, dur time.Duration) {
	if m == nil {
		return
	}
	s := strconv.Itoa(status)
	m.requestsTotal.WithLabelValues(dialect, s, strconv.FormatBool(stream)).Inc()
	m.latencyMs.WithLabelValues(dialect, s).Observe(float64(dur.Milliseconds()))
}

func (m *Metrics) AddUpstreamEvents(dialect string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.upstreamEvents.WithLabelValues(dialect).Add(float64(n))
}

func (m *Metrics) IncToolCall(family string) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(family).Inc()
}

func (m *Metrics) AddImages(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.images.WithLabelValues(outcome).Add(float64(n))
}

// SessionStarted increments the in-flight gauge and returns its decrement.
func (m *Metrics) SessionStarted() func() {
	if m == nil {
		return func() {}
	}
	m.inFlight.Inc()
	return m.inFlight.Dec
}
