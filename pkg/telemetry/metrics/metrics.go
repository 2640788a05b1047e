// Package metrics exposes Prometheus instrumentation for the request
// pipeline and account registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "meridian"

// Metrics holds every collector the proxy records. A nil *Metrics is valid
// and records nothing, so instrumentation stays optional in tests.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	tokensTotal     *prometheus.CounterVec
	retriesTotal    *prometheus.CounterVec
	rotationsTotal  prometheus.Counter
	rateLimitMarks  *prometheus.CounterVec
	streamsActive   prometheus.Gauge
}

// New creates and registers all collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total chat requests processed, by model and outcome",
		}, []string{"model", "outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Duration of upstream chat calls in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"model"}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Total tokens processed, by model and direction",
		}, []string{"model", "direction"}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retry attempts, by kind (same_account, endpoint, backoff)",
		}, []string{"kind"}),
		rotationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "account_rotations_total",
			Help:      "Times the pipeline switched to another account",
		}),
		rateLimitMarks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_marks_total",
			Help:      "Accounts marked rate limited, by classification reason",
		}, []string{"reason"}),
		streamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Streaming responses currently in flight",
		}),
	}

	reg.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.tokensTotal,
		m.retriesTotal,
		m.rotationsTotal,
		m.rateLimitMarks,
		m.streamsActive,
	)
	return m
}

// Handler serves the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one finished chat call.
func (m *Metrics) ObserveRequest(model, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(model, outcome).Inc()
	m.requestDuration.WithLabelValues(model).Observe(seconds)
}

// ObserveTokens records token usage for a completed call.
func (m *Metrics) ObserveTokens(model string, input, output int) {
	if m == nil {
		return
	}
	m.tokensTotal.WithLabelValues(model, "input").Add(float64(input))
	m.tokensTotal.WithLabelValues(model, "output").Add(float64(output))
}

// RecordRetry counts a retry attempt of the given kind.
func (m *Metrics) RecordRetry(kind string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(kind).Inc()
}

// RecordRotation counts an account switch.
func (m *Metrics) RecordRotation() {
	if m == nil {
		return
	}
	m.rotationsTotal.Inc()
}

// RecordRateLimitMark counts a rate-limit classification.
func (m *Metrics) RecordRateLimitMark(reason string) {
	if m == nil {
		return
	}
	m.rateLimitMarks.WithLabelValues(reason).Inc()
}

// StreamStarted and StreamFinished track in-flight streams.
func (m *Metrics) StreamStarted() {
	if m == nil {
		return
	}
	m.streamsActive.Inc()
}

// StreamFinished decrements the in-flight stream gauge.
func (m *Metrics) StreamFinished() {
	if m == nil {
		return
	}
	m.streamsActive.Dec()
}
