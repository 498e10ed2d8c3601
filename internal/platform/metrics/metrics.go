package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the playout engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry           *prometheus.Registry
	requestsTotal      prometheus.Counter
	requestDuration    *prometheus.HistogramVec
	errorsTotal        prometheus.Counter
	admissionsTotal    *prometheus.CounterVec
	mutationsTotal     *prometheus.CounterVec
	reconcilesTotal    *prometheus.CounterVec
	armedTriggers      prometheus.Gauge
	triggerFiresTotal  *prometheus.CounterVec
	handoffsTotal      prometheus.Counter
	handoffFailures    prometheus.Counter
	renditionsTotal    prometheus.Counter
	assetsRetiredTotal *prometheus.CounterVec
	publishing         prometheus.Gauge
}

// New creates and registers Prometheus metrics for the engine.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "playout_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "playout_request_duration_seconds",
			Help:    "HTTP request latency by route pattern, method and status class",
			Buckets: []float64{0.005, 0.025, 0.1, 0.5, 2, 10, 60},
		}, []string{"route", "method", "code"}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "playout_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		admissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "playout_admissions_total",
			Help: "Timeline admission attempts by result",
		}, []string{"result"}),
		mutationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "playout_timeline_mutations_total",
			Help: "Successful timeline mutations by operation",
		}, []string{"op"}),
		reconcilesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "playout_reconciles_total",
			Help: "Reconciliation passes by result",
		}, []string{"result"}),
		armedTriggers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "playout_armed_triggers",
			Help: "Number of triggers currently armed",
		}),
		triggerFiresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "playout_trigger_fires_total",
			Help: "Trigger callbacks by outcome (handoff, stale, superseded, shadowed)",
		}, []string{"outcome"}),
		handoffsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "playout_handoffs_total",
			Help: "Total number of completed output hand-offs",
		}),
		handoffFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "playout_handoff_failures_total",
			Help: "Total number of failed output hand-offs",
		}),
		renditionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "playout_renditions_created_total",
			Help: "Total number of derived video renditions transcoded",
		}),
		assetsRetiredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "playout_assets_retired_total",
			Help: "Assets retired by classification",
		}, []string{"classification"}),
		publishing: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "playout_publishing",
			Help: "1 while a publishing process is active, 0 when idle",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.errorsTotal,
		m.admissionsTotal,
		m.mutationsTotal,
		m.reconcilesTotal,
		m.armedTriggers,
		m.triggerFiresTotal,
		m.handoffsTotal,
		m.handoffFailures,
		m.renditionsTotal,
		m.assetsRetiredTotal,
		m.publishing,
	)

	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
}

// ObserveRequest records one served request. route is the matched route
// pattern, never the raw path, to keep label cardinality bounded.
func (m *Metrics) ObserveRequest(route, method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(route, method, statusClass(status)).Observe(elapsed.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

// IncAdmission records an admission attempt ("ok", "conflict", "invalid", "error").
func (m *Metrics) IncAdmission(result string) {
	if m == nil {
		return
	}
	m.admissionsTotal.WithLabelValues(result).Inc()
}

// IncMutation records a successful timeline mutation ("admit", "move", "remove").
func (m *Metrics) IncMutation(op string) {
	if m == nil {
		return
	}
	m.mutationsTotal.WithLabelValues(op).Inc()
}

// IncReconcile records a reconciliation pass ("ok", "abandoned", "error").
func (m *Metrics) IncReconcile(result string) {
	if m == nil {
		return
	}
	m.reconcilesTotal.WithLabelValues(result).Inc()
}

// SetArmedTriggers sets the armed triggers gauge.
func (m *Metrics) SetArmedTriggers(n int) {
	if m == nil {
		return
	}
	m.armedTriggers.Set(float64(n))
}

// IncTriggerFire records the outcome of one trigger callback.
func (m *Metrics) IncTriggerFire(outcome string) {
	if m == nil {
		return
	}
	m.triggerFiresTotal.WithLabelValues(outcome).Inc()
}

// IncHandoff increments the completed hand-off counter.
func (m *Metrics) IncHandoff() {
	if m == nil {
		return
	}
	m.handoffsTotal.Inc()
}

// IncHandoffFailure increments the failed hand-off counter.
func (m *Metrics) IncHandoffFailure() {
	if m == nil {
		return
	}
	m.handoffFailures.Inc()
}

// IncRenditions increments the transcoded renditions counter.
func (m *Metrics) IncRenditions() {
	if m == nil {
		return
	}
	m.renditionsTotal.Inc()
}

// IncAssetsRetired records a retired asset ("source" or "derived").
func (m *Metrics) IncAssetsRetired(classification string) {
	if m == nil {
		return
	}
	m.assetsRetiredTotal.WithLabelValues(classification).Inc()
}

// SetPublishing sets the publishing gauge.
func (m *Metrics) SetPublishing(active bool) {
	if m == nil {
		return
	}
	if active {
		m.publishing.Set(1)
		return
	}
	m.publishing.Set(0)
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
