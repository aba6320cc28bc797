package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	stepDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	bodySizeBuckets     = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the executor.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Execution metrics
	ExecutionsSubmittedTotal prometheus.Counter
	ExecutionsFinishedTotal  *prometheus.CounterVec
	ExecutionsActive         prometheus.Gauge
	ExecutionDuration        *prometheus.HistogramVec

	// Step metrics
	StepRunsTotal *prometheus.CounterVec
	StepDuration  *prometheus.HistogramVec

	// Collaborator metrics
	CircuitBreakerState *prometheus.GaugeVec
	RunQueueWaiting     prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowrun_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowrun_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowrun_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowrun_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Executions
		ExecutionsSubmittedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowrun_executions_submitted_total",
			Help: "Total number of submitted workflow executions.",
		}),
		ExecutionsFinishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowrun_executions_finished_total",
			Help: "Total number of finished workflow executions by final status.",
		}, []string{"status"}),
		ExecutionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowrun_executions_active",
			Help: "Number of executions currently running.",
		}),
		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowrun_execution_duration_seconds",
			Help:    "Workflow execution duration in seconds.",
			Buckets: stepDurationBuckets,
		}, []string{"status"}),

		// Steps
		StepRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowrun_step_runs_total",
			Help: "Total number of step runs by type and outcome.",
		}, []string{"step_type", "status"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowrun_step_duration_seconds",
			Help:    "Step handler duration in seconds.",
			Buckets: stepDurationBuckets,
		}, []string{"step_type"}),

		// Collaborators
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flowrun_api_circuit_breaker_state",
			Help: "Circuit breaker state per api step host (0=closed, 1=half-open, 2=open).",
		}, []string{"host"}),
		RunQueueWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowrun_run_queue_waiting",
			Help: "Number of executions waiting for a free run slot.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		m.ExecutionsSubmittedTotal,
		m.ExecutionsFinishedTotal,
		m.ExecutionsActive,
		m.ExecutionDuration,
		m.StepRunsTotal,
		m.StepDuration,
		m.CircuitBreakerState,
		m.RunQueueWaiting,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordExecutionSubmitted records an accepted submission.
func (m *Metrics) RecordExecutionSubmitted() {
	m.ExecutionsSubmittedTotal.Inc()
}

// RecordExecutionStart records an execution entering running.
func (m *Metrics) RecordExecutionStart() {
	m.ExecutionsActive.Inc()
}

// RecordExecutionFinish records the final status of an execution. started
// reports whether the execution had entered running; executions rejected
// before running never counted as active.
func (m *Metrics) RecordExecutionFinish(status string, started bool, duration time.Duration) {
	m.ExecutionsFinishedTotal.WithLabelValues(status).Inc()
	m.ExecutionDuration.WithLabelValues(status).Observe(duration.Seconds())
	if started {
		m.ExecutionsActive.Dec()
	}
}

// RecordStep records one step run.
func (m *Metrics) RecordStep(stepType, status string, duration time.Duration) {
	m.StepRunsTotal.WithLabelValues(stepType, status).Inc()
	m.StepDuration.WithLabelValues(stepType).Observe(duration.Seconds())
}

// SetCircuitBreakerState sets the circuit breaker state for an api step host.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetCircuitBreakerState(host string, state float64) {
	m.CircuitBreakerState.WithLabelValues(host).Set(state)
}

// SetRunQueueWaiting sets the number of executions waiting for a run slot.
func (m *Metrics) SetRunQueueWaiting(n int) {
	m.RunQueueWaiting.Set(float64(n))
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := newStatusRecorder(w)

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}
