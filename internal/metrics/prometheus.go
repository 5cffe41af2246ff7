package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for tenantgate metrics
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// HTTP
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	activeRequests  prometheus.Gauge

	// Rate limiting
	rateLimitDecisions     *prometheus.CounterVec
	rateLimitBackendErrors prometheus.Counter
	rateLimitCounters      prometheus.Gauge
	rateLimitSwept         prometheus.Counter
	rateLimitDegraded      prometheus.Gauge

	// Tenancy
	tenantResolutions     *prometheus.CounterVec
	tenantProbeDuration   *prometheus.HistogramVec
	handleConstructions   *prometheus.CounterVec
	handleInvalidations   prometheus.Counter
	tenantHandles         prometheus.Gauge
	tenantContextFailures *prometheus.CounterVec

	// Response envelope
	envelopeTotal *prometheus.CounterVec

	uptime prometheus.GaugeFunc
}

// Default histogram buckets for request duration (in milliseconds)
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}

var (
	promMetrics *PrometheusMetrics
	startTime   = time.Now()
)

// StartTime returns the time when the process started.
func StartTime() time.Time {
	return startTime
}

// InitPrometheus initializes the Prometheus metrics subsystem
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "code"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_milliseconds",
				Help:      "Duration of HTTP requests in milliseconds",
				Buckets:   buckets,
			},
			[]string{"method"},
		),

		activeRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_requests",
				Help:      "Number of requests currently being served",
			},
		),

		rateLimitDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ratelimit_decisions_total",
				Help:      "Rate limit decisions by policy and outcome",
			},
			[]string{"policy", "outcome"},
		),

		rateLimitBackendErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ratelimit_backend_errors_total",
				Help:      "Rate limit checks that failed open because the backend errored",
			},
		),

		rateLimitCounters: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ratelimit_counters",
				Help:      "Number of live in-process rate limit counters",
			},
		),

		rateLimitDegraded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ratelimit_backend_degraded",
				Help:      "1 while the shared rate limit backend is down and counters are process-local",
			},
		),

		rateLimitSwept: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ratelimit_counters_swept_total",
				Help:      "Idle rate limit counters removed by the sweeper",
			},
		),

		tenantResolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tenant_resolutions_total",
				Help:      "Tenant resolutions by the source that decided the owner",
			},
			[]string{"source"},
		),

		tenantProbeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tenant_probe_duration_milliseconds",
				Help:      "Duration of subuser probes against private databases",
				Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
			},
			[]string{"result"},
		),

		handleConstructions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tenant_handle_constructions_total",
				Help:      "Private database handle constructions by result",
			},
			[]string{"result"},
		),

		handleInvalidations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tenant_handle_invalidations_total",
				Help:      "Cached private database handles evicted after a config change",
			},
		),

		tenantHandles: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tenant_handles",
				Help:      "Number of cached private database handles",
			},
		),

		tenantContextFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tenant_context_fallbacks_total",
				Help:      "Requests bound to the main database after a tenant context failure",
			},
			[]string{"reason"},
		),

		envelopeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "response_envelopes_total",
				Help:      "Response envelope outcomes",
			},
			[]string{"outcome"},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the process started",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.requestsTotal,
		pm.requestDuration,
		pm.activeRequests,
		pm.rateLimitDecisions,
		pm.rateLimitBackendErrors,
		pm.rateLimitCounters,
		pm.rateLimitSwept,
		pm.rateLimitDegraded,
		pm.tenantResolutions,
		pm.tenantProbeDuration,
		pm.handleConstructions,
		pm.handleInvalidations,
		pm.tenantHandles,
		pm.tenantContextFailures,
		pm.envelopeTotal,
		pm.uptime,
	)

	promMetrics = pm
}

// RecordRequest records a served HTTP request
func RecordRequest(method string, code int, duration time.Duration) {
	if promMetrics == nil {
		return
	}
	promMetrics.requestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	promMetrics.requestDuration.WithLabelValues(method).Observe(float64(duration.Microseconds()) / 1000)
}

// IncActiveRequests increments the active requests gauge
func IncActiveRequests() {
	if promMetrics == nil {
		return
	}
	promMetrics.activeRequests.Inc()
}

// DecActiveRequests decrements the active requests gauge
func DecActiveRequests() {
	if promMetrics == nil {
		return
	}
	promMetrics.activeRequests.Dec()
}

// RecordRateLimitDecision records an allow/deny decision for a policy
func RecordRateLimitDecision(policy string, allowed bool) {
	if promMetrics == nil {
		return
	}
	outcome := "allowed"
	if !allowed {
		outcome = "limited"
	}
	promMetrics.rateLimitDecisions.WithLabelValues(policy, outcome).Inc()
}

// RecordRateLimitBackendError records a check that failed open
func RecordRateLimitBackendError() {
	if promMetrics == nil {
		return
	}
	promMetrics.rateLimitBackendErrors.Inc()
}

// SetRateLimitCounters sets the number of live counters
func SetRateLimitCounters(n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.rateLimitCounters.Set(float64(n))
}

// RecordRateLimitSwept records counters removed by a sweep
func RecordRateLimitSwept(n int) {
	if promMetrics == nil || n <= 0 {
		return
	}
	promMetrics.rateLimitSwept.Add(float64(n))
}

// SetRateLimitDegraded flags whether rate limiting runs on local fallback counters
func SetRateLimitDegraded(degraded bool) {
	if promMetrics == nil {
		return
	}
	v := 0.0
	if degraded {
		v = 1
	}
	promMetrics.rateLimitDegraded.Set(v)
}

// RecordTenantResolution records which source decided a tenant owner
func RecordTenantResolution(source string) {
	if promMetrics == nil {
		return
	}
	promMetrics.tenantResolutions.WithLabelValues(source).Inc()
}

// RecordTenantProbe records a subuser probe against a private database
func RecordTenantProbe(result string, duration time.Duration) {
	if promMetrics == nil {
		return
	}
	promMetrics.tenantProbeDuration.WithLabelValues(result).Observe(float64(duration.Microseconds()) / 1000)
}

// RecordHandleConstruction records a private handle construction attempt
func RecordHandleConstruction(success bool) {
	if promMetrics == nil {
		return
	}
	result := "success"
	if !success {
		result = "failed"
	}
	promMetrics.handleConstructions.WithLabelValues(result).Inc()
}

// RecordHandleInvalidation records an evicted handle
func RecordHandleInvalidation() {
	if promMetrics == nil {
		return
	}
	promMetrics.handleInvalidations.Inc()
}

// SetTenantHandles sets the number of cached private handles
func SetTenantHandles(n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.tenantHandles.Set(float64(n))
}

// RecordTenantContextFallback records a request bound to the main database
// after a failure
func RecordTenantContextFallback(reason string) {
	if promMetrics == nil {
		return
	}
	promMetrics.tenantContextFailures.WithLabelValues(reason).Inc()
}

// RecordEnvelope records the outcome of the response envelope
func RecordEnvelope(outcome string) {
	if promMetrics == nil {
		return
	}
	promMetrics.envelopeTotal.WithLabelValues(outcome).Inc()
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry (for custom collectors)
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
