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

var (
	httpDurationBuckets       = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	transitionDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
	dispatchHopBuckets        = []float64{0, 1, 2, 4, 8, 16, 64, 256}
)

// Metrics holds the Prometheus instruments for the workflow service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	TransitionsTotal        *prometheus.CounterVec
	TransitionDuration      *prometheus.HistogramVec
	DispatchHops            *prometheus.HistogramVec
	TimelineAppendsTotal    *prometheus.CounterVec
	ActionableByResolutions *prometheus.CounterVec
	AutoMovesTotal          *prometheus.CounterVec

	JobsTotal          *prometheus.CounterVec
	NotificationsTotal *prometheus.CounterVec
	DefinitionsLoaded  prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worktrail_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "worktrail_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worktrail_transitions_total",
			Help: "Total number of attempted transitions.",
		}, []string{"workflow", "transition", "status"}),
		TransitionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "worktrail_transition_duration_seconds",
			Help:    "Transition duration in seconds, including persistence and completion handlers.",
			Buckets: transitionDurationBuckets,
		}, []string{"workflow"}),
		DispatchHops: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "worktrail_dispatch_hops",
			Help:    "Number of dispatch states passed through by a single transition.",
			Buckets: dispatchHopBuckets,
		}, []string{"workflow"}),
		TimelineAppendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worktrail_timeline_appends_total",
			Help: "Total number of timeline entries written.",
		}, []string{"workflow", "action"}),
		ActionableByResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worktrail_actionableby_resolutions_total",
			Help: "Total number of responsibility resolutions by outcome.",
		}, []string{"workflow", "outcome"}),
		AutoMovesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worktrail_automoves_total",
			Help: "Total number of responsibility changes caused by dependency updates.",
		}, []string{"workflow"}),

		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worktrail_jobs_total",
			Help: "Total number of background jobs processed.",
		}, []string{"job", "status"}),
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worktrail_notifications_total",
			Help: "Total number of transition webhook deliveries by outcome.",
		}, []string{"outcome"}),
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "worktrail_definitions_loaded",
			Help: "Number of loaded workflow definitions.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.TransitionsTotal,
		m.TransitionDuration,
		m.DispatchHops,
		m.TimelineAppendsTotal,
		m.ActionableByResolutions,
		m.AutoMovesTotal,
		m.JobsTotal,
		m.NotificationsTotal,
		m.DefinitionsLoaded,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// RecordTransition records the outcome of a transition. status is "ok" or
// the error code that aborted it.
func (m *Metrics) RecordTransition(workflow, transition, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(workflow, transition, status).Inc()
	m.TransitionDuration.WithLabelValues(workflow).Observe(duration.Seconds())
}

// RecordDispatchHops records how many dispatch states a transition crossed.
func (m *Metrics) RecordDispatchHops(workflow string, hops int) {
	if m == nil {
		return
	}
	m.DispatchHops.WithLabelValues(workflow).Observe(float64(hops))
}

// RecordTimelineAppend records a written timeline entry.
func (m *Metrics) RecordTimelineAppend(workflow, action string) {
	if m == nil {
		return
	}
	m.TimelineAppendsTotal.WithLabelValues(workflow, action).Inc()
}

// RecordActionableBy records a responsibility resolution. outcome is one of
// "resolved", "fallback" or "unchanged".
func (m *Metrics) RecordActionableBy(workflow, outcome string) {
	if m == nil {
		return
	}
	m.ActionableByResolutions.WithLabelValues(workflow, outcome).Inc()
}

// RecordAutoMove records a responsibility change made by a background job.
func (m *Metrics) RecordAutoMove(workflow string) {
	if m == nil {
		return
	}
	m.AutoMovesTotal.WithLabelValues(workflow).Inc()
}

// RecordJob records a processed background job.
func (m *Metrics) RecordJob(job, status string) {
	if m == nil {
		return
	}
	m.JobsTotal.WithLabelValues(job, status).Inc()
}

// RecordNotification counts a webhook delivery attempt.
func (m *Metrics) RecordNotification(outcome string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(outcome).Inc()
}

// SetDefinitionsLoaded sets the number of loaded definitions.
func (m *Metrics) SetDefinitionsLoaded(count float64) {
	if m == nil {
		return
	}
	m.DefinitionsLoaded.Set(count)
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern, not the actual URL path, to bound label cardinality.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start))
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
	pattern := strings.TrimSuffix(strings.Join(rctx.RoutePatterns, ""), "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}
