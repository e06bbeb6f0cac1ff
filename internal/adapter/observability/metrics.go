// Package observability provides logging, metrics, and tracing.
//
// It integrates with OpenTelemetry for system monitoring.
// The package provides comprehensive observability features
// including metrics collection, distributed tracing, and logging.
package observability

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// appEnv mirrors config.Config.AppEnv for metric-label gating that happens
// before a logger/config value is available (e.g. at package init).
var appEnv string

// SetAppEnv records the running environment for isDevEnv.
func SetAppEnv(env string) { appEnv = strings.ToLower(env) }

func isDevEnv() bool { return appEnv == "dev" }

var (
	// HTTPRequestsTotal counts HTTP requests by route, method, and status label.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration records request durations by route and method.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// InferenceRequestsTotal counts calls to the external ML service by model and outcome.
	InferenceRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inference_requests_total",
			Help: "Total number of inference requests by model and outcome",
		},
		[]string{"model", "outcome"},
	)
	// InferenceDuration records the wall-clock duration of inference runs by model.
	InferenceDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inference_duration_seconds",
			Help:    "Inference run duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
		[]string{"model"},
	)

	// QueueItemsEnqueuedTotal counts QueueItems admitted by project.
	QueueItemsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_items_enqueued_total",
			Help: "Total number of queue items enqueued",
		},
		[]string{"project_id"},
	)
	// QueueItemsProcessing is a gauge of queue items currently dispatched to inference.
	QueueItemsProcessing = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "queue_items_processing",
			Help: "Number of queue items currently processing",
		},
	)
	// QueueDepth is a gauge of queued (not yet dispatched) items.
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Number of queue items waiting to be dispatched",
		},
	)
	// QueueItemsCompletedTotal counts queue items that reached a terminal status.
	QueueItemsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_items_completed_total",
			Help: "Total number of queue items completed by terminal status",
		},
		[]string{"status"},
	)
	// QueueDispatchLatency records time spent queued before dispatch.
	QueueDispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "queue_dispatch_latency_seconds",
			Help:    "Time a queue item spent waiting before being dispatched",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300},
		},
	)

	// ExportJobsStartedTotal counts export jobs started by project.
	ExportJobsStartedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "export_jobs_started_total",
			Help: "Total number of export jobs started",
		},
		[]string{"project_id"},
	)
	// ExportPhaseDuration records time spent in each export pipeline phase.
	ExportPhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "export_phase_duration_seconds",
			Help:    "Duration of one export pipeline phase",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300},
		},
		[]string{"phase"},
	)
	// ExportJobsCompletedTotal counts export jobs reaching a terminal status.
	ExportJobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "export_jobs_completed_total",
			Help: "Total number of export jobs completed by terminal status",
		},
		[]string{"status"},
	)

	// EventBusPublishedTotal counts events published by event name.
	EventBusPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventbus_published_total",
			Help: "Total number of events published",
		},
		[]string{"event"},
	)
	// EventBusDroppedTotal counts events dropped due to slow subscribers.
	EventBusDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventbus_dropped_total",
			Help: "Total number of events dropped because a subscriber was too slow",
		},
		[]string{"event"},
	)
	// EventBusRoomSubscribers is a gauge of live subscribers per room kind.
	EventBusRoomSubscribers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "eventbus_room_subscribers",
			Help: "Number of live subscribers by room kind",
		},
		[]string{"room_kind"},
	)

	// CircuitBreakerStatus tracks circuit breaker state.
	CircuitBreakerStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_status",
			Help: "Circuit breaker status (0=closed, 1=open, 2=half-open)",
		},
		[]string{"service", "operation"},
	)

	// JobFailuresByCode counts terminal job failures by job type and the
	// domain.ErrorCode classification of the failure.
	JobFailuresByCode = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_failures_by_code_total",
			Help: "Total job failures by job type and error code",
		},
		[]string{"job_type", "code"},
	)
)

var initMetricsOnce sync.Once

// InitMetrics registers all Prometheus metrics with the default registry.
// Only the first call registers; later calls are no-ops.
func InitMetrics() {
	initMetricsOnce.Do(registerMetrics)
}

func registerMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(InferenceRequestsTotal)
	prometheus.MustRegister(InferenceDuration)
	prometheus.MustRegister(QueueItemsEnqueuedTotal)
	prometheus.MustRegister(QueueItemsProcessing)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(QueueItemsCompletedTotal)
	prometheus.MustRegister(QueueDispatchLatency)
	prometheus.MustRegister(ExportJobsStartedTotal)
	prometheus.MustRegister(ExportPhaseDuration)
	prometheus.MustRegister(ExportJobsCompletedTotal)
	prometheus.MustRegister(EventBusPublishedTotal)
	prometheus.MustRegister(EventBusDroppedTotal)
	prometheus.MustRegister(EventBusRoomSubscribers)
	prometheus.MustRegister(CircuitBreakerStatus)
	prometheus.MustRegister(JobFailuresByCode)
}

// RecordJobFailureByCode records one terminal failure for jobType, labeled
// by code. An empty code is recorded as UNKNOWN rather than dropped, so a
// classifier gap shows up in the dashboard instead of silently vanishing.
func RecordJobFailureByCode(jobType, code string) {
	if code == "" {
		code = "UNKNOWN"
	}
	JobFailuresByCode.WithLabelValues(jobType, code).Inc()
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// EnqueueQueueItem increments the enqueued counter and queue depth gauge.
func EnqueueQueueItem(projectID string) {
	QueueItemsEnqueuedTotal.WithLabelValues(projectID).Inc()
	QueueDepth.Inc()
}

// StartProcessingQueueItem moves one item from queue depth to processing.
func StartProcessingQueueItem(waited time.Duration) {
	QueueDepth.Dec()
	QueueItemsProcessing.Inc()
	QueueDispatchLatency.Observe(waited.Seconds())
}

// CompleteQueueItem records a queue item reaching a terminal status.
func CompleteQueueItem(status string) {
	QueueItemsProcessing.Dec()
	QueueItemsCompletedTotal.WithLabelValues(status).Inc()
}

// RecordInference records the outcome and duration of one inference call.
func RecordInference(model, outcome string, duration time.Duration) {
	InferenceRequestsTotal.WithLabelValues(model, outcome).Inc()
	InferenceDuration.WithLabelValues(model).Observe(duration.Seconds())
}

// StartExportJob records an export job starting for projectID.
func StartExportJob(projectID string) {
	ExportJobsStartedTotal.WithLabelValues(projectID).Inc()
}

// RecordExportPhase records the duration of one completed export phase.
func RecordExportPhase(phase string, duration time.Duration) {
	ExportPhaseDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// CompleteExportJob records an export job reaching a terminal status.
func CompleteExportJob(status string) {
	ExportJobsCompletedTotal.WithLabelValues(status).Inc()
}

// RecordEventPublished records one event published on a room.
func RecordEventPublished(event string) {
	EventBusPublishedTotal.WithLabelValues(event).Inc()
}

// RecordEventDropped records one event dropped due to a slow subscriber.
func RecordEventDropped(event string) {
	EventBusDroppedTotal.WithLabelValues(event).Inc()
}

// SetRoomSubscribers sets the live subscriber gauge for a room kind.
func SetRoomSubscribers(roomKind string, count int) {
	EventBusRoomSubscribers.WithLabelValues(roomKind).Set(float64(count))
}

// RecordCircuitBreakerStatus records circuit breaker state.
func RecordCircuitBreakerStatus(service, operation string, status int) {
	CircuitBreakerStatus.WithLabelValues(service, operation).Set(float64(status))
}
