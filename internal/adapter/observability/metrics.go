// Package observability provides logging, metrics, and tracing.
//
// It integrates with OpenTelemetry for system monitoring.
// The package provides comprehensive observability features
// including metrics collection, distributed tracing, and logging.
package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

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

	// LLMRequestsTotal counts LLM collaborator calls by caller and outcome.
	LLMRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_requests_total",
			Help: "Total number of LLM collaborator calls",
		},
		[]string{"caller", "outcome"},
	)
	// LLMRequestDuration records durations of LLM collaborator calls.
	LLMRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_request_duration_seconds",
			Help:    "LLM collaborator call duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 60},
		},
		[]string{"caller"},
	)

	// JobsEnqueuedTotal counts jobs enqueued by queue name.
	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"queue"},
	)
	// JobsProcessing is a gauge of the number of currently processing jobs by queue.
	JobsProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_processing",
			Help: "Number of jobs currently processing",
		},
		[]string{"queue"},
	)
	// JobsCompletedTotal counts jobs completed by queue name.
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"queue"},
	)
	// JobsFailedTotal counts jobs failed by queue name.
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs failed",
		},
		[]string{"queue"},
	)
	// JobsDeadLetteredTotal counts jobs moved to a dead-letter queue.
	JobsDeadLetteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_dead_lettered_total",
			Help: "Total number of jobs moved to the dead-letter queue",
		},
		[]string{"queue"},
	)

	// FilesAnalyzedTotal counts files processed by the File Analysis Worker by outcome.
	FilesAnalyzedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "files_analyzed_total",
			Help: "Total number of files analyzed",
		},
		[]string{"outcome"},
	)
	// POIsExtractedTotal counts POIs upserted, by type.
	POIsExtractedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pois_extracted_total",
			Help: "Total number of POIs upserted",
		},
		[]string{"type"},
	)
	// RelationshipsByStatus is a gauge of the current relationship count per status, per run.
	RelationshipsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relationships_by_status",
			Help: "Current count of candidate relationships by reconciliation status",
		},
		[]string{"run_id", "status"},
	)
	// ReconciliationScoreHistogram is the distribution of final confidence scores.
	ReconciliationScoreHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reconciliation_final_score",
			Help:    "Distribution of reconciled relationship confidence scores",
			Buckets: []float64{0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)
	// OutboxPublishedTotal counts outbox rows successfully published.
	OutboxPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_published_total",
			Help: "Total number of outbox rows published to downstream queues",
		},
		[]string{"event_type"},
	)
	// OutboxPendingGauge tracks outbox backlog depth.
	OutboxPendingGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "outbox_pending",
			Help: "Number of outbox rows currently pending publication",
		},
	)
	// GraphMergesTotal counts idempotent merges written to the graph sink.
	GraphMergesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graph_merges_total",
			Help: "Total number of relationship merges written to the graph sink",
		},
		[]string{"outcome"},
	)
	// BatchTokenCount records the token size of enqueued analyze-file batches.
	BatchTokenCount = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "batch_token_count",
			Help:    "Token count of enqueued analyze-file batches",
			Buckets: prometheus.LinearBuckets(0, 5000, 14),
		},
	)

	// CircuitBreakerStatus tracks circuit breaker state.
	CircuitBreakerStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_status",
			Help: "Circuit breaker status (0=closed, 1=open, 2=half-open)",
		},
		[]string{"service", "operation"},
	)
)

// InitMetrics registers all Prometheus metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(LLMRequestsTotal)
	prometheus.MustRegister(LLMRequestDuration)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsProcessing)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobsDeadLetteredTotal)
	prometheus.MustRegister(FilesAnalyzedTotal)
	prometheus.MustRegister(POIsExtractedTotal)
	prometheus.MustRegister(RelationshipsByStatus)
	prometheus.MustRegister(ReconciliationScoreHistogram)
	prometheus.MustRegister(OutboxPublishedTotal)
	prometheus.MustRegister(OutboxPendingGauge)
	prometheus.MustRegister(GraphMergesTotal)
	prometheus.MustRegister(BatchTokenCount)
	prometheus.MustRegister(CircuitBreakerStatus)
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

// EnqueueJob increments the enqueued jobs counter for the given queue.
func EnqueueJob(queue string) {
	JobsEnqueuedTotal.WithLabelValues(queue).Inc()
}

// StartProcessingJob increments the processing gauge for the given queue.
func StartProcessingJob(queue string) {
	JobsProcessing.WithLabelValues(queue).Inc()
}

// CompleteJob marks a job complete by decrementing processing gauge and incrementing completed counter.
func CompleteJob(queue string) {
	JobsProcessing.WithLabelValues(queue).Dec()
	JobsCompletedTotal.WithLabelValues(queue).Inc()
}

// FailJob marks a job failed by decrementing processing gauge and incrementing failed counter.
func FailJob(queue string) {
	JobsProcessing.WithLabelValues(queue).Dec()
	JobsFailedTotal.WithLabelValues(queue).Inc()
}

// DeadLetterJob records a job's move to the dead-letter queue.
func DeadLetterJob(queue string) {
	JobsDeadLetteredTotal.WithLabelValues(queue).Inc()
}

// RecordFileAnalyzed records the outcome of a single file-analysis batch member.
func RecordFileAnalyzed(outcome string) {
	FilesAnalyzedTotal.WithLabelValues(outcome).Inc()
}

// RecordPOIExtracted increments the POI counter for a given POI type.
func RecordPOIExtracted(poiType string) {
	POIsExtractedTotal.WithLabelValues(poiType).Inc()
}

// SetRelationshipsByStatus sets the current gauge value for a run/status pair.
func SetRelationshipsByStatus(runID, status string, count float64) {
	RelationshipsByStatus.WithLabelValues(runID, status).Set(count)
}

// RecordReconciliationScore observes a final reconciled confidence score.
func RecordReconciliationScore(score float64) {
	ReconciliationScoreHistogram.Observe(score)
}

// RecordOutboxPublished increments the published counter for an event type.
func RecordOutboxPublished(eventType string) {
	OutboxPublishedTotal.WithLabelValues(eventType).Inc()
}

// SetOutboxPending sets the current outbox backlog gauge.
func SetOutboxPending(n float64) {
	OutboxPendingGauge.Set(n)
}

// RecordGraphMerge increments the graph merge counter for an outcome.
func RecordGraphMerge(outcome string) {
	GraphMergesTotal.WithLabelValues(outcome).Inc()
}

// RecordBatchTokenCount observes a batch's total token count.
func RecordBatchTokenCount(tokens int) {
	BatchTokenCount.Observe(float64(tokens))
}

// RecordCircuitBreakerStatus records circuit breaker state.
func RecordCircuitBreakerStatus(service, operation string, status int) {
	CircuitBreakerStatus.WithLabelValues(service, operation).Set(float64(status))
}
