package observability_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/codegraph-pipeline/internal/adapter/observability"
)

func TestInitMetrics_SingleCallDoesNotPanic(t *testing.T) {
	// MustRegister panics on duplicate registration; calling InitMetrics more
	// than once from independent test binaries is expected, so this just
	// guards against an obvious panic within a single call.
	observability.InitMetrics()
}

func TestJobLifecycleCounters(t *testing.T) {
	observability.EnqueueJob("file-analysis-queue")
	observability.StartProcessingJob("file-analysis-queue")
	observability.CompleteJob("file-analysis-queue")
	observability.StartProcessingJob("file-analysis-queue")
	observability.FailJob("file-analysis-queue")
	observability.DeadLetterJob("file-analysis-queue")
}

func TestPipelineRecorders(t *testing.T) {
	observability.RecordFileAnalyzed("completed")
	observability.RecordPOIExtracted("Function")
	observability.SetRelationshipsByStatus("run-1", "validated", 3)
	observability.RecordReconciliationScore(0.68)
	observability.RecordOutboxPublished("file-analysis-finding")
	observability.SetOutboxPending(5)
	observability.RecordGraphMerge("success")
	observability.RecordBatchTokenCount(30000)
	observability.RecordCircuitBreakerStatus("llm", "complete_json", 0)
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/healthz", observability.HTTPMetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
