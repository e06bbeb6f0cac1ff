package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPMetricsMiddleware_Basic(t *testing.T) {
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	mw := HTTPMetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(204) }))
	mw.ServeHTTP(rec, r)
	if rec.Result().StatusCode != 204 {
		t.Fatalf("want 204")
	}
}

func TestQueueMetricsHelpers(t *testing.T) {
	InitMetrics()
	EnqueueQueueItem("proj-1")
	StartProcessingQueueItem(50 * time.Millisecond)
	CompleteQueueItem("completed")
	RecordInference("cellseg-v2", "success", 1500*time.Millisecond)
}

func TestExportMetricsHelpers(t *testing.T) {
	InitMetrics()
	StartExportJob("proj-1")
	RecordExportPhase("annotations", 200*time.Millisecond)
	CompleteExportJob("completed")
}
