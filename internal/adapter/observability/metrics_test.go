package observability

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

var initMetricsOnce sync.Once

func ensureMetricsRegistered() {
	initMetricsOnce.Do(InitMetrics)
}

func TestHTTPMetricsMiddlewareRecordsStatus(t *testing.T) {
	ensureMetricsRegistered()
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	mw := HTTPMetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	mw.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusNoContent, rec.Result().StatusCode)
}

func TestSubmissionLifecycleHelpers(t *testing.T) {
	ensureMetricsRegistered()
	RecordPoll("hit")
	StartSubmission()
	ObserveStageDuration("compile", 0)
	ObserveStageDuration("execute:t1", 0)
	RecordSandboxRun("ok")
	FinishSubmission("OK")
}

func TestReportAndPollCacheHelpers(t *testing.T) {
	ensureMetricsRegistered()
	RecordReportRetry("retried")
	RecordPollCacheOutcome("hit")
	RecordWorkspaceSwept()
}
