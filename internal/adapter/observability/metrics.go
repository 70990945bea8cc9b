// Package observability provides logging, metrics, and tracing for the
// evaluation worker.
package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts requests served by the worker's own
	// metrics/health mux, by route, method, and status label.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests served by the worker mux",
		},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration records request durations by route and method.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
		},
		[]string{"route", "method"},
	)

	// SubmissionsPolledTotal counts poll_queue calls by outcome (hit/empty/error).
	SubmissionsPolledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "submissions_polled_total",
			Help: "Total number of poll_queue calls by outcome",
		},
		[]string{"outcome"},
	)
	// SubmissionsProcessing is a gauge of submissions currently in the pipeline.
	SubmissionsProcessing = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "submissions_processing",
			Help: "Number of submissions currently being evaluated",
		},
	)
	// SubmissionsProcessedTotal counts completed submissions by final verdict.
	SubmissionsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "submissions_processed_total",
			Help: "Total number of submissions processed by final verdict",
		},
		[]string{"verdict"},
	)

	// StageDuration records per-stage container invocation durations.
	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_stage_duration_seconds",
			Help:    "Duration of a compile/execute/judge container invocation",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"stage"},
	)

	// SandboxContainersActive is a gauge of containers currently running.
	SandboxContainersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandbox_containers_active",
			Help: "Number of sandbox containers currently running",
		},
	)
	// SandboxContainersTotal counts sandbox runs by terminal status.
	SandboxContainersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandbox_containers_total",
			Help: "Total number of sandbox container runs by terminal status",
		},
		[]string{"status"}, // ok, timed_out, oom_killed, error
	)

	// ReportRetriesTotal counts report_result calls by final outcome, once
	// per report after the UI Client's own retries have finished.
	ReportRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "report_retries_total",
			Help: "Total number of report_result calls by final outcome",
		},
		[]string{"outcome"}, // gave_up, succeeded
	)

	// PollCacheOutcomes counts poll cache hits/misses (Redis empty-queue memo).
	PollCacheOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poll_cache_outcomes_total",
			Help: "Total number of poll cache lookups by outcome",
		},
		[]string{"outcome"}, // hit, miss (a disabled cache counts as miss)
	)

	// WorkspacesSweptTotal counts orphaned workspace directories removed by
	// the background sweeper.
	WorkspacesSweptTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "workspaces_swept_total",
			Help: "Total number of stale workspace directories removed",
		},
	)
)

// InitMetrics registers all Prometheus metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(SubmissionsPolledTotal)
	prometheus.MustRegister(SubmissionsProcessing)
	prometheus.MustRegister(SubmissionsProcessedTotal)
	prometheus.MustRegister(StageDuration)
	prometheus.MustRegister(SandboxContainersActive)
	prometheus.MustRegister(SandboxContainersTotal)
	prometheus.MustRegister(ReportRetriesTotal)
	prometheus.MustRegister(PollCacheOutcomes)
	prometheus.MustRegister(WorkspacesSweptTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request served
// by the worker's metrics/health mux.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// RecordPoll records the outcome of one poll_queue call.
func RecordPoll(outcome string) {
	SubmissionsPolledTotal.WithLabelValues(outcome).Inc()
}

// StartSubmission marks a submission as entering the pipeline.
func StartSubmission() {
	SubmissionsProcessing.Inc()
}

// FinishSubmission marks a submission as having left the pipeline with the
// given final verdict (empty string if the pipeline aborted before judging).
func FinishSubmission(verdict string) {
	SubmissionsProcessing.Dec()
	if verdict != "" {
		SubmissionsProcessedTotal.WithLabelValues(verdict).Inc()
	}
}

// ObserveStageDuration records how long one compile/execute/judge container
// invocation took.
func ObserveStageDuration(stage string, d time.Duration) {
	StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordSandboxRun records the terminal status of one sandbox container run.
func RecordSandboxRun(status string) {
	SandboxContainersTotal.WithLabelValues(status).Inc()
}

// RecordReportRetry records the final outcome of one report_result call.
func RecordReportRetry(outcome string) {
	ReportRetriesTotal.WithLabelValues(outcome).Inc()
}

// RecordPollCacheOutcome records one poll cache lookup outcome.
func RecordPollCacheOutcome(outcome string) {
	PollCacheOutcomes.WithLabelValues(outcome).Inc()
}

// RecordWorkspaceSwept increments the count of removed stale workspaces.
func RecordWorkspaceSwept() {
	WorkspacesSweptTotal.Inc()
}
