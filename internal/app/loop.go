package app

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/judgeworker/worker/internal/adapter/observability"
	"github.com/judgeworker/worker/internal/adapter/workspace"
	"github.com/judgeworker/worker/internal/config"
	"github.com/judgeworker/worker/internal/domain"
)

// Evaluator is the subset of the evaluation pipeline the Main Loop depends
// on.
type Evaluator interface {
	Evaluate(ctx context.Context, ws *workspace.Workspace, sub domain.Submission, problem domain.ProblemSpec, logger *slog.Logger) (domain.SubmissionResult, error)
}

// Loop is the polling driver: repeatedly ask the Adapter for work, run it
// through the Evaluator, and report the result.
type Loop struct {
	workspaces   *workspace.Manager
	adapter      *Adapter
	evaluator    Evaluator
	pollInterval time.Duration
	cfg          config.Config
}

// NewLoop wires a workspace Manager, Adapter, and Evaluator into a Loop.
// cfg supplies both the poll interval and the settings used to build each
// submission's per-workspace LogSink.
func NewLoop(workspaces *workspace.Manager, adapter *Adapter, evaluator Evaluator, cfg config.Config) *Loop {
	return &Loop{
		workspaces:   workspaces,
		adapter:      adapter,
		evaluator:    evaluator,
		pollInterval: cfg.PollInterval,
		cfg:          cfg,
	}
}

// Run polls forever until ctx is cancelled. A submission-level error never
// stops the loop; only ctx cancellation (a shutdown signal) does. The
// current iteration is always allowed to finish releasing its workspace
// before Run returns.
func (l *Loop) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			slog.Info("main loop stopping")
			return
		}
		l.runOnce(ctx)
	}
}

func (l *Loop) runOnce(ctx context.Context) {
	tracer := otel.Tracer("app.loop")
	ctx, span := tracer.Start(ctx, "Loop.runOnce")
	defer span.End()

	ws, err := l.workspaces.Acquire(newTransientID())
	if err != nil {
		slog.Error("workspace acquire failed", slog.Any("error", err))
		span.RecordError(err)
		l.sleepOrDone(ctx)
		return
	}

	logger, closeLog := l.openPipelineLog(ws)

	anomalous := false
	defer func() {
		closeLog()
		if err := l.workspaces.Release(ws, l.cfg.DebugMode && anomalous); err != nil {
			slog.Error("workspace release failed", slog.Any("error", err))
		}
	}()

	sub, err := l.adapter.FetchSubmission(ctx, ws, logger)
	if err != nil {
		logger.Error("fetch_submission failed", slog.Any("error", err))
		span.RecordError(err)
		anomalous = true
		l.sleepOrDone(ctx)
		return
	}
	if sub == nil {
		l.sleepOrDone(ctx)
		return
	}

	observability.StartSubmission()
	result, verdict := l.evaluate(ctx, ws, sub, logger)
	anomalous = verdict != domain.VerdictOK
	observability.FinishSubmission(verdict)

	if err := l.adapter.ReportResult(ctx, sub.ID, result, logger); err != nil {
		logger.Error("report_result failed", slog.String("submission_id", sub.ID), slog.Any("error", err))
	}
}

// openPipelineLog builds the LogSink for one submission's pipeline run: a
// file under ws.LogsDir, mirrored to stderr when debug_mode is on. The
// returned close func must run after the workspace's fate (kept or
// removed) is decided, so the file isn't still open during Release.
func (l *Loop) openPipelineLog(ws *workspace.Workspace) (*slog.Logger, func()) {
	f, err := os.OpenFile(filepath.Join(ws.LogsDir, "pipeline.log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		slog.Error("pipeline log open failed, falling back to process logger", slog.Any("error", err))
		return slog.Default(), func() {}
	}
	var logSink observability.LogSink
	if l.cfg.DebugMode {
		logSink = observability.SetupFileAndStderrLogger(f, l.cfg)
	} else {
		logSink = observability.SetupFileLogger(f, l.cfg)
	}
	return logSink.Logger(), func() { _ = f.Close() }
}

func (l *Loop) evaluate(ctx context.Context, ws *workspace.Workspace, sub *domain.Submission, logger *slog.Logger) (domain.SubmissionResult, string) {
	problem, err := l.adapter.FetchProblem(ctx, sub.ProblemID, ws, logger)
	if err != nil {
		logger.Error("fetch_problem failed", slog.String("submission_id", sub.ID), slog.Any("error", err))
		if errors.Is(err, domain.ErrScript) {
			return domain.SubmissionResult{Info: "problem script could not be parsed"}, domain.VerdictSE
		}
		return domain.SubmissionResult{Info: err.Error()}, domain.VerdictSE
	}
	sub.ProblemSpecification = *problem

	result, err := l.evaluator.Evaluate(ctx, ws, *sub, *problem, logger)
	if err != nil {
		logger.Error("evaluate failed", slog.String("submission_id", sub.ID), slog.Any("error", err))
		return domain.SubmissionResult{Info: err.Error()}, domain.VerdictSE
	}
	return result, overallVerdict(result)
}

// overallVerdict reports the dominant classifier used to decide whether a
// finished submission is "anomalous" for debug-archive purposes: OK when
// every test passed, else the first non-OK classifier found.
func overallVerdict(result domain.SubmissionResult) string {
	for _, tr := range result.TestResults {
		if !tr.Grade && tr.Info != "" {
			return tr.Info
		}
	}
	return domain.VerdictOK
}

func (l *Loop) sleepOrDone(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(l.pollInterval):
	}
}

func newTransientID() string {
	return uuid.NewString()
}
