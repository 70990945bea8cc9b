package app

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/judgeworker/worker/internal/adapter/observability"
	"github.com/judgeworker/worker/internal/adapter/pollcache"
	"github.com/judgeworker/worker/internal/adapter/scriptparser"
	"github.com/judgeworker/worker/internal/adapter/uiclient"
	"github.com/judgeworker/worker/internal/adapter/workspace"
	"github.com/judgeworker/worker/internal/domain"
	"github.com/judgeworker/worker/internal/usecase"
)

// Adapter orchestrates fetch_submission, fetch_problem, and report_result
// against the UI Client, unpacking archives into a Workspace.
type Adapter struct {
	ui               *uiclient.Client
	queueNames       []string
	queueCompilerMap map[string]string
	cache            pollcache.Cache
}

// NewAdapter wires a UI Client, the ordered queue list, the queue-to-
// compiler-image map, and the optional poll cache into an Adapter.
func NewAdapter(ui *uiclient.Client, queueNames []string, queueCompilerMap map[string]string, cache pollcache.Cache) *Adapter {
	if cache == nil {
		cache = pollcache.NoopCache{}
	}
	return &Adapter{ui: ui, queueNames: queueNames, queueCompilerMap: queueCompilerMap, cache: cache}
}

// FetchSubmission polls each configured queue in order and returns the
// first hit, with its archive extracted into ws.SubmissionDir. Returns
// (nil, nil) when every queue is empty. Diagnostics are written to
// logger rather than a process-wide logger singleton.
func (a *Adapter) FetchSubmission(ctx context.Context, ws *workspace.Workspace, logger *slog.Logger) (*domain.Submission, error) {
	for _, queueName := range a.queueNames {
		if a.cache.IsRecentlyEmpty(ctx, queueName) {
			observability.RecordPollCacheOutcome("hit")
			continue
		}
		observability.RecordPollCacheOutcome("miss")

		archivePath := filepath.Join(ws.Root, "archive.zip")
		hit, err := a.ui.PollQueue(ctx, queueName, archivePath)
		if err != nil {
			observability.RecordPoll("error")
			return nil, err
		}
		if hit == nil {
			observability.RecordPoll("empty")
			if err := a.cache.MarkEmpty(ctx, queueName); err != nil {
				logger.Warn("poll cache mark-empty failed", slog.String("queue", queueName), slog.Any("error", err))
			}
			continue
		}

		observability.RecordPoll("hit")
		if err := extractZip(archivePath, ws.SubmissionDir); err != nil {
			return nil, err
		}

		return &domain.Submission{
			ID:          hit.SubmissionID,
			ProblemID:   hit.ProblemID,
			SubmittedBy: hit.StudentID,
			MainFile:    hit.MainFile,
			CompImage:   a.queueCompilerMap[queueName],
		}, nil
	}
	return nil, nil
}

// FetchProblem downloads every problem file into the appropriate workspace
// subdirectory, parses script.txt, and returns the normalized ProblemSpec.
func (a *Adapter) FetchProblem(ctx context.Context, problemID string, ws *workspace.Workspace, logger *slog.Logger) (*domain.ProblemSpec, error) {
	names, err := a.ui.ListProblemFiles(ctx, problemID)
	if err != nil {
		return nil, err
	}

	var scriptPath string
	for _, name := range names {
		base := filepath.Base(name)
		isTestFile := strings.HasSuffix(base, ".in") || strings.HasSuffix(base, ".out")
		isScript := base == "script.txt"

		switch {
		case isTestFile || isScript:
			dest, err := workspace.SafeJoin(ws.ProblemDir, base)
			if err != nil {
				return nil, err
			}
			if err := a.ui.GetProblemFile(ctx, problemID, name, dest); err != nil {
				return nil, err
			}
			if isScript {
				scriptPath = dest
			}

		default:
			// Auxiliary header/source file: stream to a scratch path first
			// so its content can be sniffed before it lands in lib/.
			tmp, err := workspace.SafeJoin(ws.LibDir, base+".download")
			if err != nil {
				return nil, err
			}
			if err := a.ui.GetProblemFile(ctx, problemID, name, tmp); err != nil {
				return nil, err
			}
			data, err := os.ReadFile(tmp)
			if err != nil {
				return nil, fmt.Errorf("op=app.FetchProblem: %w: %v", domain.ErrFilesystem, err)
			}
			_ = os.Remove(tmp)
			dest, err := workspace.SafeJoin(ws.LibDir, base)
			if err != nil {
				return nil, err
			}
			if err := workspace.StageAuxFile(dest, data); err != nil {
				return nil, err
			}
		}
	}

	if scriptPath == "" {
		return nil, fmt.Errorf("op=app.FetchProblem: %w: problem %s has no script.txt", domain.ErrProtocol, problemID)
	}
	scriptBytes, err := os.ReadFile(scriptPath)
	if err != nil {
		return nil, fmt.Errorf("op=app.FetchProblem: %w: %v", domain.ErrFilesystem, err)
	}

	spec, diagnostics, err := scriptparser.Parse(string(scriptBytes), problemID)
	if err != nil {
		return nil, err
	}
	for _, d := range diagnostics {
		logger.Warn("script parse diagnostic", slog.String("problem_id", problemID), slog.String("detail", d))
	}
	return spec, nil
}

// ReportResult formats result into the UI's three payload fields and posts
// them. A transport failure after the UI Client's internal retries is
// logged and dropped: the UI is the source of truth and will re-queue
// stale submissions by its own policy.
func (a *Adapter) ReportResult(ctx context.Context, submissionID string, result domain.SubmissionResult, logger *slog.Logger) error {
	resultPayload, infoPayload, debugPayload := usecase.FormatResult(result)

	if err := a.ui.PostResult(ctx, submissionID, resultPayload, infoPayload, debugPayload); err != nil {
		observability.RecordReportRetry("gave_up")
		logger.Error("report_result exhausted retries, dropping",
			slog.String("submission_id", submissionID), slog.Any("error", err))
		return nil
	}
	observability.RecordReportRetry("succeeded")
	return nil
}

// extractZip unpacks a zip archive into destDir, rejecting any entry whose
// path would escape destDir (zip-slip).
func extractZip(archivePath, destDir string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("op=app.extractZip: %w: %v", domain.ErrFilesystem, err)
	}
	defer func() { _ = r.Close() }()

	for _, f := range r.File {
		dest, err := workspace.SafeJoin(destDir, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0o750); err != nil {
				return fmt.Errorf("op=app.extractZip: %w: %v", domain.ErrFilesystem, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
			return fmt.Errorf("op=app.extractZip: %w: %v", domain.ErrFilesystem, err)
		}
		if err := extractZipEntry(f, dest); err != nil {
			return err
		}
	}
	return nil
}

func extractZipEntry(f *zip.File, dest string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("op=app.extractZipEntry: %w: %v", domain.ErrFilesystem, err)
	}
	defer func() { _ = rc.Close() }()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("op=app.extractZipEntry: %w: %v", domain.ErrFilesystem, err)
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, rc); err != nil {
		return fmt.Errorf("op=app.extractZipEntry: %w: %v", domain.ErrFilesystem, err)
	}
	return nil
}
