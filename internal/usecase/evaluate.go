// Package usecase implements the evaluation pipeline and result formatting:
// compile, per-test execute, per-test judge, aggregate, and the UI payload
// builders.
package usecase

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/judgeworker/worker/internal/adapter/observability"
	"github.com/judgeworker/worker/internal/adapter/workspace"
	"github.com/judgeworker/worker/internal/config"
	"github.com/judgeworker/worker/internal/domain"
)

// Container mount points. Fixed so the compile/exec/judge images agree with
// the worker on where to find sources, build artifacts, and test data.
const (
	mountSubmission = "/sandbox/submission"
	mountLib        = "/sandbox/lib"
	mountBuild      = "/sandbox/build"
	mountRun        = "/sandbox/run"
	mountProblem    = "/sandbox/problem"
)

const (
	compileMemoryLimit = 512 << 20
	compilePidsLimit   = 64
	judgeMemoryLimit   = 256 << 20
	judgePidsLimit     = 32
	execPidsLimit      = 32
	execOpenFilesLimit = 64
)

// SandboxRunner is the subset of the Sandbox Runner contract the Evaluator
// depends on.
type SandboxRunner interface {
	Run(ctx context.Context, image string, command []string, mounts []domain.VolumeMapping, limits domain.Limits, env map[string]string, wallTimeout time.Duration) (domain.RunOutcome, error)
}

// Evaluator runs the compile -> execute -> judge -> aggregate pipeline for
// one submission against its ProblemSpec.
type Evaluator struct {
	runner SandboxRunner

	execImage  string
	judgeImage string

	safetyFactor       float64
	overhead           time.Duration
	compileWallTimeout time.Duration
	judgeWallTimeout   time.Duration
}

// NewEvaluator builds an Evaluator from a SandboxRunner and worker
// configuration.
func NewEvaluator(runner SandboxRunner, cfg config.Config) *Evaluator {
	return &Evaluator{
		runner:             runner,
		execImage:          cfg.ExecImage,
		judgeImage:         cfg.JudgeImage,
		safetyFactor:       cfg.WallTimeoutSafetyFactor,
		overhead:           cfg.WallTimeoutOverhead,
		compileWallTimeout: cfg.CompileWallTimeout,
		judgeWallTimeout:   cfg.JudgeWallTimeout,
	}
}

// Evaluate runs the full pipeline for sub against problem, using ws as the
// staging area for compile/execute/judge I/O. logger receives pipeline
// diagnostics in place of a process-wide logger singleton.
func (e *Evaluator) Evaluate(ctx context.Context, ws *workspace.Workspace, sub domain.Submission, problem domain.ProblemSpec, logger *slog.Logger) (domain.SubmissionResult, error) {
	env := map[string]string{}
	if sub.MainFile != "" {
		env["MAINFILE"] = sub.MainFile
	}

	compileOutcome, compileLog, err := e.compile(ctx, ws, sub, env, logger)
	result := domain.SubmissionResult{StageLogs: []domain.StageLog{compileLog}}
	if err != nil {
		result.Info = fmt.Sprintf("sandbox error during compile: %v", err)
		result.TestResults = allFailed(problem, domain.VerdictSE)
		return result, nil
	}
	result.Info = compileOutcome.Stdout + compileOutcome.Stderr

	if compileOutcome.ExitCode != 0 || !hasBuildArtifact(ws.BuildDir) {
		result.TestResults = allFailed(problem, domain.VerdictCE)
		return result, nil
	}

	for _, ts := range problem.Tests {
		tr, stageLogs := e.runTest(ctx, ws, e.execImage, ts, env)
		result.TestResults = append(result.TestResults, tr)
		result.StageLogs = append(result.StageLogs, stageLogs...)
	}

	for _, tr := range result.TestResults {
		if tr.Grade {
			result.Points++
		}
	}
	return result, nil
}

func (e *Evaluator) compile(ctx context.Context, ws *workspace.Workspace, sub domain.Submission, env map[string]string, logger *slog.Logger) (domain.RunOutcome, domain.StageLog, error) {
	mounts := []domain.VolumeMapping{
		{HostPath: ws.SubmissionDir, ContainerPath: mountSubmission, ReadOnly: true},
		{HostPath: ws.LibDir, ContainerPath: mountLib, ReadOnly: true},
		{HostPath: ws.BuildDir, ContainerPath: mountBuild, ReadOnly: false},
	}
	limits := domain.Limits{
		CPUTimeLimit:    e.compileWallTimeout,
		MemoryLimit:     compileMemoryLimit,
		PidsLimit:       compilePidsLimit,
		OpenFilesLimit:  execOpenFilesLimit,
		NetworkDisabled: true,
	}

	start := time.Now()
	outcome, err := e.runner.Run(ctx, sub.CompImage, nil, mounts, limits, env, e.compileWallTimeout)
	status := sandboxStatus(outcome, err)
	observability.RecordSandboxRun(status)
	observability.ObserveStageDuration("compile", time.Since(start))

	log := domain.StageLog{Stage: "compile", StartedAt: start, EndedAt: time.Now()}
	if err != nil {
		logger.Error("compile stage sandbox error", slog.Any("error", err))
		return domain.RunOutcome{}, log, err
	}
	log.Output = outcome.Stdout + outcome.Stderr
	return outcome, log, nil
}

func (e *Evaluator) runTest(ctx context.Context, ws *workspace.Workspace, execImage string, ts domain.TestSpec, baseEnv map[string]string) (domain.TestResult, []domain.StageLog) {
	runDir := filepath.Join(ws.RunDir, ts.TestName)
	if err := os.MkdirAll(runDir, 0o750); err != nil {
		return domain.TestResult{TestName: ts.TestName, Grade: false, Info: domain.VerdictSE}, nil
	}
	if err := copyFile(filepath.Join(ws.ProblemDir, ts.TestName+".in"), filepath.Join(runDir, "stdin")); err != nil {
		return domain.TestResult{TestName: ts.TestName, Grade: false, Info: domain.VerdictSE}, nil
	}

	execLimits := domain.Limits{
		CPUTimeLimit:    ts.TimeLimit,
		MemoryLimit:     ts.TotalMemoryLimit,
		PidsLimit:       execPidsLimit,
		OpenFilesLimit:  execOpenFilesLimit,
		StackSizeLimit:  ts.StackSizeLimit,
		NetworkDisabled: true,
	}
	wallTimeout := time.Duration(float64(ts.TimeLimit)*e.safetyFactor) + e.overhead

	mounts := []domain.VolumeMapping{
		{HostPath: ws.BuildDir, ContainerPath: mountBuild, ReadOnly: true},
		{HostPath: runDir, ContainerPath: mountRun, ReadOnly: false},
	}

	start := time.Now()
	outcome, err := e.runner.Run(ctx, execImage, nil, mounts, execLimits, baseEnv, wallTimeout)
	status := sandboxStatus(outcome, err)
	observability.RecordSandboxRun(status)
	observability.ObserveStageDuration("execute:"+ts.TestName, time.Since(start))

	execLog := domain.StageLog{Stage: "execute:" + ts.TestName, StartedAt: start, EndedAt: time.Now()}
	if err != nil {
		execLog.Output = err.Error()
		return domain.TestResult{TestName: ts.TestName, Grade: false, Info: domain.VerdictSE}, []domain.StageLog{execLog}
	}
	execLog.Output = outcome.Stdout + outcome.Stderr
	_ = os.WriteFile(filepath.Join(runDir, "stdout"), []byte(outcome.Stdout), 0o640)

	classifier := classifyExecute(outcome, ts)
	retCode := outcome.ExitCode
	execTime := outcome.CPUTime.Seconds()
	execMem := float64(outcome.PeakMemory)
	tr := domain.TestResult{TestName: ts.TestName, RetCode: &retCode, Time: &execTime, Memory: &execMem}

	if classifier != domain.VerdictOK {
		tr.Grade = false
		tr.Info = classifier
		return tr, []domain.StageLog{execLog}
	}

	accepted, judgeLog := e.judge(ctx, ws, runDir, ts)
	tr.Grade = accepted
	if !accepted {
		tr.Info = domain.VerdictWA
	}
	return tr, []domain.StageLog{execLog, judgeLog}
}

func (e *Evaluator) judge(ctx context.Context, ws *workspace.Workspace, runDir string, ts domain.TestSpec) (bool, domain.StageLog) {
	mounts := []domain.VolumeMapping{
		{HostPath: runDir, ContainerPath: mountRun, ReadOnly: true},
		{HostPath: ws.ProblemDir, ContainerPath: mountProblem, ReadOnly: true},
	}
	limits := domain.Limits{
		CPUTimeLimit:    e.judgeWallTimeout,
		MemoryLimit:     judgeMemoryLimit,
		PidsLimit:       judgePidsLimit,
		NetworkDisabled: true,
	}
	env := map[string]string{
		"JUDGE_KIND":      string(ts.Judge.Kind),
		"JUDGE_TOLERANCE": fmt.Sprintf("%g", ts.Judge.Tolerance),
		"TEST_NAME":       ts.TestName,
	}

	start := time.Now()
	outcome, err := e.runner.Run(ctx, e.judgeImage, nil, mounts, limits, env, e.judgeWallTimeout)
	status := sandboxStatus(outcome, err)
	observability.RecordSandboxRun(status)
	observability.ObserveStageDuration("judge:"+ts.TestName, time.Since(start))

	log := domain.StageLog{Stage: "judge:" + ts.TestName, StartedAt: start, EndedAt: time.Now()}
	if err != nil {
		log.Output = err.Error()
		return false, log
	}
	log.Output = outcome.Stdout + outcome.Stderr
	return outcome.ExitCode == 0, log
}

func classifyExecute(outcome domain.RunOutcome, ts domain.TestSpec) string {
	switch {
	case outcome.TimedOut:
		return domain.VerdictTLE
	case outcome.OOMKilled || outcome.PeakMemory > ts.TotalMemoryLimit:
		return domain.VerdictMLE
	case outcome.ExitCode != 0:
		return domain.VerdictRE
	default:
		return domain.VerdictOK
	}
}

func sandboxStatus(outcome domain.RunOutcome, err error) string {
	switch {
	case err != nil:
		return "error"
	case outcome.TimedOut:
		return "timed_out"
	case outcome.OOMKilled:
		return "oom_killed"
	default:
		return "ok"
	}
}

func allFailed(problem domain.ProblemSpec, verdict string) []domain.TestResult {
	results := make([]domain.TestResult, 0, len(problem.Tests))
	for _, ts := range problem.Tests {
		results = append(results, domain.TestResult{TestName: ts.TestName, Grade: false, Info: verdict})
	}
	return results
}

func hasBuildArtifact(buildDir string) bool {
	entries, err := os.ReadDir(buildDir)
	if err != nil {
		return false
	}
	return len(entries) > 0
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("op=usecase.copyFile: %w: %v", domain.ErrFilesystem, err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("op=usecase.copyFile: %w: %v", domain.ErrFilesystem, err)
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("op=usecase.copyFile: %w: %v", domain.ErrFilesystem, err)
	}
	return nil
}
