package usecase

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/judgeworker/worker/internal/adapter/workspace"
	"github.com/judgeworker/worker/internal/config"
	"github.com/judgeworker/worker/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubRunner struct {
	byImageCall map[string][]domain.RunOutcome // image -> queued outcomes, consumed in order
	byImageErr  map[string][]error
	calls       []string
}

func newStubRunner() *stubRunner {
	return &stubRunner{byImageCall: map[string][]domain.RunOutcome{}, byImageErr: map[string][]error{}}
}

func (s *stubRunner) queue(image string, outcome domain.RunOutcome, err error) {
	s.byImageCall[image] = append(s.byImageCall[image], outcome)
	s.byImageErr[image] = append(s.byImageErr[image], err)
}

func (s *stubRunner) Run(_ context.Context, image string, _ []string, _ []domain.VolumeMapping, _ domain.Limits, _ map[string]string, _ time.Duration) (domain.RunOutcome, error) {
	s.calls = append(s.calls, image)
	outcomes := s.byImageCall[image]
	errs := s.byImageErr[image]
	if len(outcomes) == 0 {
		return domain.RunOutcome{}, nil
	}
	o := outcomes[0]
	e := errs[0]
	s.byImageCall[image] = outcomes[1:]
	s.byImageErr[image] = errs[1:]
	return o, e
}

func testEvalConfig() config.Config {
	return config.Config{
		ExecImage:               "exec:latest",
		JudgeImage:              "judge:latest",
		WallTimeoutSafetyFactor: 2.0,
		WallTimeoutOverhead:     time.Second,
		CompileWallTimeout:      60 * time.Second,
		JudgeWallTimeout:        60 * time.Second,
	}
}

func newTestWS(t *testing.T) *workspace.Workspace {
	t.Helper()
	mgr, err := workspace.New(t.TempDir())
	require.NoError(t, err)
	ws, err := mgr.Acquire("sub-1")
	require.NoError(t, err)
	return ws
}

func writeProblemFile(t *testing.T, ws *workspace.Workspace, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(ws.ProblemDir, name), []byte(content), 0o600))
}

func twoTestProblem() domain.ProblemSpec {
	return domain.ProblemSpec{
		ID: "prob-1",
		Tests: []domain.TestSpec{
			{TestName: "1", TimeLimit: time.Second, TotalMemoryLimit: 64 << 20, Judge: domain.JudgeConfig{Kind: domain.JudgeKindExact}},
			{TestName: "2", TimeLimit: time.Second, TotalMemoryLimit: 64 << 20, Judge: domain.JudgeConfig{Kind: domain.JudgeKindExact}},
		},
	}
}

// S1 -- happy path: both tests pass compile, execute, and judge.
func TestEvaluateHappyPathBothTestsPass(t *testing.T) {
	ws := newTestWS(t)
	writeProblemFile(t, ws, "1.in", "in1\n")
	writeProblemFile(t, ws, "1.out", "out1\n")
	writeProblemFile(t, ws, "2.in", "in2\n")
	writeProblemFile(t, ws, "2.out", "out2\n")
	require.NoError(t, os.WriteFile(filepath.Join(ws.BuildDir, "a.out"), []byte("binary"), 0o700))

	runner := newStubRunner()
	runner.queue("comp:latest", domain.RunOutcome{ExitCode: 0}, nil)
	runner.queue("exec:latest", domain.RunOutcome{ExitCode: 0, Stdout: "out1\n"}, nil)
	runner.queue("judge:latest", domain.RunOutcome{ExitCode: 0}, nil)
	runner.queue("exec:latest", domain.RunOutcome{ExitCode: 0, Stdout: "out2\n"}, nil)
	runner.queue("judge:latest", domain.RunOutcome{ExitCode: 0}, nil)

	e := NewEvaluator(runner, testEvalConfig())
	sub := domain.Submission{ID: "sub-1", CompImage: "comp:latest"}
	result, err := e.Evaluate(context.Background(), ws, sub, twoTestProblem(), testLogger())
	require.NoError(t, err)

	assert.Equal(t, 2, result.Points)
	require.Len(t, result.TestResults, 2)
	assert.True(t, result.TestResults[0].Grade)
	assert.True(t, result.TestResults[1].Grade)
}

// S2 -- compile error: stage 1 fails, every test marked CE, no exec/judge calls.
func TestEvaluateCompileErrorMarksAllTestsCE(t *testing.T) {
	ws := newTestWS(t)
	writeProblemFile(t, ws, "1.in", "in1\n")
	writeProblemFile(t, ws, "1.out", "out1\n")
	writeProblemFile(t, ws, "2.in", "in2\n")
	writeProblemFile(t, ws, "2.out", "out2\n")

	runner := newStubRunner()
	runner.queue("comp:latest", domain.RunOutcome{ExitCode: 1, Stderr: "syntax error"}, nil)

	e := NewEvaluator(runner, testEvalConfig())
	sub := domain.Submission{ID: "sub-1", CompImage: "comp:latest"}
	result, err := e.Evaluate(context.Background(), ws, sub, twoTestProblem(), testLogger())
	require.NoError(t, err)

	assert.Equal(t, 0, result.Points)
	require.Len(t, result.TestResults, 2)
	for _, tr := range result.TestResults {
		assert.False(t, tr.Grade)
		assert.Equal(t, domain.VerdictCE, tr.Info)
	}
	assert.Contains(t, result.Info, "syntax error")
	assert.Equal(t, []string{"comp:latest"}, runner.calls)
}

// S3 -- TLE: execute stage times out, judge never invoked for that test.
func TestEvaluateTimeLimitExceededSkipsJudge(t *testing.T) {
	ws := newTestWS(t)
	writeProblemFile(t, ws, "1.in", "in1\n")
	writeProblemFile(t, ws, "1.out", "out1\n")
	require.NoError(t, os.WriteFile(filepath.Join(ws.BuildDir, "a.out"), []byte("binary"), 0o700))

	problem := domain.ProblemSpec{
		ID: "prob-1",
		Tests: []domain.TestSpec{
			{TestName: "1", TimeLimit: time.Second, TotalMemoryLimit: 64 << 20, Judge: domain.JudgeConfig{Kind: domain.JudgeKindExact}},
		},
	}

	runner := newStubRunner()
	runner.queue("comp:latest", domain.RunOutcome{ExitCode: 0}, nil)
	runner.queue("exec:latest", domain.RunOutcome{ExitCode: -1, TimedOut: true, WallTime: 3 * time.Second}, nil)

	e := NewEvaluator(runner, testEvalConfig())
	sub := domain.Submission{ID: "sub-1", CompImage: "comp:latest"}
	result, err := e.Evaluate(context.Background(), ws, sub, problem, testLogger())
	require.NoError(t, err)

	require.Len(t, result.TestResults, 1)
	assert.False(t, result.TestResults[0].Grade)
	assert.Equal(t, domain.VerdictTLE, result.TestResults[0].Info)
	assert.Equal(t, 0, result.Points)
	for _, call := range runner.calls {
		assert.NotEqual(t, "judge:latest", call)
	}
}

// S4 -- wrong answer: execute exits 0, judge rejects.
func TestEvaluateWrongAnswerWhenJudgeRejects(t *testing.T) {
	ws := newTestWS(t)
	writeProblemFile(t, ws, "1.in", "in1\n")
	writeProblemFile(t, ws, "1.out", "43\n")
	require.NoError(t, os.WriteFile(filepath.Join(ws.BuildDir, "a.out"), []byte("binary"), 0o700))

	problem := domain.ProblemSpec{
		ID: "prob-1",
		Tests: []domain.TestSpec{
			{TestName: "1", TimeLimit: time.Second, TotalMemoryLimit: 64 << 20, Judge: domain.JudgeConfig{Kind: domain.JudgeKindExact}},
		},
	}

	runner := newStubRunner()
	runner.queue("comp:latest", domain.RunOutcome{ExitCode: 0}, nil)
	runner.queue("exec:latest", domain.RunOutcome{ExitCode: 0, Stdout: "42\n"}, nil)
	runner.queue("judge:latest", domain.RunOutcome{ExitCode: 1}, nil)

	e := NewEvaluator(runner, testEvalConfig())
	sub := domain.Submission{ID: "sub-1", CompImage: "comp:latest"}
	result, err := e.Evaluate(context.Background(), ws, sub, problem, testLogger())
	require.NoError(t, err)

	require.Len(t, result.TestResults, 1)
	assert.False(t, result.TestResults[0].Grade)
	assert.Equal(t, domain.VerdictWA, result.TestResults[0].Info)
	require.NotNil(t, result.TestResults[0].RetCode)
	assert.Equal(t, 0, *result.TestResults[0].RetCode)
}

func TestEvaluateSandboxErrorDuringExecuteMarksSE(t *testing.T) {
	ws := newTestWS(t)
	writeProblemFile(t, ws, "1.in", "in1\n")
	writeProblemFile(t, ws, "1.out", "out1\n")
	require.NoError(t, os.WriteFile(filepath.Join(ws.BuildDir, "a.out"), []byte("binary"), 0o700))

	problem := domain.ProblemSpec{
		ID: "prob-1",
		Tests: []domain.TestSpec{
			{TestName: "1", TimeLimit: time.Second, TotalMemoryLimit: 64 << 20, Judge: domain.JudgeConfig{Kind: domain.JudgeKindExact}},
		},
	}

	runner := newStubRunner()
	runner.queue("comp:latest", domain.RunOutcome{ExitCode: 0}, nil)
	runner.queue("exec:latest", domain.RunOutcome{}, assert.AnError)

	e := NewEvaluator(runner, testEvalConfig())
	sub := domain.Submission{ID: "sub-1", CompImage: "comp:latest"}
	result, err := e.Evaluate(context.Background(), ws, sub, problem, testLogger())
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictSE, result.TestResults[0].Info)
}
