// Package domain defines core entities, ports, and error taxonomy shared
// across the evaluation worker's pipeline stages.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels), wrapped with %w at the point of failure so
// callers can classify with errors.Is without depending on concrete types.
var (
	ErrTransport        = errors.New("transport error")
	ErrProtocol         = errors.New("protocol error")
	ErrScript           = errors.New("script error")
	ErrFilesystem       = errors.New("filesystem error")
	ErrSandbox          = errors.New("sandbox error")
	ErrConfig           = errors.New("config error")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrContainment      = errors.New("path escapes workspace root")
)

// Context is an alias to stdlib context.Context, kept distinct so domain
// ports read clearly without importing "context" at every call site.
type Context = context.Context

// JudgeKind enumerates the comparator family selected by the script
// parser's J/JN/JUB/JUN directives.
type JudgeKind string

// Judge kinds.
const (
	JudgeKindExact            JudgeKind = "exact"
	JudgeKindNumeric          JudgeKind = "numeric"
	JudgeKindUnorderedBytes   JudgeKind = "unordered_bytes"
	JudgeKindUnorderedNumeric JudgeKind = "unordered_numeric"
)

// JudgeConfig is the per-test judge configuration captured by the script
// parser and interpreted by the judge stage.
type JudgeConfig struct {
	Kind      JudgeKind
	Tolerance float64 // only meaningful for JudgeKindNumeric/JudgeKindUnorderedNumeric
}

// TestSpec is one test's resource envelope and judge configuration.
type TestSpec struct {
	TestName          string
	TimeLimit         time.Duration // must be > 0
	TotalMemoryLimit  int64         // bytes, must be > 0
	StackSizeLimit    int64         // bytes, optional (0 = unset)
	Judge             JudgeConfig
}

// Validate enforces the TestSpec invariants from the spec.
func (t TestSpec) Validate() error {
	if t.TestName == "" {
		return errInvalid("test_name is required")
	}
	if t.TimeLimit <= 0 {
		return errInvalid("time_limit must be > 0")
	}
	if t.TotalMemoryLimit <= 0 {
		return errInvalid("total_memory_limit must be > 0")
	}
	return nil
}

// AuxFile is an auxiliary header/source file declared by the problem
// script, copied into lib/ before compilation.
type AuxFile struct {
	Name       string
	Header     bool // true for AH/ADDHDR, false for AS/ADDSRC
}

// ProblemSpec is a problem as consumed by the evaluator.
type ProblemSpec struct {
	ID    string
	Tests []TestSpec // ordered; determines evaluation order and tie-breaking
	Aux   []AuxFile
}

// Validate enforces uniqueness of test names within the problem.
func (p ProblemSpec) Validate() error {
	seen := make(map[string]struct{}, len(p.Tests))
	for _, t := range p.Tests {
		if err := t.Validate(); err != nil {
			return err
		}
		if _, dup := seen[t.TestName]; dup {
			return errInvalid("duplicate test_name: " + t.TestName)
		}
		seen[t.TestName] = struct{}{}
	}
	return nil
}

// Submission is a job pulled from the UI's queue.
type Submission struct {
	ID                   string
	CompImage            string
	MainFile             string // optional
	SubmittedBy          string // optional, opaque student id
	ProblemID            string
	ProblemSpecification ProblemSpec
}

// Verdict classifiers, per the glossary.
const (
	VerdictOK  = "OK"
	VerdictCE  = "CE"
	VerdictWA  = "WA"
	VerdictTLE = "TLE"
	VerdictMLE = "MLE"
	VerdictRE  = "RE"
	VerdictSE  = "SE"
	VerdictOLE = "OLE"
)

// RunMetrics captures the timing/memory facts of one container invocation,
// independent of its pass/fail classification.
type RunMetrics struct {
	CPUTime    time.Duration
	WallTime   time.Duration
	PeakMemory int64 // bytes
}

// TestResult is the outcome of one test.
type TestResult struct {
	TestName string
	Grade    bool
	RetCode  *int
	Time     *float64 // seconds
	Memory   *float64 // bytes
	Info     string   // populated with a verdict classifier when Grade == false
}

// StageLog records one container invocation for the debug payload and for
// checking the compile-before-execute-before-judge ordering invariant.
type StageLog struct {
	Stage     string // "compile", "execute:<test>", "judge:<test>"
	StartedAt time.Time
	EndedAt   time.Time
	Output    string
}

// SubmissionResult is the evaluator's aggregate output.
type SubmissionResult struct {
	Points      int
	Info        string
	Debug       string
	TestResults []TestResult
	StageLogs   []StageLog
}

// VolumeMapping is a single host to container mount.
type VolumeMapping struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// Limits carries the neutral resource envelope for one sandbox run. The
// sandbox runner adapts this to whatever knobs the container engine
// exposes; no engine-specific field name is ever used above this type.
type Limits struct {
	CPUTimeLimit     time.Duration
	MemoryLimit      int64
	PidsLimit        int64
	FileSizeLimit    int64
	OpenFilesLimit   int64
	StackSizeLimit   int64 // 0 = unset
	NetworkDisabled  bool  // always true in practice; kept explicit
}

// RunOutcome is the result of one Sandbox Runner invocation.
type RunOutcome struct {
	ExitCode   int
	Stdout     string
	Stderr     string
	PeakMemory int64
	CPUTime    time.Duration
	WallTime   time.Duration
	TimedOut   bool
	OOMKilled  bool
}

func errInvalid(msg string) error {
	return &invalidArgError{msg: msg}
}

type invalidArgError struct{ msg string }

func (e *invalidArgError) Error() string { return e.msg }
func (e *invalidArgError) Unwrap() error { return ErrInvalidArgument }
