package scriptparser

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/judgeworker/worker/internal/domain"
)

const sampleScript = `
# comment line
C gcc -O2
TST 1
T 1.0
TN 67108864
J
TST 2
T 2.5
TN 134217728
JN 0.001
AH helper.h
AS helper.c
`

func TestParseHappyPath(t *testing.T) {
	spec, diagnostics, err := Parse(sampleScript, "prob-1")
	require.NoError(t, err)
	require.Len(t, spec.Tests, 2)
	assert.Empty(t, diagnostics)

	assert.Equal(t, "1", spec.Tests[0].TestName)
	assert.Equal(t, time.Second, spec.Tests[0].TimeLimit)
	assert.Equal(t, int64(67108864), spec.Tests[0].TotalMemoryLimit)
	assert.Equal(t, domain.JudgeKindExact, spec.Tests[0].Judge.Kind)

	assert.Equal(t, "2", spec.Tests[1].TestName)
	assert.Equal(t, 2500*time.Millisecond, spec.Tests[1].TimeLimit)
	assert.Equal(t, domain.JudgeKindNumeric, spec.Tests[1].Judge.Kind)
	assert.InDelta(t, 0.001, spec.Tests[1].Judge.Tolerance, 1e-9)

	require.Len(t, spec.Aux, 2)
	assert.Equal(t, domain.AuxFile{Name: "helper.h", Header: true}, spec.Aux[0])
	assert.Equal(t, domain.AuxFile{Name: "helper.c", Header: false}, spec.Aux[1])
}

func TestParseOrdersTestsByIndexNotDeclarationOrder(t *testing.T) {
	script := "TST 5\nT 1\nTN 1\nTST 1\nT 1\nTN 1\n"
	spec, _, err := Parse(script, "prob-1")
	require.NoError(t, err)
	require.Len(t, spec.Tests, 2)
	assert.Equal(t, "1", spec.Tests[0].TestName)
	assert.Equal(t, "5", spec.Tests[1].TestName)
}

func TestParseMalformedNumberFailsWithScriptError(t *testing.T) {
	script := "TST 1\nT not-a-number\n"
	_, _, err := Parse(script, "prob-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrScript))
}

func TestParseUnknownCommandIgnoredButReportedAsDiagnostic(t *testing.T) {
	script := "TST 1\nT 1\nTN 1\nWEIRDCMD foo\n"
	spec, diagnostics, err := Parse(script, "prob-1")
	require.NoError(t, err)
	require.Len(t, spec.Tests, 1)
	require.Len(t, diagnostics, 1)
	assert.Contains(t, diagnostics[0], "WEIRDCMD")
}

func TestParseDuplicateIndexLastWinsAndIsReportedAsDiagnostic(t *testing.T) {
	script := "TST 1\nT 1\nTN 1\nTST 1\nT 9\nTN 9\n"
	spec, diagnostics, err := Parse(script, "prob-1")
	require.NoError(t, err)
	require.Len(t, spec.Tests, 1)
	assert.Equal(t, 9*time.Second, spec.Tests[0].TimeLimit)
	assert.Equal(t, int64(9), spec.Tests[0].TotalMemoryLimit)
	require.Len(t, diagnostics, 1)
	assert.Contains(t, diagnostics[0], "duplicate test index")
}

func TestParseIsDeterministic(t *testing.T) {
	spec1, diag1, err1 := Parse(sampleScript, "prob-1")
	spec2, diag2, err2 := Parse(sampleScript, "prob-1")
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, spec1, spec2)
	assert.Equal(t, diag1, diag2)
}

func TestParseDirectiveOutsideTSTFails(t *testing.T) {
	_, _, err := Parse("T 1\n", "prob-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrScript))
}
