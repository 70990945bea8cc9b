package usecase

import (
	"testing"

	units "github.com/docker/go-units"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/judgeworker/worker/internal/domain"
)

func floatPtr(f float64) *float64 { return &f }
func intPtr(i int) *int           { return &i }

func TestFormatResultAllPassedSummary(t *testing.T) {
	result := domain.SubmissionResult{
		Points: 2,
		TestResults: []domain.TestResult{
			{TestName: "t1", Grade: true, RetCode: intPtr(0), Time: floatPtr(0.1), Memory: floatPtr(1024)},
			{TestName: "t2", Grade: true, RetCode: intPtr(0), Time: floatPtr(0.2), Memory: floatPtr(2048)},
		},
	}
	resultPayload, infoPayload, _ := FormatResult(result)

	assert.Contains(t, resultPayload, "result=100.0")
	assert.Contains(t, resultPayload, "infoformat=html")
	assert.Contains(t, resultPayload, "debugformat=html")
	assert.Contains(t, resultPayload, "info=All tests passed")
	assert.Contains(t, infoPayload, "t1")
	assert.Contains(t, infoPayload, "t2")
}

func TestFormatResultZeroTotalScoresZero(t *testing.T) {
	resultPayload, _, _ := FormatResult(domain.SubmissionResult{})
	assert.Contains(t, resultPayload, "result=0.0")
}

func TestFormatResultSummaryIsFirstFailureClassifier(t *testing.T) {
	result := domain.SubmissionResult{
		Points: 0,
		TestResults: []domain.TestResult{
			{TestName: "t1", Grade: false, Info: domain.VerdictCE},
			{TestName: "t2", Grade: false, Info: domain.VerdictCE},
		},
	}
	resultPayload, _, _ := FormatResult(result)
	assert.Contains(t, resultPayload, "info=Compile error")
}

func TestFormatResultPartialScore(t *testing.T) {
	result := domain.SubmissionResult{
		Points: 1,
		TestResults: []domain.TestResult{
			{TestName: "t1", Grade: true},
			{TestName: "t2", Grade: false, Info: domain.VerdictWA},
			{TestName: "t3", Grade: false, Info: domain.VerdictWA},
		},
	}
	resultPayload, _, _ := FormatResult(result)
	require.Contains(t, resultPayload, "result=33.33")
}

func TestBuildInfoHTMLColorsByVerdict(t *testing.T) {
	result := domain.SubmissionResult{
		TestResults: []domain.TestResult{
			{TestName: "t1", Grade: false, Info: domain.VerdictTLE, Time: floatPtr(2.0)},
		},
	}
	_, infoPayload, _ := FormatResult(result)
	assert.Contains(t, infoPayload, "color:orange")
	assert.Contains(t, infoPayload, "Time limit exceeded")
}

func TestBuildDebugHTMLTranslatesANSIPerStage(t *testing.T) {
	result := domain.SubmissionResult{
		StageLogs: []domain.StageLog{
			{Stage: "compile", Output: "\x1b[31mcompile failed\x1b[0m"},
		},
	}
	_, _, debugPayload := FormatResult(result)
	assert.Contains(t, debugPayload, "compile")
	assert.Contains(t, debugPayload, "color:red")
}

func TestFormatResultIncludesCompileInfoBlock(t *testing.T) {
	result := domain.SubmissionResult{Info: "warning: unused variable"}
	_, infoPayload, _ := FormatResult(result)
	assert.Contains(t, infoPayload, "compile-info")
	assert.Contains(t, infoPayload, "warning: unused variable")
}

func TestSizeToStringRoundTripsThroughFromHumanSize(t *testing.T) {
	for _, bytes := range []int64{0, 1024, 1048576, 2500000, 123456789} {
		s, err := sizeToString(bytes)
		require.NoError(t, err)
		parsed, err := units.FromHumanSize(s)
		require.NoError(t, err)
		assert.InDelta(t, bytes, parsed, float64(bytes)*0.01+1)
	}
}

func TestSizeToStringRejectsNegativeBytes(t *testing.T) {
	_, err := sizeToString(-1)
	assert.Error(t, err)
}

func TestBuildInfoHTMLRendersMemoryAsHumanSize(t *testing.T) {
	result := domain.SubmissionResult{
		TestResults: []domain.TestResult{
			{TestName: "t1", Grade: true, Memory: floatPtr(1048576)},
		},
	}
	_, infoPayload, _ := FormatResult(result)
	assert.Contains(t, infoPayload, "1.049MB")
}
