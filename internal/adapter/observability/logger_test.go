package observability

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/judgeworker/worker/internal/config"
)

func TestSetupLoggerDevAndProd(t *testing.T) {
	lg := SetupLogger(config.Config{AppEnv: "dev", OTELServiceName: "svc"})
	require.NotNil(t, lg)
	lg2 := SetupLogger(config.Config{AppEnv: "prod", OTELServiceName: "svc"})
	require.NotNil(t, lg2)
}

func TestSetupFileLoggerWritesOnlyToFile(t *testing.T) {
	var buf bytes.Buffer
	s := SetupFileLogger(&buf, config.Config{AppEnv: "prod", OTELServiceName: "judgeworker"})
	s.Logger().Info("compile finished", "test_name", "t1")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "judgeworker", entry["service"])
	assert.Equal(t, "prod", entry["env"])
	assert.Equal(t, "compile finished", entry["msg"])
}

func TestSetupFileAndStderrLoggerMirrorsToFile(t *testing.T) {
	var buf bytes.Buffer
	s := SetupFileAndStderrLogger(&buf, config.Config{AppEnv: "dev", OTELServiceName: "judgeworker"})
	s.Logger().Debug("debug_mode archive staged")
	assert.True(t, strings.Contains(buf.String(), "debug_mode archive staged"))
}
