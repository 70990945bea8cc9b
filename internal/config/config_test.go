package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		// no-op: tests use t.Setenv for isolation instead of mutating the
		// real environment wholesale.
		_ = kv
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("EXEC_IMAGE", "judge/exec:latest")
	t.Setenv("JUDGE_IMAGE", "judge/judge:latest")
	t.Setenv("GUI_URL", "http://ui.internal:8080")
	t.Setenv("WORKSPACE_ROOT", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "dev", cfg.AppEnv)
	assert.Equal(t, []string{"default"}, cfg.QueueNames)
	assert.Equal(t, int64(1073741824), cfg.MaxFileBytes)
	assert.True(t, cfg.IsDev())
}

func TestLoadMissingRequiredFails(t *testing.T) {
	clearEnv(t)
	t.Setenv("GUI_URL", "http://ui.internal:8080")
	t.Setenv("WORKSPACE_ROOT", t.TempDir())
	// EXEC_IMAGE / JUDGE_IMAGE deliberately left unset.
	_, err := Load()
	require.Error(t, err)
}

func TestLoadQueueCompilerMap(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "map.yaml")
	require.NoError(t, os.WriteFile(p, []byte("cpp: judge/gcc:latest\npython: judge/python:latest\n"), 0o600))

	m, err := LoadQueueCompilerMap(p)
	require.NoError(t, err)
	assert.Equal(t, "judge/gcc:latest", m["cpp"])
	assert.Equal(t, "judge/python:latest", m["python"])
}

func TestLoadQueueCompilerMapEmptyPath(t *testing.T) {
	m, err := LoadQueueCompilerMap("")
	require.NoError(t, err)
	assert.Empty(t, m)
}
