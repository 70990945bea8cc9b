package app

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/judgeworker/worker/internal/adapter/observability"
)

// WorkspaceSweeper periodically removes orphaned workspace directories left
// behind by a worker crash or a missed Release call.
type WorkspaceSweeper struct {
	root     string
	maxAge   time.Duration
	interval time.Duration
}

// NewWorkspaceSweeper builds a sweeper rooted at workspaceRoot. It falls
// back to sane defaults if maxAge or interval are non-positive.
func NewWorkspaceSweeper(workspaceRoot string, maxAge, interval time.Duration) *WorkspaceSweeper {
	if maxAge <= 0 {
		maxAge = 30 * time.Minute
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &WorkspaceSweeper{root: workspaceRoot, maxAge: maxAge, interval: interval}
}

// Run sweeps once immediately, then on every tick, until ctx is cancelled.
func (s *WorkspaceSweeper) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("workspace sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *WorkspaceSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("workspace.sweeper")
	_, span := tracer.Start(ctx, "WorkspaceSweeper.sweepOnce")
	defer span.End()

	cutoff := time.Now().Add(-s.maxAge)
	span.SetAttributes(attribute.Float64("workspace.max_age_seconds", s.maxAge.Seconds()))

	entries, err := os.ReadDir(s.root)
	if err != nil {
		span.RecordError(err)
		slog.Error("workspace sweep failed to list workspace root", slog.Any("error", err))
		return
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == ".debug-archive" {
			continue
		}
		path := filepath.Join(s.root, entry.Name())
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			slog.Error("workspace sweep failed to remove stale workspace", slog.String("path", path), slog.Any("error", err))
			continue
		}
		observability.RecordWorkspaceSwept()
		removed++
	}
	span.SetAttributes(attribute.Int("workspace.removed", removed))
}
