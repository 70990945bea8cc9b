// Package observability provides logging, metrics, and tracing for the
// evaluation worker.
package observability

import (
	"io"
	"log/slog"
	"os"

	"github.com/judgeworker/worker/internal/config"
)

// SetupLogger configures a JSON slog logger with environment fields baked
// in via With(...). In dev it logs at debug level; otherwise info. This is
// the process-wide bootstrap logger used before any submission's
// workspace exists (config load, Docker client init, signal handling).
func SetupLogger(cfg config.Config) *slog.Logger {
	return newLogger(os.Stdout, cfg)
}

// LogSink is a logging destination threaded into pipeline components in
// place of a process-wide logger singleton. The Main Loop builds one per
// submission so pipeline logs land in that submission's workspace rather
// than a shared global stream.
type LogSink interface {
	Logger() *slog.Logger
}

type sink struct{ logger *slog.Logger }

func (s sink) Logger() *slog.Logger { return s.logger }

// SetupFileLogger builds a LogSink that writes JSON logs to w only. Used
// for a submission's pipeline log when debug_mode is off.
func SetupFileLogger(w io.Writer, cfg config.Config) LogSink {
	return sink{logger: newLogger(w, cfg)}
}

// SetupFileAndStderrLogger builds a LogSink that writes JSON logs to both
// w and stderr. Used when debug_mode is on so pipeline logs are visible
// live as well as archived in the workspace.
func SetupFileAndStderrLogger(w io.Writer, cfg config.Config) LogSink {
	return sink{logger: newLogger(io.MultiWriter(w, os.Stderr), cfg)}
}

func newLogger(w io.Writer, cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{}
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(w, opts)
	return slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
}
