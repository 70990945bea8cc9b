// Package main provides the evaluation worker's entry point: it wires
// configuration, observability, the Docker-backed sandbox, and the
// polling loop together, then runs until a shutdown signal arrives.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/docker/docker/client"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/judgeworker/worker/internal/adapter/observability"
	"github.com/judgeworker/worker/internal/adapter/pollcache"
	"github.com/judgeworker/worker/internal/adapter/sandbox"
	"github.com/judgeworker/worker/internal/adapter/uiclient"
	"github.com/judgeworker/worker/internal/adapter/workspace"
	"github.com/judgeworker/worker/internal/app"
	"github.com/judgeworker/worker/internal/config"
	"github.com/judgeworker/worker/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()
	go runMetricsServer(cfg.MetricsAddr)

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting evaluation worker", slog.String("env", cfg.AppEnv))

	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation(), client.WithHost(cfg.DockerSocket))
	if err != nil {
		slog.Error("docker client init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = dockerClient.Close() }()

	queueCompilerMap, err := config.LoadQueueCompilerMap(cfg.QueueCompilerMapFile)
	if err != nil {
		slog.Error("queue compiler map load failed", slog.Any("error", err))
		os.Exit(1)
	}

	workspaces, err := workspace.New(cfg.WorkspaceRoot)
	if err != nil {
		slog.Error("workspace manager init failed", slog.Any("error", err))
		os.Exit(1)
	}

	cache, err := newPollCache(cfg)
	if err != nil {
		slog.Error("poll cache init failed", slog.Any("error", err))
		os.Exit(1)
	}
	if closer, ok := cache.(*pollcache.RedisCache); ok {
		defer func() { _ = closer.Close() }()
	}

	ui := uiclient.New(cfg)
	adapter := app.NewAdapter(ui, cfg.QueueNames, queueCompilerMap, cache)
	runner := sandbox.New(dockerClient)
	evaluator := usecase.NewEvaluator(runner, cfg)
	loop := app.NewLoop(workspaces, adapter, evaluator, cfg)

	sweeper := app.NewWorkspaceSweeper(cfg.WorkspaceRoot, cfg.WorkspaceMaxAge, cfg.WorkspaceSweepInterval)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	go sweeper.Run(ctx)

	slog.Info("worker started, polling queues", slog.Any("queues", cfg.QueueNames))
	loop.Run(ctx)

	slog.Info("worker stopped")
}

func newPollCache(cfg config.Config) (pollcache.Cache, error) {
	if cfg.PollCacheRedisURL == "" {
		return pollcache.NoopCache{}, nil
	}
	return pollcache.New(cfg.PollCacheRedisURL, cfg.PollCacheTTL)
}

func runMetricsServer(addr string) {
	r := chi.NewRouter()
	r.Use(observability.HTTPMetricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}))
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if err := http.ListenAndServe(addr, r); err != nil {
		slog.Error("metrics server error", slog.Any("error", err))
	}
}
