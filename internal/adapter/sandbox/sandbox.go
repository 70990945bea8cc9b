// Package sandbox wraps a container engine to run compile/execute/judge
// stages in isolated, resource-limited, network-disabled containers.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	units "github.com/docker/go-units"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/judgeworker/worker/internal/adapter/observability"
	"github.com/judgeworker/worker/internal/domain"
)

// Engine is the narrow subset of the Docker API the runner depends on.
// Exercised against the real *client.Client in production and against a
// fake in unit tests.
type Engine interface {
	ContainerCreate(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig, platform *ocispec.Platform, name string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, id string, opts container.StartOptions) error
	ContainerWait(ctx context.Context, id string, cond container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerKill(ctx context.Context, id, signal string) error
	ContainerLogs(ctx context.Context, id string, opts container.LogsOptions) (io.ReadCloser, error)
	ContainerStats(ctx context.Context, id string, stream bool) (container.StatsResponseReader, error)
	ContainerInspect(ctx context.Context, id string) (container.InspectResponse, error)
	ContainerRemove(ctx context.Context, id string, opts container.RemoveOptions) error
	CopyToContainer(ctx context.Context, id, dstPath string, content io.Reader, opts container.CopyToContainerOptions) error
}

// Runner dispatches compile/execute/judge invocations to the container
// engine, per the Sandbox Runner contract.
type Runner struct {
	engine Engine
}

// New wraps an Engine (usually the real Docker client) into a Runner.
func New(engine Engine) *Runner {
	return &Runner{engine: engine}
}

// Run launches a container from image, runs command against mounts under
// limits, and returns its RunOutcome. The container is guaranteed to be
// removed on every return path.
func (r *Runner) Run(ctx context.Context, image string, command []string, mounts []domain.VolumeMapping, limits domain.Limits, env map[string]string, wallTimeout time.Duration) (outcome domain.RunOutcome, err error) {
	name := "judgeworker-" + uuid.NewString()

	cfg := &container.Config{
		Image:           image,
		Cmd:             command,
		Env:             envSlice(env),
		NetworkDisabled: true,
		AttachStdout:    true,
		AttachStderr:    true,
	}

	hostCfg := &container.HostConfig{
		Binds:       bindsFromMounts(mounts),
		NetworkMode: "none",
		Resources:   resourcesFromLimits(limits),
	}

	created, createErr := r.engine.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	if createErr != nil {
		return domain.RunOutcome{}, fmt.Errorf("op=sandbox.Run: %w: create: %v", domain.ErrSandbox, createErr)
	}
	id := created.ID

	// Guaranteed cleanup on every return path, including a recovered panic.
	defer func() {
		removeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = r.engine.ContainerRemove(removeCtx, id, container.RemoveOptions{Force: true})
		if p := recover(); p != nil {
			err = fmt.Errorf("op=sandbox.Run: %w: panic during run: %v", domain.ErrSandbox, p)
		}
	}()

	if startErr := r.engine.ContainerStart(ctx, id, container.StartOptions{}); startErr != nil {
		return domain.RunOutcome{}, fmt.Errorf("op=sandbox.Run: %w: start: %v", domain.ErrSandbox, startErr)
	}
	observability.SandboxContainersActive.Inc()
	defer observability.SandboxContainersActive.Dec()

	waitCtx, cancel := context.WithTimeout(ctx, wallTimeout)
	defer cancel()

	start := time.Now()
	statusCh, errCh := r.engine.ContainerWait(waitCtx, id, container.WaitConditionNotRunning)

	var exitCode int
	var timedOut bool
	select {
	case waitErr := <-errCh:
		if waitCtx.Err() == context.DeadlineExceeded {
			_ = r.engine.ContainerKill(context.Background(), id, "SIGKILL")
			timedOut = true
		} else if waitErr != nil {
			return domain.RunOutcome{}, fmt.Errorf("op=sandbox.Run: %w: wait: %v", domain.ErrSandbox, waitErr)
		}
	case res := <-statusCh:
		exitCode = int(res.StatusCode)
	}
	wallTime := time.Since(start)

	stdout, stderr := r.collectLogs(context.Background(), id)
	peakMemory, cpuTime := r.collectStats(context.Background(), id)
	oomKilled := r.wasOOMKilled(context.Background(), id)

	return domain.RunOutcome{
		ExitCode:   exitCode,
		Stdout:     stdout,
		Stderr:     stderr,
		PeakMemory: peakMemory,
		CPUTime:    cpuTime,
		WallTime:   wallTime,
		TimedOut:   timedOut,
		OOMKilled:  oomKilled,
	}, nil
}

// wasOOMKilled asks the engine whether it killed the container for
// exceeding its memory limit, rather than relying solely on the
// PeakMemory-vs-limit comparison the Evaluator makes independently.
func (r *Runner) wasOOMKilled(ctx context.Context, id string) bool {
	inspect, err := r.engine.ContainerInspect(ctx, id)
	if err != nil {
		return false
	}
	return inspect.State != nil && inspect.State.OOMKilled
}

func (r *Runner) collectLogs(ctx context.Context, id string) (stdout, stderr string) {
	rc, err := r.engine.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", ""
	}
	defer func() { _ = rc.Close() }()

	var outBuf, errBuf bytes.Buffer
	_, _ = stdcopy.StdCopy(&outBuf, &errBuf, rc)
	return outBuf.String(), errBuf.String()
}

type statsPayload struct {
	MemoryStats struct {
		MaxUsage uint64 `json:"max_usage"`
		Usage    uint64 `json:"usage"`
	} `json:"memory_stats"`
	CPUStats struct {
		CPUUsage struct {
			TotalUsage uint64 `json:"total_usage"`
		} `json:"cpu_usage"`
	} `json:"cpu_stats"`
}

func (r *Runner) collectStats(ctx context.Context, id string) (peakMemory int64, cpuTime time.Duration) {
	resp, err := r.engine.ContainerStats(ctx, id, false)
	if err != nil {
		return 0, 0
	}
	defer func() { _ = resp.Body.Close() }()

	var payload statsPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, 0
	}
	mem := payload.MemoryStats.MaxUsage
	if mem == 0 {
		mem = payload.MemoryStats.Usage
	}
	return int64(mem), time.Duration(payload.CPUStats.CPUUsage.TotalUsage) * time.Nanosecond
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func bindsFromMounts(mounts []domain.VolumeMapping) []string {
	binds := make([]string, 0, len(mounts))
	for _, m := range mounts {
		b := m.HostPath + ":" + m.ContainerPath
		if m.ReadOnly {
			b += ":ro"
		}
		binds = append(binds, b)
	}
	return binds
}

// resourcesFromLimits adapts the neutral domain.Limits record to Docker's
// resource knobs. The CPU quota is a fixed one logical CPU over a 100ms
// period; limits.CPUTimeLimit is not mapped to any engine knob, since
// Docker has no direct "total CPU seconds" knob; the wall-clock timeout
// enforced by Run is the actual backstop.
func resourcesFromLimits(l domain.Limits) container.Resources {
	const period = int64(100000) // microseconds
	res := container.Resources{
		Memory:     l.MemoryLimit,
		MemorySwap: l.MemoryLimit, // disable swap headroom
		PidsLimit:  &l.PidsLimit,
		CPUPeriod:  period,
		CPUQuota:   period, // one CPU's worth; execute-stage timeout bounds wall time
	}
	var ulimits []*units.Ulimit
	if l.OpenFilesLimit > 0 {
		ulimits = append(ulimits, &units.Ulimit{Name: "nofile", Soft: l.OpenFilesLimit, Hard: l.OpenFilesLimit})
	}
	if l.FileSizeLimit > 0 {
		ulimits = append(ulimits, &units.Ulimit{Name: "fsize", Soft: l.FileSizeLimit, Hard: l.FileSizeLimit})
	}
	if l.StackSizeLimit > 0 {
		ulimits = append(ulimits, &units.Ulimit{Name: "stack", Soft: l.StackSizeLimit, Hard: l.StackSizeLimit})
	}
	ulimits = append(ulimits, &units.Ulimit{Name: "nproc", Soft: 64, Hard: 64})
	res.Ulimits = ulimits
	return res
}
