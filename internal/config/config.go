// Package config defines configuration parsing and validation for the
// evaluation worker.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds all worker configuration parsed from environment variables.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`

	GUIURL       string   `env:"GUI_URL" envDefault:"http://localhost:8000" validate:"required,url"`
	QueueNames   []string `env:"QUEUE_NAMES" envSeparator:"," envDefault:"default"`

	ExecImage  string `env:"EXEC_IMAGE" validate:"required"`
	JudgeImage string `env:"JUDGE_IMAGE" validate:"required"`

	QueueCompilerMapFile string `env:"QUEUE_COMPILER_MAP_FILE"`

	DockerSocket  string `env:"DOCKER_SOCKET" envDefault:"unix:///var/run/docker.sock"`
	WorkspaceRoot string `env:"WORKSPACE_ROOT" envDefault:"/var/lib/judgeworker/workspaces" validate:"required"`

	PollInterval      time.Duration `env:"POLL_INTERVAL" envDefault:"1s"`
	HTTPConnectTimeout time.Duration `env:"HTTP_CONNECT_TIMEOUT" envDefault:"5s"`
	HTTPReadTimeout    time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`

	DebugMode    bool  `env:"DEBUG_MODE" envDefault:"false"`
	MaxFileBytes int64 `env:"MAX_FILE_BYTES" envDefault:"1073741824"` // 1 GiB

	ReportMaxRetries   int           `env:"REPORT_MAX_RETRIES" envDefault:"3"`
	ReportInitialDelay time.Duration `env:"REPORT_INITIAL_DELAY" envDefault:"1s"`
	ReportMultiplier   float64       `env:"REPORT_MULTIPLIER" envDefault:"2.0"`

	WallTimeoutSafetyFactor float64       `env:"WALL_TIMEOUT_SAFETY_FACTOR" envDefault:"2.0"`
	WallTimeoutOverhead     time.Duration `env:"WALL_TIMEOUT_OVERHEAD" envDefault:"1s"`
	CompileWallTimeout      time.Duration `env:"COMPILE_WALL_TIMEOUT" envDefault:"60s"`
	JudgeWallTimeout        time.Duration `env:"JUDGE_WALL_TIMEOUT" envDefault:"60s"`

	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"judgeworker"`

	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`

	PollCacheRedisURL string        `env:"POLL_CACHE_REDIS_URL" envDefault:""`
	PollCacheTTL      time.Duration `env:"POLL_CACHE_TTL" envDefault:"1s"`

	WorkspaceSweepInterval time.Duration `env:"WORKSPACE_SWEEP_INTERVAL" envDefault:"5m"`
	WorkspaceMaxAge        time.Duration `env:"WORKSPACE_MAX_AGE" envDefault:"30m"`
}

// IsDev reports whether the worker is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the worker is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

var validate = validator.New()

// Load parses environment variables into a Config and validates it. The
// queue-to-compiler-image map named by QueueCompilerMapFile is not read
// here; LoadQueueCompilerMap does that.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// LoadQueueCompilerMap reads the queue_name -> compile image map from a
// YAML file. An empty path yields an empty map, in which case submissions
// are fetched with an empty comp_image.
func LoadQueueCompilerMap(path string) (map[string]string, error) {
	if path == "" {
		return map[string]string{}, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadQueueCompilerMap: %w", err)
	}
	var m map[string]string
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("op=config.LoadQueueCompilerMap: %w", err)
	}
	if m == nil {
		m = map[string]string{}
	}
	return m, nil
}
