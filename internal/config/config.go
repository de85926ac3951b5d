// Package config loads and validates the daemon configuration from YAML,
// with environment overrides for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"kiln/internal/backend"
	"kiln/internal/pluginctx"
	"kiln/internal/pool"
)

// Config is the root daemon configuration.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	API       APIConfig       `yaml:"api"`
	Storage   StorageConfig   `yaml:"storage"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Backend   BackendConfig   `yaml:"backend"`
	Invoke    InvokeConfig    `yaml:"invoke"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type APIConfig struct {
	Listen string `yaml:"listen"`
	// AuthToken protects mutating endpoints. Empty disables auth; the
	// KILN_API_TOKEN environment variable overrides it either way.
	AuthToken string `yaml:"auth_token"`
}

type StorageConfig struct {
	Path        string `yaml:"path"`
	ArtifactDir string `yaml:"artifact_dir"`
}

type WorkspaceConfig struct {
	BaseDir         string `yaml:"base_dir"`
	CleanupAfterMin int    `yaml:"cleanup_after_min"`
}

// BackendConfig selects and tunes the execution backend.
type BackendConfig struct {
	Type       string   `yaml:"type"`
	WorkerBin  string   `yaml:"worker_bin"`
	WorkerArgs []string `yaml:"worker_args"`

	Subprocess SubprocessConfig `yaml:"subprocess"`
	Pool       PoolConfig       `yaml:"pool"`
}

type SubprocessConfig struct {
	Reuse bool `yaml:"reuse"`
	// KillOnTimeout defaults to true: a timed-out worker is terminated
	// rather than abandoned.
	KillOnTimeout   *bool `yaml:"kill_on_timeout"`
	ReadyTimeoutMs  int   `yaml:"ready_timeout_ms"`
	ShutdownGraceMs int   `yaml:"shutdown_grace_ms"`
}

type PoolConfig struct {
	MinWorkers             int `yaml:"min_workers"`
	MaxWorkers             int `yaml:"max_workers"`
	QueueSize              int `yaml:"queue_size"`
	AcquireTimeoutMs       int `yaml:"acquire_timeout_ms"`
	MaxRequestsPerWorker   int `yaml:"max_requests_per_worker"`
	MaxWorkerUptimeSec     int `yaml:"max_worker_uptime_sec"`
	MaxConcurrentPerPlugin int `yaml:"max_concurrent_per_plugin"`
	HealthIntervalSec      int `yaml:"health_interval_sec"`
	HealthTimeoutMs        int `yaml:"health_timeout_ms"`
}

type InvokeConfig struct {
	MaxDepth     int   `yaml:"max_depth"`
	MaxFanOut    int   `yaml:"max_fan_out"`
	TimeBudgetMs int64 `yaml:"time_budget_ms"`
}

// Defaults returns the configuration used when no file is given.
func Defaults() Config {
	killOnTimeout := true
	return Config{
		Log: LogConfig{Level: "info", Format: "json"},
		API: APIConfig{Listen: ":8080"},
		Storage: StorageConfig{
			Path:        "data/kiln.db",
			ArtifactDir: "data/artifacts",
		},
		Workspace: WorkspaceConfig{
			BaseDir:         "data/workspaces",
			CleanupAfterMin: 60,
		},
		Backend: BackendConfig{
			Type: "inprocess",
			Subprocess: SubprocessConfig{
				KillOnTimeout:   &killOnTimeout,
				ReadyTimeoutMs:  10000,
				ShutdownGraceMs: 3000,
			},
			Pool: PoolConfig{
				MinWorkers:        1,
				MaxWorkers:        4,
				QueueSize:         64,
				AcquireTimeoutMs:  5000,
				HealthIntervalSec: 30,
				HealthTimeoutMs:   5000,
			},
		},
		Invoke: InvokeConfig{MaxDepth: 4, MaxFanOut: 16, TimeBudgetMs: 60000},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	if v := os.Getenv("KILN_API_TOKEN"); v != "" {
		cfg.API.AuthToken = v
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks cross-field consistency.
func (c Config) Validate() error {
	switch c.Backend.Type {
	case "inprocess", "subprocess", "pool":
	default:
		return fmt.Errorf("backend.type %q must be inprocess, subprocess or pool", c.Backend.Type)
	}
	if c.Backend.Type != "inprocess" && c.Backend.WorkerBin == "" {
		return fmt.Errorf("backend.worker_bin is required for the %s backend", c.Backend.Type)
	}
	if c.Backend.Pool.MaxWorkers < c.Backend.Pool.MinWorkers {
		return fmt.Errorf("backend.pool.max_workers (%d) below min_workers (%d)",
			c.Backend.Pool.MaxWorkers, c.Backend.Pool.MinWorkers)
	}
	if c.API.Listen == "" {
		return fmt.Errorf("api.listen is empty")
	}
	if c.Workspace.BaseDir == "" {
		return fmt.Errorf("workspace.base_dir is empty")
	}
	return nil
}

// SubprocessSettings converts to the backend's option struct.
func (c BackendConfig) SubprocessSettings() backend.SubprocessOptions {
	kill := true
	if c.Subprocess.KillOnTimeout != nil {
		kill = *c.Subprocess.KillOnTimeout
	}
	return backend.SubprocessOptions{
		Bin:           c.WorkerBin,
		Args:          c.WorkerArgs,
		Reuse:         c.Subprocess.Reuse,
		KillOnTimeout: kill,
		ReadyTimeout:  time.Duration(c.Subprocess.ReadyTimeoutMs) * time.Millisecond,
		ShutdownGrace: time.Duration(c.Subprocess.ShutdownGraceMs) * time.Millisecond,
	}
}

// PoolSettings converts to the pool's config struct.
func (c BackendConfig) PoolSettings() pool.Config {
	p := c.Pool
	return pool.Config{
		MinWorkers:             p.MinWorkers,
		MaxWorkers:             p.MaxWorkers,
		QueueSize:              p.QueueSize,
		AcquireTimeout:         time.Duration(p.AcquireTimeoutMs) * time.Millisecond,
		MaxRequestsPerWorker:   p.MaxRequestsPerWorker,
		MaxWorkerUptime:        time.Duration(p.MaxWorkerUptimeSec) * time.Second,
		MaxConcurrentPerPlugin: p.MaxConcurrentPerPlugin,
		HealthInterval:         time.Duration(p.HealthIntervalSec) * time.Second,
		HealthTimeout:          time.Duration(p.HealthTimeoutMs) * time.Millisecond,
		WorkerBin:              c.WorkerBin,
		WorkerArgs:             c.WorkerArgs,
	}
}

// Limits converts to the context factory's invoke limits.
func (c InvokeConfig) Limits() pluginctx.InvokeLimits {
	return pluginctx.InvokeLimits{
		MaxDepth:   c.MaxDepth,
		MaxFanOut:  c.MaxFanOut,
		TimeBudget: time.Duration(c.TimeBudgetMs) * time.Millisecond,
	}
}
