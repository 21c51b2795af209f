// Package config provides unified configuration loading for shellbox.
// Priority: defaults, then YAML file, then environment variables.
package config

import (
	"fmt"
	"time"
)

// Config is the complete shellbox configuration.
type Config struct {
	// Server is the worker HTTP server configuration.
	Server ServerConfig `yaml:"server"`

	// Runtime selects and configures the container runtime backend.
	Runtime RuntimeConfig `yaml:"runtime"`

	// Pool configures the execution unit pool.
	Pool PoolConfig `yaml:"pool"`

	// Session configures the session registry.
	Session SessionConfig `yaml:"session"`

	// Limits bounds workspace and execution resources.
	Limits LimitsConfig `yaml:"limits"`

	// Redis enables distributed mode when configured.
	Redis RedisConfig `yaml:"redis"`

	// Router configures the session-affinity router (distributed mode).
	Router RouterConfig `yaml:"router"`

	// Log configures structured logging.
	Log LogConfig `yaml:"log"`
}

// ServerConfig configures the worker HTTP server.
type ServerConfig struct {
	// Listen address, e.g. ":7575".
	Addr string `yaml:"addr"`
	// Worker identity recorded in session records and health responses.
	WorkerID string `yaml:"worker_id"`
	// Endpoint other workers and the router use to reach this worker.
	AdvertiseURL string `yaml:"advertise_url"`

	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RuntimeBackend selects the container runtime implementation.
type RuntimeBackend string

const (
	BackendDocker RuntimeBackend = "docker"
	BackendLocal  RuntimeBackend = "local"
)

// RuntimeConfig configures the container runtime adapter.
type RuntimeConfig struct {
	Backend RuntimeBackend `yaml:"backend"`

	// Image run by every unit (docker backend).
	Image string `yaml:"image"`
	// Memory limit per unit, in megabytes.
	MemoryLimitMB int64 `yaml:"memory_limit_mb"`
	// CPU quota per unit, in microseconds per 100ms period (25000 = 25%).
	CPUQuota int64 `yaml:"cpu_quota"`
	// Docker network mode; "none" disables networking entirely.
	NetworkMode string `yaml:"network_mode"`
	// Unprivileged identity commands execute as inside the unit.
	SandboxUser string `yaml:"sandbox_user"`
	// Fixed working directory where session files live.
	WorkspaceDir string `yaml:"workspace_dir"`
	// Upper bound on concurrent runtime calls (spawn, exec, file copy).
	MaxConcurrentCalls int64 `yaml:"max_concurrent_calls"`
}

// PoolConfig configures the execution unit pool.
type PoolConfig struct {
	// MinSize is the floor the idle sweeper never destroys below.
	MinSize int `yaml:"min_size"`
	// PrewarmSize units are spawned eagerly at startup.
	PrewarmSize int `yaml:"prewarm_size"`
	// MaxCapacity is the hard upper bound on total units.
	MaxCapacity int `yaml:"max_capacity"`
	// IdleTimeout ages out pooled units independent of session expiry.
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// SpawnRetries bounds the exponential backoff retry loop.
	SpawnRetries    uint          `yaml:"spawn_retries"`
	SpawnBackoffMin time.Duration `yaml:"spawn_backoff_min"`
}

// SessionConfig configures the session registry.
type SessionConfig struct {
	// TTL is the idle lifetime of a session.
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// LimitsConfig bounds workspace and execution resources.
type LimitsConfig struct {
	MaxFileSizeMB      int64         `yaml:"max_file_size_mb"`
	MaxTotalFiles      int           `yaml:"max_total_files"`
	MaxWorkspaceSizeMB int64         `yaml:"max_workspace_size_mb"`
	DefaultCmdTimeout  time.Duration `yaml:"default_cmd_timeout"`
	MaxOutputBytes     int           `yaml:"max_output_bytes"`
}

// MaxFileSize returns the per-file quota in bytes.
func (l LimitsConfig) MaxFileSize() int64 { return l.MaxFileSizeMB * 1024 * 1024 }

// MaxWorkspaceSize returns the aggregate workspace quota in bytes.
func (l LimitsConfig) MaxWorkspaceSize() int64 { return l.MaxWorkspaceSizeMB * 1024 * 1024 }

// RedisConfig configures the shared state store. Enabled selects
// distributed mode; standalone mode keeps all state in memory.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RouterConfig configures the affinity router.
type RouterConfig struct {
	// Listen address of the router process.
	Addr string `yaml:"addr"`
	// Workers is the static set of worker endpoints to route across.
	Workers []string `yaml:"workers"`
	// ProbeInterval is the worker liveness probe period.
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level: debug, info, warn, error.
	Level string `yaml:"level"`
	// Format: json or console.
	Format string `yaml:"format"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":7575",
			WorkerID:        "standalone",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute,
			IdleTimeout:     2 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
		},
		Runtime: RuntimeConfig{
			Backend:            BackendDocker,
			Image:              "sandbox-secure:latest",
			MemoryLimitMB:      256,
			CPUQuota:           25000,
			NetworkMode:        "none",
			SandboxUser:        "sandboxuser",
			WorkspaceDir:       "/workspace",
			MaxConcurrentCalls: 32,
		},
		Pool: PoolConfig{
			MinSize:         3,
			PrewarmSize:     10,
			MaxCapacity:     80,
			IdleTimeout:     5 * time.Minute,
			SweepInterval:   5 * time.Minute,
			SpawnRetries:    3,
			SpawnBackoffMin: 500 * time.Millisecond,
		},
		Session: SessionConfig{
			TTL:           15 * time.Minute,
			SweepInterval: 5 * time.Minute,
		},
		Limits: LimitsConfig{
			MaxFileSizeMB:      100,
			MaxTotalFiles:      1000,
			MaxWorkspaceSizeMB: 500,
			DefaultCmdTimeout:  30 * time.Second,
			MaxOutputBytes:     1024 * 1024,
		},
		Redis: RedisConfig{
			Enabled: false,
			Addr:    "localhost:6379",
		},
		Router: RouterConfig{
			Addr:          ":8000",
			ProbeInterval: 10 * time.Second,
			ProbeTimeout:  2 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	var errs []string

	if c.Pool.MinSize < 0 {
		errs = append(errs, "pool.min_size must be >= 0")
	}
	if c.Pool.MinSize > c.Pool.PrewarmSize {
		errs = append(errs, "pool.min_size cannot be greater than pool.prewarm_size")
	}
	if c.Pool.PrewarmSize > c.Pool.MaxCapacity {
		errs = append(errs, "pool.prewarm_size cannot be greater than pool.max_capacity")
	}
	if c.Pool.MaxCapacity < 1 {
		errs = append(errs, "pool.max_capacity must be >= 1")
	}
	if c.Session.TTL < time.Minute {
		errs = append(errs, "session.ttl must be >= 1m")
	}
	if c.Pool.IdleTimeout < time.Minute {
		errs = append(errs, "pool.idle_timeout must be >= 1m")
	}
	if c.Runtime.CPUQuota < 1000 || c.Runtime.CPUQuota > 100000 {
		errs = append(errs, "runtime.cpu_quota must be between 1000 and 100000")
	}
	if c.Runtime.MaxConcurrentCalls < 1 {
		errs = append(errs, "runtime.max_concurrent_calls must be >= 1")
	}
	if c.Limits.MaxFileSizeMB < 1 {
		errs = append(errs, "limits.max_file_size_mb must be >= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}
	return nil
}
