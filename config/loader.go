package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of all configuration environment variables.
const EnvPrefix = "SHELLBOX"

// Load builds the configuration from defaults, an optional YAML file, and
// environment variable overrides, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides config fields from SHELLBOX_* environment variables.
func applyEnv(cfg *Config) {
	envString(&cfg.Server.Addr, "SERVER_ADDR")
	envString(&cfg.Server.WorkerID, "WORKER_ID")
	envString(&cfg.Server.AdvertiseURL, "ADVERTISE_URL")

	if v, ok := lookup("RUNTIME_BACKEND"); ok {
		cfg.Runtime.Backend = RuntimeBackend(v)
	}
	envString(&cfg.Runtime.Image, "CONTAINER_IMAGE")
	envInt64(&cfg.Runtime.MemoryLimitMB, "MEMORY_LIMIT_MB")
	envInt64(&cfg.Runtime.CPUQuota, "CPU_QUOTA")
	envString(&cfg.Runtime.NetworkMode, "NETWORK_MODE")
	envString(&cfg.Runtime.SandboxUser, "SANDBOX_USER")
	envString(&cfg.Runtime.WorkspaceDir, "WORKSPACE_DIR")

	envInt(&cfg.Pool.MinSize, "POOL_MIN_SIZE")
	envInt(&cfg.Pool.PrewarmSize, "POOL_PREWARM_SIZE")
	envInt(&cfg.Pool.MaxCapacity, "POOL_MAX_CAPACITY")
	envDuration(&cfg.Pool.IdleTimeout, "POOL_IDLE_TIMEOUT")
	envDuration(&cfg.Pool.SweepInterval, "POOL_SWEEP_INTERVAL")

	envDuration(&cfg.Session.TTL, "SESSION_TTL")
	envDuration(&cfg.Session.SweepInterval, "SESSION_SWEEP_INTERVAL")

	envInt64(&cfg.Limits.MaxFileSizeMB, "MAX_FILE_SIZE_MB")
	envInt(&cfg.Limits.MaxTotalFiles, "MAX_TOTAL_FILES")
	envInt64(&cfg.Limits.MaxWorkspaceSizeMB, "MAX_WORKSPACE_SIZE_MB")
	envDuration(&cfg.Limits.DefaultCmdTimeout, "DEFAULT_CMD_TIMEOUT")

	if v, ok := lookup("REDIS_ADDR"); ok {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	envString(&cfg.Redis.Password, "REDIS_PASSWORD")
	envInt(&cfg.Redis.DB, "REDIS_DB")

	envString(&cfg.Router.Addr, "ROUTER_ADDR")
	if v, ok := lookup("ROUTER_WORKERS"); ok {
		cfg.Router.Workers = splitNonEmpty(v)
	}

	envString(&cfg.Log.Level, "LOG_LEVEL")
	envString(&cfg.Log.Format, "LOG_FORMAT")
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + "_" + key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func envString(dst *string, key string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v, ok := lookup(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(dst *int64, key string) {
	if v, ok := lookup(key); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envDuration(dst *time.Duration, key string) {
	if v, ok := lookup(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
