package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"launchbox/internal/blob"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Docker    DockerConfig    `yaml:"docker"`
	Execution ExecutionConfig `yaml:"execution"`
	Ports     PortsConfig     `yaml:"ports"`
	Storage   StorageConfig   `yaml:"storage"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	AdvertisedHost  string        `yaml:"advertised_host"` // Hostname used in public URLs; empty falls back to a local interface address
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type DockerConfig struct {
	MemoryLimitMB   int64             `yaml:"memory_limit_mb"`
	CPULimit        float64           `yaml:"cpu_limit"`
	NetworkDisabled bool              `yaml:"network_disabled"`
	SeccompDisabled bool              `yaml:"seccomp_disabled"`
	PullTimeout     time.Duration     `yaml:"pull_timeout"`
	StopTimeout     time.Duration     `yaml:"stop_timeout"`
	Images          map[string]string `yaml:"images"` // Per-language image overrides keyed by language name
}

type ExecutionConfig struct {
	AutoStop         time.Duration `yaml:"auto_stop"`
	ScriptRunTimeout time.Duration `yaml:"script_run_timeout"`
	OutputFlushDelay time.Duration `yaml:"output_flush_delay"`
	CleanupDelay     time.Duration `yaml:"cleanup_delay"`
	TimeoutSweep     string        `yaml:"timeout_sweep"` // cron spec for the auto-stop sweep
	OrphanSweep      string        `yaml:"orphan_sweep"`  // cron spec for the dead-container sweep
	LogBufferSize    int           `yaml:"log_buffer_size"`
}

type PortsConfig struct {
	RangeStart int `yaml:"range_start"`
	RangeEnd   int `yaml:"range_end"`
	MaxPerUser int `yaml:"max_per_user"`
}

type StorageConfig struct {
	S3            blob.Config `yaml:"s3"`
	WorkspaceRoot string      `yaml:"workspace_root"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Endpoint string  `yaml:"endpoint"`
	Sample   float64 `yaml:"sample_rate"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  1 << 20, // 1MB
		},
		Database: DatabaseConfig{
			DSN:             "",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Docker: DockerConfig{
			MemoryLimitMB:   512,
			CPULimit:        1.0,
			NetworkDisabled: false,
			PullTimeout:     5 * time.Minute,
			StopTimeout:     10 * time.Second,
		},
		Execution: ExecutionConfig{
			AutoStop:         time.Hour,
			ScriptRunTimeout: 60 * time.Second,
			OutputFlushDelay: 5 * time.Second,
			CleanupDelay:     2 * time.Second,
			TimeoutSweep:     "@every 1m",
			OrphanSweep:      "@every 5m",
			LogBufferSize:    10000,
		},
		Ports: PortsConfig{
			RangeStart: 3000,
			RangeEnd:   4000,
			MaxPerUser: 5,
		},
		Storage: StorageConfig{
			S3: blob.Config{
				Region:         "us-east-1",
				Bucket:         "launchbox-projects",
				ForcePathStyle: true,
			},
			WorkspaceRoot: "/var/lib/launchbox/workspaces",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Ports.RangeStart < 1024 || c.Ports.RangeEnd > 65535 {
		return fmt.Errorf("ports range must be within 1024-65535, got %d-%d", c.Ports.RangeStart, c.Ports.RangeEnd)
	}
	if c.Ports.RangeStart > c.Ports.RangeEnd {
		return fmt.Errorf("ports.range_start (%d) must be <= range_end (%d)", c.Ports.RangeStart, c.Ports.RangeEnd)
	}
	if c.Ports.MaxPerUser < 1 {
		return fmt.Errorf("ports.max_per_user must be >= 1")
	}
	if c.Docker.MemoryLimitMB < 16 {
		return fmt.Errorf("docker.memory_limit_mb must be >= 16")
	}
	if c.Docker.CPULimit <= 0 {
		return fmt.Errorf("docker.cpu_limit must be > 0")
	}
	if c.Execution.AutoStop < time.Minute {
		return fmt.Errorf("execution.auto_stop must be >= 1m")
	}
	if c.Execution.ScriptRunTimeout < time.Second {
		return fmt.Errorf("execution.script_run_timeout must be >= 1s")
	}
	if c.Storage.WorkspaceRoot == "" || !filepath.IsAbs(c.Storage.WorkspaceRoot) {
		return fmt.Errorf("storage.workspace_root must be an absolute path, got %q", c.Storage.WorkspaceRoot)
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable, connections to Postgres are unencrypted")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
