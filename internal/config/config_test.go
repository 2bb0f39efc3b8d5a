package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Ports.RangeStart != 3000 || cfg.Ports.RangeEnd != 4000 {
		t.Errorf("Ports range = %d-%d, want 3000-4000", cfg.Ports.RangeStart, cfg.Ports.RangeEnd)
	}
	if cfg.Ports.MaxPerUser != 5 {
		t.Errorf("Ports.MaxPerUser = %d, want 5", cfg.Ports.MaxPerUser)
	}
	if cfg.Execution.AutoStop != time.Hour {
		t.Errorf("Execution.AutoStop = %s, want 1h", cfg.Execution.AutoStop)
	}
	if cfg.Execution.ScriptRunTimeout != 60*time.Second {
		t.Errorf("Execution.ScriptRunTimeout = %s, want 60s", cfg.Execution.ScriptRunTimeout)
	}
	if cfg.Docker.MemoryLimitMB != 512 {
		t.Errorf("Docker.MemoryLimitMB = %d, want 512", cfg.Docker.MemoryLimitMB)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return DefaultConfig()
	}

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"server port 0", func(c *Config) { c.Server.Port = 0 }, true},
		{"server port 99999", func(c *Config) { c.Server.Port = 99999 }, true},
		{"reserved port range", func(c *Config) { c.Ports.RangeStart = 80 }, true},
		{"inverted port range", func(c *Config) {
			c.Ports.RangeStart = 4000
			c.Ports.RangeEnd = 3000
		}, true},
		{"max_per_user 0", func(c *Config) { c.Ports.MaxPerUser = 0 }, true},
		{"memory_limit_mb < 16", func(c *Config) { c.Docker.MemoryLimitMB = 8 }, true},
		{"cpu_limit 0", func(c *Config) { c.Docker.CPULimit = 0 }, true},
		{"auto_stop too short", func(c *Config) { c.Execution.AutoStop = 10 * time.Second }, true},
		{"script timeout too short", func(c *Config) { c.Execution.ScriptRunTimeout = 100 * time.Millisecond }, true},
		{"relative workspace root", func(c *Config) { c.Storage.WorkspaceRoot = "relative/path" }, true},
		{"absolute workspace root", func(c *Config) { c.Storage.WorkspaceRoot = "/tmp/workspaces" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
server:
  host: "127.0.0.1"
  port: 9090
  advertised_host: "apps.example.com"
execution:
  auto_stop: 30m
  script_run_timeout: 90s
ports:
  range_start: 5000
  range_end: 6000
  max_per_user: 3
docker:
  memory_limit_mb: 1024
  images:
    NODEJS: "node:20-alpine"
`
	tmpFile, err := os.CreateTemp("", "config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpFile.Name())

	if _, err := tmpFile.WriteString(yamlContent); err != nil {
		t.Fatal(err)
	}
	tmpFile.Close()

	cfg, err := Load(tmpFile.Name())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.AdvertisedHost != "apps.example.com" {
		t.Errorf("Server.AdvertisedHost = %q, want %q", cfg.Server.AdvertisedHost, "apps.example.com")
	}
	if cfg.Execution.AutoStop != 30*time.Minute {
		t.Errorf("Execution.AutoStop = %s, want 30m", cfg.Execution.AutoStop)
	}
	if cfg.Ports.RangeStart != 5000 || cfg.Ports.RangeEnd != 6000 {
		t.Errorf("Ports range = %d-%d, want 5000-6000", cfg.Ports.RangeStart, cfg.Ports.RangeEnd)
	}
	if cfg.Ports.MaxPerUser != 3 {
		t.Errorf("Ports.MaxPerUser = %d, want 3", cfg.Ports.MaxPerUser)
	}
	if cfg.Docker.MemoryLimitMB != 1024 {
		t.Errorf("Docker.MemoryLimitMB = %d, want 1024", cfg.Docker.MemoryLimitMB)
	}
	if got := cfg.Docker.Images["NODEJS"]; got != "node:20-alpine" {
		t.Errorf("Docker.Images[NODEJS] = %q, want %q", got, "node:20-alpine")
	}
	// Sections absent from the file keep their defaults.
	if cfg.Execution.TimeoutSweep != "@every 1m" {
		t.Errorf("Execution.TimeoutSweep = %q, want %q", cfg.Execution.TimeoutSweep, "@every 1m")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err == nil {
		t.Error("expected error for missing file, got nil")
	}
}

func TestAddress(t *testing.T) {
	cfg := DefaultConfig()
	want := "0.0.0.0:8080"
	if got := cfg.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}

	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 3000
	want = "127.0.0.1:3000"
	if got := cfg.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}
}
