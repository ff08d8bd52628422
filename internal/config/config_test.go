package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"secure-code-sandbox/internal/engine"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Sandbox.DefaultLimits.MemoryMB != 32 {
		t.Errorf("DefaultLimits.MemoryMB = %d, want 32", cfg.Sandbox.DefaultLimits.MemoryMB)
	}
	if cfg.Sandbox.CacheTTL != 5*time.Minute {
		t.Errorf("Sandbox.CacheTTL = %s, want 5m", cfg.Sandbox.CacheTTL)
	}
	if cfg.Security.RiskThreshold != 30 {
		t.Errorf("Security.RiskThreshold = %d, want 30", cfg.Security.RiskThreshold)
	}
	if !cfg.Security.StrictDefault {
		t.Error("Security.StrictDefault must default to true")
	}
	if cfg.Monitor.SampleInterval != 100*time.Millisecond {
		t.Errorf("Monitor.SampleInterval = %s, want 100ms", cfg.Monitor.SampleInterval)
	}

	if err := cfg.Sandbox.DefaultLimits.Limits().Validate(); err != nil {
		t.Errorf("default limits must convert cleanly: %v", err)
	}
}

func TestLimitsConfig_RoundTripsEngineLimits(t *testing.T) {
	got := DefaultConfig().Sandbox.DefaultLimits.Limits()
	if got != engine.DefaultLimits() {
		t.Errorf("Limits() = %+v, want %+v", got, engine.DefaultLimits())
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
		{"memory_mb < 16", func(c *Config) { c.Sandbox.DefaultLimits.MemoryMB = 8 }, true},
		{"wall clock below cpu", func(c *Config) {
			c.Sandbox.DefaultLimits.CPUTimeMs = 5000
			c.Sandbox.DefaultLimits.WallClockMs = 1000
		}, true},
		{"max_code_bytes tiny", func(c *Config) { c.Sandbox.MaxCodeBytes = 100 }, true},
		{"risk threshold 0", func(c *Config) { c.Security.RiskThreshold = 0 }, true},
		{"risk threshold 101", func(c *Config) { c.Security.RiskThreshold = 101 }, true},
		{"risk threshold 50", func(c *Config) { c.Security.RiskThreshold = 50 }, false},
		{"sample interval too fast", func(c *Config) { c.Monitor.SampleInterval = time.Millisecond }, true},
		{"TLS enabled without cert", func(c *Config) {
			c.TLS.Enabled = true
			c.TLS.CertFile = ""
			c.TLS.KeyFile = ""
		}, true},
		{"TLS enabled with cert+key", func(c *Config) {
			c.TLS.Enabled = true
			c.TLS.CertFile = "/etc/ssl/cert.pem"
			c.TLS.KeyFile = "/etc/ssl/key.pem"
		}, false},
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
sandbox:
  cache_ttl: 30s
  default_limits:
    memory_mb: 128
    cpu_time_ms: 2000
    wall_clock_ms: 8000
security:
  risk_threshold: 40
  educational_mode: false
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
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Sandbox.CacheTTL != 30*time.Second {
		t.Errorf("Sandbox.CacheTTL = %s, want 30s", cfg.Sandbox.CacheTTL)
	}
	if cfg.Sandbox.DefaultLimits.MemoryMB != 128 {
		t.Errorf("DefaultLimits.MemoryMB = %d, want 128", cfg.Sandbox.DefaultLimits.MemoryMB)
	}
	if cfg.Security.RiskThreshold != 40 {
		t.Errorf("Security.RiskThreshold = %d, want 40", cfg.Security.RiskThreshold)
	}
	if cfg.Security.EducationalMode {
		t.Error("Security.EducationalMode should be overridden to false")
	}

	// Unset sections keep their defaults.
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want default", cfg.Metrics.Path)
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
