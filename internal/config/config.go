package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"secure-code-sandbox/internal/engine"
	"secure-code-sandbox/internal/security"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Security SecurityConfig `yaml:"security"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Database DatabaseConfig `yaml:"database"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
	API      APIConfig      `yaml:"api"`
	TLS      TLSConfig      `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

type SandboxConfig struct {
	DefaultLimits LimitsConfig  `yaml:"default_limits"`
	MaxCodeBytes  int64         `yaml:"max_code_bytes"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
}

// LimitsConfig mirrors engine.Limits in YAML form.
type LimitsConfig struct {
	MemoryMB        int64 `yaml:"memory_mb"`
	CPUTimeMs       int64 `yaml:"cpu_time_ms"`
	WallClockMs     int64 `yaml:"wall_clock_ms"`
	OutputBytes     int64 `yaml:"output_bytes"`
	NetworkRequests int   `yaml:"network_requests"`
	DomMutations    int   `yaml:"dom_mutations"`
	RecursionDepth  int   `yaml:"recursion_depth"`
}

// Limits converts to the engine's limit type.
func (l LimitsConfig) Limits() engine.Limits {
	return engine.Limits{
		MaxMemoryMB:        l.MemoryMB,
		MaxCPUTimeMs:       l.CPUTimeMs,
		MaxWallClockMs:     l.WallClockMs,
		MaxOutputBytes:     l.OutputBytes,
		MaxNetworkRequests: l.NetworkRequests,
		MaxDomMutations:    l.DomMutations,
		MaxRecursionDepth:  l.RecursionDepth,
	}
}

type SecurityConfig struct {
	RiskThreshold   int  `yaml:"risk_threshold"`
	CriticalWeight  int  `yaml:"critical_weight"`
	WarningWeight   int  `yaml:"warning_weight"`
	EducationalMode bool `yaml:"educational_mode"`
	StrictDefault   bool `yaml:"strict_default"`
}

// Policy converts to the security engine's policy type.
func (s SecurityConfig) Policy() security.Policy {
	return security.Policy{
		RiskThreshold:  s.RiskThreshold,
		CriticalWeight: s.CriticalWeight,
		WarningWeight:  s.WarningWeight,
	}
}

type MonitorConfig struct {
	SampleInterval time.Duration `yaml:"sample_interval"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
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

type APIConfig struct {
	APIKeyHeader   string   `yaml:"api_key_header"`
	AllowedKeys    []string `yaml:"allowed_keys"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
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
	defaults := engine.DefaultLimits()
	policy := security.DefaultPolicy()

	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    125 * time.Second, // > max wall clock + overhead
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  2 << 20, // 2MB: code plus inputs
		},
		Sandbox: SandboxConfig{
			DefaultLimits: LimitsConfig{
				MemoryMB:        defaults.MaxMemoryMB,
				CPUTimeMs:       defaults.MaxCPUTimeMs,
				WallClockMs:     defaults.MaxWallClockMs,
				OutputBytes:     defaults.MaxOutputBytes,
				NetworkRequests: defaults.MaxNetworkRequests,
				DomMutations:    defaults.MaxDomMutations,
				RecursionDepth:  defaults.MaxRecursionDepth,
			},
			MaxCodeBytes: 1 << 20,
			CacheTTL:     5 * time.Minute,
		},
		Security: SecurityConfig{
			RiskThreshold:   policy.RiskThreshold,
			CriticalWeight:  policy.CriticalWeight,
			WarningWeight:   policy.WarningWeight,
			EducationalMode: true,
			StrictDefault:   true,
		},
		Monitor: MonitorConfig{
			SampleInterval: 100 * time.Millisecond,
		},
		Database: DatabaseConfig{
			DSN:             "",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
		API: APIConfig{
			APIKeyHeader:   "X-API-Key",
			RateLimitRPS:   100,
			RateLimitBurst: 200,
		},
		TLS: TLSConfig{
			Enabled: false,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if err := c.Sandbox.DefaultLimits.Limits().Validate(); err != nil {
		return fmt.Errorf("sandbox.default_limits: %w", err)
	}
	if c.Sandbox.MaxCodeBytes < 1024 {
		return fmt.Errorf("sandbox.max_code_bytes must be >= 1024, got %d", c.Sandbox.MaxCodeBytes)
	}
	if c.Security.RiskThreshold < 1 || c.Security.RiskThreshold > 100 {
		return fmt.Errorf("security.risk_threshold must be 1-100, got %d", c.Security.RiskThreshold)
	}
	if c.Monitor.SampleInterval < 10*time.Millisecond {
		return fmt.Errorf("monitor.sample_interval must be >= 10ms, got %s", c.Monitor.SampleInterval)
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable — connections to Postgres are unencrypted")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
