// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Directory     DirectoryConfig     `yaml:"directory"`
	Objects       ObjectsConfig       `yaml:"objects"`
	Policy        PolicyConfig        `yaml:"policy"`
	Notify        NotifyConfig        `yaml:"notify"`
	Records       RecordsConfig       `yaml:"records"`
	Timeline      TimelineConfig      `yaml:"timeline"`
	Jobs          JobsConfig          `yaml:"jobs"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes bearer token validation. Tokens are HMAC signed
// with a shared secret read from the environment variable named by SecretEnv.
type IdentityConfig struct {
	Issuer     string            `yaml:"issuer"`
	Audience   string            `yaml:"audience"`
	SecretEnv  string            `yaml:"secret_env"`
	Algorithms []string          `yaml:"algorithms"`
	ClaimPaths map[string]string `yaml:"claim_paths"`
	AdminRole  string            `yaml:"admin_role"`
}

// Secret returns the signing secret from the environment.
func (c IdentityConfig) Secret() string {
	if c.SecretEnv == "" {
		return ""
	}
	return os.Getenv(c.SecretEnv)
}

// DefinitionsConfig describes where to find workflow definition YAML files.
type DefinitionsConfig struct {
	Directories []string `yaml:"directories"`
}

// DirectoryConfig describes the user and group directory.
type DirectoryConfig struct {
	File string `yaml:"file"`
	// FallbackGroup is made responsible when resolution finds nobody.
	FallbackGroup string `yaml:"fallback_group"`
}

// ObjectsConfig describes the object store.
type ObjectsConfig struct {
	SeedFile string `yaml:"seed_file"`
}

// PolicyConfig points at the static role to capability mapping. Without a
// file no role is granted any capability.
type PolicyConfig struct {
	File string `yaml:"file"`
}

// NotifyConfig describes the transition webhook. It is disabled when URL is
// empty. Deliveries are signed with HMAC-SHA256 when SecretEnv names a set
// variable.
type NotifyConfig struct {
	URL            string               `yaml:"url"`
	SecretEnv      string               `yaml:"secret_env"`
	Timeout        time.Duration        `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// Secret returns the signing secret from the environment.
func (c NotifyConfig) Secret() string {
	if c.SecretEnv == "" {
		return ""
	}
	return os.Getenv(c.SecretEnv)
}

// CircuitBreakerConfig describes when an outbound endpoint is considered
// down.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// RecordsConfig describes work record persistence.
type RecordsConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// TimelineConfig describes timeline persistence. The postgres driver shares
// the records connection string unless DSNEnv is set.
type TimelineConfig struct {
	Driver     string `yaml:"driver"`
	SQLitePath string `yaml:"sqlite_path"`
	DSNEnv     string `yaml:"dsn_env"`
}

// JobsConfig describes the background job queue and its workers.
type JobsConfig struct {
	Driver       string        `yaml:"driver"`
	AddrEnv      string        `yaml:"addr_env"`
	DB           int           `yaml:"db"`
	QueueKey     string        `yaml:"queue_key"`
	Workers      int           `yaml:"workers"`
	MaxAttempts  int           `yaml:"max_attempts"`
	BlockTimeout time.Duration `yaml:"block_timeout"`
	Buffer       int           `yaml:"buffer"`
}

// IdempotencyConfig describes where replayable transition responses are
// kept. The redis driver shares the address variable of the job queue unless
// AddrEnv is set.
type IdempotencyConfig struct {
	Driver    string        `yaml:"driver"`
	AddrEnv   string        `yaml:"addr_env"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id"},
				MaxAge:         86400,
			},
		},
		Identity: IdentityConfig{
			SecretEnv:  "WORKTRAIL_JWT_SECRET",
			Algorithms: []string{"HS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"email":      "email",
				"roles":      "roles",
				"locale":     "locale",
			},
			AdminRole: "workflow-admin",
		},
		Definitions: DefinitionsConfig{
			Directories: []string{"/definitions"},
		},
		Directory: DirectoryConfig{
			FallbackGroup: "workflow-fallback",
		},
		Notify: NotifyConfig{
			Timeout: 10 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
		},
		Records: RecordsConfig{
			Driver:          "memory",
			DSNEnv:          "WORKTRAIL_DATABASE_DSN",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Timeline: TimelineConfig{
			Driver:     "memory",
			SQLitePath: "worktrail-timeline.db",
		},
		Jobs: JobsConfig{
			Driver:       "memory",
			AddrEnv:      "WORKTRAIL_REDIS_ADDR",
			QueueKey:     "worktrail:jobs",
			Workers:      2,
			MaxAttempts:  5,
			BlockTimeout: 2 * time.Second,
			Buffer:       1024,
		},
		Idempotency: IdempotencyConfig{
			Driver:    "memory",
			KeyPrefix: "worktrail:idem",
			TTL:       24 * time.Hour,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Identity.Issuer == "" {
		errs = append(errs, "identity.issuer is required")
	}
	if c.Identity.Audience == "" {
		errs = append(errs, "identity.audience is required")
	}
	if c.Identity.SecretEnv == "" {
		errs = append(errs, "identity.secret_env is required")
	}
	if len(c.Definitions.Directories) == 0 {
		errs = append(errs, "definitions.directories must not be empty")
	}
	if c.Directory.File == "" {
		errs = append(errs, "directory.file is required")
	}
	if c.Directory.FallbackGroup == "" {
		errs = append(errs, "directory.fallback_group is required")
	}
	if !slices.Contains([]string{"memory", "postgres"}, c.Records.Driver) {
		errs = append(errs, fmt.Sprintf("records.driver %q is not supported (memory, postgres)", c.Records.Driver))
	}
	if !slices.Contains([]string{"memory", "sqlite", "postgres"}, c.Timeline.Driver) {
		errs = append(errs, fmt.Sprintf("timeline.driver %q is not supported (memory, sqlite, postgres)", c.Timeline.Driver))
	}
	if c.Timeline.Driver == "sqlite" && c.Timeline.SQLitePath == "" {
		errs = append(errs, "timeline.sqlite_path is required for the sqlite driver")
	}
	if !slices.Contains([]string{"memory", "redis"}, c.Jobs.Driver) {
		errs = append(errs, fmt.Sprintf("jobs.driver %q is not supported (memory, redis)", c.Jobs.Driver))
	}
	if c.Jobs.Workers < 0 {
		errs = append(errs, "jobs.workers must not be negative")
	}
	if c.Notify.URL != "" && !strings.HasPrefix(c.Notify.URL, "http://") && !strings.HasPrefix(c.Notify.URL, "https://") {
		errs = append(errs, "notify.url must be an http or https URL")
	}
	if r := c.Notify.CircuitBreaker.ErrorRateThreshold; r < 0 || r > 1 {
		errs = append(errs, "notify.circuit_breaker.error_rate_threshold must be between 0 and 1")
	}
	if c.Jobs.MaxAttempts < 1 {
		errs = append(errs, "jobs.max_attempts must be at least 1")
	}
	if !slices.Contains([]string{"", "memory", "redis"}, c.Idempotency.Driver) {
		errs = append(errs, fmt.Sprintf("idempotency.driver %q is not supported (memory, redis)", c.Idempotency.Driver))
	}
	if c.Idempotency.Driver != "" && c.Idempotency.TTL <= 0 {
		errs = append(errs, "idempotency.ttl must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads WORKTRAIL_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WORKTRAIL_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("WORKTRAIL_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("WORKTRAIL_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("WORKTRAIL_POLICY_FILE"); v != "" {
		cfg.Policy.File = v
	}
	if v := os.Getenv("WORKTRAIL_NOTIFY_URL"); v != "" {
		cfg.Notify.URL = v
	}
	if v := os.Getenv("WORKTRAIL_RECORDS_DRIVER"); v != "" {
		cfg.Records.Driver = v
	}
	if v := os.Getenv("WORKTRAIL_TIMELINE_DRIVER"); v != "" {
		cfg.Timeline.Driver = v
	}
	if v := os.Getenv("WORKTRAIL_JOBS_DRIVER"); v != "" {
		cfg.Jobs.Driver = v
	}
	if v := os.Getenv("WORKTRAIL_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
