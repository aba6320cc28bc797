// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Engine        EngineConfig        `yaml:"engine"`
	Steps         StepsConfig         `yaml:"steps"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

// EngineConfig describes the execution engine and its run queue.
type EngineConfig struct {
	MaxConcurrentExecutions int `yaml:"max_concurrent_executions"`
}

// StepsConfig holds the collaborator settings for each step category.
type StepsConfig struct {
	API          APIStepConfig          `yaml:"api"`
	Data         DataStepConfig         `yaml:"data"`
	Notification NotificationStepConfig `yaml:"notification"`
	Cleanup      CleanupStepConfig      `yaml:"cleanup"`
}

// APIStepConfig describes the HTTP client used by api steps.
type APIStepConfig struct {
	Timeout         time.Duration        `yaml:"timeout"`
	MaxResponseSize int64                `yaml:"max_response_size"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig describes circuit breaker settings per target host.
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// DataStepConfig describes the data-movement backend.
type DataStepConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// NotificationStepConfig describes the messaging gateway.
type NotificationStepConfig struct {
	Driver        string `yaml:"driver"`
	URLEnv        string `yaml:"url_env"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// CleanupStepConfig describes the retention/storage backend.
type CleanupStepConfig struct {
	Driver  string `yaml:"driver"`
	AddrEnv string `yaml:"addr_env"`
	DB      int    `yaml:"db"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel  string        `yaml:"log_level"`
	LogOutput string        `yaml:"log_output"`
	Tracing   TracingConfig `yaml:"tracing"`
	Metrics   MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	Insecure     bool    `yaml:"insecure"`
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
			MaxBodyBytes:    1 << 20,
		},
		Engine: EngineConfig{
			MaxConcurrentExecutions: 3,
		},
		Steps: StepsConfig{
			API: APIStepConfig{
				Timeout:         30 * time.Second,
				MaxResponseSize: 1 << 20,
				CircuitBreaker: CircuitBreakerConfig{
					Enabled:          true,
					FailureThreshold: 5,
					SuccessThreshold: 2,
					Timeout:          30 * time.Second,
				},
			},
			Data: DataStepConfig{
				Driver:          "memory",
				DSNEnv:          "FLOWRUN_DATA_DSN",
				MaxOpenConns:    10,
				MaxIdleConns:    2,
				ConnMaxLifetime: 5 * time.Minute,
			},
			Notification: NotificationStepConfig{
				Driver:        "log",
				URLEnv:        "FLOWRUN_NATS_URL",
				SubjectPrefix: "flowrun.notifications",
			},
			Cleanup: CleanupStepConfig{
				Driver:  "memory",
				AddrEnv: "FLOWRUN_REDIS_ADDR",
			},
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
// and validates required fields. An empty path skips the file and uses
// defaults plus environment overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
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
	if c.Engine.MaxConcurrentExecutions < 1 {
		errs = append(errs, "engine.max_concurrent_executions must be at least 1")
	}
	if !oneOf(c.Steps.Data.Driver, "memory", "postgres") {
		errs = append(errs, fmt.Sprintf("steps.data.driver %q is not supported (memory, postgres)", c.Steps.Data.Driver))
	}
	if c.Steps.Data.MaxOpenConns < 0 || c.Steps.Data.MaxOpenConns > math.MaxInt32 {
		errs = append(errs, fmt.Sprintf("steps.data.max_open_conns must be between 0 and %d", math.MaxInt32))
	}
	if c.Steps.Data.MaxIdleConns < 0 || c.Steps.Data.MaxIdleConns > math.MaxInt32 {
		errs = append(errs, fmt.Sprintf("steps.data.max_idle_conns must be between 0 and %d", math.MaxInt32))
	} else if c.Steps.Data.MaxOpenConns > 0 && c.Steps.Data.MaxIdleConns > c.Steps.Data.MaxOpenConns {
		errs = append(errs, "steps.data.max_idle_conns must not exceed steps.data.max_open_conns")
	}
	if !oneOf(c.Steps.Notification.Driver, "log", "nats") {
		errs = append(errs, fmt.Sprintf("steps.notification.driver %q is not supported (log, nats)", c.Steps.Notification.Driver))
	}
	if !oneOf(c.Steps.Cleanup.Driver, "memory", "redis") {
		errs = append(errs, fmt.Sprintf("steps.cleanup.driver %q is not supported (memory, redis)", c.Steps.Cleanup.Driver))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// applyEnvOverrides reads FLOWRUN_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FLOWRUN_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("FLOWRUN_ENGINE_MAX_CONCURRENT_EXECUTIONS"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			cfg.Engine.MaxConcurrentExecutions = n
		}
	}
	if v := os.Getenv("FLOWRUN_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("FLOWRUN_DATA_DRIVER"); v != "" {
		cfg.Steps.Data.Driver = v
	}
	if v := os.Getenv("FLOWRUN_NOTIFICATION_DRIVER"); v != "" {
		cfg.Steps.Notification.Driver = v
	}
	if v := os.Getenv("FLOWRUN_CLEANUP_DRIVER"); v != "" {
		cfg.Steps.Cleanup.Driver = v
	}
}
