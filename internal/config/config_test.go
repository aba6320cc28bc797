package config

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_valid(t *testing.T) {
	cfg, err := Load("testdata/valid.yaml")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 10*time.Second, cfg.Server.HandlerTimeout)
	// Unset keys keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)

	assert.Equal(t, 5, cfg.Engine.MaxConcurrentExecutions)

	assert.Equal(t, 5*time.Second, cfg.Steps.API.Timeout)
	assert.Equal(t, 3, cfg.Steps.API.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 2, cfg.Steps.API.CircuitBreaker.SuccessThreshold)

	assert.Equal(t, "postgres", cfg.Steps.Data.Driver)
	assert.Equal(t, "REPORTS_DSN", cfg.Steps.Data.DSNEnv)
	assert.Equal(t, "nats", cfg.Steps.Notification.Driver)
	assert.Equal(t, "reports.notify", cfg.Steps.Notification.SubjectPrefix)
	assert.Equal(t, "redis", cfg.Steps.Cleanup.Driver)
	assert.Equal(t, 2, cfg.Steps.Cleanup.DB)

	assert.Equal(t, "debug", cfg.Observability.LogLevel)
	assert.True(t, cfg.Observability.Tracing.Enabled)
	assert.Equal(t, "stdout", cfg.Observability.Tracing.Exporter)
}

func TestLoad_missing_file(t *testing.T) {
	_, err := Load("testdata/nonexistent.yaml")
	require.Error(t, err)
}

func TestLoad_malformed(t *testing.T) {
	_, err := Load("testdata/malformed.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing")
}

func TestLoad_invalid_driver(t *testing.T) {
	_, err := Load("testdata/invalid_driver.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "steps.data.driver")
}

func TestLoad_empty_path_uses_defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Engine.MaxConcurrentExecutions)
	assert.Equal(t, "memory", cfg.Steps.Data.Driver)
}

func TestLoad_env_overrides(t *testing.T) {
	t.Setenv("FLOWRUN_SERVER_PORT", "7070")
	t.Setenv("FLOWRUN_ENGINE_MAX_CONCURRENT_EXECUTIONS", "8")
	t.Setenv("FLOWRUN_OBSERVABILITY_LOG_LEVEL", "warn")
	t.Setenv("FLOWRUN_CLEANUP_DRIVER", "redis")

	cfg, err := Load("testdata/valid.yaml")
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Engine.MaxConcurrentExecutions)
	assert.Equal(t, "warn", cfg.Observability.LogLevel)
	assert.Equal(t, "redis", cfg.Steps.Cleanup.Driver)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"port zero", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"port too large", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"no workers", func(c *Config) { c.Engine.MaxConcurrentExecutions = 0 }, "max_concurrent_executions"},
		{"bad notification driver", func(c *Config) { c.Steps.Notification.Driver = "smtp" }, "steps.notification.driver"},
		{"bad cleanup driver", func(c *Config) { c.Steps.Cleanup.Driver = "s3" }, "steps.cleanup.driver"},
		{"negative open conns", func(c *Config) { c.Steps.Data.MaxOpenConns = -1 }, "steps.data.max_open_conns"},
		{"open conns overflow int32", func(c *Config) { c.Steps.Data.MaxOpenConns = math.MaxInt32 + 1 }, "steps.data.max_open_conns"},
		{"idle conns overflow int32", func(c *Config) { c.Steps.Data.MaxIdleConns = math.MaxInt32 + 1 }, "steps.data.max_idle_conns"},
		{"idle above open", func(c *Config) { c.Steps.Data.MaxOpenConns = 2; c.Steps.Data.MaxIdleConns = 5 }, "must not exceed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
