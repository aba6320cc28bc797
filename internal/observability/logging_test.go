package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/flowrun/internal/config"
)

// newTestLogger creates a logger that writes JSON to a buffer for assertion.
func newTestLogger(buf *bytes.Buffer) *zap.Logger {
	enc := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		MessageKey:     "msg",
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
	})
	core := zapcore.NewCore(enc, zapcore.AddSync(buf), zapcore.DebugLevel)
	return zap.New(core)
}

func TestNewLogger_levels(t *testing.T) {
	tests := []struct {
		level     string
		enabled   zapcore.Level
		disabled  zapcore.Level
		checkDown bool
	}{
		{"debug", zapcore.DebugLevel, 0, false},
		{"info", zapcore.InfoLevel, zapcore.DebugLevel, true},
		{"warn", zapcore.WarnLevel, zapcore.InfoLevel, true},
		{"error", zapcore.ErrorLevel, zapcore.WarnLevel, true},
		{"nonsense", zapcore.InfoLevel, zapcore.DebugLevel, true},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger, err := NewLogger(config.ObservabilityConfig{LogLevel: tt.level})
			require.NoError(t, err)
			defer func() { _ = logger.Sync() }()

			assert.True(t, logger.Core().Enabled(tt.enabled))
			if tt.checkDown {
				assert.False(t, logger.Core().Enabled(tt.disabled))
			}
		})
	}
}

func TestWithLogger_and_LoggerFrom(t *testing.T) {
	logger := zap.NewNop()
	ctx := WithLogger(context.Background(), logger)
	assert.Same(t, logger, LoggerFrom(ctx, nil))
}

func TestLoggerFrom_fallback(t *testing.T) {
	fallback := zap.NewNop()
	assert.Same(t, fallback, LoggerFrom(context.Background(), fallback))
}

func TestExecutionLogger_addsExecutionID(t *testing.T) {
	var buf bytes.Buffer
	logger := ExecutionLogger(context.Background(), newTestLogger(&buf), "exec-42")
	logger.Info("step started")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "exec-42", entry["execution_id"])
	assert.NotContains(t, entry, "trace_id")
}

func TestExecutionLogger_addsTraceID(t *testing.T) {
	setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "workflow.run")
	defer span.End()

	var buf bytes.Buffer
	ExecutionLogger(ctx, newTestLogger(&buf), "exec-42").Info("x")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, TraceIDFromContext(ctx), entry["trace_id"])
}

func TestRedactBody(t *testing.T) {
	body := map[string]any{
		"Authorization": "Bearer x",
		"X-Api-Key":     "k1",
		"user":          "alice",
		"nested":        map[string]any{"api_key": "k", "keep": 1},
		"items":         []any{map[string]any{"Token": "t"}, "plain"},
		"Signature":     "abc",
	}

	got := RedactBody(body, []string{"signature"})

	assert.Equal(t, "[REDACTED]", got["Authorization"])
	assert.Equal(t, "[REDACTED]", got["X-Api-Key"])
	assert.Equal(t, "alice", got["user"])
	assert.Equal(t, "[REDACTED]", got["Signature"])
	nested := got["nested"].(map[string]any)
	assert.Equal(t, "[REDACTED]", nested["api_key"])
	assert.Equal(t, 1, nested["keep"])
	items := got["items"].([]any)
	assert.Equal(t, "[REDACTED]", items[0].(map[string]any)["Token"])
	assert.Equal(t, "plain", items[1])

	// The input is untouched.
	assert.Equal(t, "k", body["nested"].(map[string]any)["api_key"])
	assert.Nil(t, RedactBody(nil, nil))
}
