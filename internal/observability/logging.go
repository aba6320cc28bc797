package observability

import (
	"context"
	"slices"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/flowrun/internal/config"
)

// Context key for the logger.
type loggerKey struct{}

// NewLogger creates a zap.Logger configured for JSON output to stdout, or to
// cfg.LogOutput when set.
//
// Log level usage conventions:
//   - error: Infrastructure failures (DB down, unhandled panics), 5xx responses
//   - warn:  Client errors (4xx), degraded operation (circuit breaker open), step failures
//   - info:  Request start/end, execution lifecycle, step transitions
//   - debug: Collaborator calls, decoded step configs, queue activity
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	output := cfg.LogOutput
	if output == "" {
		output = "stdout"
	}

	zapCfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(level),
		Development: false,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{output},
		ErrorOutputPaths: []string{"stderr"},
	}

	return zapCfg.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in the context, or the provided
// fallback if none is found.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// ExecutionLogger returns a logger enriched with the execution id and, when
// the context carries a sampled span, the trace id.
func ExecutionLogger(ctx context.Context, fallback *zap.Logger, executionID string) *zap.Logger {
	logger := LoggerFrom(ctx, fallback).With(zap.String("execution_id", executionID))

	if traceID := TraceIDFromContext(ctx); traceID != "" {
		logger = logger.With(zap.String("trace_id", traceID))
	}
	return logger
}

// sensitiveKeys are redacted from step configs and api step headers before
// they reach debug logs. Matching ignores case.
var sensitiveKeys = map[string]bool{
	"password":            true,
	"secret":              true,
	"token":               true,
	"access_token":        true,
	"refresh_token":       true,
	"api_key":             true,
	"x-api-key":           true,
	"authorization":       true,
	"proxy-authorization": true,
	"cookie":              true,
	"dsn":                 true,
}

// RedactBody returns a copy of body with sensitive values replaced by
// "[REDACTED]". extra adds keys to the built-in set. Nested maps and lists of
// maps are walked.
func RedactBody(body map[string]any, extra []string) map[string]any {
	if body == nil {
		return nil
	}
	redact := func(k string) bool {
		k = strings.ToLower(k)
		return sensitiveKeys[k] || slices.ContainsFunc(extra, func(e string) bool { return strings.EqualFold(e, k) })
	}

	result := make(map[string]any, len(body))
	for k, v := range body {
		if redact(k) {
			result[k] = "[REDACTED]"
			continue
		}
		result[k] = redactValue(v, extra)
	}
	return result
}

func redactValue(v any, extra []string) any {
	switch t := v.(type) {
	case map[string]any:
		return RedactBody(t, extra)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = redactValue(item, extra)
		}
		return out
	default:
		return v
	}
}
