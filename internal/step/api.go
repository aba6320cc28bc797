package step

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-units"
	"go.uber.org/zap"

	"github.com/pitabwire/flowrun/internal/config"
	"github.com/pitabwire/flowrun/internal/observability"
	"github.com/pitabwire/flowrun/model"
)

type apiConfig struct {
	URL     string            `mapstructure:"url"`
	Method  string            `mapstructure:"method"`
	Headers map[string]string `mapstructure:"headers"`
	Body    any               `mapstructure:"body"`
}

// APIResult is the result of an api step.
type APIResult struct {
	Status     string            `json:"status"`
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	Body       any               `json:"body,omitempty"`
}

// APIHandler calls an external HTTP endpoint. Each target host gets its own
// circuit breaker; calls are never retried.
type APIHandler struct {
	client      *http.Client
	maxResponse int64
	breakerCfg  config.CircuitBreakerConfig
	logger      *zap.Logger
	metrics     *observability.Metrics

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewAPIHandler creates an api step handler. metrics may be nil.
func NewAPIHandler(cfg config.APIStepConfig, logger *zap.Logger, metrics *observability.Metrics) *APIHandler {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxResponse := cfg.MaxResponseSize
	if maxResponse <= 0 {
		maxResponse = 1 << 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &APIHandler{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxConnsPerHost:     50,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		maxResponse: maxResponse,
		breakerCfg:  cfg.CircuitBreaker,
		logger:      logger,
		metrics:     metrics,
		breakers:    make(map[string]*CircuitBreaker),
	}
}

// Type implements Handler.
func (h *APIHandler) Type() model.StepType { return model.StepTypeAPI }

// Execute implements Handler.
func (h *APIHandler) Execute(ctx context.Context, executionID string, s model.WorkflowStep) (any, error) {
	var cfg apiConfig
	if err := decodeConfig(s, &cfg); err != nil {
		return nil, err
	}
	if cfg.URL == "" {
		return nil, errors.New("api step requires a url")
	}
	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodGet
	}

	target, err := url.Parse(cfg.URL)
	if err != nil || target.Host == "" || (target.Scheme != "http" && target.Scheme != "https") {
		return nil, fmt.Errorf("api step url %q is not an absolute http(s) url", cfg.URL)
	}

	observability.Annotate(ctx, observability.AttrTargetHost.String(target.Host))

	breaker := h.breaker(target.Host)
	if breaker != nil {
		if err := breaker.Allow(); err != nil {
			return nil, err
		}
	}

	body, contentType, err := encodeBody(cfg.Body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range cfg.Headers {
		req.Header.Set(sanitizeHeader(k), sanitizeHeader(v))
	}
	req.Header.Set("X-Execution-Id", executionID)
	observability.InjectTraceHeaders(ctx, req.Header)

	if ce := h.logger.Check(zap.DebugLevel, "api step request"); ce != nil {
		logged := make(map[string]any, len(cfg.Headers))
		for k, v := range cfg.Headers {
			logged[k] = v
		}
		ce.Write(
			zap.String("execution_id", executionID),
			zap.String("step_id", s.ID),
			zap.String("method", method),
			zap.String("url", target.String()),
			zap.Any("headers", observability.RedactBody(logged, nil)),
		)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		h.record(breaker, false)
		return nil, fmt.Errorf("%s %s: %w", method, target.Redacted(), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, h.maxResponse+1))
	if err != nil {
		h.record(breaker, false)
		return nil, fmt.Errorf("read response: %w", err)
	}

	// 4xx responses are caller mistakes, not an unhealthy host.
	h.record(breaker, resp.StatusCode < http.StatusInternalServerError)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s %s returned %d", method, target.Redacted(), resp.StatusCode)
	}
	if int64(len(raw)) > h.maxResponse {
		return nil, fmt.Errorf("%s %s response exceeds %s limit",
			method, target.Redacted(), units.BytesSize(float64(h.maxResponse)))
	}

	return APIResult{
		Status:     "success",
		StatusCode: resp.StatusCode,
		Headers:    responseHeaders(resp),
		Body:       decodeBody(raw),
	}, nil
}

// breaker returns the circuit breaker for host, or nil when disabled.
func (h *APIHandler) breaker(host string) *CircuitBreaker {
	if !h.breakerCfg.Enabled {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	cb, ok := h.breakers[host]
	if !ok {
		cb = NewCircuitBreaker(host, h.breakerCfg.FailureThreshold, h.breakerCfg.SuccessThreshold, h.breakerCfg.Timeout)
		if h.metrics != nil {
			cb.onChange = func(host string, state BreakerState) {
				h.metrics.SetCircuitBreakerState(host, float64(state))
			}
		}
		cb.onChange = h.logBreaker(cb.onChange)
		h.breakers[host] = cb
	}
	return cb
}

func (h *APIHandler) logBreaker(next func(string, BreakerState)) func(string, BreakerState) {
	return func(host string, state BreakerState) {
		if state == BreakerOpen {
			h.logger.Warn("circuit breaker opened", zap.String("host", host))
		} else {
			h.logger.Info("circuit breaker state changed", zap.String("host", host), zap.Stringer("state", state))
		}
		if next != nil {
			next(host, state)
		}
	}
}

func (h *APIHandler) record(cb *CircuitBreaker, ok bool) {
	if cb == nil {
		return
	}
	if ok {
		cb.RecordSuccess()
		return
	}
	cb.RecordFailure()
}

// encodeBody sends strings verbatim and everything else as JSON.
func encodeBody(body any) (io.Reader, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case string:
		return strings.NewReader(b), "text/plain; charset=utf-8", nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, "", fmt.Errorf("encode request body: %w", err)
		}
		return bytes.NewReader(data), "application/json", nil
	}
}

// decodeBody returns parsed JSON when possible, otherwise the raw text.
func decodeBody(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	var parsed any
	if err := json.Unmarshal(raw, &parsed); err == nil {
		return parsed
	}
	return string(raw)
}

// sanitizeHeader strips newlines and carriage returns to prevent header injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}

func responseHeaders(resp *http.Response) map[string]string {
	headers := make(map[string]string)
	for _, key := range []string{
		"Content-Type", "X-Request-Id", "X-Correlation-Id", "Retry-After", "Location",
	} {
		if v := resp.Header.Get(key); v != "" {
			headers[key] = v
		}
	}
	return headers
}
