// Package integration runs workflows end to end through the HTTP API against
// mock upstream services.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/pitabwire/flowrun/internal/config"
	"github.com/pitabwire/flowrun/internal/observability"
	"github.com/pitabwire/flowrun/internal/step"
	"github.com/pitabwire/flowrun/internal/transport"
	"github.com/pitabwire/flowrun/internal/workflow"
	"github.com/pitabwire/flowrun/model"
)

// TestHarness is a running flowrun API backed by in-memory collaborators.
type TestHarness struct {
	t       *testing.T
	server  *httptest.Server
	backend *MockBackend

	Engine    *workflow.Engine
	Store     *workflow.MemoryExecutionStore
	Runner    *workflow.Runner
	Metrics   *observability.Metrics
	Registry  *prometheus.Registry
	Tables    *step.MemoryDataMover
	Purger    *step.MemoryPurger
	Gateway   *RecordingGateway
	cfg       *config.Config
	logger    *zap.Logger
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	breaker        config.CircuitBreakerConfig
	apiTimeout     time.Duration
	maxConcurrent  int
	handlerTimeout time.Duration
}

// WithCircuitBreaker overrides the api step breaker settings.
func WithCircuitBreaker(cfg config.CircuitBreakerConfig) HarnessOption {
	return func(hc *harnessConfig) {
		cfg.Enabled = true
		hc.breaker = cfg
	}
}

// WithAPITimeout sets the api step HTTP client timeout.
func WithAPITimeout(d time.Duration) HarnessOption {
	return func(hc *harnessConfig) { hc.apiTimeout = d }
}

// WithMaxConcurrentExecutions sets the run queue size.
func WithMaxConcurrentExecutions(n int) HarnessOption {
	return func(hc *harnessConfig) { hc.maxConcurrent = n }
}

// NewTestHarness wires the engine, all six step handlers, and the router,
// and starts an httptest server plus one mock upstream.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		breaker: config.CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 5,
			SuccessThreshold: 1,
			Timeout:          30 * time.Second,
		},
		apiTimeout:     5 * time.Second,
		maxConcurrent:  3,
		handlerTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{
		t:       t,
		logger:  zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel)),
		backend: newMockBackend(t),
	}

	cfg := config.Defaults()
	cfg.Server.HandlerTimeout = hc.handlerTimeout
	cfg.Engine.MaxConcurrentExecutions = hc.maxConcurrent
	cfg.Steps.API.Timeout = hc.apiTimeout
	cfg.Steps.API.CircuitBreaker = hc.breaker
	h.cfg = cfg

	h.Registry = prometheus.NewRegistry()
	h.Metrics = observability.InitMetrics(h.Registry)

	h.Tables = step.NewMemoryDataMover()
	h.Purger = step.NewMemoryPurger()
	h.Gateway = &RecordingGateway{}

	reg := step.NewRegistry(h.logger)
	reg.Register(step.NewAPIHandler(cfg.Steps.API, h.logger, h.Metrics))
	reg.Register(step.NewDataHandler(h.Tables, h.logger))
	reg.Register(step.NewNotificationHandler(h.Gateway, h.logger))
	reg.Register(step.NewCalculationHandler())
	reg.Register(step.NewValidationHandler())
	reg.Register(step.NewCleanupHandler(h.Purger, h.logger))

	runner, err := workflow.NewRunner(cfg.Engine.MaxConcurrentExecutions, h.logger, h.Metrics)
	if err != nil {
		t.Fatalf("create runner: %v", err)
	}
	h.Runner = runner
	h.Store = workflow.NewMemoryExecutionStore()
	h.Engine = workflow.NewEngine(h.Store, reg, runner, h.logger, h.Metrics)

	router := transport.NewRouter(transport.Dependencies{
		Config:  cfg,
		Engine:  h.Engine,
		Logger:  h.logger,
		Metrics: h.Metrics,
		Readiness: observability.ReadinessChecks{
			RunQueueOpen: runner.Open,
		},
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(func() {
		h.server.Close()
		_ = runner.Close(5 * time.Second)
	})
	return h
}

// BaseURL returns the API server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// Backend returns the mock upstream that api steps call.
func (h *TestHarness) Backend() *MockBackend {
	return h.backend
}

// --- HTTP client helpers ---

// GET performs a GET request against the API.
func (h *TestHarness) GET(path string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil)
}

// POST performs a POST request with a JSON body.
func (h *TestHarness) POST(path string, body any) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body)
}

func (h *TestHarness) doRequest(method, path string, body any) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// --- Workflow helpers ---

// Submit posts def and returns the new execution id.
func (h *TestHarness) Submit(t *testing.T, def any) string {
	t.Helper()
	var accepted struct {
		ExecutionID string                `json:"executionId"`
		Status      model.ExecutionStatus `json:"status"`
	}
	h.AssertJSON(t, h.POST("/v1/executions", def), http.StatusAccepted, &accepted)
	if accepted.ExecutionID == "" {
		t.Fatal("expected executionId in submit response")
	}
	return accepted.ExecutionID
}

// Execution fetches the current snapshot of id.
func (h *TestHarness) Execution(t *testing.T, id string) model.WorkflowExecution {
	t.Helper()
	var exec model.WorkflowExecution
	h.AssertJSON(t, h.GET("/v1/executions/"+id), http.StatusOK, &exec)
	return exec
}

// AwaitTerminal polls the API until id reaches a terminal status.
func (h *TestHarness) AwaitTerminal(t *testing.T, id string) model.WorkflowExecution {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		exec := h.Execution(t, id)
		if exec.Status.Terminal() {
			return exec
		}
		if time.Now().After(deadline) {
			t.Fatalf("execution %s still %s after 10s", id, exec.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Run submits def and waits for it to finish.
func (h *TestHarness) Run(t *testing.T, def any) model.WorkflowExecution {
	t.Helper()
	return h.AwaitTerminal(t, h.Submit(t, def))
}

// --- Fixtures ---

// Step builds a step definition payload.
func Step(id string, typ model.StepType, cfg map[string]any, deps ...string) map[string]any {
	if deps == nil {
		deps = []string{}
	}
	return map[string]any{
		"id":           id,
		"type":         string(typ),
		"name":         id,
		"config":       cfg,
		"dependencies": deps,
	}
}

// Workflow builds a workflow definition payload.
func Workflow(name string, steps ...map[string]any) map[string]any {
	return map[string]any{"name": name, "steps": steps}
}

// APIStep builds an api step that calls path on the mock upstream.
func (h *TestHarness) APIStep(id, method, path string, deps ...string) map[string]any {
	return Step(id, model.StepTypeAPI, map[string]any{
		"url":    h.backend.URL() + path,
		"method": method,
	}, deps...)
}

// StepResult decodes the stored result of stepID into target.
func StepResult(t *testing.T, exec model.WorkflowExecution, stepID string, target any) {
	t.Helper()
	raw, ok := exec.Results[stepID]
	if !ok {
		t.Fatalf("no result recorded for step %q", stepID)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		t.Fatalf("decode result of %q: %v", stepID, err)
	}
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// RecordingGateway captures notifications instead of delivering them.
type RecordingGateway struct {
	mu   sync.Mutex
	sent []step.Notification
}

// Send implements step.Gateway.
func (g *RecordingGateway) Send(_ context.Context, n step.Notification) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, n)
	return nil
}

// Sent returns a copy of every notification delivered so far.
func (g *RecordingGateway) Sent() []step.Notification {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]step.Notification, len(g.sent))
	copy(out, g.sent)
	return out
}
