package integration

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// MockBackend is an upstream HTTP service for api steps. Responses are
// configured per "METHOD /path" route and every request is recorded.
type MockBackend struct {
	server *httptest.Server

	mu       sync.RWMutex
	routes   map[string]*routeConfig
	received map[string][]*RecordedRequest
}

// RecordedRequest captures the details of a request received by the mock backend.
type RecordedRequest struct {
	Method     string
	Path       string
	Headers    http.Header
	Body       map[string]any
	RawBody    []byte
	ReceivedAt time.Time
}

type routeConfig struct {
	mu        sync.Mutex
	responses []*mockResponse
	current   int
}

type mockResponse struct {
	status    int
	body      any
	delay     time.Duration
	connError bool
}

// RouteMock is a builder for configuring responses for one route.
type RouteMock struct {
	backend *MockBackend
	key     string
}

func newMockBackend(t *testing.T) *MockBackend {
	t.Helper()
	mb := &MockBackend{
		routes:   make(map[string]*routeConfig),
		received: make(map[string][]*RecordedRequest),
	}
	mb.server = httptest.NewServer(http.HandlerFunc(mb.serve))
	t.Cleanup(mb.server.Close)
	return mb
}

func routeKey(method, path string) string {
	return method + " " + path
}

// URL returns the base URL of the mock backend server.
func (mb *MockBackend) URL() string {
	return mb.server.URL
}

// On returns a builder for the responses served on method and path.
func (mb *MockBackend) On(method, path string) *RouteMock {
	return &RouteMock{backend: mb, key: routeKey(method, path)}
}

// RespondWith queues a response. The last queued response repeats.
func (rm *RouteMock) RespondWith(status int, body any) *RouteMock {
	rm.backend.addResponse(rm.key, &mockResponse{status: status, body: body})
	return rm
}

// RespondWithDelay queues a delayed response to simulate a slow upstream.
func (rm *RouteMock) RespondWithDelay(delay time.Duration, status int, body any) *RouteMock {
	rm.backend.addResponse(rm.key, &mockResponse{status: status, body: body, delay: delay})
	return rm
}

// RespondWithConnectionError queues a response that drops the connection.
func (rm *RouteMock) RespondWithConnectionError() *RouteMock {
	rm.backend.addResponse(rm.key, &mockResponse{connError: true})
	return rm
}

func (mb *MockBackend) addResponse(key string, resp *mockResponse) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	cfg, ok := mb.routes[key]
	if !ok {
		cfg = &routeConfig{}
		mb.routes[key] = cfg
	}
	cfg.responses = append(cfg.responses, resp)
}

func (mb *MockBackend) serve(w http.ResponseWriter, r *http.Request) {
	key := routeKey(r.Method, r.URL.Path)
	rec := &RecordedRequest{
		Method:     r.Method,
		Path:       r.URL.Path,
		Headers:    r.Header.Clone(),
		ReceivedAt: time.Now(),
	}
	if r.Body != nil {
		body, _ := io.ReadAll(r.Body)
		rec.RawBody = body
		if len(body) > 0 {
			var parsed map[string]any
			if err := json.Unmarshal(body, &parsed); err == nil {
				rec.Body = parsed
			}
		}
	}

	mb.mu.Lock()
	mb.received[key] = append(mb.received[key], rec)
	mb.mu.Unlock()

	resp := mb.nextResponse(key)
	if resp == nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "mock: no route for " + key})
		return
	}

	if resp.connError {
		if hj, ok := w.(http.Hijacker); ok {
			conn, _, _ := hj.Hijack()
			if conn != nil {
				conn.Close()
			}
		}
		return
	}

	if resp.delay > 0 {
		select {
		case <-time.After(resp.delay):
		case <-r.Context().Done():
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.status)
	if resp.body != nil {
		_ = json.NewEncoder(w).Encode(resp.body)
	}
}

func (mb *MockBackend) nextResponse(key string) *mockResponse {
	mb.mu.RLock()
	cfg, ok := mb.routes[key]
	mb.mu.RUnlock()
	if !ok {
		return nil
	}

	cfg.mu.Lock()
	defer cfg.mu.Unlock()
	if len(cfg.responses) == 0 {
		return nil
	}
	idx := cfg.current
	if idx >= len(cfg.responses) {
		idx = len(cfg.responses) - 1
	} else {
		cfg.current++
	}
	return cfg.responses[idx]
}

// Calls returns how many requests method and path received.
func (mb *MockBackend) Calls(method, path string) int {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	return len(mb.received[routeKey(method, path)])
}

// AssertCalled verifies that the route was called the expected number of times.
func (mb *MockBackend) AssertCalled(t *testing.T, method, path string, expectedCount int) {
	t.Helper()
	if actual := mb.Calls(method, path); actual != expectedCount {
		t.Errorf("mock: %s %s called %d times, want %d", method, path, actual, expectedCount)
	}
}

// LastRequest returns the last request received on the route, or nil.
func (mb *MockBackend) LastRequest(method, path string) *RecordedRequest {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	reqs := mb.received[routeKey(method, path)]
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1]
}

// Reset clears all recorded requests and configured responses.
func (mb *MockBackend) Reset() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.routes = make(map[string]*routeConfig)
	mb.received = make(map[string][]*RecordedRequest)
}
