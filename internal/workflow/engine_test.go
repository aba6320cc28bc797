package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pitabwire/flowrun/internal/observability"
	"github.com/pitabwire/flowrun/model"
)

// --- Mock dispatcher ---

type mockDispatcher struct {
	mu      sync.Mutex
	calls   []string
	fail    map[string]error
	results map[string]any
	hook    func(executionID, stepID string)
	panics  map[string]bool

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newMockDispatcher() *mockDispatcher {
	return &mockDispatcher{
		fail:    make(map[string]error),
		results: make(map[string]any),
		panics:  make(map[string]bool),
	}
}

func (d *mockDispatcher) Dispatch(_ context.Context, executionID string, step model.WorkflowStep) (any, error) {
	n := d.inFlight.Add(1)
	defer d.inFlight.Add(-1)
	for {
		cur := d.maxInFlight.Load()
		if n <= cur || d.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	d.mu.Lock()
	d.calls = append(d.calls, step.ID)
	hook := d.hook
	err := d.fail[step.ID]
	result, hasResult := d.results[step.ID]
	panics := d.panics[step.ID]
	d.mu.Unlock()

	if hook != nil {
		hook(executionID, step.ID)
	}
	if panics {
		panic("handler exploded")
	}
	if err != nil {
		return nil, model.NewStepExecutionError(step.ID, err)
	}
	if hasResult {
		return result, nil
	}
	return map[string]any{"step": step.ID, "ok": true}, nil
}

func (d *mockDispatcher) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.calls))
	copy(out, d.calls)
	return out
}

// --- Helpers ---

func newTestEngine(t *testing.T, d Dispatcher) (*Engine, *MemoryExecutionStore) {
	t.Helper()
	runner, err := NewRunner(3, zap.NewNop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = runner.Close(5 * time.Second) })

	store := NewMemoryExecutionStore()
	return NewEngine(store, d, runner, zap.NewNop(), nil), store
}

func def(name string, stepSpec ...string) model.WorkflowDefinition {
	d := model.WorkflowDefinition{Name: name}
	for _, s := range steps(stepSpec...) {
		d.Steps = append(d.Steps, model.StepDefinition{
			ID:           s.ID,
			Type:         s.Type,
			Name:         "step " + s.ID,
			Dependencies: s.Dependencies,
		})
	}
	return d
}

func submitAndWait(t *testing.T, e *Engine, d model.WorkflowDefinition) model.WorkflowExecution {
	t.Helper()
	ctx := context.Background()
	id, err := e.Submit(ctx, d)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, e.Wait(waitCtx, id))

	exec, err := e.Status(ctx, id)
	require.NoError(t, err)
	return exec
}

func stepStatuses(exec model.WorkflowExecution) map[string]model.StepStatus {
	out := make(map[string]model.StepStatus, len(exec.Steps))
	for _, s := range exec.Steps {
		out[s.ID] = s.Status
	}
	return out
}

// assertConsistent checks the relationships every snapshot must satisfy.
func assertConsistent(t *testing.T, exec model.WorkflowExecution) {
	t.Helper()
	anyError := false
	allCompleted := true
	for _, s := range exec.Steps {
		_, hasResult := exec.Results[s.ID]
		assert.Equal(t, s.Status == model.StepStatusCompleted, hasResult, "step %s result presence", s.ID)
		if s.Status == model.StepStatusError {
			anyError = true
		}
		if s.Status != model.StepStatusCompleted {
			allCompleted = false
		}
	}
	if exec.Status == model.ExecutionStatusCompleted {
		assert.True(t, allCompleted)
	}
	if anyError {
		assert.Equal(t, model.ExecutionStatusFailed, exec.Status)
	}
}

// --- Scenarios ---

func TestEngine_linearChainCompletes(t *testing.T) {
	d := newMockDispatcher()
	e, _ := newTestEngine(t, d)

	exec := submitAndWait(t, e, def("chain", "A", "B:A", "C:B"))

	assert.Equal(t, model.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, []string{"A", "B", "C"}, d.Calls())
	assert.Len(t, exec.Results, 3)
	assert.JSONEq(t, `{"step":"B","ok":true}`, string(exec.Results["B"]))
	assert.GreaterOrEqual(t, len(exec.Logs), 7)
	require.NotNil(t, exec.StartTime)
	require.NotNil(t, exec.EndTime)
	assert.False(t, exec.EndTime.Before(*exec.StartTime))

	first, last := exec.Logs[0], exec.Logs[len(exec.Logs)-1]
	assert.Equal(t, model.SystemStepID, first.StepID)
	assert.Equal(t, model.SystemStepID, last.StepID)
	assert.Equal(t, "workflow completed", last.Message)
	assertConsistent(t, exec)
}

func TestEngine_cycleFailsWithoutRunningSteps(t *testing.T) {
	d := newMockDispatcher()
	e, _ := newTestEngine(t, d)

	exec := submitAndWait(t, e, def("cycle", "A:B", "B:A"))

	assert.Equal(t, model.ExecutionStatusFailed, exec.Status)
	assert.Empty(t, exec.Results)
	assert.Empty(t, d.Calls())
	assert.Nil(t, exec.StartTime)
	assert.NotNil(t, exec.EndTime)
	require.Len(t, exec.Logs, 1)
	assert.Equal(t, model.LogLevelError, exec.Logs[0].Level)
	assert.Contains(t, exec.Logs[0].Message, "cycle")
	for _, s := range exec.Steps {
		assert.Equal(t, model.StepStatusIdle, s.Status)
	}
}

func TestEngine_missingDependencyFails(t *testing.T) {
	d := newMockDispatcher()
	e, _ := newTestEngine(t, d)

	exec := submitAndWait(t, e, def("dangling", "A", "B:ghost"))

	assert.Equal(t, model.ExecutionStatusFailed, exec.Status)
	assert.Empty(t, d.Calls())
	require.Len(t, exec.Logs, 1)
	assert.Contains(t, exec.Logs[0].Message, `"ghost"`)
}

func TestEngine_failFast(t *testing.T) {
	d := newMockDispatcher()
	d.fail["B"] = errors.New("upstream returned 503")
	e, _ := newTestEngine(t, d)

	exec := submitAndWait(t, e, def("failing", "A", "B:A", "C:B"))

	assert.Equal(t, model.ExecutionStatusFailed, exec.Status)
	assert.Equal(t, []string{"A", "B"}, d.Calls())
	assert.Equal(t, map[string]model.StepStatus{
		"A": model.StepStatusCompleted,
		"B": model.StepStatusError,
		"C": model.StepStatusIdle,
	}, stepStatuses(exec))
	assert.Contains(t, exec.Results, "A")
	assert.NotContains(t, exec.Results, "C")
	assert.NotNil(t, exec.EndTime)

	var stepLog *model.LogEntry
	for i := range exec.Logs {
		if exec.Logs[i].StepID == "B" && exec.Logs[i].Level == model.LogLevelError {
			stepLog = &exec.Logs[i]
		}
	}
	require.NotNil(t, stepLog)
	assert.Equal(t, "upstream returned 503", stepLog.Message)
	assertConsistent(t, exec)
}

func TestEngine_failFastHaltsUnrelatedSteps(t *testing.T) {
	d := newMockDispatcher()
	d.fail["A"] = errors.New("boom")
	e, _ := newTestEngine(t, d)

	// X does not depend on A but is ordered after it.
	exec := submitAndWait(t, e, def("independent", "A", "X"))

	assert.Equal(t, []string{"A"}, d.Calls())
	assert.Equal(t, model.StepStatusIdle, exec.Step("X").Status)
}

func TestEngine_unencodableResultFailsStep(t *testing.T) {
	d := newMockDispatcher()
	d.results["A"] = map[string]any{"ch": make(chan int)}
	e, _ := newTestEngine(t, d)

	exec := submitAndWait(t, e, def("bad-result", "A"))

	assert.Equal(t, model.ExecutionStatusFailed, exec.Status)
	assert.Equal(t, model.StepStatusError, exec.Step("A").Status)
	assert.Empty(t, exec.Results)
}

func TestEngine_dispatcherPanicAbortsExecution(t *testing.T) {
	d := newMockDispatcher()
	d.panics["B"] = true
	e, _ := newTestEngine(t, d)

	ctx := context.Background()
	id, err := e.Submit(ctx, def("panics", "A", "B:A"))
	require.NoError(t, err)

	err = e.Wait(ctx, id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler exploded")

	exec, err := e.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusFailed, exec.Status)
	assert.Equal(t, model.StepStatusCompleted, exec.Step("A").Status)
	assert.Equal(t, model.StepStatusError, exec.Step("B").Status)
	assertConsistent(t, exec)
}

func TestEngine_Submit_validation(t *testing.T) {
	d := newMockDispatcher()
	e, store := newTestEngine(t, d)

	for _, bad := range []model.WorkflowDefinition{
		{Name: "no-steps", Steps: []model.StepDefinition{}},
		{Steps: def("x", "A").Steps},
	} {
		_, err := e.Submit(context.Background(), bad)
		requireCode(t, err, model.ErrValidationError)
	}
	assert.Equal(t, 0, store.Len())
}

func TestEngine_Submit_returnsBeforeRunFinishes(t *testing.T) {
	release := make(chan struct{})
	d := newMockDispatcher()
	d.hook = func(string, string) { <-release }
	e, _ := newTestEngine(t, d)

	id, err := e.Submit(context.Background(), def("slow", "A"))
	require.NoError(t, err)

	exec, err := e.Status(context.Background(), id)
	require.NoError(t, err)
	assert.NotEqual(t, model.ExecutionStatusCompleted, exec.Status)

	close(release)
	require.NoError(t, e.Wait(context.Background(), id))
}

func TestEngine_concurrentExecutionsIsolated(t *testing.T) {
	d := newMockDispatcher()
	e, _ := newTestEngine(t, d)

	var wg sync.WaitGroup
	results := make([]model.WorkflowExecution, 10)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			prefix := fmt.Sprintf("w%d-", i)
			results[i] = submitAndWait(t, e, def(prefix, prefix+"a", prefix+"b:"+prefix+"a"))
		}()
	}
	wg.Wait()

	seen := map[string]bool{}
	for i, exec := range results {
		prefix := fmt.Sprintf("w%d-", i)
		assert.False(t, seen[exec.ID])
		seen[exec.ID] = true
		assert.Equal(t, model.ExecutionStatusCompleted, exec.Status)
		for _, s := range exec.Steps {
			assert.Contains(t, s.ID, prefix)
		}
		for k := range exec.Results {
			assert.Contains(t, k, prefix)
		}
	}
}

func TestEngine_stepsNeverOverlapWithinExecution(t *testing.T) {
	d := newMockDispatcher()
	d.hook = func(string, string) { time.Sleep(2 * time.Millisecond) }
	e, _ := newTestEngine(t, d)

	exec := submitAndWait(t, e, def("flat", "a", "b", "c", "d", "e"))

	assert.Equal(t, model.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, int32(1), d.maxInFlight.Load())
}

func TestEngine_snapshotsConsistentDuringRun(t *testing.T) {
	d := newMockDispatcher()
	e, store := newTestEngine(t, d)

	var snapshots []model.WorkflowExecution
	var mu sync.Mutex
	d.hook = func(executionID, stepID string) {
		snap, err := store.Get(context.Background(), executionID)
		if err != nil {
			return
		}
		mu.Lock()
		snapshots = append(snapshots, snap)
		mu.Unlock()

		// The step being dispatched is already running and logged.
		if s := snap.Step(stepID); s != nil {
			assert.Equal(t, model.StepStatusRunning, s.Status)
		}
		assert.Equal(t, stepID, snap.Logs[len(snap.Logs)-1].StepID)
	}

	submitAndWait(t, e, def("observed", "a", "b:a", "c:b"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, snapshots, 3)
	for _, snap := range snapshots {
		assert.Equal(t, model.ExecutionStatusRunning, snap.Status)
		assertConsistent(t, snap)
	}
}

func TestEngine_Run_twiceConflicts(t *testing.T) {
	d := newMockDispatcher()
	e, _ := newTestEngine(t, d)

	exec := submitAndWait(t, e, def("once", "A"))

	err := e.Run(context.Background(), exec.ID)
	requireCode(t, err, model.ErrConflict)
	assert.Equal(t, []string{"A"}, d.Calls())
}

func TestEngine_Run_unknownExecution(t *testing.T) {
	e, _ := newTestEngine(t, newMockDispatcher())
	requireCode(t, e.Run(context.Background(), "nope"), model.ErrNotFound)
}

func TestEngine_Wait_unknownExecution(t *testing.T) {
	e, _ := newTestEngine(t, newMockDispatcher())
	requireCode(t, e.Wait(context.Background(), "nope"), model.ErrNotFound)
}

func TestEngine_Submit_closedRunner(t *testing.T) {
	e, store := newTestEngine(t, newMockDispatcher())
	require.NoError(t, e.runner.Close(time.Second))

	_, err := e.Submit(context.Background(), def("late", "A"))
	require.ErrorIs(t, err, ErrRunnerClosed)

	all, _ := store.List(context.Background(), ExecutionFilters{})
	require.Len(t, all, 1)
	assert.Equal(t, model.ExecutionStatusFailed, all[0].Status)
}

func TestEngine_closeWhileQueuedFailsPendingExecution(t *testing.T) {
	d := newMockDispatcher()
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	d.hook = func(string, string) {
		once.Do(func() { close(started) })
		<-release
	}

	runner, err := NewRunner(1, zap.NewNop(), nil)
	require.NoError(t, err)
	store := NewMemoryExecutionStore()
	e := NewEngine(store, d, runner, zap.NewNop(), nil)
	ctx := context.Background()

	firstID, err := e.Submit(ctx, def("first", "A"))
	require.NoError(t, err)
	<-started
	queuedID, err := e.Submit(ctx, def("queued", "A"))
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()
	require.NoError(t, runner.Close(5*time.Second))

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, e.Wait(waitCtx, firstID))
	require.Error(t, e.Wait(waitCtx, queuedID))

	first, err := e.Status(ctx, firstID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusCompleted, first.Status)

	queued, err := e.Status(ctx, queuedID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusFailed, queued.Status)
	assert.Nil(t, queued.StartTime)
	require.NotNil(t, queued.EndTime)
	require.NotEmpty(t, queued.Logs)
	last := queued.Logs[len(queued.Logs)-1]
	assert.Equal(t, model.SystemStepID, last.StepID)
	assert.Contains(t, last.Message, "workflow aborted")
	assert.Equal(t, []string{"A"}, d.Calls())
}

func TestEngine_List(t *testing.T) {
	d := newMockDispatcher()
	d.fail["bad"] = errors.New("nope")
	e, _ := newTestEngine(t, d)

	submitAndWait(t, e, def("good", "ok"))
	submitAndWait(t, e, def("bad", "bad"))

	all, err := e.List(context.Background(), ExecutionFilters{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	failed, err := e.List(context.Background(), ExecutionFilters{Status: model.ExecutionStatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "bad", failed[0].Name)
	assert.Equal(t, 0, failed[0].Progress)
}

func TestEngine_Plan(t *testing.T) {
	e, store := newTestEngine(t, newMockDispatcher())

	order, err := e.Plan(def("plan", "c:b", "b:a", "a"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, order)

	_, err = e.Plan(def("plan", "a:a"))
	var cycle *model.CycleDetectedError
	require.ErrorAs(t, err, &cycle)

	_, err = e.Plan(model.WorkflowDefinition{Name: "x"})
	requireCode(t, err, model.ErrValidationError)

	assert.Equal(t, 0, store.Len())
}

func TestEngine_recordsMetrics(t *testing.T) {
	runner, err := NewRunner(1, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = runner.Close(time.Second) })

	metrics := observability.InitMetrics(prometheus.NewRegistry())
	d := newMockDispatcher()
	d.fail["b"] = errors.New("nope")
	e := NewEngine(NewMemoryExecutionStore(), d, runner, nil, metrics)

	submitAndWait(t, e, def("m", "a", "b:a"))
	submitAndWait(t, e, def("cyc", "x:x"))

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.ExecutionsSubmittedTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.ExecutionsFinishedTotal.WithLabelValues("failed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.ExecutionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.StepRunsTotal.WithLabelValues("calculation", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.StepRunsTotal.WithLabelValues("calculation", "error")))
}
