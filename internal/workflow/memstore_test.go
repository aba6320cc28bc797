package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/flowrun/model"
)

func testDefinition(name string) model.WorkflowDefinition {
	return model.WorkflowDefinition{
		Name: name,
		Steps: []model.StepDefinition{
			{ID: "a", Type: model.StepTypeData, Name: "extract", Dependencies: []string{}},
			{ID: "b", Type: model.StepTypeCalculation, Name: "total", Dependencies: []string{"a"}},
		},
	}
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	var env *model.ErrorEnvelope
	require.ErrorAs(t, err, &env)
	assert.Equal(t, code, env.Code)
}

// --- Create ---

func TestMemoryExecutionStore_Create(t *testing.T) {
	store := NewMemoryExecutionStore()

	exec, err := store.Create(context.Background(), testDefinition("report"))
	require.NoError(t, err)

	assert.NotEmpty(t, exec.ID)
	assert.Equal(t, "report", exec.Name)
	assert.Equal(t, model.ExecutionStatusPending, exec.Status)
	assert.Empty(t, exec.Results)
	assert.Empty(t, exec.Logs)
	for _, s := range exec.Steps {
		assert.Equal(t, model.StepStatusIdle, s.Status)
	}
	assert.Equal(t, 1, store.Len())
}

func TestMemoryExecutionStore_Create_freshIDs(t *testing.T) {
	store := NewMemoryExecutionStore()

	first, err := store.Create(context.Background(), testDefinition("report"))
	require.NoError(t, err)
	second, err := store.Create(context.Background(), testDefinition("report"))
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
}

func TestMemoryExecutionStore_Create_invalid(t *testing.T) {
	store := NewMemoryExecutionStore()

	_, err := store.Create(context.Background(), model.WorkflowDefinition{Name: "empty"})
	requireCode(t, err, model.ErrValidationError)
	assert.Equal(t, 0, store.Len())
}

func TestMemoryExecutionStore_Create_duplicateID(t *testing.T) {
	store := NewMemoryExecutionStore()
	store.newID = func() string { return "fixed" }

	_, err := store.Create(context.Background(), testDefinition("report"))
	require.NoError(t, err)
	_, err = store.Create(context.Background(), testDefinition("report"))
	requireCode(t, err, model.ErrConflict)
}

// --- Get ---

func TestMemoryExecutionStore_Get_notFound(t *testing.T) {
	store := NewMemoryExecutionStore()

	_, err := store.Get(context.Background(), "nope")
	requireCode(t, err, model.ErrNotFound)
}

func TestMemoryExecutionStore_Get_snapshotIsolated(t *testing.T) {
	store := NewMemoryExecutionStore()
	ctx := context.Background()
	exec, _ := store.Create(ctx, testDefinition("report"))

	snap, err := store.Get(ctx, exec.ID)
	require.NoError(t, err)
	snap.Steps[0].Status = model.StepStatusCompleted
	snap.Steps[1].Dependencies[0] = "mutated"
	snap.Results["a"] = json.RawMessage(`1`)

	again, err := store.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StepStatusIdle, again.Steps[0].Status)
	assert.Equal(t, []string{"a"}, again.Steps[1].Dependencies)
	assert.Empty(t, again.Results)
}

// --- Update ---

func TestMemoryExecutionStore_Update(t *testing.T) {
	store := NewMemoryExecutionStore()
	ctx := context.Background()
	exec, _ := store.Create(ctx, testDefinition("report"))

	err := store.Update(ctx, exec.ID, func(e *model.WorkflowExecution) error {
		e.Status = model.ExecutionStatusRunning
		e.Step("a").Status = model.StepStatusRunning
		return nil
	})
	require.NoError(t, err)

	got, _ := store.Get(ctx, exec.ID)
	assert.Equal(t, model.ExecutionStatusRunning, got.Status)
	assert.Equal(t, model.StepStatusRunning, got.Step("a").Status)
}

func TestMemoryExecutionStore_Update_errorDiscardsMutation(t *testing.T) {
	store := NewMemoryExecutionStore()
	ctx := context.Background()
	exec, _ := store.Create(ctx, testDefinition("report"))
	boom := errors.New("boom")

	err := store.Update(ctx, exec.ID, func(e *model.WorkflowExecution) error {
		e.Status = model.ExecutionStatusRunning
		e.Logs = append(e.Logs, model.LogEntry{Message: "half"})
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, _ := store.Get(ctx, exec.ID)
	assert.Equal(t, model.ExecutionStatusPending, got.Status)
	assert.Empty(t, got.Logs)
}

func TestMemoryExecutionStore_Update_terminalIsImmutable(t *testing.T) {
	store := NewMemoryExecutionStore()
	ctx := context.Background()
	exec, _ := store.Create(ctx, testDefinition("report"))

	require.NoError(t, store.Update(ctx, exec.ID, func(e *model.WorkflowExecution) error {
		e.Status = model.ExecutionStatusFailed
		return nil
	}))

	called := false
	err := store.Update(ctx, exec.ID, func(*model.WorkflowExecution) error {
		called = true
		return nil
	})
	requireCode(t, err, model.ErrConflict)
	assert.False(t, called)
}

func TestMemoryExecutionStore_Update_notFound(t *testing.T) {
	store := NewMemoryExecutionStore()
	err := store.Update(context.Background(), "nope", func(*model.WorkflowExecution) error { return nil })
	requireCode(t, err, model.ErrNotFound)
}

func TestMemoryExecutionStore_Update_serialised(t *testing.T) {
	store := NewMemoryExecutionStore()
	ctx := context.Background()
	exec, _ := store.Create(ctx, testDefinition("report"))

	const writers = 50
	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.Update(ctx, exec.ID, func(e *model.WorkflowExecution) error {
				e.Logs = append(e.Logs, model.LogEntry{Message: fmt.Sprintf("w%d", i)})
				return nil
			})
		}()
	}

	// Readers run alongside and must always see a whole number of appends.
	for range writers {
		snap, err := store.Get(ctx, exec.ID)
		require.NoError(t, err)
		for _, l := range snap.Logs {
			assert.NotEmpty(t, l.Message)
		}
	}
	wg.Wait()

	got, _ := store.Get(ctx, exec.ID)
	assert.Len(t, got.Logs, writers)
}

// --- List ---

func TestMemoryExecutionStore_List(t *testing.T) {
	store := NewMemoryExecutionStore()
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var ids []string
	for i := range 5 {
		store.now = func() time.Time { return base.Add(time.Duration(i) * time.Minute) }
		exec, err := store.Create(ctx, testDefinition(fmt.Sprintf("wf-%d", i)))
		require.NoError(t, err)
		ids = append(ids, exec.ID)
	}
	require.NoError(t, store.Update(ctx, ids[1], func(e *model.WorkflowExecution) error {
		e.Status = model.ExecutionStatusRunning
		return nil
	}))

	t.Run("newest first", func(t *testing.T) {
		all, err := store.List(ctx, ExecutionFilters{})
		require.NoError(t, err)
		require.Len(t, all, 5)
		assert.Equal(t, "wf-4", all[0].Name)
		assert.Equal(t, "wf-0", all[4].Name)
	})

	t.Run("status filter", func(t *testing.T) {
		running, err := store.List(ctx, ExecutionFilters{Status: model.ExecutionStatusRunning})
		require.NoError(t, err)
		require.Len(t, running, 1)
		assert.Equal(t, ids[1], running[0].ID)
	})

	t.Run("limit and offset", func(t *testing.T) {
		page, err := store.List(ctx, ExecutionFilters{Limit: 2, Offset: 1})
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, "wf-3", page[0].Name)
		assert.Equal(t, "wf-2", page[1].Name)
	})

	t.Run("offset past end", func(t *testing.T) {
		page, err := store.List(ctx, ExecutionFilters{Offset: 10})
		require.NoError(t, err)
		assert.Empty(t, page)
	})
}
