package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/flowrun/model"
)

// memEntry guards a single execution so that writers to different
// executions never contend.
type memEntry struct {
	mu   sync.RWMutex
	exec model.WorkflowExecution
}

// MemoryExecutionStore is an in-memory ExecutionStore. Executions live for
// the lifetime of the process.
type MemoryExecutionStore struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
	now     func() time.Time
	newID   func() string
}

// NewMemoryExecutionStore creates a new in-memory execution store.
func NewMemoryExecutionStore() *MemoryExecutionStore {
	return &MemoryExecutionStore{
		entries: make(map[string]*memEntry),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   func() string { return uuid.New().String() },
	}
}

// Create validates def and persists a new pending execution.
func (s *MemoryExecutionStore) Create(_ context.Context, def model.WorkflowDefinition) (model.WorkflowExecution, error) {
	if err := def.Validate(); err != nil {
		return model.WorkflowExecution{}, err
	}

	exec := model.NewExecution(s.newID(), def, s.now())

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[exec.ID]; exists {
		return model.WorkflowExecution{}, model.NewConflictError(
			fmt.Sprintf("execution %q already exists", exec.ID),
		)
	}
	s.entries[exec.ID] = &memEntry{exec: exec}
	return exec.Clone(), nil
}

// Get retrieves a snapshot of an execution by id.
func (s *MemoryExecutionStore) Get(_ context.Context, id string) (model.WorkflowExecution, error) {
	e, err := s.entry(id)
	if err != nil {
		return model.WorkflowExecution{}, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.exec.Clone(), nil
}

// Update applies mutate to a working copy and commits it only if mutate
// succeeds.
func (s *MemoryExecutionStore) Update(_ context.Context, id string, mutate func(*model.WorkflowExecution) error) error {
	e, err := s.entry(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.exec.Status.Terminal() {
		return model.NewConflictError(
			fmt.Sprintf("execution %q is %s and can no longer change", id, e.exec.Status),
		)
	}

	working := e.exec.Clone()
	if err := mutate(&working); err != nil {
		return err
	}
	e.exec = working
	return nil
}

// List returns executions matching filters, sorted by creation time
// descending.
func (s *MemoryExecutionStore) List(_ context.Context, filters ExecutionFilters) ([]model.WorkflowExecution, error) {
	s.mu.RLock()
	entries := make([]*memEntry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	result := make([]model.WorkflowExecution, 0, len(entries))
	for _, e := range entries {
		e.mu.RLock()
		if filters.Status == "" || e.exec.Status == filters.Status {
			result = append(result, e.exec.Clone())
		}
		e.mu.RUnlock()
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	// Apply offset and limit.
	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.WorkflowExecution{}, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}

	return result, nil
}

// Len returns the total number of executions. For testing.
func (s *MemoryExecutionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *MemoryExecutionStore) entry(id string) (*memEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("execution %q not found", id))
	}
	return e, nil
}
