package workflow

import (
	"context"

	"github.com/pitabwire/flowrun/model"
)

// ExecutionStore persists workflow executions.
type ExecutionStore interface {
	// Create validates the definition and persists a new pending execution
	// with a fresh id, every step idle, and empty results and logs.
	Create(ctx context.Context, def model.WorkflowDefinition) (model.WorkflowExecution, error)

	// Get returns a snapshot of an execution. Returns NOT_FOUND if the id is
	// unknown. The snapshot shares no mutable state with the store.
	Get(ctx context.Context, id string) (model.WorkflowExecution, error)

	// Update applies mutate to the stored execution atomically. Updates to
	// one execution are serialised; readers never observe a partially applied
	// mutation. If mutate returns an error nothing is written. Returns
	// CONFLICT if the execution is already terminal.
	Update(ctx context.Context, id string, mutate func(*model.WorkflowExecution) error) error

	// List returns snapshots matching filters, newest first.
	List(ctx context.Context, filters ExecutionFilters) ([]model.WorkflowExecution, error)
}

// ExecutionFilters are optional filters for listing executions.
type ExecutionFilters struct {
	Status model.ExecutionStatus
	Limit  int
	Offset int
}
