// Package step implements the step handlers and the registry that dispatches
// a workflow step to the handler for its type.
package step

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/pitabwire/flowrun/model"
)

// Handler performs the work of one step category.
type Handler interface {
	// Type returns the step type tag this handler serves.
	Type() model.StepType
	// Execute runs the step and returns a JSON-serialisable result.
	Execute(ctx context.Context, executionID string, s model.WorkflowStep) (any, error)
}

// Registry maps step types to handlers. It is safe for concurrent use after
// initial registration.
type Registry struct {
	mu       sync.RWMutex
	handlers map[model.StepType]Handler
	logger   *zap.Logger
}

// NewRegistry creates a new empty handler registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		handlers: make(map[model.StepType]Handler),
		logger:   logger,
	}
}

// Register adds a handler under its Type(). Panics if a handler for the same
// type is already registered, since this indicates a wiring mistake at
// startup.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[h.Type()]; exists {
		panic(fmt.Sprintf("step: handler for type %q already registered", h.Type()))
	}
	r.handlers[h.Type()] = h
}

// Get returns the handler registered for t, or false if not found.
func (r *Registry) Get(t model.StepType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	return h, ok
}

// Types returns all registered step types, sorted alphabetically.
func (r *Registry) Types() []model.StepType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]model.StepType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Dispatch runs s on the handler for its type. Every failure, including an
// unknown type and a handler panic, is returned as *model.StepExecutionError.
func (r *Registry) Dispatch(ctx context.Context, executionID string, s model.WorkflowStep) (result any, err error) {
	h, ok := r.Get(s.Type)
	if !ok {
		return nil, model.NewStepExecutionError(s.ID, fmt.Errorf("unknown step type %q", s.Type))
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("step handler panicked",
				zap.String("execution_id", executionID),
				zap.String("step_id", s.ID),
				zap.String("step_type", string(s.Type)),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()),
			)
			result = nil
			err = model.NewStepExecutionError(s.ID, fmt.Errorf("handler panicked: %v", rec))
		}
	}()

	result, err = h.Execute(ctx, executionID, s)
	if err != nil {
		var stepErr *model.StepExecutionError
		if errors.As(err, &stepErr) {
			return nil, err
		}
		return nil, model.NewStepExecutionError(s.ID, err)
	}
	return result, nil
}
