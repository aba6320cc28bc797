package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/flowrun/internal/observability"
	"github.com/pitabwire/flowrun/model"
)

// Dispatcher runs a single step and returns its JSON-serialisable result.
// Failures are reported as *model.StepExecutionError.
type Dispatcher interface {
	Dispatch(ctx context.Context, executionID string, step model.WorkflowStep) (any, error)
}

// Engine drives workflow executions: it orders their steps, runs them one at
// a time, and records every transition in the store.
type Engine struct {
	store      ExecutionStore
	dispatcher Dispatcher
	runner     *Runner
	logbook    *Logbook
	logger     *zap.Logger
	metrics    *observability.Metrics
	now        func() time.Time
}

// NewEngine creates a new execution engine. metrics may be nil.
func NewEngine(
	store ExecutionStore,
	dispatcher Dispatcher,
	runner *Runner,
	logger *zap.Logger,
	metrics *observability.Metrics,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:      store,
		dispatcher: dispatcher,
		runner:     runner,
		logbook:    NewLogbook(logger),
		logger:     logger,
		metrics:    metrics,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Submit validates def, creates a pending execution, and schedules its run.
// It returns the new execution id without waiting for the run.
func (e *Engine) Submit(ctx context.Context, def model.WorkflowDefinition) (string, error) {
	exec, err := e.store.Create(ctx, def)
	if err != nil {
		return "", err
	}
	if e.metrics != nil {
		e.metrics.RecordExecutionSubmitted()
	}

	id := exec.ID
	_, err = e.runner.Go(ctx, id, func(ctx context.Context) (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("workflow: run panicked: %v", rec)
				e.abort(ctx, id, err)
			}
		}()
		return e.Run(ctx, id)
	}, WithDropHandler(func(cause error) {
		e.abort(ctx, id, cause)
	}))
	if err != nil {
		e.abort(ctx, id, err)
		return "", fmt.Errorf("schedule execution %s: %w", id, err)
	}

	e.logger.Info("execution submitted",
		zap.String("execution_id", id),
		zap.String("workflow", exec.Name),
		zap.Int("steps", len(exec.Steps)),
	)
	return id, nil
}

// Status returns a snapshot of an execution.
func (e *Engine) Status(ctx context.Context, id string) (model.WorkflowExecution, error) {
	return e.store.Get(ctx, id)
}

// List returns execution summaries, newest first.
func (e *Engine) List(ctx context.Context, filters ExecutionFilters) ([]model.ExecutionSummary, error) {
	execs, err := e.store.List(ctx, filters)
	if err != nil {
		return nil, err
	}
	out := make([]model.ExecutionSummary, len(execs))
	for i, exec := range execs {
		out[i] = exec.Summary()
	}
	return out, nil
}

// Wait blocks until the background run of id finishes and returns its error.
func (e *Engine) Wait(ctx context.Context, id string) error {
	task, ok := e.runner.Task(id)
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("no run scheduled for execution %q", id))
	}
	return task.Wait(ctx)
}

// Plan validates def and returns the order its steps would run in, without
// creating an execution.
func (e *Engine) Plan(def model.WorkflowDefinition) ([]string, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return ComputeOrder(model.NewExecution("", def, e.now()).Steps)
}

// Run drives execution id from pending to a terminal status. It must be
// called once per execution; a second call returns CONFLICT and changes
// nothing.
//
// Step failures and malformed graphs are recorded on the execution and are
// not returned. Run only returns errors from the store.
func (e *Engine) Run(ctx context.Context, id string) error {
	snap, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if snap.Status != model.ExecutionStatusPending {
		return model.NewConflictError(fmt.Sprintf("execution %q has already been run", id))
	}

	ctx, span := observability.StartRunSpan(ctx, id, snap.Name)
	var runErr error
	defer func() { observability.EndSpanWithError(span, runErr) }()

	logger := observability.ExecutionLogger(ctx, e.logger, id)

	order, orderErr := ComputeOrder(snap.Steps)
	if orderErr != nil {
		runErr = e.store.Update(ctx, id, func(exec *model.WorkflowExecution) error {
			if err := transition(exec, model.ExecutionStatusFailed); err != nil {
				return err
			}
			end := e.now()
			exec.EndTime = &end
			e.logbook.Append(exec, model.LogLevelError, model.SystemStepID, orderErr.Error(), nil)
			return nil
		})
		if runErr != nil {
			return runErr
		}
		logger.Warn("execution rejected", zap.Error(orderErr))
		e.recordFinish(model.ExecutionStatusFailed, false, 0)
		return nil
	}

	started := e.now()
	runErr = e.store.Update(ctx, id, func(exec *model.WorkflowExecution) error {
		if err := transition(exec, model.ExecutionStatusRunning); err != nil {
			return err
		}
		exec.StartTime = &started
		e.logbook.Append(exec, model.LogLevelInfo, model.SystemStepID,
			fmt.Sprintf("workflow started: %d steps", len(order)), nil)
		return nil
	})
	if runErr != nil {
		return runErr
	}
	if e.metrics != nil {
		e.metrics.RecordExecutionStart()
	}
	logger.Info("execution started", zap.Strings("order", order))

	for _, stepID := range order {
		step := *snap.Step(stepID)

		ok, err := e.runStep(ctx, logger, id, step)
		if err != nil {
			runErr = err
			return err
		}
		if !ok {
			logger.Warn("execution failed", zap.String("step_id", stepID))
			e.recordFinish(model.ExecutionStatusFailed, true, e.now().Sub(started))
			return nil
		}
	}

	runErr = e.store.Update(ctx, id, func(exec *model.WorkflowExecution) error {
		if err := transition(exec, model.ExecutionStatusCompleted); err != nil {
			return err
		}
		end := e.now()
		exec.EndTime = &end
		e.logbook.Append(exec, model.LogLevelInfo, model.SystemStepID, "workflow completed", nil)
		return nil
	})
	if runErr != nil {
		return runErr
	}
	logger.Info("execution completed")
	e.recordFinish(model.ExecutionStatusCompleted, true, e.now().Sub(started))
	return nil
}

// runStep runs one step and records its outcome. It reports false when the
// step failed and the execution has been marked failed.
func (e *Engine) runStep(ctx context.Context, logger *zap.Logger, id string, step model.WorkflowStep) (bool, error) {
	err := e.store.Update(ctx, id, func(exec *model.WorkflowExecution) error {
		if err := stepTransition(exec, step.ID, model.StepStatusRunning); err != nil {
			return err
		}
		e.logbook.Append(exec, model.LogLevelInfo, step.ID, fmt.Sprintf("step started: %s", step.Name), nil)
		return nil
	})
	if err != nil {
		return false, err
	}

	stepCtx, span := observability.StartStepSpan(ctx, id, step.ID, string(step.Type))
	start := time.Now()
	payload, stepErr := e.execute(stepCtx, id, step)
	observability.EndSpanWithError(span, stepErr)
	duration := time.Since(start)

	if stepErr == nil {
		err = e.store.Update(ctx, id, func(exec *model.WorkflowExecution) error {
			if err := stepTransition(exec, step.ID, model.StepStatusCompleted); err != nil {
				return err
			}
			exec.Results[step.ID] = payload
			e.logbook.Append(exec, model.LogLevelInfo, step.ID, fmt.Sprintf("step completed: %s", step.Name), payload)
			return nil
		})
		if err != nil {
			return false, err
		}
		e.recordStep(step.Type, model.StepStatusCompleted, duration)
		logger.Debug("step completed", zap.String("step_id", step.ID), zap.Duration("duration", duration))
		return true, nil
	}

	message := stepErr.Error()
	var stepExecErr *model.StepExecutionError
	if errors.As(stepErr, &stepExecErr) {
		message = stepExecErr.Message
	}
	detail, _ := json.Marshal(map[string]string{"error": message})

	err = e.store.Update(ctx, id, func(exec *model.WorkflowExecution) error {
		if err := stepTransition(exec, step.ID, model.StepStatusError); err != nil {
			return err
		}
		if err := transition(exec, model.ExecutionStatusFailed); err != nil {
			return err
		}
		end := e.now()
		exec.EndTime = &end
		e.logbook.Append(exec, model.LogLevelError, step.ID, message, detail)
		e.logbook.Append(exec, model.LogLevelError, model.SystemStepID,
			fmt.Sprintf("workflow failed at step %q", step.ID), nil)
		return nil
	})
	if err != nil {
		return false, err
	}
	e.recordStep(step.Type, model.StepStatusError, duration)
	return false, nil
}

// execute dispatches a step and encodes its result. An unencodable result is
// a step failure.
func (e *Engine) execute(ctx context.Context, id string, step model.WorkflowStep) (json.RawMessage, error) {
	result, err := e.dispatcher.Dispatch(ctx, id, step)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return nil, model.NewStepExecutionError(step.ID, fmt.Errorf("encode result: %w", err))
	}
	return payload, nil
}

// abort marks an execution failed after its run ended abnormally. Any step
// left running is marked as the failed step.
func (e *Engine) abort(ctx context.Context, id string, cause error) {
	ctx = context.WithoutCancel(ctx)
	err := e.store.Update(ctx, id, func(exec *model.WorkflowExecution) error {
		startedRunning := exec.Status == model.ExecutionStatusRunning
		for i := range exec.Steps {
			if exec.Steps[i].Status == model.StepStatusRunning {
				exec.Steps[i].Status = model.StepStatusError
				e.logbook.Append(exec, model.LogLevelError, exec.Steps[i].ID, cause.Error(), nil)
			}
		}
		if err := transition(exec, model.ExecutionStatusFailed); err != nil {
			return err
		}
		end := e.now()
		exec.EndTime = &end
		e.logbook.Append(exec, model.LogLevelError, model.SystemStepID, "workflow aborted: "+cause.Error(), nil)
		e.recordFinish(model.ExecutionStatusFailed, startedRunning, 0)
		return nil
	})
	if err != nil {
		e.logger.Error("abort execution", zap.String("execution_id", id), zap.Error(err))
	}
}

func (e *Engine) recordStep(t model.StepType, status model.StepStatus, d time.Duration) {
	if e.metrics != nil {
		e.metrics.RecordStep(string(t), string(status), d)
	}
}

func (e *Engine) recordFinish(status model.ExecutionStatus, started bool, d time.Duration) {
	if e.metrics != nil {
		e.metrics.RecordExecutionFinish(string(status), started, d)
	}
}

func transition(exec *model.WorkflowExecution, next model.ExecutionStatus) error {
	if !exec.Status.CanTransition(next) {
		return model.NewConflictError(
			fmt.Sprintf("execution %q cannot move from %s to %s", exec.ID, exec.Status, next),
		)
	}
	exec.Status = next
	return nil
}

func stepTransition(exec *model.WorkflowExecution, stepID string, next model.StepStatus) error {
	s := exec.Step(stepID)
	if s == nil {
		return model.NewNotFoundError(fmt.Sprintf("step %q not found in execution %q", stepID, exec.ID))
	}
	if !s.Status.CanTransition(next) {
		return model.NewConflictError(
			fmt.Sprintf("step %q cannot move from %s to %s", stepID, s.Status, next),
		)
	}
	s.Status = next
	return nil
}
