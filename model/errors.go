package model

import "fmt"

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrValidationError = "VALIDATION_ERROR"
	ErrInternalError   = "INTERNAL_ERROR"
)

// Workflow-specific error codes.
const (
	ErrCycleDetected       = "CYCLE_DETECTED"
	ErrMissingDependency   = "MISSING_DEPENDENCY"
	ErrStepExecutionFailed = "STEP_EXECUTION_FAILED"
)

// ErrorEnvelope is the standard error response envelope.
// It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// CycleDetectedError reports that the dependency graph contains a cycle.
// StepID names one step on the offending cycle.
type CycleDetectedError struct {
	StepID string
}

func (e *CycleDetectedError) Error() string {
	return fmt.Sprintf("cycle detected at step %q", e.StepID)
}

// ToEnvelope converts the error into its wire representation.
func (e *CycleDetectedError) ToEnvelope() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrCycleDetected,
		Message: e.Error(),
		Details: []FieldError{{Field: "steps." + e.StepID + ".dependencies", Code: ErrCycleDetected, Message: e.Error()}},
	}
}

// MissingDependencyError reports a dependency id that names no step in the
// same workflow.
type MissingDependencyError struct {
	StepID    string
	MissingID string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("step %q depends on unknown step %q", e.StepID, e.MissingID)
}

// ToEnvelope converts the error into its wire representation.
func (e *MissingDependencyError) ToEnvelope() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrMissingDependency,
		Message: e.Error(),
		Details: []FieldError{{Field: "steps." + e.StepID + ".dependencies", Code: ErrMissingDependency, Message: e.Error()}},
	}
}

// StepExecutionError reports that a step handler failed, including the case
// where no handler is registered for the step's type.
type StepExecutionError struct {
	StepID  string
	Message string
	Err     error
}

// NewStepExecutionError wraps err as the failure of the given step.
func NewStepExecutionError(stepID string, err error) *StepExecutionError {
	return &StepExecutionError{StepID: stepID, Message: err.Error(), Err: err}
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %q failed: %s", e.StepID, e.Message)
}

// Unwrap returns the underlying handler error, if any.
func (e *StepExecutionError) Unwrap() error {
	return e.Err
}

// ToEnvelope converts the error into its wire representation.
func (e *StepExecutionError) ToEnvelope() *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrStepExecutionFailed, Message: e.Error()}
}
