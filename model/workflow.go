package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// StepType selects the handler category that performs a step's work.
type StepType string

// Known step types.
const (
	StepTypeAPI          StepType = "api"
	StepTypeData         StepType = "data"
	StepTypeNotification StepType = "notification"
	StepTypeCalculation  StepType = "calculation"
	StepTypeValidation   StepType = "validation"
	StepTypeCleanup      StepType = "cleanup"
)

// StepStatus is the lifecycle state of a single step.
type StepStatus string

// Step status constants.
const (
	StepStatusIdle      StepStatus = "idle"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusError     StepStatus = "error"
)

// CanTransition reports whether a step may move from s to next.
// Steps only move forward: idle → running → completed | error.
func (s StepStatus) CanTransition(next StepStatus) bool {
	switch s {
	case StepStatusIdle:
		return next == StepStatusRunning
	case StepStatusRunning:
		return next == StepStatusCompleted || next == StepStatusError
	default:
		return false
	}
}

// ExecutionStatus is the lifecycle state of a workflow execution.
type ExecutionStatus string

// Execution status constants.
const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// CanTransition reports whether an execution may move from s to next. A
// pending execution may fail directly when its graph is rejected before any
// step runs.
func (s ExecutionStatus) CanTransition(next ExecutionStatus) bool {
	switch s {
	case ExecutionStatusPending:
		return next == ExecutionStatusRunning || next == ExecutionStatusFailed
	case ExecutionStatusRunning:
		return next == ExecutionStatusCompleted || next == ExecutionStatusFailed
	default:
		return false
	}
}

// Terminal reports whether no further transitions are possible.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed
}

// LogLevel is the severity of an execution log entry.
type LogLevel string

// Log levels.
const (
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// SystemStepID is the step id recorded on workflow-level log entries.
const SystemStepID = "system"

// StepDefinition describes one step of a submitted workflow.
type StepDefinition struct {
	ID           string         `json:"id" yaml:"id"`
	Type         StepType       `json:"type" yaml:"type"`
	Name         string         `json:"name" yaml:"name"`
	Description  string         `json:"description,omitempty" yaml:"description,omitempty"`
	Config       map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	Dependencies []string       `json:"dependencies" yaml:"dependencies"`
}

// WorkflowDefinition is the payload accepted by Submit.
type WorkflowDefinition struct {
	Name        string           `json:"name" yaml:"name"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []StepDefinition `json:"steps" yaml:"steps"`
}

// Validate checks the submission shape: a non-empty name, a non-empty steps
// array, and non-empty unique step ids. It does not inspect dependencies or
// step types; those are checked when the execution runs.
func (d WorkflowDefinition) Validate() error {
	var details []FieldError

	if strings.TrimSpace(d.Name) == "" {
		details = append(details, FieldError{Field: "name", Code: "REQUIRED", Message: "name is required"})
	}
	if len(d.Steps) == 0 {
		details = append(details, FieldError{Field: "steps", Code: "REQUIRED", Message: "at least one step is required"})
	}

	seen := make(map[string]bool, len(d.Steps))
	for i, s := range d.Steps {
		field := fmt.Sprintf("steps[%d].id", i)
		if s.ID == "" {
			details = append(details, FieldError{Field: field, Code: "REQUIRED", Message: "step id is required"})
			continue
		}
		if seen[s.ID] {
			details = append(details, FieldError{Field: field, Code: "DUPLICATE", Message: fmt.Sprintf("step id %q is not unique", s.ID)})
		}
		seen[s.ID] = true
	}

	if len(details) > 0 {
		return NewValidationError(details)
	}
	return nil
}

// WorkflowStep is a step owned by an execution.
type WorkflowStep struct {
	ID           string         `json:"id"`
	Type         StepType       `json:"type"`
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	Config       map[string]any `json:"config,omitempty"`
	Status       StepStatus     `json:"status"`
	Dependencies []string       `json:"dependencies"`
}

// LogEntry records one event in an execution's log.
type LogEntry struct {
	StepID    string          `json:"stepId"`
	Timestamp time.Time       `json:"timestamp"`
	Level     LogLevel        `json:"level"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// WorkflowExecution is the full state of one submitted workflow.
type WorkflowExecution struct {
	ID          string                     `json:"id"`
	Name        string                     `json:"name"`
	Description string                     `json:"description"`
	Steps       []WorkflowStep             `json:"steps"`
	Status      ExecutionStatus            `json:"status"`
	StartTime   *time.Time                 `json:"startTime,omitempty"`
	EndTime     *time.Time                 `json:"endTime,omitempty"`
	Results     map[string]json.RawMessage `json:"results"`
	Logs        []LogEntry                 `json:"logs"`
	CreatedAt   time.Time                  `json:"createdAt"`
}

// NewExecution builds a pending execution from a definition. All steps start
// idle and results and logs are empty.
func NewExecution(id string, def WorkflowDefinition, now time.Time) WorkflowExecution {
	steps := make([]WorkflowStep, len(def.Steps))
	for i, s := range def.Steps {
		deps := make([]string, len(s.Dependencies))
		copy(deps, s.Dependencies)
		steps[i] = WorkflowStep{
			ID:           s.ID,
			Type:         s.Type,
			Name:         s.Name,
			Description:  s.Description,
			Config:       s.Config,
			Status:       StepStatusIdle,
			Dependencies: deps,
		}
	}
	return WorkflowExecution{
		ID:          id,
		Name:        def.Name,
		Description: def.Description,
		Steps:       steps,
		Status:      ExecutionStatusPending,
		Results:     make(map[string]json.RawMessage),
		Logs:        []LogEntry{},
		CreatedAt:   now,
	}
}

// Step returns a pointer to the step with the given id, or nil.
func (e *WorkflowExecution) Step(id string) *WorkflowStep {
	for i := range e.Steps {
		if e.Steps[i].ID == id {
			return &e.Steps[i]
		}
	}
	return nil
}

// Clone returns a deep copy safe to hand to readers. Step config maps are
// shared; nothing mutates them after submission.
func (e WorkflowExecution) Clone() WorkflowExecution {
	out := e

	out.Steps = make([]WorkflowStep, len(e.Steps))
	for i, s := range e.Steps {
		deps := make([]string, len(s.Dependencies))
		copy(deps, s.Dependencies)
		s.Dependencies = deps
		out.Steps[i] = s
	}

	out.Results = make(map[string]json.RawMessage, len(e.Results))
	for k, v := range e.Results {
		out.Results[k] = v
	}

	out.Logs = make([]LogEntry, len(e.Logs))
	copy(out.Logs, e.Logs)

	if e.StartTime != nil {
		t := *e.StartTime
		out.StartTime = &t
	}
	if e.EndTime != nil {
		t := *e.EndTime
		out.EndTime = &t
	}
	return out
}

// ExecutionSummary is a lightweight view used in list responses.
type ExecutionSummary struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Status         ExecutionStatus `json:"status"`
	StepCount      int             `json:"stepCount"`
	CompletedSteps int             `json:"completedSteps"`
	Progress       int             `json:"progress"`
	CreatedAt      time.Time       `json:"createdAt"`
	StartTime      *time.Time      `json:"startTime,omitempty"`
	EndTime        *time.Time      `json:"endTime,omitempty"`
}

// Summary derives the list view of an execution. Progress is the percentage
// of steps completed.
func (e WorkflowExecution) Summary() ExecutionSummary {
	completed := 0
	for _, s := range e.Steps {
		if s.Status == StepStatusCompleted {
			completed++
		}
	}
	progress := 0
	if len(e.Steps) > 0 {
		progress = completed * 100 / len(e.Steps)
	}
	return ExecutionSummary{
		ID:             e.ID,
		Name:           e.Name,
		Status:         e.Status,
		StepCount:      len(e.Steps),
		CompletedSteps: completed,
		Progress:       progress,
		CreatedAt:      e.CreatedAt,
		StartTime:      e.StartTime,
		EndTime:        e.EndTime,
	}
}
