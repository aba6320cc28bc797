package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/flowrun/internal/workflow"
	"github.com/pitabwire/flowrun/model"
)

// Executor is the engine surface the HTTP handlers depend on.
type Executor interface {
	Submit(ctx context.Context, def model.WorkflowDefinition) (string, error)
	Status(ctx context.Context, id string) (model.WorkflowExecution, error)
	List(ctx context.Context, filters workflow.ExecutionFilters) ([]model.ExecutionSummary, error)
	Plan(def model.WorkflowDefinition) ([]string, error)
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type submitResponse struct {
	ExecutionID string                `json:"executionId"`
	Status      model.ExecutionStatus `json:"status"`
}

type listResponse struct {
	Data   []model.ExecutionSummary `json:"data"`
	Limit  int                      `json:"limit"`
	Offset int                      `json:"offset"`
}

type planResponse struct {
	Order []string `json:"order"`
}

func handleSubmit(engine Executor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		def, ok := decodeDefinition(w, r)
		if !ok {
			return
		}
		id, err := engine.Submit(r.Context(), def)
		if err != nil {
			WriteError(w, err)
			return
		}
		w.Header().Set("Location", "/v1/executions/"+id)
		WriteJSON(w, http.StatusAccepted, submitResponse{ExecutionID: id, Status: model.ExecutionStatusPending})
	}
}

func handleGetExecution(engine Executor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		exec, err := engine.Status(r.Context(), chi.URLParam(r, "executionId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, exec)
	}
}

func handleListExecutions(engine Executor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filters, details := listFilters(r)
		if len(details) > 0 {
			WriteValidationError(w, details)
			return
		}
		summaries, err := engine.List(r.Context(), filters)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, listResponse{Data: summaries, Limit: filters.Limit, Offset: filters.Offset})
	}
}

func handlePlan(engine Executor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		def, ok := decodeDefinition(w, r)
		if !ok {
			return
		}
		order, err := engine.Plan(def)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, planResponse{Order: order})
	}
}

// decodeDefinition reads a workflow definition body, writing a 400 or 413 on
// failure.
func decodeDefinition(w http.ResponseWriter, r *http.Request) (model.WorkflowDefinition, bool) {
	var def model.WorkflowDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteJSON(w, http.StatusRequestEntityTooLarge, errorResponse{
				Error: model.NewBadRequestError(fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)),
			})
			return def, false
		}
		WriteError(w, model.NewBadRequestError("invalid JSON body"))
		return def, false
	}
	return def, true
}

func listFilters(r *http.Request) (workflow.ExecutionFilters, []model.FieldError) {
	q := r.URL.Query()
	filters := workflow.ExecutionFilters{
		Status: model.ExecutionStatus(q.Get("status")),
		Limit:  defaultListLimit,
	}
	var details []model.FieldError

	switch filters.Status {
	case "", model.ExecutionStatusPending, model.ExecutionStatusRunning,
		model.ExecutionStatusCompleted, model.ExecutionStatusFailed:
	default:
		details = append(details, model.FieldError{Field: "status", Code: "INVALID", Message: fmt.Sprintf("unknown status %q", filters.Status)})
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxListLimit {
			details = append(details, model.FieldError{Field: "limit", Code: "INVALID", Message: fmt.Sprintf("limit must be between 1 and %d", maxListLimit)})
		} else {
			filters.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			details = append(details, model.FieldError{Field: "offset", Code: "INVALID", Message: "offset must be a non-negative integer"})
		} else {
			filters.Offset = n
		}
	}
	return filters, details
}
