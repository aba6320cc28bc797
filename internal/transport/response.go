// Package transport contains the HTTP router, middleware chain, and request
// handlers for the execution API.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pitabwire/flowrun/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:          http.StatusBadRequest,
	model.ErrNotFound:            http.StatusNotFound,
	model.ErrConflict:            http.StatusConflict,
	model.ErrValidationError:     http.StatusUnprocessableEntity,
	model.ErrCycleDetected:       http.StatusUnprocessableEntity,
	model.ErrMissingDependency:   http.StatusUnprocessableEntity,
	model.ErrStepExecutionFailed: http.StatusInternalServerError,
	model.ErrInternalError:       http.StatusInternalServerError,
}

// enveloper is implemented by typed errors that carry their own wire form.
type enveloper interface {
	ToEnvelope() *model.ErrorEnvelope
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes err as an ErrorEnvelope with the matching HTTP status.
// Errors that are neither an *ErrorEnvelope nor convertible to one become a
// generic 500 so internal details never reach the client.
func WriteError(w http.ResponseWriter, err error) {
	ee := envelopeFor(err)
	WriteJSON(w, statusFor(ee.Code), errorResponse{Error: ee})
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewNotFoundError(msg))
}

// WriteValidationError writes a 422 error response with field-level details.
func WriteValidationError(w http.ResponseWriter, details []model.FieldError) {
	WriteError(w, model.NewValidationError(details))
}

// envelopeFor unwraps err to its wire representation.
func envelopeFor(err error) *model.ErrorEnvelope {
	var ee *model.ErrorEnvelope
	if errors.As(err, &ee) {
		return ee
	}
	var conv enveloper
	if errors.As(err, &conv) {
		return conv.ToEnvelope()
	}
	return model.NewInternalError()
}

// statusFor returns the HTTP status for an envelope code.
func statusFor(code string) int {
	if status, ok := statusForCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}
