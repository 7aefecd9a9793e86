package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"mercator-hq/cohort/pkg/experiment"
	"mercator-hq/cohort/pkg/lifecycle"
)

// Error types returned in the error envelope.
const (
	ErrorTypeInvalidRequest = "invalid_request"
	ErrorTypeValidation     = "validation_error"
	ErrorTypeUnauthorized   = "unauthorized"
	ErrorTypeForbidden      = "forbidden"
	ErrorTypeNotFound       = "not_found"
	ErrorTypeConflict       = "conflict"
	ErrorTypeRateLimited    = "rate_limited"
	ErrorTypeOverloaded     = "overloaded"
	ErrorTypeServer         = "server_error"
)

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes what went wrong.
type ErrorDetail struct {
	Type    string       `json:"type"`
	Message string       `json:"message"`
	Fields  []FieldError `json:"fields,omitempty"`
}

// FieldError is one validation problem.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, typ, message string, fields []FieldError) {
	writeJSON(w, status, ErrorResponse{Error: ErrorDetail{Type: typ, Message: message, Fields: fields}})
}

// writeEngineError maps a management error to its HTTP status.
func writeEngineError(w http.ResponseWriter, err error) {
	var verr *experiment.ValidationError
	var terr *experiment.TransitionError

	switch {
	case errors.As(err, &verr):
		fields := make([]FieldError, len(verr.Errors))
		for i, fe := range verr.Errors {
			fields[i] = FieldError{Field: fe.Field, Message: fe.Message}
		}
		writeError(w, http.StatusUnprocessableEntity, ErrorTypeValidation, "invalid experiment definition", fields)
	case errors.Is(err, experiment.ErrNotFound):
		writeError(w, http.StatusNotFound, ErrorTypeNotFound, err.Error(), nil)
	case errors.As(err, &terr),
		errors.Is(err, experiment.ErrVersionConflict),
		errors.Is(err, lifecycle.ErrCompleted):
		writeError(w, http.StatusConflict, ErrorTypeConflict, err.Error(), nil)
	default:
		writeError(w, http.StatusInternalServerError, ErrorTypeServer, "internal error", nil)
	}
}
