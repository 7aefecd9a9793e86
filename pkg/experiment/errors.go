package experiment

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when an experiment does not exist.
	ErrNotFound = errors.New("experiment not found")

	// ErrVersionConflict is returned when an update was computed against a
	// stale version of the experiment.
	ErrVersionConflict = errors.New("experiment version conflict")
)

// FieldError is a validation problem with a single field of a definition.
type FieldError struct {
	// Field is the dotted path to the offending field (e.g. "variants[1].weight").
	Field string

	// Message is a human-readable description.
	Message string
}

// Error implements the error interface.
func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError collects every problem found in an experiment definition.
type ValidationError struct {
	ExperimentID string
	Errors       []FieldError
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	prefix := "invalid experiment"
	if e.ExperimentID != "" {
		prefix = fmt.Sprintf("invalid experiment %q", e.ExperimentID)
	}

	if len(e.Errors) == 0 {
		return prefix
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("%s: %s", prefix, e.Errors[0].Error())
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s: %d errors:\n", prefix, len(e.Errors)))
	for _, fe := range e.Errors {
		sb.WriteString(fmt.Sprintf("  - %s\n", fe.Error()))
	}
	return sb.String()
}

// TransitionError is returned when a lifecycle action is not allowed from the
// experiment's current status.
type TransitionError struct {
	ExperimentID string
	From         Status
	Action       Action
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s experiment %q in status %s", e.Action, e.ExperimentID, e.From)
}

// NewTransitionError creates a new TransitionError.
func NewTransitionError(id string, from Status, action Action) *TransitionError {
	return &TransitionError{
		ExperimentID: id,
		From:         from,
		Action:       action,
	}
}

// StorageError represents a failure of the experiment repository.
type StorageError struct {
	Backend   string // "sqlite", "memory"
	Operation string // "open", "save", "get", "list", ...
	Cause     error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("experiment storage error [backend=%s, operation=%s]: %v", e.Backend, e.Operation, e.Cause)
}

// Unwrap returns the underlying cause error.
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// NewStorageError creates a new StorageError.
func NewStorageError(backend, operation string, cause error) *StorageError {
	return &StorageError{
		Backend:   backend,
		Operation: operation,
		Cause:     cause,
	}
}
