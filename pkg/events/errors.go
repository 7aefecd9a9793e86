package events

import "fmt"

// StorageError wraps a failure of an event storage backend.
type StorageError struct {
	Backend   string // "sqlite", "memory"
	Operation string // "write_exposures", "query", "delete", ...
	Cause     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s event storage: %s: %v", e.Backend, e.Operation, e.Cause)
}

func (e *StorageError) Unwrap() error { return e.Cause }

// NewStorageError creates a new StorageError.
func NewStorageError(backend, operation string, cause error) *StorageError {
	return &StorageError{Backend: backend, Operation: operation, Cause: cause}
}

// QueryError is returned for a query that fails validation.
type QueryError struct {
	Query *Query
	Cause error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("invalid event query: %v", e.Cause)
}

func (e *QueryError) Unwrap() error { return e.Cause }

// NewQueryError creates a new QueryError.
func NewQueryError(query *Query, cause error) *QueryError {
	return &QueryError{Query: query, Cause: cause}
}

// FlushError reports a batch of Size events of one kind that could not be
// written. The events go back to the buffer.
type FlushError struct {
	Kind  Kind
	Size  int
	Cause error
}

func (e *FlushError) Error() string {
	return fmt.Sprintf("flush of %d %s events failed: %v", e.Size, e.Kind, e.Cause)
}

func (e *FlushError) Unwrap() error { return e.Cause }

// NewFlushError creates a new FlushError.
func NewFlushError(kind Kind, size int, cause error) *FlushError {
	return &FlushError{Kind: kind, Size: size, Cause: cause}
}

// RetentionError reports a failed prune of one event kind.
type RetentionError struct {
	Kind          Kind
	RetentionDays int
	Cause         error
}

func (e *RetentionError) Error() string {
	return fmt.Sprintf("pruning %s events older than %d days: %v", e.Kind, e.RetentionDays, e.Cause)
}

func (e *RetentionError) Unwrap() error { return e.Cause }

// NewRetentionError creates a new RetentionError.
func NewRetentionError(kind Kind, retentionDays int, cause error) *RetentionError {
	return &RetentionError{Kind: kind, RetentionDays: retentionDays, Cause: cause}
}

// ExportError reports a failed export. RecordCount is the batch size for
// Export and the records already written for ExportStream.
type ExportError struct {
	Format      string // "json", "csv"
	RecordCount int
	Cause       error
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("%s export failed (%d records): %v", e.Format, e.RecordCount, e.Cause)
}

func (e *ExportError) Unwrap() error { return e.Cause }

// NewExportError creates a new ExportError.
func NewExportError(format string, recordCount int, cause error) *ExportError {
	return &ExportError{Format: format, RecordCount: recordCount, Cause: cause}
}
