package logging

import (
	"context"
	"log/slog"
)

// Context keys for common log fields.
type contextKey string

const (
	// RequestIDKey is the context key for request IDs.
	RequestIDKey contextKey = "request_id"

	// ExperimentIDKey is the context key for experiment identifiers.
	ExperimentIDKey contextKey = "experiment_id"

	// SubjectKey is the context key for the subject (user or session) id.
	SubjectKey contextKey = "subject_id"
)

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// WithExperimentID adds an experiment identifier to the context.
func WithExperimentID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ExperimentIDKey, id)
}

// GetExperimentID retrieves the experiment identifier from the context.
func GetExperimentID(ctx context.Context) string {
	if id, ok := ctx.Value(ExperimentIDKey).(string); ok {
		return id
	}
	return ""
}

// WithSubject adds a subject identifier to the context.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, SubjectKey, subject)
}

// GetSubject retrieves the subject identifier from the context.
func GetSubject(ctx context.Context) string {
	if subject, ok := ctx.Value(SubjectKey).(string); ok {
		return subject
	}
	return ""
}

// contextAttrs extracts common fields from context for logging.
func contextAttrs(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}

	var attrs []slog.Attr
	if v := GetRequestID(ctx); v != "" {
		attrs = append(attrs, slog.String(string(RequestIDKey), v))
	}
	if v := GetExperimentID(ctx); v != "" {
		attrs = append(attrs, slog.String(string(ExperimentIDKey), v))
	}
	if v := GetSubject(ctx); v != "" {
		attrs = append(attrs, slog.String(string(SubjectKey), v))
	}
	return attrs
}
