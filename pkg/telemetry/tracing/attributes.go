package tracing

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys used on Cohort spans.
const (
	AttrExperimentID = "cohort.experiment.id"
	AttrVariantID    = "cohort.variant.id"
	AttrAction       = "cohort.lifecycle.action"
	AttrFromStatus   = "cohort.lifecycle.from"
	AttrToStatus     = "cohort.lifecycle.to"
	AttrEventKind    = "cohort.event.kind"
	AttrBatchSize    = "cohort.batch.size"
	AttrExperiments  = "cohort.store.experiments"
	AttrFeedOp       = "cohort.feed.op"
	AttrRequestID    = "cohort.request_id"

	AttrErrorMessage = "error.message"
)

// SetExperimentAttributes sets the experiment and variant ids on span.
// An empty variant id is omitted.
func SetExperimentAttributes(span trace.Span, experimentID, variantID string) {
	attrs := []attribute.KeyValue{attribute.String(AttrExperimentID, experimentID)}
	if variantID != "" {
		attrs = append(attrs, attribute.String(AttrVariantID, variantID))
	}
	span.SetAttributes(attrs...)
}

// SetTransitionAttributes records a lifecycle transition on span.
func SetTransitionAttributes(span trace.Span, action, from, to string) {
	span.SetAttributes(
		attribute.String(AttrAction, action),
		attribute.String(AttrFromStatus, from),
		attribute.String(AttrToStatus, to),
	)
}

// SetBatchAttributes records the kind and size of an event batch on span.
func SetBatchAttributes(span trace.Span, kind string, size int) {
	span.SetAttributes(
		attribute.String(AttrEventKind, kind),
		attribute.Int(AttrBatchSize, size),
	)
}
