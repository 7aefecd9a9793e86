// Package recorder buffers exposure and conversion events and writes them to
// an events.Storage in batches.
//
// # Buffering
//
// Each kind has its own bounded buffer. When a buffer is full the oldest
// events are dropped, logged and counted, so a stalled backend cannot grow
// memory without bound.
//
// # Flushing
//
// A flush writes the whole buffer as one batch. It is triggered when a
// buffer reaches BatchSize, every FlushInterval, or by an explicit Flush.
// Flushes of the same kind never overlap. A failed batch goes back to the
// front of its buffer and is retried on the next trigger.
//
// # Conversions
//
// RecordConversion looks up the subject's cached assignment and drops the
// conversion unless the subject is already in the experiment. The event is
// attributed to the cached variant.
//
// # Usage
//
//	rec := recorder.NewRecorder(store, recorder.DefaultConfig(),
//	    recorder.WithAssignmentLookup(cache),
//	    recorder.WithMetrics(collector),
//	)
//	rec.Start(ctx)
//	defer rec.Close(context.Background())
package recorder
