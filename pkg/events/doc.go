// Package events defines exposure and conversion events and the storage
// contract used to persist them for later statistical analysis.
//
// # Architecture
//
//  1. Recorder (events/recorder) buffers events in memory and flushes them
//     in batches
//  2. Storage backend (events/storage) persists batches to the exposures
//     and conversions tables
//  3. Query validation (events/query), retention (events/retention) and
//     export (events/export) work on stored records
//
// # Recording Flow
//
//	GetAssignment (first resolution) → RecordExposure
//	TrackConversion (in experiment)  → RecordConversion
//	     ↓
//	per-kind buffer (bounded, drop-oldest)
//	     ↓
//	size threshold or timer
//	     ↓
//	Storage.WriteExposures / WriteConversions (one batch, one write)
//
// A failed batch is put back at the front of its buffer and retried on the
// next trigger, so delivery is at-least-once. Consumers must tolerate
// duplicates; the event id is unique per event and can be used to dedupe.
package events
