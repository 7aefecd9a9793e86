// Package repository persists experiment definitions.
//
// SQLiteRepository stores each experiment as a JSON definition in the
// experiments table, alongside indexed status and version columns used for
// refresh queries and optimistic concurrency. MemoryRepository offers the
// same contract without persistence.
//
// Updates are compare-and-swap on the version column: a write computed from
// a stale read fails with experiment.ErrVersionConflict.
package repository
