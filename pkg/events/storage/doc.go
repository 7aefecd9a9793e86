// Package storage provides storage backends for exposure and conversion
// events.
//
// # Storage Backends
//
//   - SQLite: embedded database for single-node deployments
//   - Memory: in-process storage for tests and ephemeral runs
//
// # SQLite Backend
//
// Exposures and conversions are kept in separate tables indexed by
// experiment, variant, user and timestamp. Each batch is written in a single
// IMMEDIATE transaction so a failed batch leaves nothing behind. Inserts
// skip ids that are already stored, so a batch retried after an ambiguous
// failure does not create duplicates.
//
// # Basic Usage
//
//	store, err := storage.NewSQLiteStorage(&storage.SQLiteConfig{
//	    Path:         "data/events.db",
//	    MaxOpenConns: 10,
//	    MaxIdleConns: 5,
//	    WALMode:      true,
//	    BusyTimeout:  5 * time.Second,
//	})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	records, err := store.Query(ctx, &events.Query{
//	    Kind:         events.KindConversion,
//	    ExperimentID: "checkout-button",
//	    MetricID:     "purchase",
//	})
package storage
