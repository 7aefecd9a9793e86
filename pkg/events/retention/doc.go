// Package retention deletes old exposure and conversion events.
//
// Two policies apply to each event kind independently: an age limit
// (RetentionDays) and a row cap (MaxRecords). Either can be disabled with 0.
// Events can optionally be archived to JSON before they are deleted.
//
// The Scheduler runs the pruner on a standard five-field cron expression:
//
//	pruner := retention.NewPruner(store, &retention.Config{
//	    RetentionDays: 90,
//	    Schedule:      "0 3 * * *",
//	})
//	if err := pruner.Start(ctx); err != nil {
//	    return err
//	}
//	defer pruner.Stop()
package retention
