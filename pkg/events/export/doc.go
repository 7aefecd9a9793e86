// Package export writes stored events as JSON or CSV for offline analysis.
//
// Both exporters accept either a slice of records or a channel, the latter
// fed by events.Storage.QueryStream so large exports never hold the full
// result set in memory:
//
//	recordsCh, errCh, err := store.QueryStream(ctx, q)
//	if err != nil {
//	    return err
//	}
//	n, err := export.NewCSVExporter(true).ExportStream(ctx, recordsCh, os.Stdout)
//	if err != nil {
//	    return err
//	}
//	if err := <-errCh; err != nil {
//	    return err
//	}
package export
