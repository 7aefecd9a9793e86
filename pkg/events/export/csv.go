package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"
	"time"

	"mercator-hq/cohort/pkg/events"
)

// CSVExporter exports event records as CSV, one row per event. Exposure
// rows leave the conversion-only columns empty.
type CSVExporter struct {
	// IncludeHeader includes a header row with column names.
	IncludeHeader bool
}

// NewCSVExporter creates a new CSV exporter.
func NewCSVExporter(includeHeader bool) *CSVExporter {
	return &CSVExporter{
		IncludeHeader: includeHeader,
	}
}

// Header is the CSV column order.
var Header = []string{
	"kind", "id", "experiment_id", "variant_id", "metric_id",
	"user_id", "session_id", "value", "revenue", "context", "timestamp",
}

// Export writes records to w in CSV format.
func (e *CSVExporter) Export(ctx context.Context, records []*events.Record, w io.Writer) error {
	writer := csv.NewWriter(w)

	if e.IncludeHeader {
		if err := writer.Write(Header); err != nil {
			return events.NewExportError("csv", len(records), err)
		}
	}

	for _, record := range records {
		row, err := recordToRow(record)
		if err != nil {
			return events.NewExportError("csv", len(records), err)
		}
		if err := writer.Write(row); err != nil {
			return events.NewExportError("csv", len(records), err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return events.NewExportError("csv", len(records), err)
	}
	return nil
}

// ExportStream writes records from a channel in CSV format until the channel
// is closed, flushing every 100 rows. It returns the number of records
// written.
func (e *CSVExporter) ExportStream(ctx context.Context, recordsCh <-chan *events.Record, w io.Writer) (int, error) {
	writer := csv.NewWriter(w)
	defer writer.Flush()

	if e.IncludeHeader {
		if err := writer.Write(Header); err != nil {
			return 0, events.NewExportError("csv", 0, err)
		}
	}

	count := 0
	for {
		select {
		case <-ctx.Done():
			return count, ctx.Err()

		case record, ok := <-recordsCh:
			if !ok {
				writer.Flush()
				if err := writer.Error(); err != nil {
					return count, events.NewExportError("csv", count, err)
				}
				return count, nil
			}

			row, err := recordToRow(record)
			if err != nil {
				return count, events.NewExportError("csv", count, err)
			}
			if err := writer.Write(row); err != nil {
				return count, events.NewExportError("csv", count, err)
			}
			count++

			if count%100 == 0 {
				writer.Flush()
				if err := writer.Error(); err != nil {
					return count, events.NewExportError("csv", count, err)
				}
			}
		}
	}
}

func recordToRow(record *events.Record) ([]string, error) {
	contextJSON := ""
	if len(record.Context) > 0 {
		data, err := json.Marshal(record.Context)
		if err != nil {
			return nil, err
		}
		contextJSON = string(data)
	}

	return []string{
		string(record.Kind),
		record.ID,
		record.ExperimentID,
		record.VariantID,
		record.MetricID,
		record.UserID,
		record.SessionID,
		formatFloat(record.Value),
		formatFloat(record.Revenue),
		contextJSON,
		record.Timestamp.UTC().Format(time.RFC3339Nano),
	}, nil
}

func formatFloat(f *float64) string {
	if f == nil {
		return ""
	}
	return strconv.FormatFloat(*f, 'f', -1, 64)
}
