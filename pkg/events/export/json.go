package export

import (
	"context"
	"encoding/json"
	"io"

	"mercator-hq/cohort/pkg/events"
)

// JSONExporter exports event records as a JSON array.
type JSONExporter struct {
	// Pretty enables pretty-printing with indentation.
	Pretty bool
}

// NewJSONExporter creates a new JSON exporter.
func NewJSONExporter(pretty bool) *JSONExporter {
	return &JSONExporter{
		Pretty: pretty,
	}
}

// Export writes records to w as a JSON array. An empty slice is written as
// "[]".
func (e *JSONExporter) Export(ctx context.Context, records []*events.Record, w io.Writer) error {
	if records == nil {
		records = []*events.Record{}
	}

	var data []byte
	var err error
	if e.Pretty {
		data, err = json.MarshalIndent(records, "", "  ")
	} else {
		data, err = json.Marshal(records)
	}
	if err != nil {
		return events.NewExportError("json", len(records), err)
	}

	if _, err := w.Write(data); err != nil {
		return events.NewExportError("json", len(records), err)
	}
	return nil
}

// ExportStream writes records from a channel as a JSON array, one record at
// a time, until the channel is closed. It returns the number of records
// written.
func (e *JSONExporter) ExportStream(ctx context.Context, recordsCh <-chan *events.Record, w io.Writer) (int, error) {
	if _, err := io.WriteString(w, "["); err != nil {
		return 0, events.NewExportError("json", 0, err)
	}

	count := 0
	for {
		select {
		case <-ctx.Done():
			return count, ctx.Err()

		case record, ok := <-recordsCh:
			if !ok {
				closing := "]"
				if e.Pretty && count > 0 {
					closing = "\n]"
				}
				if _, err := io.WriteString(w, closing); err != nil {
					return count, events.NewExportError("json", count, err)
				}
				return count, nil
			}

			sep := ","
			if count == 0 {
				sep = ""
			}
			if e.Pretty {
				sep += "\n  "
			}
			if _, err := io.WriteString(w, sep); err != nil {
				return count, events.NewExportError("json", count, err)
			}

			data, err := e.serializeRecord(record)
			if err != nil {
				return count, events.NewExportError("json", count, err)
			}
			if _, err := w.Write(data); err != nil {
				return count, events.NewExportError("json", count, err)
			}
			count++
		}
	}
}

func (e *JSONExporter) serializeRecord(record *events.Record) ([]byte, error) {
	if e.Pretty {
		return json.MarshalIndent(record, "  ", "  ")
	}
	return json.Marshal(record)
}
