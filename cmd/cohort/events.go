package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"mercator-hq/cohort/pkg/cli"
	"mercator-hq/cohort/pkg/config"
	"mercator-hq/cohort/pkg/events"
	"mercator-hq/cohort/pkg/events/export"
	"mercator-hq/cohort/pkg/events/query"
)

var eventsFlags struct {
	kind       string
	experiment string
	variant    string
	metric     string
	user       string
	session    string
	timeRange  string
	limit      int
	offset     int
	sortBy     string
	sortOrder  string
	format     string
	file       string
	pretty     bool
	days       int
	maxRecords int64
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Query, export and prune recorded events",
	Long: `Query, export and prune exposure and conversion events.

Time Range Format:
  RFC3339 interval format: "start/end"
  Example: "2026-02-01T00:00:00Z/2026-02-02T00:00:00Z"

Examples:
  # Latest exposures of an experiment
  cohort events query --kind exposure --experiment checkout-button

  # One user's purchases as JSON
  cohort events query --kind conversion --metric purchase --user user-42 -o json

  # Export every conversion to CSV
  cohort events export --kind conversion --format csv --file conversions.csv

  # Apply the retention policy now, keeping 30 days
  cohort events prune --days 30`,
}

var eventsQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query events",
	Args:  cobra.NoArgs,
	RunE:  queryEvents,
}

var eventsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export events as JSON or CSV",
	Long: `Export every event matching the filters. Limit and offset are ignored;
events are written oldest first.`,
	Args: cobra.NoArgs,
	RunE: exportEvents,
}

var eventsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Apply the retention policy once",
	Args:  cobra.NoArgs,
	RunE:  pruneEvents,
}

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.AddCommand(eventsQueryCmd, eventsExportCmd, eventsPruneCmd)

	for _, cmd := range []*cobra.Command{eventsQueryCmd, eventsExportCmd} {
		cmd.Flags().StringVar(&eventsFlags.kind, "kind", string(events.KindExposure), "event kind: exposure, conversion")
		cmd.Flags().StringVar(&eventsFlags.experiment, "experiment", "", "filter by experiment ID")
		cmd.Flags().StringVar(&eventsFlags.variant, "variant", "", "filter by variant ID")
		cmd.Flags().StringVar(&eventsFlags.metric, "metric", "", "filter by metric ID (conversions only)")
		cmd.Flags().StringVar(&eventsFlags.user, "user", "", "filter by user ID")
		cmd.Flags().StringVar(&eventsFlags.session, "session", "", "filter by session ID")
		cmd.Flags().StringVar(&eventsFlags.timeRange, "time-range", "", "time range (RFC3339 interval: start/end)")
	}

	eventsQueryCmd.Flags().IntVar(&eventsFlags.limit, "limit", query.DefaultLimit, "max results")
	eventsQueryCmd.Flags().IntVar(&eventsFlags.offset, "offset", 0, "pagination offset")
	eventsQueryCmd.Flags().StringVar(&eventsFlags.sortBy, "sort-by", "timestamp", "sort field")
	eventsQueryCmd.Flags().StringVar(&eventsFlags.sortOrder, "sort-order", "desc", "sort order: asc, desc")

	eventsExportCmd.Flags().StringVar(&eventsFlags.format, "format", "json", "export format: json, csv")
	eventsExportCmd.Flags().StringVar(&eventsFlags.file, "file", "", "output file (default: stdout)")
	eventsExportCmd.Flags().BoolVar(&eventsFlags.pretty, "pretty", false, "indent JSON output")

	eventsPruneCmd.Flags().IntVar(&eventsFlags.days, "days", -1, "override retention days (0 keeps events forever)")
	eventsPruneCmd.Flags().Int64Var(&eventsFlags.maxRecords, "max-records", -1, "override max events kept per kind (0 for unlimited)")
}

// buildQuery turns the filter flags into a query.
func buildQuery() (*events.Query, error) {
	q := &events.Query{
		Kind:         events.Kind(eventsFlags.kind),
		ExperimentID: eventsFlags.experiment,
		VariantID:    eventsFlags.variant,
		MetricID:     eventsFlags.metric,
		UserID:       eventsFlags.user,
		SessionID:    eventsFlags.session,
	}

	if eventsFlags.timeRange != "" {
		start, end, err := parseTimeRange(eventsFlags.timeRange)
		if err != nil {
			return nil, err
		}
		q.StartTime = &start
		q.EndTime = &end
	}
	return q, nil
}

func parseTimeRange(s string) (time.Time, time.Time, error) {
	startRaw, endRaw, ok := strings.Cut(s, "/")
	if !ok {
		return time.Time{}, time.Time{}, cli.Usagef("invalid time range %q (expected: start/end)", s)
	}
	start, err := time.Parse(time.RFC3339, startRaw)
	if err != nil {
		return time.Time{}, time.Time{}, cli.Usagef("invalid start time: %v", err)
	}
	end, err := time.Parse(time.RFC3339, endRaw)
	if err != nil {
		return time.Time{}, time.Time{}, cli.Usagef("invalid end time: %v", err)
	}
	return start, end, nil
}

func queryEvents(cmd *cobra.Command, args []string) error {
	q, err := buildQuery()
	if err != nil {
		return err
	}
	q.Limit = eventsFlags.limit
	q.Offset = eventsFlags.offset
	q.SortBy = eventsFlags.sortBy
	q.SortOrder = eventsFlags.sortOrder
	if err := query.Validate(q); err != nil {
		return cli.Usagef("%v", err)
	}

	eng, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer closeEngine(cmd, eng)

	records, err := eng.QueryEvents(cmd.Context(), q)
	if err != nil {
		return cli.NewCommandError(cmd.CommandPath(), err)
	}
	if records == nil {
		records = []*events.Record{}
	}
	return printResult(cmd, records, recordTable(records))
}

func exportEvents(cmd *cobra.Command, args []string) error {
	q, err := buildQuery()
	if err != nil {
		return err
	}
	if err := query.Validate(q); err != nil {
		return cli.Usagef("%v", err)
	}

	var exporter interface {
		ExportStream(ctx context.Context, recordsCh <-chan *events.Record, w io.Writer) (int, error)
	}
	switch eventsFlags.format {
	case "json":
		exporter = export.NewJSONExporter(eventsFlags.pretty)
	case "csv":
		exporter = export.NewCSVExporter(true)
	default:
		return cli.Usagef("unknown export format %q (want json, csv)", eventsFlags.format)
	}

	eng, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer closeEngine(cmd, eng)

	ctx := cmd.Context()
	storage := eng.Events()

	w := cmd.OutOrStdout()
	var progress *cli.Progress
	if eventsFlags.file != "" {
		f, err := os.Create(eventsFlags.file)
		if err != nil {
			return cli.NewCommandError(cmd.CommandPath(), err)
		}
		defer f.Close()
		w = f

		total, err := storage.Count(ctx, q)
		if err != nil {
			return cli.NewCommandError(cmd.CommandPath(), err)
		}
		progress = cli.NewProgress(cmd.ErrOrStderr(), "events", nil)
		progress.Start(total)
	}

	recordsCh, errCh := pageEvents(ctx, storage, q, progress)
	n, exportErr := exporter.ExportStream(ctx, recordsCh, w)
	if exportErr != nil {
		// Unblock the pager before waiting on it.
		for range recordsCh {
		}
	}
	if err := errors.Join(exportErr, <-errCh); err != nil {
		return cli.NewCommandError(cmd.CommandPath(), err)
	}

	if progress != nil {
		progress.Finish()
		fmt.Fprintf(cmd.ErrOrStderr(), "✓ Exported %d %s events to %s\n", n, q.Kind, eventsFlags.file)
	}
	return nil
}

// pageEvents streams every event matching q, oldest first, one page of
// query.MaxLimit at a time.
func pageEvents(ctx context.Context, storage events.Storage, q *events.Query, progress *cli.Progress) (<-chan *events.Record, <-chan error) {
	recordsCh := make(chan *events.Record, 100)
	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		defer close(recordsCh)

		page := *q
		page.SortBy = "timestamp"
		page.SortOrder = "asc"
		page.Limit = query.MaxLimit
		page.Offset = 0
		for {
			records, err := storage.Query(ctx, &page)
			if err != nil {
				errCh <- err
				return
			}
			for _, r := range records {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case recordsCh <- r:
				}
			}
			if progress != nil {
				progress.Add(int64(len(records)))
			}
			if len(records) < page.Limit {
				return
			}
			page.Offset += len(records)
		}
	}()

	return recordsCh, errCh
}

func pruneEvents(cmd *cobra.Command, args []string) error {
	eng, err := openEngine(cmd, func(cfg *config.Config) {
		if eventsFlags.days >= 0 {
			cfg.Retention.Days = eventsFlags.days
		}
		if eventsFlags.maxRecords >= 0 {
			cfg.Retention.MaxRecords = eventsFlags.maxRecords
		}
	})
	if err != nil {
		return err
	}
	defer closeEngine(cmd, eng)

	result, err := eng.Prune(cmd.Context())
	if err != nil {
		return cli.NewCommandError(cmd.CommandPath(), err)
	}
	return printResult(cmd, result, fields{
		{"exposures_deleted", strconv.FormatInt(result.Exposures, 10)},
		{"conversions_deleted", strconv.FormatInt(result.Conversions, 10)},
		{"total_deleted", strconv.FormatInt(result.Total(), 10)},
	})
}

type recordTable []*events.Record

func (t recordTable) Header() []string {
	return []string{"TIMESTAMP", "KIND", "EXPERIMENT", "VARIANT", "SUBJECT", "METRIC", "VALUE", "REVENUE"}
}

func (t recordTable) Rows() [][]string {
	rows := make([][]string, 0, len(t))
	for _, r := range t {
		subject := r.UserID
		if subject == "" {
			subject = r.SessionID
		}
		rows = append(rows, []string{
			r.Timestamp.Format(time.RFC3339),
			string(r.Kind),
			r.ExperimentID,
			r.VariantID,
			subject,
			dash(r.MetricID),
			formatOptional(r.Value),
			formatOptional(r.Revenue),
		})
	}
	return rows
}

func formatOptional(f *float64) string {
	if f == nil {
		return "-"
	}
	return strconv.FormatFloat(*f, 'f', -1, 64)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
