package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"mercator-hq/cohort/pkg/events"
	"mercator-hq/cohort/pkg/events/query"
)

const sqliteBackend = "sqlite"

// SQLiteConfig contains configuration for the SQLite storage backend.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string

	// MaxOpenConns is the maximum number of open connections to the database.
	// Default: 10
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections.
	// Default: 5
	MaxIdleConns int

	// WALMode enables Write-Ahead Logging mode for better concurrency.
	// Default: true
	WALMode bool

	// BusyTimeout is the duration to wait when the database is locked.
	// Default: 5 seconds
	BusyTimeout time.Duration

	// Logger receives storage logs. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultSQLiteConfig returns the default SQLite configuration.
func DefaultSQLiteConfig() *SQLiteConfig {
	return &SQLiteConfig{
		Path:         "data/events.db",
		MaxOpenConns: 10,
		MaxIdleConns: 5,
		WALMode:      true,
		BusyTimeout:  5 * time.Second,
	}
}

// SQLiteStorage implements events.Storage using SQLite. Exposures and
// conversions live in separate tables; each batch is written in one
// transaction.
type SQLiteStorage struct {
	db        *sql.DB
	config    *SQLiteConfig
	logger    *slog.Logger
	closeOnce sync.Once
}

// NewSQLiteStorage creates a new SQLite storage backend.
// It creates the parent directory, initializes the schema and enables WAL
// mode if configured.
func NewSQLiteStorage(config *SQLiteConfig) (*SQLiteStorage, error) {
	if config == nil {
		config = DefaultSQLiteConfig()
	}
	if config.Path == "" {
		return nil, events.NewStorageError(sqliteBackend, "open", errors.New("path cannot be empty"))
	}
	if config.MaxOpenConns <= 0 {
		config.MaxOpenConns = 10
	}
	if config.MaxIdleConns <= 0 {
		config.MaxIdleConns = 5
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5 * time.Second
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "events.storage.sqlite")

	if dir := filepath.Dir(config.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, events.NewStorageError(sqliteBackend, "mkdir", err)
		}
	}

	// Connection parameters are applied by the driver to every pooled
	// connection, so they go in the DSN rather than a one-off PRAGMA.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_txlock=immediate",
		config.Path, config.BusyTimeout.Milliseconds())
	if config.WALMode {
		dsn += "&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, events.NewStorageError(sqliteBackend, "open", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)

	s := &SQLiteStorage{
		db:     db,
		config: config,
		logger: logger,
	}

	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("SQLite event storage initialized",
		"path", config.Path,
		"wal_mode", config.WALMode,
		"max_open_conns", config.MaxOpenConns,
	)

	return s, nil
}

// initialize creates the schema and verifies its version.
func (s *SQLiteStorage) initialize() error {
	if _, err := s.db.Exec(Schema); err != nil {
		return events.NewStorageError(sqliteBackend, "create_schema", err)
	}

	if _, err := s.db.Exec(InsertSchemaVersion, SchemaVersion); err != nil {
		return events.NewStorageError(sqliteBackend, "insert_schema_version", err)
	}

	var version int
	err := s.db.QueryRow(GetSchemaVersion).Scan(&version)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return events.NewStorageError(sqliteBackend, "get_schema_version", err)
	}
	if version != SchemaVersion {
		return events.NewStorageError(sqliteBackend, "schema_version_mismatch",
			fmt.Errorf("expected schema version %d, got %d", SchemaVersion, version))
	}

	s.logger.Debug("schema version verified", "version", version)
	return nil
}

// WriteExposures inserts the batch in one transaction. Events whose id is
// already stored are skipped, which makes retried batches idempotent.
func (s *SQLiteStorage) WriteExposures(ctx context.Context, batch []events.ExposureEvent) error {
	if len(batch) == 0 {
		return nil
	}
	return s.inTx(ctx, "write_exposures", insertExposure, func(stmt *sql.Stmt) error {
		for _, e := range batch {
			contextJSON, err := encodeContext(e.Context)
			if err != nil {
				return fmt.Errorf("event %s: %w", e.ID, err)
			}
			if _, err := stmt.ExecContext(ctx,
				e.ID, e.ExperimentID, e.VariantID,
				nullString(e.UserID), nullString(e.SessionID),
				contextJSON, e.Timestamp.UTC().UnixNano(),
			); err != nil {
				return err
			}
		}
		return nil
	})
}

// WriteConversions inserts the batch in one transaction.
func (s *SQLiteStorage) WriteConversions(ctx context.Context, batch []events.ConversionEvent) error {
	if len(batch) == 0 {
		return nil
	}
	return s.inTx(ctx, "write_conversions", insertConversion, func(stmt *sql.Stmt) error {
		for _, e := range batch {
			contextJSON, err := encodeContext(e.Context)
			if err != nil {
				return fmt.Errorf("event %s: %w", e.ID, err)
			}
			if _, err := stmt.ExecContext(ctx,
				e.ID, e.ExperimentID, e.VariantID, e.MetricID,
				nullString(e.UserID), nullString(e.SessionID),
				nullFloat(e.Value), nullFloat(e.Revenue),
				contextJSON, e.Timestamp.UTC().UnixNano(),
			); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLiteStorage) inTx(ctx context.Context, operation, statement string, fn func(*sql.Stmt) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return events.NewStorageError(sqliteBackend, operation, err)
	}

	stmt, err := tx.PrepareContext(ctx, statement)
	if err != nil {
		tx.Rollback()
		return events.NewStorageError(sqliteBackend, operation, err)
	}
	defer stmt.Close()

	if err := fn(stmt); err != nil {
		tx.Rollback()
		return events.NewStorageError(sqliteBackend, operation, err)
	}

	if err := tx.Commit(); err != nil {
		return events.NewStorageError(sqliteBackend, operation, err)
	}
	return nil
}

// Query retrieves events matching the query filters.
func (s *SQLiteStorage) Query(ctx context.Context, q *events.Query) ([]*events.Record, error) {
	sqlQuery, args, err := s.selectQuery(q)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, events.NewStorageError(sqliteBackend, "query", err)
	}
	defer rows.Close()

	records := []*events.Record{}
	for rows.Next() {
		record, err := scanRow(q.Kind, rows)
		if err != nil {
			return nil, events.NewStorageError(sqliteBackend, "scan", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, events.NewStorageError(sqliteBackend, "query", err)
	}

	return records, nil
}

// QueryStream returns a channel of records for memory-efficient streaming.
// The channels will be closed when the query completes or errors.
func (s *SQLiteStorage) QueryStream(ctx context.Context, q *events.Query) (<-chan *events.Record, <-chan error, error) {
	sqlQuery, args, err := s.selectQuery(q)
	if err != nil {
		return nil, nil, err
	}

	recordsCh := make(chan *events.Record, 100)
	errCh := make(chan error, 1)

	go func() {
		defer close(recordsCh)
		defer close(errCh)

		rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
		if err != nil {
			errCh <- events.NewStorageError(sqliteBackend, "query_stream", err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			record, err := scanRow(q.Kind, rows)
			if err != nil {
				errCh <- events.NewStorageError(sqliteBackend, "scan", err)
				return
			}

			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case recordsCh <- record:
			}
		}

		if err := rows.Err(); err != nil {
			errCh <- events.NewStorageError(sqliteBackend, "query_stream", err)
		}
	}()

	return recordsCh, errCh, nil
}

// Count returns the number of events matching the query filters. Limit and
// offset are ignored.
func (s *SQLiteStorage) Count(ctx context.Context, q *events.Query) (int64, error) {
	if err := query.Validate(q); err != nil {
		return 0, err
	}

	sqlQuery := "SELECT COUNT(*) FROM " + tableFor(q.Kind)
	where, args := buildWhereClause(q)
	if where != "" {
		sqlQuery += " WHERE " + where
	}

	var count int64
	if err := s.db.QueryRowContext(ctx, sqlQuery, args...).Scan(&count); err != nil {
		return 0, events.NewStorageError(sqliteBackend, "count", err)
	}
	return count, nil
}

// Delete removes events matching the query filters and returns the number
// of events deleted. Limit and offset are ignored.
func (s *SQLiteStorage) Delete(ctx context.Context, q *events.Query) (int64, error) {
	if err := query.Validate(q); err != nil {
		return 0, err
	}

	sqlQuery := "DELETE FROM " + tableFor(q.Kind)
	where, args := buildWhereClause(q)
	if where != "" {
		sqlQuery += " WHERE " + where
	}

	result, err := s.db.ExecContext(ctx, sqlQuery, args...)
	if err != nil {
		return 0, events.NewStorageError(sqliteBackend, "delete", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, events.NewStorageError(sqliteBackend, "delete", err)
	}
	return count, nil
}

// Ping verifies the database connection.
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return events.NewStorageError(sqliteBackend, "ping", err)
	}
	return nil
}

// Close releases resources held by the storage backend.
func (s *SQLiteStorage) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if cerr := s.db.Close(); cerr != nil {
			err = events.NewStorageError(sqliteBackend, "close", cerr)
			return
		}
		s.logger.Info("SQLite event storage closed")
	})
	return err
}

// selectQuery validates q and builds the SELECT statement for it. The sort
// field has been checked against the allowlist so it is safe to interpolate.
func (s *SQLiteStorage) selectQuery(q *events.Query) (string, []any, error) {
	if err := query.Validate(q); err != nil {
		return "", nil, err
	}
	normalized := *q
	query.ApplyDefaults(&normalized)

	columns := exposureColumns
	if q.Kind == events.KindConversion {
		columns = conversionColumns
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", columns, tableFor(q.Kind))

	where, args := buildWhereClause(&normalized)
	if where != "" {
		b.WriteString(" WHERE " + where)
	}

	fmt.Fprintf(&b, " ORDER BY %s %s, id %s LIMIT %d",
		normalized.SortBy, strings.ToUpper(normalized.SortOrder), strings.ToUpper(normalized.SortOrder), normalized.Limit)
	if normalized.Offset > 0 {
		fmt.Fprintf(&b, " OFFSET %d", normalized.Offset)
	}

	return b.String(), args, nil
}

func tableFor(kind events.Kind) string {
	if kind == events.KindConversion {
		return "conversions"
	}
	return "exposures"
}

// buildWhereClause builds a SQL WHERE clause from query filters.
// Returns the WHERE clause (without "WHERE" keyword) and the query arguments.
func buildWhereClause(q *events.Query) (string, []any) {
	var conditions []string
	var args []any

	if q.StartTime != nil {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, q.StartTime.UTC().UnixNano())
	}
	if q.EndTime != nil {
		conditions = append(conditions, "timestamp <= ?")
		args = append(args, q.EndTime.UTC().UnixNano())
	}

	if q.ExperimentID != "" {
		conditions = append(conditions, "experiment_id = ?")
		args = append(args, q.ExperimentID)
	}
	if q.VariantID != "" {
		conditions = append(conditions, "variant_id = ?")
		args = append(args, q.VariantID)
	}
	if q.MetricID != "" && q.Kind == events.KindConversion {
		conditions = append(conditions, "metric_id = ?")
		args = append(args, q.MetricID)
	}
	if q.UserID != "" {
		conditions = append(conditions, "user_id = ?")
		args = append(args, q.UserID)
	}
	if q.SessionID != "" {
		conditions = append(conditions, "session_id = ?")
		args = append(args, q.SessionID)
	}

	return strings.Join(conditions, " AND "), args
}

// scanRow scans a database row into a Record of the given kind.
func scanRow(kind events.Kind, rows *sql.Rows) (*events.Record, error) {
	record := &events.Record{Kind: kind}
	var userID, sessionID, contextJSON sql.NullString
	var value, revenue sql.NullFloat64
	var ts int64

	var err error
	if kind == events.KindConversion {
		err = rows.Scan(&record.ID, &record.ExperimentID, &record.VariantID, &record.MetricID,
			&userID, &sessionID, &value, &revenue, &contextJSON, &ts)
	} else {
		err = rows.Scan(&record.ID, &record.ExperimentID, &record.VariantID,
			&userID, &sessionID, &contextJSON, &ts)
	}
	if err != nil {
		return nil, err
	}

	record.UserID = userID.String
	record.SessionID = sessionID.String
	if value.Valid {
		v := value.Float64
		record.Value = &v
	}
	if revenue.Valid {
		r := revenue.Float64
		record.Revenue = &r
	}
	if contextJSON.Valid && contextJSON.String != "" {
		if err := json.Unmarshal([]byte(contextJSON.String), &record.Context); err != nil {
			return nil, fmt.Errorf("decode context of %s: %w", record.ID, err)
		}
	}
	record.Timestamp = time.Unix(0, ts).UTC()

	return record, nil
}

func encodeContext(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode context: %w", err)
	}
	return string(data), nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
