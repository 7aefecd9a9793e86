package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"mercator-hq/cohort/pkg/experiment"
)

const sqliteBackend = "sqlite"

// SQLiteRepository persists experiments in the experiments table. The full
// definition is stored as JSON next to the indexed status and version
// columns.
type SQLiteRepository struct {
	db        *sql.DB
	dbPath    string
	closeOnce sync.Once

	insertStmt *sql.Stmt
	updateStmt *sql.Stmt
	getStmt    *sql.Stmt
	deleteStmt *sql.Stmt
}

// SQLiteConfig configures the SQLite repository.
type SQLiteConfig struct {
	// DBPath is the path to the SQLite database file.
	DBPath string

	// BusyTimeout is how long to wait for locks before failing.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// NewSQLiteRepository opens (and creates if needed) the experiments database.
func NewSQLiteRepository(cfg SQLiteConfig) (*SQLiteRepository, error) {
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
		cfg.DBPath, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, experiment.NewStorageError(sqliteBackend, "open", err)
	}

	// SQLite only supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	repo := &SQLiteRepository{
		db:     db,
		dbPath: cfg.DBPath,
	}

	if err := repo.initSchema(); err != nil {
		db.Close()
		return nil, experiment.NewStorageError(sqliteBackend, "init_schema", err)
	}

	if err := repo.prepareStatements(); err != nil {
		db.Close()
		return nil, experiment.NewStorageError(sqliteBackend, "prepare", err)
	}

	return repo, nil
}

func (r *SQLiteRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS experiments (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		version INTEGER NOT NULL,
		definition TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_experiments_status ON experiments(status);
	CREATE INDEX IF NOT EXISTS idx_experiments_created_at ON experiments(created_at);
	`

	_, err := r.db.Exec(schema)
	return err
}

func (r *SQLiteRepository) prepareStatements() error {
	var err error

	r.insertStmt, err = r.db.Prepare(`
		INSERT INTO experiments (id, name, status, version, definition, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert statement: %w", err)
	}

	r.updateStmt, err = r.db.Prepare(`
		UPDATE experiments
		SET name = ?, status = ?, version = ?, definition = ?, updated_at = ?
		WHERE id = ? AND version = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare update statement: %w", err)
	}

	r.getStmt, err = r.db.Prepare(`SELECT definition FROM experiments WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare get statement: %w", err)
	}

	r.deleteStmt, err = r.db.Prepare(`DELETE FROM experiments WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete statement: %w", err)
	}

	return nil
}

// Create implements Repository.
func (r *SQLiteRepository) Create(ctx context.Context, exp *experiment.Experiment) error {
	if exp == nil || exp.ID == "" {
		return fmt.Errorf("experiment id cannot be empty")
	}

	definition, err := json.Marshal(exp)
	if err != nil {
		return fmt.Errorf("failed to marshal experiment: %w", err)
	}

	_, err = r.insertStmt.ExecContext(ctx,
		exp.ID,
		exp.Name,
		string(exp.Status),
		exp.Version,
		string(definition),
		exp.CreatedAt.UnixNano(),
		exp.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return experiment.NewStorageError(sqliteBackend, "create", err)
	}
	return nil
}

// Update implements Repository.
func (r *SQLiteRepository) Update(ctx context.Context, exp *experiment.Experiment, expectedVersion int) error {
	if exp == nil || exp.ID == "" {
		return fmt.Errorf("experiment id cannot be empty")
	}

	definition, err := json.Marshal(exp)
	if err != nil {
		return fmt.Errorf("failed to marshal experiment: %w", err)
	}

	result, err := r.updateStmt.ExecContext(ctx,
		exp.Name,
		string(exp.Status),
		exp.Version,
		string(definition),
		exp.UpdatedAt.UnixNano(),
		exp.ID,
		expectedVersion,
	)
	if err != nil {
		return experiment.NewStorageError(sqliteBackend, "update", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return experiment.NewStorageError(sqliteBackend, "update", err)
	}
	if affected == 1 {
		return nil
	}

	// Distinguish a missing row from a stale version.
	if _, err := r.Get(ctx, exp.ID); err != nil {
		return err
	}
	return fmt.Errorf("update %q at version %d: %w", exp.ID, expectedVersion, experiment.ErrVersionConflict)
}

// Get implements Repository.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (*experiment.Experiment, error) {
	var definition string
	err := r.getStmt.QueryRowContext(ctx, id).Scan(&definition)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get %q: %w", id, experiment.ErrNotFound)
	}
	if err != nil {
		return nil, experiment.NewStorageError(sqliteBackend, "get", err)
	}

	return decodeDefinition(definition)
}

// List implements Repository.
func (r *SQLiteRepository) List(ctx context.Context, filter ListFilter) ([]*experiment.Experiment, error) {
	query := "SELECT definition FROM experiments"
	var args []any

	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(s))
		}
		query += " WHERE status IN (" + strings.Join(placeholders, ", ") + ")"
	}

	query += " ORDER BY created_at ASC, id ASC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, experiment.NewStorageError(sqliteBackend, "list", err)
	}
	defer rows.Close()

	var out []*experiment.Experiment
	for rows.Next() {
		var definition string
		if err := rows.Scan(&definition); err != nil {
			return nil, experiment.NewStorageError(sqliteBackend, "list", err)
		}
		exp, err := decodeDefinition(definition)
		if err != nil {
			return nil, err
		}
		out = append(out, exp)
	}

	if err := rows.Err(); err != nil {
		return nil, experiment.NewStorageError(sqliteBackend, "list", err)
	}

	return out, nil
}

// Delete implements Repository.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	result, err := r.deleteStmt.ExecContext(ctx, id)
	if err != nil {
		return experiment.NewStorageError(sqliteBackend, "delete", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return experiment.NewStorageError(sqliteBackend, "delete", err)
	}
	if affected == 0 {
		return fmt.Errorf("delete %q: %w", id, experiment.ErrNotFound)
	}
	return nil
}

// Ping implements Repository.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return experiment.NewStorageError(sqliteBackend, "ping", err)
	}
	return nil
}

// Close implements Repository. Close is idempotent.
func (r *SQLiteRepository) Close() error {
	var closeErr error

	r.closeOnce.Do(func() {
		for _, stmt := range []*sql.Stmt{r.insertStmt, r.updateStmt, r.getStmt, r.deleteStmt} {
			if stmt != nil {
				stmt.Close()
			}
		}
		if r.db != nil {
			_, _ = r.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
			closeErr = r.db.Close()
		}
	})

	return closeErr
}

func decodeDefinition(definition string) (*experiment.Experiment, error) {
	var exp experiment.Experiment
	if err := json.Unmarshal([]byte(definition), &exp); err != nil {
		return nil, experiment.NewStorageError(sqliteBackend, "decode", err)
	}
	return &exp, nil
}
