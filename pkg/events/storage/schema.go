package storage

// SchemaVersion is the current database schema version.
const SchemaVersion = 1

// Schema contains the SQL statements to create the events database schema.
// Timestamps are stored as Unix nanoseconds in UTC.
const Schema = `
CREATE TABLE IF NOT EXISTS exposures (
    id TEXT PRIMARY KEY,
    experiment_id TEXT NOT NULL,
    variant_id TEXT NOT NULL,
    user_id TEXT,
    session_id TEXT,
    context TEXT,
    timestamp INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS conversions (
    id TEXT PRIMARY KEY,
    experiment_id TEXT NOT NULL,
    variant_id TEXT NOT NULL,
    metric_id TEXT NOT NULL,
    user_id TEXT,
    session_id TEXT,
    value REAL,
    revenue REAL,
    context TEXT,
    timestamp INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_exposures_experiment ON exposures(experiment_id, variant_id);
CREATE INDEX IF NOT EXISTS idx_exposures_timestamp ON exposures(timestamp);
CREATE INDEX IF NOT EXISTS idx_exposures_user_id ON exposures(user_id);
CREATE INDEX IF NOT EXISTS idx_conversions_experiment ON conversions(experiment_id, variant_id, metric_id);
CREATE INDEX IF NOT EXISTS idx_conversions_timestamp ON conversions(timestamp);
CREATE INDEX IF NOT EXISTS idx_conversions_user_id ON conversions(user_id);
`

// InsertSchemaVersion inserts the schema version into the schema_version table.
const InsertSchemaVersion = `
INSERT INTO schema_version (version, applied_at)
VALUES (?, datetime('now'))
ON CONFLICT(version) DO NOTHING;
`

// GetSchemaVersion retrieves the current schema version from the database.
const GetSchemaVersion = `
SELECT version FROM schema_version ORDER BY version DESC LIMIT 1;
`

const insertExposure = `
INSERT OR IGNORE INTO exposures (
    id, experiment_id, variant_id, user_id, session_id, context, timestamp
) VALUES (?, ?, ?, ?, ?, ?, ?)
`

const insertConversion = `
INSERT OR IGNORE INTO conversions (
    id, experiment_id, variant_id, metric_id, user_id, session_id, value, revenue, context, timestamp
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

const (
	exposureColumns   = "id, experiment_id, variant_id, user_id, session_id, context, timestamp"
	conversionColumns = "id, experiment_id, variant_id, metric_id, user_id, session_id, value, revenue, context, timestamp"
)
