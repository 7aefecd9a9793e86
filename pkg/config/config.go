package config

import "time"

// Config is the root configuration structure for Cohort.
// It contains all configuration sections for the HTTP server, the experiment
// store, assignment caching, event recording and storage, retention and
// telemetry.
type Config struct {
	// Server contains HTTP server configuration including listen address,
	// timeouts, and request limits.
	Server ServerConfig `yaml:"server"`

	// Store contains experiment store configuration: refresh cadence and the
	// optional push feed.
	Store StoreConfig `yaml:"store"`

	// Assignment contains assignment cache configuration.
	Assignment AssignmentConfig `yaml:"assignment"`

	// Recorder contains event recorder buffering and flush configuration.
	Recorder RecorderConfig `yaml:"recorder"`

	// Storage contains persistence configuration for experiments and events.
	Storage StorageConfig `yaml:"storage"`

	// Retention contains event retention policy configuration.
	Retention RetentionConfig `yaml:"retention"`

	// Telemetry contains configuration for observability including logging,
	// metrics, tracing and health checks.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig contains configuration for the HTTP API server.
type ServerConfig struct {
	// ListenAddress is the address and port for the server to listen on.
	// Format: "host:port" (e.g., "127.0.0.1:8080", "0.0.0.0:8080").
	// Default: "127.0.0.1:8080"
	ListenAddress string `yaml:"listen_address"`

	// ReadTimeout is the maximum duration for reading the entire request.
	// Default: 10s
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out writes of the
	// response.
	// Default: 10s
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// IdleTimeout is the maximum amount of time to wait for the next request
	// when keep-alives are enabled.
	// Default: 120s
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	// Default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// MaxHeaderBytes limits the size of request headers.
	// Default: 1048576 (1MB)
	MaxHeaderBytes int `yaml:"max_header_bytes"`

	// MaxBodyBytes limits the size of request bodies.
	// Default: 1048576 (1MB)
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// Auth protects the API with static API keys.
	Auth AuthConfig `yaml:"auth"`

	// RateLimit throttles the /v1 routes per caller.
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig configures request throttling. Callers are identified by
// API key name when auth is enabled and by remote IP otherwise.
type RateLimitConfig struct {
	// Enabled turns rate limiting on.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// RequestsPerSecond is the sustained request rate allowed per caller.
	// Zero disables the per-caller limit.
	RequestsPerSecond float64 `yaml:"requests_per_second"`

	// Burst is the number of requests a caller may make at once.
	// Default: twice RequestsPerSecond
	Burst int `yaml:"burst"`

	// MaxConcurrent caps in-flight requests across all callers. Zero
	// disables the cap.
	MaxConcurrent int `yaml:"max_concurrent"`

	// IdleTimeout is how long an unused caller's bucket is kept.
	// Default: 10m
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// AuthConfig configures API key authentication. Client keys may request
// assignments and record conversions; admin keys may also manage
// experiments. Health and metrics endpoints are never authenticated.
type AuthConfig struct {
	// Enabled turns authentication on.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// Keys lists the accepted API keys.
	Keys []APIKeyConfig `yaml:"keys"`
}

// APIKeyConfig is one accepted API key.
type APIKeyConfig struct {
	// Name identifies the key in logs. The key itself is never logged.
	Name string `yaml:"name"`

	// Key is the secret sent by clients, either as "Authorization: Bearer
	// <key>" or in the X-API-Key header.
	Key string `yaml:"key"`

	// Role is "client" or "admin".
	// Default: "client"
	Role string `yaml:"role"`

	// Disabled rejects the key without removing it.
	Disabled bool `yaml:"disabled"`
}

// StoreConfig contains experiment store configuration.
type StoreConfig struct {
	// RefreshInterval is how often the store reloads running and paused
	// experiments from the repository.
	// Default: 60s
	RefreshInterval time.Duration `yaml:"refresh_interval"`

	// Feed configures the push-update feed.
	Feed FeedConfig `yaml:"feed"`
}

// FeedConfig configures the source of push updates.
type FeedConfig struct {
	// Type selects the feed.
	// Options: "none", "redis", "file"
	// Default: "none"
	Type string `yaml:"type"`

	// Redis contains Redis pub/sub feed configuration.
	Redis RedisFeedConfig `yaml:"redis"`

	// File contains file-watch feed configuration.
	File FileFeedConfig `yaml:"file"`
}

// RedisFeedConfig configures the Redis pub/sub feed.
type RedisFeedConfig struct {
	// URL is the Redis connection URL (e.g., "redis://localhost:6379/0").
	URL string `yaml:"url"`

	// Channel is the pub/sub channel carrying experiment updates.
	// Default: "cohort:experiments"
	Channel string `yaml:"channel"`

	// Publish enables publishing local lifecycle changes to the channel.
	// Default: true
	Publish bool `yaml:"publish"`
}

// FileFeedConfig configures the file-watch feed.
type FileFeedConfig struct {
	// Dir is the directory of YAML experiment definitions to watch.
	Dir string `yaml:"dir"`

	// Debounce is the quiet period before a changed file is re-read.
	// Default: 500ms
	Debounce time.Duration `yaml:"debounce"`
}

// AssignmentConfig contains assignment cache configuration.
type AssignmentConfig struct {
	// TTL is how long a cached assignment lives. 0 keeps assignments for the
	// life of the process.
	// Default: 0
	TTL time.Duration `yaml:"ttl"`

	// CleanupInterval is how often expired assignments are purged.
	// Default: 10m
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// RecorderConfig contains event recorder configuration.
type RecorderConfig struct {
	// BatchSize is the per-buffer event count that triggers a flush.
	// Default: 100
	BatchSize int `yaml:"batch_size"`

	// FlushInterval is how often buffers are flushed regardless of size.
	// Default: 10s
	FlushInterval time.Duration `yaml:"flush_interval"`

	// MaxBuffer is the per-buffer capacity; the oldest events are dropped
	// beyond it.
	// Default: 10000
	MaxBuffer int `yaml:"max_buffer"`

	// WriteTimeout bounds a single batch write.
	// Default: 5s
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// ShutdownTimeout bounds the final flush on close.
	// Default: 5s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// RedactKeys lists context attribute keys whose values are masked before
	// events are persisted.
	RedactKeys []string `yaml:"redact_keys"`
}

// StorageConfig contains persistence configuration.
type StorageConfig struct {
	// Backend selects the storage backend for experiments and events.
	// Options: "sqlite", "memory"
	// Default: "sqlite"
	Backend string `yaml:"backend"`

	// Experiments contains the experiments database configuration.
	Experiments ExperimentsDBConfig `yaml:"experiments"`

	// Events contains the events database configuration.
	Events SQLiteConfig `yaml:"events"`
}

// ExperimentsDBConfig configures the experiments database.
type ExperimentsDBConfig struct {
	// Path is the file path for the SQLite database.
	// Default: "data/experiments.db"
	Path string `yaml:"path"`

	// BusyTimeout is the duration to wait when the database is locked.
	// Default: 5s
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// SQLiteConfig contains SQLite-specific configuration for the events
// database.
type SQLiteConfig struct {
	// Path is the file path for the SQLite database.
	// Default: "data/events.db"
	Path string `yaml:"path"`

	// MaxOpenConns is the maximum number of open database connections.
	// Default: 10
	MaxOpenConns int `yaml:"max_open_conns"`

	// MaxIdleConns is the maximum number of idle database connections.
	// Default: 5
	MaxIdleConns int `yaml:"max_idle_conns"`

	// WALMode enables Write-Ahead Logging mode for better concurrency.
	// Default: true
	WALMode bool `yaml:"wal_mode"`

	// BusyTimeout is the duration to wait when the database is locked.
	// Default: 5s
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// RetentionConfig contains retention policy configuration.
type RetentionConfig struct {
	// Enabled turns on scheduled pruning.
	// Default: true
	Enabled bool `yaml:"enabled"`

	// Days is the number of days to retain events. 0 keeps events forever.
	// Default: 90
	Days int `yaml:"days"`

	// Schedule is a cron expression for scheduling pruning.
	// Default: "0 3 * * *" (daily at 3 AM)
	Schedule string `yaml:"schedule"`

	// MaxRecords caps the number of rows kept per event table. 0 means
	// unlimited.
	// Default: 0
	MaxRecords int64 `yaml:"max_records"`
}

// TelemetryConfig contains configuration for observability.
type TelemetryConfig struct {
	// Logging contains logging configuration.
	Logging LoggingConfig `yaml:"logging"`

	// Metrics contains metrics collection configuration.
	Metrics MetricsConfig `yaml:"metrics"`

	// Tracing contains distributed tracing configuration.
	Tracing TracingConfig `yaml:"tracing"`

	// Health contains health check configuration.
	Health HealthConfig `yaml:"health"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level to emit.
	// Options: "debug", "info", "warn", "error"
	// Default: "info"
	Level string `yaml:"level"`

	// Format controls the log output format.
	// Options: "json", "text"
	// Default: "json"
	Format string `yaml:"format"`

	// AddSource includes file and line number in log entries.
	// Default: false
	AddSource bool `yaml:"add_source"`

	// RedactPII enables pattern-based redaction (emails, IPs, tokens) of
	// logged string values.
	// Default: true
	RedactPII bool `yaml:"redact_pii"`

	// RedactKeys lists additional attribute keys whose values are always
	// masked in logs.
	RedactKeys []string `yaml:"redact_keys"`

	// RedactPatterns contains custom redaction patterns.
	RedactPatterns []RedactPattern `yaml:"redact_patterns"`
}

// RedactPattern defines a custom redaction pattern.
type RedactPattern struct {
	// Name is a descriptive name for the pattern.
	Name string `yaml:"name"`

	// Pattern is the regular expression to match.
	Pattern string `yaml:"pattern"`

	// Replacement is the string to replace matches with.
	Replacement string `yaml:"replacement"`
}

// MetricsConfig contains metrics collection configuration.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active.
	// Default: true
	Enabled bool `yaml:"enabled"`

	// Path is the HTTP path for the Prometheus metrics endpoint.
	// Default: "/metrics"
	Path string `yaml:"path"`

	// Namespace is the metric name prefix.
	// Default: "cohort"
	Namespace string `yaml:"namespace"`

	// Subsystem is the metric subsystem name.
	// Default: "engine"
	Subsystem string `yaml:"subsystem"`

	// FlushDurationBuckets defines histogram buckets for batch write
	// duration (seconds).
	// Default: [0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5]
	FlushDurationBuckets []float64 `yaml:"flush_duration_buckets"`
}

// TracingConfig contains distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether distributed tracing is active.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// Sampler determines the sampling strategy.
	// Options: "always", "never", "ratio"
	// Default: "ratio"
	Sampler string `yaml:"sampler"`

	// SampleRatio is the fraction of traces to sample (0.0 to 1.0).
	// Default: 1.0
	SampleRatio float64 `yaml:"sample_ratio"`

	// Endpoint is the OTLP gRPC collector endpoint (e.g., "localhost:4317").
	Endpoint string `yaml:"endpoint"`

	// ServiceName is the service name in traces.
	// Default: "cohort"
	ServiceName string `yaml:"service_name"`

	// OTLP contains OTLP exporter specific configuration.
	OTLP OTLPConfig `yaml:"otlp"`
}

// OTLPConfig contains OTLP exporter configuration.
type OTLPConfig struct {
	// Insecure disables TLS for the OTLP connection.
	// Default: true
	Insecure bool `yaml:"insecure"`

	// Timeout is the timeout for OTLP exports.
	// Default: 10s
	Timeout time.Duration `yaml:"timeout"`
}

// HealthConfig contains health check endpoint configuration.
type HealthConfig struct {
	// Enabled controls whether health check endpoints are enabled.
	// Default: true
	Enabled bool `yaml:"enabled"`

	// LivenessPath is the path for the liveness probe endpoint.
	// Default: "/health"
	LivenessPath string `yaml:"liveness_path"`

	// ReadinessPath is the path for the readiness probe endpoint.
	// Default: "/ready"
	ReadinessPath string `yaml:"readiness_path"`

	// CheckTimeout is the timeout for individual component health checks.
	// Default: 5s
	CheckTimeout time.Duration `yaml:"check_timeout"`
}
