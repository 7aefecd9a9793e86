package config

import (
	"math"
	"time"
)

// Default values for configuration fields.
const (
	// Server defaults
	DefaultListenAddress   = "127.0.0.1:8080"
	DefaultReadTimeout     = 10 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
	DefaultIdleTimeout     = 120 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
	DefaultMaxHeaderBytes  = 1048576 // 1MB
	DefaultMaxBodyBytes    = int64(1048576)
	DefaultAPIKeyRole      = RoleClient
	DefaultRateLimitIdle   = 10 * time.Minute

	// Store defaults
	DefaultStoreRefreshInterval = 60 * time.Second
	DefaultFeedType             = FeedNone
	DefaultRedisChannel         = "cohort:experiments"
	DefaultRedisPublish         = true
	DefaultFileDebounce         = 500 * time.Millisecond

	// Assignment defaults
	DefaultAssignmentTTL             = time.Duration(0)
	DefaultAssignmentCleanupInterval = 10 * time.Minute

	// Recorder defaults
	DefaultRecorderBatchSize       = 100
	DefaultRecorderFlushInterval   = 10 * time.Second
	DefaultRecorderMaxBuffer       = 10000
	DefaultRecorderWriteTimeout    = 5 * time.Second
	DefaultRecorderShutdownTimeout = 5 * time.Second

	// Storage defaults
	DefaultStorageBackend          = BackendSQLite
	DefaultExperimentsPath         = "data/experiments.db"
	DefaultEventsPath              = "data/events.db"
	DefaultEventsSQLiteMaxOpen     = 10
	DefaultEventsSQLiteMaxIdle     = 5
	DefaultSQLiteWALMode           = true
	DefaultSQLiteBusyTimeout       = 5 * time.Second
	DefaultRetentionEnabled        = true
	DefaultRetentionDays           = 90
	DefaultRetentionSchedule       = "0 3 * * *"
	DefaultRetentionMaxRecords     = int64(0)
	DefaultExperimentsBusyTimeout  = 5 * time.Second
	DefaultEventsSQLiteBusyTimeout = 5 * time.Second

	// Telemetry defaults
	DefaultLoggingLevel        = "info"
	DefaultLoggingFormat       = "json"
	DefaultLoggingRedactPII    = true
	DefaultMetricsEnabled      = true
	DefaultPrometheusPath      = "/metrics"
	DefaultMetricsNamespace    = "cohort"
	DefaultMetricsSubsystem    = "engine"
	DefaultTracingEnabled      = false
	DefaultTracingSampler      = "ratio"
	DefaultTracingSamplingRate = 1.0
	DefaultTracingServiceName  = "cohort"
	DefaultOTLPInsecure        = true
	DefaultOTLPTimeout         = 10 * time.Second
	DefaultHealthEnabled       = true
	DefaultLivenessPath        = "/health"
	DefaultReadinessPath       = "/ready"
	DefaultHealthCheckTimeout  = 5 * time.Second
)

// Feed types.
const (
	FeedNone  = "none"
	FeedRedis = "redis"
	FeedFile  = "file"
)

// Storage backends.
const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// API key roles.
const (
	RoleClient = "client"
	RoleAdmin  = "admin"
)

// DefaultFlushDurationBuckets are the histogram buckets for batch writes.
var DefaultFlushDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}

// Default returns a configuration with every field set to its default,
// including the boolean fields whose default is true. Files are decoded on
// top of it so that an omitted boolean keeps its default.
func Default() *Config {
	cfg := &Config{}
	cfg.Store.Feed.Redis.Publish = DefaultRedisPublish
	cfg.Storage.Events.WALMode = DefaultSQLiteWALMode
	cfg.Retention.Enabled = DefaultRetentionEnabled
	cfg.Telemetry.Logging.RedactPII = DefaultLoggingRedactPII
	cfg.Telemetry.Metrics.Enabled = DefaultMetricsEnabled
	cfg.Telemetry.Tracing.OTLP.Insecure = DefaultOTLPInsecure
	cfg.Telemetry.Health.Enabled = DefaultHealthEnabled
	cfg.Retention.Days = DefaultRetentionDays
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults applies default values to a Config struct.
// It sets defaults for any non-boolean fields that have zero values.
// This function is idempotent and safe to call multiple times.
func ApplyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.ListenAddress == "" {
		cfg.Server.ListenAddress = DefaultListenAddress
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = DefaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Server.MaxHeaderBytes == 0 {
		cfg.Server.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if rl := &cfg.Server.RateLimit; rl.Burst == 0 && rl.RequestsPerSecond > 0 {
		rl.Burst = int(math.Ceil(rl.RequestsPerSecond * 2))
	}
	if cfg.Server.RateLimit.IdleTimeout == 0 {
		cfg.Server.RateLimit.IdleTimeout = DefaultRateLimitIdle
	}
	for i := range cfg.Server.Auth.Keys {
		if cfg.Server.Auth.Keys[i].Role == "" {
			cfg.Server.Auth.Keys[i].Role = DefaultAPIKeyRole
		}
	}

	// Store defaults
	if cfg.Store.RefreshInterval == 0 {
		cfg.Store.RefreshInterval = DefaultStoreRefreshInterval
	}
	if cfg.Store.Feed.Type == "" {
		cfg.Store.Feed.Type = DefaultFeedType
	}
	if cfg.Store.Feed.Redis.Channel == "" {
		cfg.Store.Feed.Redis.Channel = DefaultRedisChannel
	}
	if cfg.Store.Feed.File.Debounce == 0 {
		cfg.Store.Feed.File.Debounce = DefaultFileDebounce
	}

	// Assignment defaults (TTL zero means no expiration)
	if cfg.Assignment.CleanupInterval == 0 {
		cfg.Assignment.CleanupInterval = DefaultAssignmentCleanupInterval
	}

	// Recorder defaults
	if cfg.Recorder.BatchSize == 0 {
		cfg.Recorder.BatchSize = DefaultRecorderBatchSize
	}
	if cfg.Recorder.FlushInterval == 0 {
		cfg.Recorder.FlushInterval = DefaultRecorderFlushInterval
	}
	if cfg.Recorder.MaxBuffer == 0 {
		cfg.Recorder.MaxBuffer = DefaultRecorderMaxBuffer
	}
	if cfg.Recorder.WriteTimeout == 0 {
		cfg.Recorder.WriteTimeout = DefaultRecorderWriteTimeout
	}
	if cfg.Recorder.ShutdownTimeout == 0 {
		cfg.Recorder.ShutdownTimeout = DefaultRecorderShutdownTimeout
	}

	// Storage defaults
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = DefaultStorageBackend
	}
	if cfg.Storage.Experiments.Path == "" {
		cfg.Storage.Experiments.Path = DefaultExperimentsPath
	}
	if cfg.Storage.Experiments.BusyTimeout == 0 {
		cfg.Storage.Experiments.BusyTimeout = DefaultExperimentsBusyTimeout
	}
	if cfg.Storage.Events.Path == "" {
		cfg.Storage.Events.Path = DefaultEventsPath
	}
	if cfg.Storage.Events.MaxOpenConns == 0 {
		cfg.Storage.Events.MaxOpenConns = DefaultEventsSQLiteMaxOpen
	}
	if cfg.Storage.Events.MaxIdleConns == 0 {
		cfg.Storage.Events.MaxIdleConns = DefaultEventsSQLiteMaxIdle
	}
	if cfg.Storage.Events.BusyTimeout == 0 {
		cfg.Storage.Events.BusyTimeout = DefaultEventsSQLiteBusyTimeout
	}

	// Retention defaults (days zero keeps events forever)
	if cfg.Retention.Schedule == "" {
		cfg.Retention.Schedule = DefaultRetentionSchedule
	}

	// Telemetry defaults
	if cfg.Telemetry.Logging.Level == "" {
		cfg.Telemetry.Logging.Level = DefaultLoggingLevel
	}
	if cfg.Telemetry.Logging.Format == "" {
		cfg.Telemetry.Logging.Format = DefaultLoggingFormat
	}
	if cfg.Telemetry.Metrics.Path == "" {
		cfg.Telemetry.Metrics.Path = DefaultPrometheusPath
	}
	if cfg.Telemetry.Metrics.Namespace == "" {
		cfg.Telemetry.Metrics.Namespace = DefaultMetricsNamespace
	}
	if cfg.Telemetry.Metrics.Subsystem == "" {
		cfg.Telemetry.Metrics.Subsystem = DefaultMetricsSubsystem
	}
	if len(cfg.Telemetry.Metrics.FlushDurationBuckets) == 0 {
		cfg.Telemetry.Metrics.FlushDurationBuckets = append([]float64(nil), DefaultFlushDurationBuckets...)
	}
	if cfg.Telemetry.Tracing.Sampler == "" {
		cfg.Telemetry.Tracing.Sampler = DefaultTracingSampler
	}
	if cfg.Telemetry.Tracing.SampleRatio == 0 {
		cfg.Telemetry.Tracing.SampleRatio = DefaultTracingSamplingRate
	}
	if cfg.Telemetry.Tracing.ServiceName == "" {
		cfg.Telemetry.Tracing.ServiceName = DefaultTracingServiceName
	}
	if cfg.Telemetry.Tracing.OTLP.Timeout == 0 {
		cfg.Telemetry.Tracing.OTLP.Timeout = DefaultOTLPTimeout
	}
	if cfg.Telemetry.Health.LivenessPath == "" {
		cfg.Telemetry.Health.LivenessPath = DefaultLivenessPath
	}
	if cfg.Telemetry.Health.ReadinessPath == "" {
		cfg.Telemetry.Health.ReadinessPath = DefaultReadinessPath
	}
	if cfg.Telemetry.Health.CheckTimeout == 0 {
		cfg.Telemetry.Health.CheckTimeout = DefaultHealthCheckTimeout
	}
}
