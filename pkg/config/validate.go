package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// FieldError represents a validation error for a specific configuration field.
type FieldError struct {
	// Field is the dotted path to the configuration field (e.g., "server.listen_address").
	Field string

	// Message is a human-readable error message.
	Message string
}

// Error returns the error message for this field error.
func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError represents one or more validation errors in a configuration.
// It implements the error interface and provides access to all field errors.
type ValidationError struct {
	// Errors contains all validation errors found in the configuration.
	Errors []FieldError
}

// Error returns a formatted string containing all validation errors.
func (e ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "configuration validation failed"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0].Error())
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("configuration validation failed with %d errors:\n", len(e.Errors)))
	for _, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// Validate validates the entire configuration and returns a ValidationError
// if any validation rules fail. It returns nil if the configuration is valid.
// All validation errors are collected and returned together.
func Validate(cfg *Config) error {
	var errs []FieldError

	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateStore(&cfg.Store)...)
	errs = append(errs, validateAssignment(&cfg.Assignment)...)
	errs = append(errs, validateRecorder(&cfg.Recorder)...)
	errs = append(errs, validateStorage(&cfg.Storage)...)
	errs = append(errs, validateRetention(&cfg.Retention)...)
	errs = append(errs, validateTelemetry(&cfg.Telemetry)...)

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}

	return nil
}

func validateServer(cfg *ServerConfig) []FieldError {
	var errs []FieldError

	if cfg.ListenAddress == "" {
		errs = append(errs, FieldError{Field: "server.listen_address", Message: "listen address is required"})
	} else if _, _, err := net.SplitHostPort(cfg.ListenAddress); err != nil {
		errs = append(errs, FieldError{
			Field:   "server.listen_address",
			Message: fmt.Sprintf("invalid listen address %q: %v", cfg.ListenAddress, err),
		})
	}

	if cfg.ReadTimeout < 0 {
		errs = append(errs, FieldError{Field: "server.read_timeout", Message: "read timeout must be non-negative"})
	}
	if cfg.WriteTimeout < 0 {
		errs = append(errs, FieldError{Field: "server.write_timeout", Message: "write timeout must be non-negative"})
	}
	if cfg.ShutdownTimeout < 0 {
		errs = append(errs, FieldError{Field: "server.shutdown_timeout", Message: "shutdown timeout must be non-negative"})
	}
	if cfg.MaxBodyBytes < 0 {
		errs = append(errs, FieldError{Field: "server.max_body_bytes", Message: "max body bytes must be non-negative"})
	}

	errs = append(errs, validateAuth(&cfg.Auth)...)
	errs = append(errs, validateRateLimit(&cfg.RateLimit)...)

	return errs
}

func validateAuth(cfg *AuthConfig) []FieldError {
	var errs []FieldError

	if cfg.Enabled && len(cfg.Keys) == 0 {
		errs = append(errs, FieldError{Field: "server.auth.keys", Message: "at least one key is required when auth is enabled"})
	}

	seen := make(map[string]int, len(cfg.Keys))
	for i, k := range cfg.Keys {
		field := fmt.Sprintf("server.auth.keys[%d]", i)
		if k.Name == "" {
			errs = append(errs, FieldError{Field: field + ".name", Message: "name is required"})
		}
		if k.Key == "" {
			errs = append(errs, FieldError{Field: field + ".key", Message: "key is required"})
		} else if prev, dup := seen[k.Key]; dup {
			errs = append(errs, FieldError{Field: field + ".key", Message: fmt.Sprintf("duplicate key (also keys[%d])", prev)})
		} else {
			seen[k.Key] = i
		}
		if k.Role != RoleClient && k.Role != RoleAdmin {
			errs = append(errs, FieldError{
				Field:   field + ".role",
				Message: fmt.Sprintf("invalid role %q: must be 'client' or 'admin'", k.Role),
			})
		}
	}

	return errs
}

func validateRateLimit(cfg *RateLimitConfig) []FieldError {
	var errs []FieldError

	if cfg.RequestsPerSecond < 0 {
		errs = append(errs, FieldError{Field: "server.rate_limit.requests_per_second", Message: "requests per second must be non-negative"})
	}
	if cfg.Burst < 0 {
		errs = append(errs, FieldError{Field: "server.rate_limit.burst", Message: "burst must be non-negative"})
	} else if cfg.RequestsPerSecond > 0 && cfg.Burst < 1 {
		errs = append(errs, FieldError{Field: "server.rate_limit.burst", Message: "burst must be at least 1"})
	}
	if cfg.MaxConcurrent < 0 {
		errs = append(errs, FieldError{Field: "server.rate_limit.max_concurrent", Message: "max concurrent must be non-negative"})
	}
	if cfg.IdleTimeout < 0 {
		errs = append(errs, FieldError{Field: "server.rate_limit.idle_timeout", Message: "idle timeout must be non-negative"})
	}
	if cfg.Enabled && cfg.RequestsPerSecond == 0 && cfg.MaxConcurrent == 0 {
		errs = append(errs, FieldError{
			Field:   "server.rate_limit",
			Message: "requests_per_second or max_concurrent must be set when rate limiting is enabled",
		})
	}

	return errs
}

func validateStore(cfg *StoreConfig) []FieldError {
	var errs []FieldError

	if cfg.RefreshInterval < time.Second {
		errs = append(errs, FieldError{
			Field:   "store.refresh_interval",
			Message: fmt.Sprintf("refresh interval must be at least 1s, got %s", cfg.RefreshInterval),
		})
	}

	switch cfg.Feed.Type {
	case FeedNone:
	case FeedRedis:
		if cfg.Feed.Redis.URL == "" {
			errs = append(errs, FieldError{Field: "store.feed.redis.url", Message: "redis url is required when feed type is 'redis'"})
		} else if u, err := url.Parse(cfg.Feed.Redis.URL); err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
			errs = append(errs, FieldError{
				Field:   "store.feed.redis.url",
				Message: fmt.Sprintf("invalid redis url %q: scheme must be redis or rediss", cfg.Feed.Redis.URL),
			})
		}
		if cfg.Feed.Redis.Channel == "" {
			errs = append(errs, FieldError{Field: "store.feed.redis.channel", Message: "redis channel is required"})
		}
	case FeedFile:
		if cfg.Feed.File.Dir == "" {
			errs = append(errs, FieldError{Field: "store.feed.file.dir", Message: "directory is required when feed type is 'file'"})
		}
		if cfg.Feed.File.Debounce < 0 {
			errs = append(errs, FieldError{Field: "store.feed.file.debounce", Message: "debounce must be non-negative"})
		}
	default:
		errs = append(errs, FieldError{
			Field:   "store.feed.type",
			Message: fmt.Sprintf("invalid feed type %q: must be 'none', 'redis', or 'file'", cfg.Feed.Type),
		})
	}

	return errs
}

func validateAssignment(cfg *AssignmentConfig) []FieldError {
	var errs []FieldError

	if cfg.TTL < 0 {
		errs = append(errs, FieldError{Field: "assignment.ttl", Message: "ttl must be non-negative (0 disables expiration)"})
	}
	if cfg.CleanupInterval < 0 {
		errs = append(errs, FieldError{Field: "assignment.cleanup_interval", Message: "cleanup interval must be non-negative"})
	}

	return errs
}

func validateRecorder(cfg *RecorderConfig) []FieldError {
	var errs []FieldError

	if cfg.BatchSize < 1 {
		errs = append(errs, FieldError{Field: "recorder.batch_size", Message: "batch size must be at least 1"})
	}
	if cfg.FlushInterval < 10*time.Millisecond {
		errs = append(errs, FieldError{Field: "recorder.flush_interval", Message: "flush interval must be at least 10ms"})
	}
	if cfg.MaxBuffer < cfg.BatchSize {
		errs = append(errs, FieldError{
			Field:   "recorder.max_buffer",
			Message: fmt.Sprintf("max buffer (%d) must be at least the batch size (%d)", cfg.MaxBuffer, cfg.BatchSize),
		})
	}
	if cfg.WriteTimeout <= 0 {
		errs = append(errs, FieldError{Field: "recorder.write_timeout", Message: "write timeout must be positive"})
	}
	if cfg.ShutdownTimeout <= 0 {
		errs = append(errs, FieldError{Field: "recorder.shutdown_timeout", Message: "shutdown timeout must be positive"})
	}

	return errs
}

func validateStorage(cfg *StorageConfig) []FieldError {
	var errs []FieldError

	switch cfg.Backend {
	case BackendSQLite:
		if cfg.Experiments.Path == "" {
			errs = append(errs, FieldError{Field: "storage.experiments.path", Message: "path is required for the sqlite backend"})
		}
		if cfg.Events.Path == "" {
			errs = append(errs, FieldError{Field: "storage.events.path", Message: "path is required for the sqlite backend"})
		}
		if cfg.Experiments.Path != "" && cfg.Experiments.Path == cfg.Events.Path {
			errs = append(errs, FieldError{Field: "storage.events.path", Message: "events and experiments must use separate database files"})
		}
		if cfg.Events.MaxOpenConns < 1 {
			errs = append(errs, FieldError{Field: "storage.events.max_open_conns", Message: "max open connections must be at least 1"})
		}
		if cfg.Events.MaxIdleConns > cfg.Events.MaxOpenConns {
			errs = append(errs, FieldError{Field: "storage.events.max_idle_conns", Message: "max idle connections cannot exceed max open connections"})
		}
	case BackendMemory:
	default:
		errs = append(errs, FieldError{
			Field:   "storage.backend",
			Message: fmt.Sprintf("invalid storage backend %q: must be 'sqlite' or 'memory'", cfg.Backend),
		})
	}

	return errs
}

func validateRetention(cfg *RetentionConfig) []FieldError {
	var errs []FieldError

	if cfg.Days < 0 {
		errs = append(errs, FieldError{Field: "retention.days", Message: "retention days must be non-negative (0 keeps events forever)"})
	}
	if cfg.MaxRecords < 0 {
		errs = append(errs, FieldError{Field: "retention.max_records", Message: "max records must be non-negative"})
	}
	if cfg.Enabled {
		if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
			errs = append(errs, FieldError{
				Field:   "retention.schedule",
				Message: fmt.Sprintf("invalid cron expression %q: %v", cfg.Schedule, err),
			})
		}
	}

	return errs
}

func validateTelemetry(cfg *TelemetryConfig) []FieldError {
	var errs []FieldError

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Logging.Level] {
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.level",
			Message: fmt.Sprintf("invalid logging level %q: must be 'debug', 'info', 'warn', or 'error'", cfg.Logging.Level),
		})
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[cfg.Logging.Format] {
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.format",
			Message: fmt.Sprintf("invalid logging format %q: must be 'json' or 'text'", cfg.Logging.Format),
		})
	}

	for i, p := range cfg.Logging.RedactPatterns {
		if p.Name == "" || p.Pattern == "" {
			errs = append(errs, FieldError{
				Field:   fmt.Sprintf("telemetry.logging.redact_patterns[%d]", i),
				Message: "name and pattern are required",
			})
		}
	}

	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		errs = append(errs, FieldError{Field: "telemetry.metrics.path", Message: "metrics path must start with /"})
	}

	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		errs = append(errs, FieldError{Field: "telemetry.tracing.endpoint", Message: "tracing endpoint is required when tracing is enabled"})
	}
	validSamplers := map[string]bool{"always": true, "never": true, "ratio": true}
	if !validSamplers[cfg.Tracing.Sampler] {
		errs = append(errs, FieldError{
			Field:   "telemetry.tracing.sampler",
			Message: fmt.Sprintf("invalid sampler %q: must be 'always', 'never', or 'ratio'", cfg.Tracing.Sampler),
		})
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1.0 {
		errs = append(errs, FieldError{Field: "telemetry.tracing.sample_ratio", Message: "sample ratio must be between 0.0 and 1.0"})
	}

	if cfg.Health.Enabled {
		if !strings.HasPrefix(cfg.Health.LivenessPath, "/") {
			errs = append(errs, FieldError{Field: "telemetry.health.liveness_path", Message: "liveness path must start with /"})
		}
		if !strings.HasPrefix(cfg.Health.ReadinessPath, "/") {
			errs = append(errs, FieldError{Field: "telemetry.health.readiness_path", Message: "readiness path must start with /"})
		}
		if cfg.Health.CheckTimeout < 0 || cfg.Health.CheckTimeout > 60*time.Second {
			errs = append(errs, FieldError{Field: "telemetry.health.check_timeout", Message: "check timeout must be between 0 and 60s"})
		}
	}

	return errs
}
