package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment variable override.
const EnvPrefix = "COHORT_"

// LoadConfig loads configuration from a YAML file at the specified path.
// It applies default values, validates the configuration, and returns any errors.
// The configuration is not modified by environment variables; use LoadConfigWithEnvOverrides
// for that functionality.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Parse decodes YAML on top of the defaults without validating.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	return cfg, nil
}

// LoadConfigWithEnvOverrides loads configuration from a YAML file and applies
// environment variable overrides. Environment variables follow the naming
// convention COHORT_SECTION_FIELD (e.g., COHORT_SERVER_LISTEN_ADDRESS).
// Environment variables always take precedence over file-based configuration.
//
// An empty path skips the file and starts from defaults.
//
// The loading sequence is:
// 1. Load YAML from file
// 2. Apply default values
// 3. Apply environment variable overrides
// 4. Validate final configuration
func LoadConfigWithEnvOverrides(path string) (*Config, error) {
	var cfg *Config
	if path == "" {
		cfg = Default()
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
		}
		cfg, err = Parse(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables use the format COHORT_SECTION_FIELD.
func applyEnvOverrides(cfg *Config) {
	// Server overrides
	envString("SERVER_LISTEN_ADDRESS", &cfg.Server.ListenAddress)
	envDuration("SERVER_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("SERVER_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("SERVER_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)
	envBool("SERVER_AUTH_ENABLED", &cfg.Server.Auth.Enabled)
	envBool("SERVER_RATE_LIMIT_ENABLED", &cfg.Server.RateLimit.Enabled)
	envInt("SERVER_RATE_LIMIT_MAX_CONCURRENT", &cfg.Server.RateLimit.MaxConcurrent)

	// Store overrides
	envDuration("STORE_REFRESH_INTERVAL", &cfg.Store.RefreshInterval)
	envString("STORE_FEED_TYPE", &cfg.Store.Feed.Type)
	envString("STORE_FEED_REDIS_URL", &cfg.Store.Feed.Redis.URL)
	envString("STORE_FEED_REDIS_CHANNEL", &cfg.Store.Feed.Redis.Channel)
	envBool("STORE_FEED_REDIS_PUBLISH", &cfg.Store.Feed.Redis.Publish)
	envString("STORE_FEED_FILE_DIR", &cfg.Store.Feed.File.Dir)
	envDuration("STORE_FEED_FILE_DEBOUNCE", &cfg.Store.Feed.File.Debounce)

	// Assignment overrides
	envDuration("ASSIGNMENT_TTL", &cfg.Assignment.TTL)
	envDuration("ASSIGNMENT_CLEANUP_INTERVAL", &cfg.Assignment.CleanupInterval)

	// Recorder overrides
	envInt("RECORDER_BATCH_SIZE", &cfg.Recorder.BatchSize)
	envDuration("RECORDER_FLUSH_INTERVAL", &cfg.Recorder.FlushInterval)
	envInt("RECORDER_MAX_BUFFER", &cfg.Recorder.MaxBuffer)
	envDuration("RECORDER_WRITE_TIMEOUT", &cfg.Recorder.WriteTimeout)
	envDuration("RECORDER_SHUTDOWN_TIMEOUT", &cfg.Recorder.ShutdownTimeout)
	if val := os.Getenv(EnvPrefix + "RECORDER_REDACT_KEYS"); val != "" {
		cfg.Recorder.RedactKeys = splitList(val)
	}

	// Storage overrides
	envString("STORAGE_BACKEND", &cfg.Storage.Backend)
	envString("STORAGE_EXPERIMENTS_PATH", &cfg.Storage.Experiments.Path)
	envString("STORAGE_EVENTS_PATH", &cfg.Storage.Events.Path)

	// Retention overrides
	envBool("RETENTION_ENABLED", &cfg.Retention.Enabled)
	envInt("RETENTION_DAYS", &cfg.Retention.Days)
	envString("RETENTION_SCHEDULE", &cfg.Retention.Schedule)
	if val := os.Getenv(EnvPrefix + "RETENTION_MAX_RECORDS"); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			cfg.Retention.MaxRecords = i
		}
	}

	// Telemetry overrides
	envString("TELEMETRY_LOGGING_LEVEL", &cfg.Telemetry.Logging.Level)
	envString("TELEMETRY_LOGGING_FORMAT", &cfg.Telemetry.Logging.Format)
	envBool("TELEMETRY_METRICS_ENABLED", &cfg.Telemetry.Metrics.Enabled)
	envString("TELEMETRY_METRICS_PATH", &cfg.Telemetry.Metrics.Path)
	envBool("TELEMETRY_TRACING_ENABLED", &cfg.Telemetry.Tracing.Enabled)
	envString("TELEMETRY_TRACING_ENDPOINT", &cfg.Telemetry.Tracing.Endpoint)
	if val := os.Getenv(EnvPrefix + "TELEMETRY_TRACING_SAMPLE_RATIO"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			cfg.Telemetry.Tracing.SampleRatio = f
		}
	}
}

func envString(name string, dst *string) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		*dst = val
	}
}

func envInt(name string, dst *int) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			*dst = i
		}
	}
}

func envBool(name string, dst *bool) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*dst = b
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			*dst = d
		}
	}
}

func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
