// Package config provides configuration management for Cohort.
//
// This package handles loading, validating, and managing configuration from
// YAML files with environment variable overrides.
//
// # Configuration Loading
//
//  1. From a YAML file only:
//     cfg, err := config.LoadConfig("cohort.yaml")
//
//  2. From a YAML file with environment variable overrides:
//     cfg, err := config.LoadConfigWithEnvOverrides("cohort.yaml")
//
// # Environment Variable Overrides
//
// Environment variables follow the naming convention COHORT_SECTION_FIELD.
// For example:
//
//   - COHORT_SERVER_LISTEN_ADDRESS overrides server.listen_address
//   - COHORT_STORE_FEED_REDIS_URL overrides store.feed.redis.url
//   - COHORT_RECORDER_BATCH_SIZE overrides recorder.batch_size
//
// # Configuration Precedence
//
//  1. Default values (defined in defaults.go)
//  2. Values from YAML file
//  3. Environment variable overrides
//  4. Validation (fails fast if invalid)
//
// Configuration is passed explicitly to the components that need it; there
// is no process-wide instance.
//
// # Example Configuration
//
//	server:
//	  listen_address: "0.0.0.0:8080"
//	  auth:
//	    enabled: true
//	    keys:
//	      - name: web
//	        key: "..."
//	        role: client
//	  rate_limit:
//	    enabled: true
//	    requests_per_second: 50
//	    max_concurrent: 200
//
//	store:
//	  refresh_interval: 60s
//	  feed:
//	    type: redis
//	    redis:
//	      url: "redis://localhost:6379/0"
//
//	recorder:
//	  batch_size: 100
//	  flush_interval: 10s
//	  max_buffer: 10000
//
//	storage:
//	  backend: sqlite
//	  experiments:
//	    path: data/experiments.db
//	  events:
//	    path: data/events.db
//
//	telemetry:
//	  logging:
//	    level: info
//	    format: json
package config
