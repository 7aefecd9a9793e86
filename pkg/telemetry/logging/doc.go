// Package logging builds the process logger on top of log/slog.
//
// # Overview
//
// New returns a *slog.Logger whose handler:
//   - writes JSON or text at the configured level
//   - masks values under sensitive keys (password, token, configured keys)
//   - rewrites PII in string values (emails, IPv4 addresses, bearer tokens)
//     when redact_pii is enabled
//   - adds request_id, experiment_id and subject_id from the context
//
// # Usage
//
//	logger, err := logging.Setup(cfg.Telemetry.Logging, os.Stderr)
//	if err != nil {
//	    return err
//	}
//
//	ctx = logging.WithRequestID(ctx, "req-123")
//	logger.InfoContext(ctx, "assignment resolved", "variant_id", "treatment")
//
// Components do not depend on this package; they accept a *slog.Logger and
// derive a component logger with logger.With("component", ...).
//
// RedactMap applies key-based masking to arbitrary attribute maps and is
// used for the context snapshots stored with events.
package logging
