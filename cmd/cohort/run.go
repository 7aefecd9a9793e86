package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"mercator-hq/cohort/pkg/cli"
	"mercator-hq/cohort/pkg/config"
	"mercator-hq/cohort/pkg/engine"
	"mercator-hq/cohort/pkg/ratelimit"
	"mercator-hq/cohort/pkg/security/auth"
	"mercator-hq/cohort/pkg/server"
	"mercator-hq/cohort/pkg/telemetry"
)

var runFlags struct {
	listenAddress string
	logLevel      string
	dryRun        bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the Cohort API server",
	Long: `Start the Cohort API server with the specified configuration.

The server loads running experiments into memory, keeps them fresh from the
experiments database and the configured push feed, serves assignments and
conversions over HTTP and records events in batches.

Examples:
  # Start with default config
  cohort run

  # Start with custom config
  cohort run --config /etc/cohort/cohort.yaml

  # Override listen address
  cohort run --listen 0.0.0.0:8080

  # Validate config without starting server
  cohort run --dry-run`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runFlags.listenAddress, "listen", "l", "", "override listen address")
	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	runCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "validate config without starting server")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if runFlags.listenAddress != "" {
		cfg.Server.ListenAddress = runFlags.listenAddress
	}
	if runFlags.logLevel != "" {
		cfg.Telemetry.Logging.Level = runFlags.logLevel
	}
	if err := config.Validate(cfg); err != nil {
		return cli.NewConfigError(cfgFile, err)
	}

	if runFlags.dryRun {
		fmt.Fprintln(cmd.OutOrStdout(), "✓ Configuration valid")
		return nil
	}

	ctx, stop := cli.SignalContext(cmd.Context())
	defer stop()

	tel, err := telemetry.New(ctx, &cfg.Telemetry, telemetry.BuildInfo{
		Version:   Version,
		Commit:    GitCommit,
		BuildTime: BuildDate,
	}, os.Stdout)
	if err != nil {
		return cli.NewCommandError("run", err)
	}
	logger := tel.Logger

	logger.Info("Starting Cohort",
		"version", Version,
		"config", cfgFile,
		"backend", cfg.Storage.Backend,
		"feed", cfg.Store.Feed.Type,
	)

	eng, err := engine.New(cfg,
		engine.WithLogger(logger),
		engine.WithMetrics(tel.Metrics),
		engine.WithTracer(tel.Tracer),
	)
	if err != nil {
		return cli.NewCommandError("run", err)
	}
	if err := eng.Start(ctx); err != nil {
		_ = eng.Close(context.Background())
		return cli.NewCommandError("run", err)
	}
	eng.RegisterHealthChecks(tel.Health)

	authn, err := auth.FromConfig(cfg.Server.Auth)
	if err != nil {
		_ = eng.Close(context.Background())
		return cli.NewConfigError(cfgFile, err)
	}
	if authn != nil {
		logger.Info("API key authentication enabled", "keys", len(cfg.Server.Auth.Keys))
	}

	var limiter *ratelimit.Limiter
	if cfg.Server.RateLimit.Enabled {
		limiter = ratelimit.New(cfg.Server.RateLimit)
		logger.Info("Rate limiting enabled",
			"requests_per_second", cfg.Server.RateLimit.RequestsPerSecond,
			"burst", cfg.Server.RateLimit.Burst,
			"max_concurrent", cfg.Server.RateLimit.MaxConcurrent,
		)
	}

	srv := server.NewServer(&cfg.Server, eng,
		server.WithLogger(logger),
		server.WithAuthenticator(authn),
		server.WithRateLimiter(limiter),
		server.WithMount(tel),
	)

	// Start blocks until the signal context is cancelled.
	serveErr := srv.Start(ctx)
	if serveErr != nil {
		logger.Error("Server stopped with error", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Recorder.ShutdownTimeout+cfg.Server.ShutdownTimeout)
	defer cancel()

	errs := []error{serveErr}
	if err := eng.Close(shutdownCtx); err != nil {
		logger.Error("Engine shutdown failed", "error", err)
		errs = append(errs, err)
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Telemetry shutdown failed", "error", err)
	}

	if err := errors.Join(errs...); err != nil {
		return cli.NewCommandError("run", err)
	}
	logger.Info("Cohort stopped")
	return nil
}
