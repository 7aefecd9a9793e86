package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"mercator-hq/cohort/pkg/config"
	"mercator-hq/cohort/pkg/telemetry/health"
	"mercator-hq/cohort/pkg/telemetry/logging"
	"mercator-hq/cohort/pkg/telemetry/metrics"
	"mercator-hq/cohort/pkg/telemetry/tracing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// BuildInfo identifies the running binary.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// Telemetry holds the process-wide observability components.
type Telemetry struct {
	Logger  *slog.Logger
	Metrics *metrics.Collector
	Tracer  *tracing.Tracer
	Health  *health.Checker

	cfg   *config.TelemetryConfig
	build BuildInfo
}

// New builds the logger (installed as the slog default), the metrics
// collector with Go runtime and process collectors, the tracer and the
// health checker.
func New(ctx context.Context, cfg *config.TelemetryConfig, build BuildInfo, w io.Writer) (*Telemetry, error) {
	logger, err := logging.Setup(cfg.Logging, w)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		collector = metrics.NewCollector(&cfg.Metrics, registry)
	}

	tracer, err := tracing.New(ctx, &cfg.Tracing, build.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracer: %w", err)
	}

	return &Telemetry{
		Logger:  logger,
		Metrics: collector,
		Tracer:  tracer,
		Health:  health.New(cfg.Health.CheckTimeout),
		cfg:     cfg,
		build:   build,
	}, nil
}

// Mount registers the health and metrics endpoints on mux.
func (t *Telemetry) Mount(mux *http.ServeMux) {
	health.Mount(mux, t.Health, t.cfg.Health, t.build.Version, t.build.Commit, t.build.BuildTime)
	if t.Metrics != nil {
		mux.Handle(t.cfg.Metrics.Path, t.Metrics.Handler())
	}
}

// Shutdown flushes pending spans.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return t.Tracer.Shutdown(ctx)
}
