package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"mercator-hq/cohort/pkg/assignment"
	"mercator-hq/cohort/pkg/config"
	"mercator-hq/cohort/pkg/experiment"
	"mercator-hq/cohort/pkg/experiment/repository"
	"mercator-hq/cohort/pkg/ratelimit"
	"mercator-hq/cohort/pkg/security/auth"
	"mercator-hq/cohort/pkg/telemetry/tracing"
)

// Engine is the part of the engine served over HTTP.
type Engine interface {
	GetAssignment(experimentID string, ctx experiment.UserContext) experiment.Assignment
	TrackConversion(experimentID, metricID string, ctx experiment.UserContext, value, revenue *float64)

	CreateExperiment(ctx context.Context, exp *experiment.Experiment) (*experiment.Experiment, error)
	UpdateExperiment(ctx context.Context, exp *experiment.Experiment) (*experiment.Experiment, error)
	TransitionExperiment(ctx context.Context, id string, action experiment.Action) (*experiment.Experiment, error)
	GetExperiment(ctx context.Context, id string) (*experiment.Experiment, error)
	ListExperiments(ctx context.Context, filter repository.ListFilter) ([]*experiment.Experiment, error)
	Explain(ctx context.Context, experimentID string, uctx experiment.UserContext) (assignment.Explanation, error)
}

// Mounter registers additional routes, such as health and metrics.
type Mounter interface {
	Mount(mux *http.ServeMux)
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. A nil logger keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMount registers m's routes next to the API.
func WithMount(m Mounter) Option {
	return func(s *Server) {
		if m != nil {
			s.mounts = append(s.mounts, m)
		}
	}
}

// WithAuthenticator requires API keys on the /v1 routes. A nil
// authenticator leaves them open.
func WithAuthenticator(a *auth.Authenticator) Option {
	return func(s *Server) { s.authn = a }
}

// WithRateLimiter throttles the /v1 routes. A nil limiter disables
// throttling.
func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

// Server is the Cohort HTTP API server.
type Server struct {
	config     *config.ServerConfig
	engine     Engine
	logger     *slog.Logger
	authn      *auth.Authenticator
	limiter    *ratelimit.Limiter
	mounts     []Mounter
	httpServer *http.Server
	listener   net.Listener

	shutdownOnce sync.Once
	mu           sync.RWMutex
	isRunning    bool
}

// NewServer creates a new API server.
func NewServer(cfg *config.ServerConfig, eng Engine, opts ...Option) *Server {
	s := &Server{
		config: cfg,
		engine: eng,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "server")
	return s
}

// Start listens on the configured address and serves until ctx is
// cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}

	ln, err := net.Listen("tcp", s.config.ListenAddress)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddress, err)
	}

	s.listener = ln
	s.httpServer = &http.Server{
		Handler:        s.Handler(),
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}
	s.isRunning = true
	s.mu.Unlock()

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("Starting API server", "address", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Context cancelled, initiating shutdown")
		return s.Shutdown(context.Background())
	case err := <-errChan:
		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()
		return err
	}
}

// Shutdown gracefully shuts down the server, waiting at most the configured
// shutdown timeout for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		if !s.isRunning {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		s.logger.Info("Initiating graceful shutdown", "timeout", s.config.ShutdownTimeout.String())

		shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Error during server shutdown", "error", err)
			shutdownErr = fmt.Errorf("server shutdown error: %w", err)
		}

		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()

		s.logger.Info("API server stopped")
	})

	return shutdownErr
}

// Addr returns the address the server listens on, or "" before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Handler returns the HTTP handler with routes and middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	h := &handlers{engine: s.engine, logger: s.logger, maxBody: s.config.MaxBodyBytes}
	limit := RateLimit(s.limiter, s.logger)
	guard := func(role auth.Role) func(http.Handler) http.Handler {
		require := RequireRole(s.authn, role, s.logger)
		return func(next http.Handler) http.Handler { return require(limit(next)) }
	}
	client := guard(auth.RoleClient)
	admin := guard(auth.RoleAdmin)

	mux.Handle("POST /v1/assignments", client(http.HandlerFunc(h.assign)))
	mux.Handle("POST /v1/conversions", client(http.HandlerFunc(h.convert)))
	mux.Handle("GET /v1/experiments", admin(http.HandlerFunc(h.listExperiments)))
	mux.Handle("POST /v1/experiments", admin(http.HandlerFunc(h.createExperiment)))
	mux.Handle("GET /v1/experiments/{id}", admin(http.HandlerFunc(h.getExperiment)))
	mux.Handle("PUT /v1/experiments/{id}", admin(http.HandlerFunc(h.updateExperiment)))
	mux.Handle("POST /v1/experiments/{id}/explain", admin(http.HandlerFunc(h.explain)))
	mux.Handle("POST /v1/experiments/{id}/{action}", admin(http.HandlerFunc(h.transition)))

	for _, m := range s.mounts {
		m.Mount(mux)
	}

	var handler http.Handler = mux
	handler = tracing.HTTPMiddleware(handler)
	handler = RecoveryMiddleware(s.logger)(handler)
	handler = LoggingMiddleware(s.logger)(handler)
	handler = RequestIDMiddleware(handler)

	return handler
}
