// Package server provides the caller-facing HTTP front end of the proxy.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"meridian-hq/meridian/pkg/accounts"
	"meridian-hq/meridian/pkg/config"
	"meridian-hq/meridian/pkg/pipeline"
	"meridian-hq/meridian/pkg/routing"
	"meridian-hq/meridian/pkg/server/handlers"
	"meridian-hq/meridian/pkg/server/middleware"
	"meridian-hq/meridian/pkg/telemetry/metrics"
	"meridian-hq/meridian/pkg/usage"
)

// Dependencies are the collaborators the server routes requests to.
type Dependencies struct {
	Registry *accounts.Registry
	Pipeline *pipeline.Pipeline
	Router   *routing.Router

	// Usage may be nil when usage accounting is disabled.
	Usage *usage.Recorder

	// Metrics may be nil when the metrics endpoint is disabled.
	Metrics *metrics.Metrics
}

// Server is the HTTP front end.
type Server struct {
	cfg           config.ServerConfig
	metricsCfg    config.MetricsConfig
	allowRotation bool
	deps          Dependencies

	httpServer   *http.Server
	shutdownOnce sync.Once
	mu           sync.Mutex
	running      bool
}

// New creates a server.
func New(cfg config.ServerConfig, metricsCfg config.MetricsConfig, allowRotation bool, deps Dependencies) *Server {
	return &Server{
		cfg:           cfg,
		metricsCfg:    metricsCfg,
		allowRotation: allowRotation,
		deps:          deps,
	}
}

// Start runs the listener and blocks until the context is cancelled, a
// shutdown signal arrives, or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.mu.Unlock()

	s.httpServer = &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
		MaxHeaderBytes:    s.cfg.MaxHeaderBytes,
	}

	errChan := make(chan error, 1)
	go func() {
		slog.Info("starting server", "address", s.cfg.ListenAddress)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		slog.Info("context cancelled, shutting down")
		return s.Shutdown(context.Background())
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig.String())
		return s.Shutdown(context.Background())
	case err := <-errChan:
		return err
	}
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()

		if s.httpServer != nil {
			if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
				slog.Error("error during server shutdown", "error", err)
				shutdownErr = fmt.Errorf("server shutdown error: %w", err)
			}
		}

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		slog.Info("server stopped")
	})
	return shutdownErr
}

// Handler builds the route table and middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/v1/messages", handlers.NewMessagesHandler(s.deps.Pipeline, s.deps.Router, s.allowRotation))
	mux.Handle("/healthz", handlers.NewHealthHandler(s.deps.Registry))
	mux.Handle("/admin/accounts", handlers.NewAccountsHandler(s.deps.Registry))
	mux.Handle("/admin/accounts/", handlers.NewAccountsHandler(s.deps.Registry))
	mux.Handle("/admin/usage", handlers.NewUsageHandler(s.deps.Usage))

	if s.metricsCfg.Enabled && s.deps.Metrics != nil {
		mux.Handle(s.metricsCfg.Path, s.deps.Metrics.Handler())
	}

	var handler http.Handler = mux
	handler = middleware.Logging(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(handler)
	return handler
}
