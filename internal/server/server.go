// Package server provides the HTTP API with lifecycle management.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/dataops-go/internal/lock"
	"github.com/raphaelgruber/dataops-go/internal/metrics"
	"github.com/raphaelgruber/dataops-go/internal/service"
)

// Deps are the collaborators behind the API.
type Deps struct {
	Locker     *lock.Locker
	Ledger     *service.JobLedger
	Dispatcher *service.Dispatcher
	Metrics    *metrics.Collector
	// Health reports whether backing stores are reachable. Optional.
	Health func(ctx context.Context) error
	Logger *slog.Logger
	// WatchInterval is how often the job watch stream polls the ledger.
	WatchInterval time.Duration
}

// Server wraps the HTTP handler with dependencies and lifecycle management.
type Server struct {
	deps     Deps
	handler  http.Handler
	validate *validator.Validate
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// New creates a server and registers every route.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.WatchInterval <= 0 {
		deps.WatchInterval = time.Second
	}
	s := &Server{
		deps:     deps,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: deps.Logger,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/resource/lock", s.handleLock)
	mux.HandleFunc("DELETE /v1/resource/lock", s.handleUnlock)
	mux.HandleFunc("GET /v1/resource/lock", s.handleCheckLock)
	mux.HandleFunc("POST /v1/resource/lock/bulk", s.handleBulkLock)
	mux.HandleFunc("DELETE /v1/resource/lock/bulk", s.handleBulkUnlock)
	mux.HandleFunc("DELETE /v1/resource/locks/all", s.handleClearLocks)

	mux.HandleFunc("POST /v1/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /v1/tasks", s.handleListTasks)
	mux.HandleFunc("PUT /v1/tasks", s.handleUpdateTask)
	mux.HandleFunc("DELETE /v1/tasks", s.handleDeleteTasks)
	mux.HandleFunc("GET /v1/tasks/watch", s.handleWatchTasks)

	mux.HandleFunc("POST /v1/files/operations", s.handleFileOperations)
	mux.HandleFunc("POST /v1/files/repeatcheck", s.handleRepeatCheck)
	mux.HandleFunc("POST /v1/files/actions/validate", s.handleValidateActions)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.Handle("GET /metrics", deps.Metrics.Handler())

	s.handler = RecoverMiddleware(s.logger)(LoggingMiddleware(s.logger)(mux))
	return s
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully
// within shutdownTimeout.
func (s *Server) Run(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      s.handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Health(ctx); err != nil {
			fail(w, http.StatusServiceUnavailable, err)
			return
		}
	}
	ok(w, "ok")
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	ok(w, s.deps.Metrics.Snapshot())
}
