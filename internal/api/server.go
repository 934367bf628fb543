package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/polyhost/internal/auth"
	"github.com/mattjoyce/polyhost/internal/dispatch"
	"github.com/mattjoyce/polyhost/internal/events"
	"github.com/mattjoyce/polyhost/internal/function"
	"github.com/mattjoyce/polyhost/internal/invocation"
	"github.com/mattjoyce/polyhost/internal/journal"
)

//go:generate mockgen -destination=mocks/mock_api.go -package=mocks github.com/mattjoyce/polyhost/internal/api Dispatcher,History

// Dispatcher is the part of the dispatcher the API drives.
type Dispatcher interface {
	Functions() []*function.Descriptor
	Function(id string) (*function.Descriptor, bool)
	Pools() []dispatch.PoolInfo
	Invoke(ictx *invocation.Context) (*invocation.Context, error)
}

// History reads the execution journal.
type History interface {
	RecentWorkerEvents(ctx context.Context, runtime string, limit int) ([]journal.WorkerEvent, error)
	RecentInvocations(ctx context.Context, functionID string, limit int) ([]journal.Invocation, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the admin bearer token. /healthz and /metrics need no token.
	APIKey string
	// Tokens are named tokens limited to their scopes.
	Tokens map[string]auth.TokenConfig
	// InvokeTimeout bounds a synchronous invocation.
	InvokeTimeout time.Duration
	Version       string
}

// Server represents the HTTP API server
type Server struct {
	config     Config
	dispatcher Dispatcher
	history    History
	hub        *events.Hub
	metrics    http.Handler
	logger     *slog.Logger
	server     *http.Server
	startedAt  time.Time
}

// New creates a new API server instance. history, hub and metrics may be nil.
func New(config Config, dispatcher Dispatcher, history History, hub *events.Hub, metrics http.Handler, logger *slog.Logger) *Server {
	if config.InvokeTimeout <= 0 {
		config.InvokeTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:     config,
		dispatcher: dispatcher,
		history:    history,
		hub:        hub,
		metrics:    metrics,
		logger:     logger,
		startedAt:  time.Now(),
	}
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	// No WriteTimeout: /events streams for as long as the client stays.
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScope(auth.ScopeWorkersRead)).Get("/workers", s.handleWorkers)
		r.With(s.requireScope(auth.ScopeHistoryRead)).Get("/workers/history", s.handleWorkerHistory)
		r.With(s.requireScope(auth.ScopeFunctionsRead)).Get("/functions", s.handleListFunctions)
		r.With(s.requireScope(auth.ScopeFunctionsRead)).Get("/functions/{id}", s.handleGetFunction)
		r.With(s.requireScope(auth.ScopeInvoke)).Post("/functions/{id}/invoke", s.handleInvoke)
		r.With(s.requireScope(auth.ScopeHistoryRead)).Get("/invocations", s.handleInvocations)
		r.With(s.requireScope(auth.ScopeEventsRead)).Get("/events", s.handleEvents)
		r.With(s.requireScope(auth.ScopeFunctionsRead)).Get("/openapi.json", s.handleOpenAPI)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
