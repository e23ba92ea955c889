// Package api provides the HTTP surface shared by the taskfabric
// services: the Dapr pub/sub ingress, health endpoints, and each
// service's own routes (audit queries, the notification stream).
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/felixgeelhaar/taskfabric/pkg/observability"
)

// readyCheckBudget bounds one readiness probe across all checkers.
const readyCheckBudget = 2 * time.Second

// Server is the HTTP server one taskfabric service exposes.
type Server struct {
	mux      *http.ServeMux
	server   *http.Server
	logger   *slog.Logger
	handlers Handlers
}

// Handlers selects the routes a service mounts. Nil handlers disable
// their routes: the reminder engine runs without an audit or stream
// surface, the notifier without an audit one, and so on.
type Handlers struct {
	Service  string
	Version  string
	Health   *observability.HealthRegistry
	Dispatch *DispatchHandler
	Audit    *AuditHandler
	Stream   *StreamHandler
}

// ServerConfig holds configuration for the HTTP server.
type ServerConfig struct {
	Addr              string
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	// WriteTimeout of zero disables the write deadline. The notifier
	// needs that: its stream responses stay open for hours.
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultServerConfig returns the server configuration for the
// request/response services.
func DefaultServerConfig(addr string) ServerConfig {
	return ServerConfig{
		Addr:              addr,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// StreamingServerConfig returns the configuration for services holding
// long-lived connections: no write deadline.
func StreamingServerConfig(addr string) ServerConfig {
	cfg := DefaultServerConfig(addr)
	cfg.WriteTimeout = 0
	return cfg
}

// NewServer creates a service HTTP server with the given handlers mounted.
func NewServer(cfg ServerConfig, handlers Handlers, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()

	s := &Server{
		mux:      mux,
		logger:   logger,
		handlers: handlers,
	}

	// Register routes
	s.registerRoutes()

	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.mux,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	return s
}

// registerRoutes sets up the service routes.
func (s *Server) registerRoutes() {
	// Service info and health
	s.mux.HandleFunc("GET /{$}", s.handleInfo)
	s.mux.HandleFunc("GET /health/live", s.handleLive)
	s.mux.HandleFunc("GET /health/ready", s.handleReady)

	// Dapr pub/sub ingress
	if s.handlers.Dispatch != nil {
		s.mux.HandleFunc("GET /dapr/subscribe", s.handlers.Dispatch.ListSubscriptions)
		s.mux.HandleFunc("POST /dapr/subscribe/{route}", s.handlers.Dispatch.ReceiveEvent)
	}

	// Audit query API
	if s.handlers.Audit != nil {
		s.mux.HandleFunc("GET /api/v1/audit/tasks/{taskID}", s.handlers.Audit.TaskHistory)
	}

	// Notification stream
	if s.handlers.Stream != nil {
		s.mux.HandleFunc("GET /api/v1/notifications/stream", s.handlers.Stream.Stream)
	}
}

// handleInfo handles the service info endpoint.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": s.handlers.Service,
		"version": s.handlers.Version,
		"status":  "running",
	})
}

// handleLive handles liveness probes. Alive means the process serves
// HTTP, nothing more.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "alive",
	})
}

// handleReady handles readiness probes by running every registered
// health check. Only an unhealthy result fails the probe; degraded
// dependencies keep serving.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.handlers.Health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readyCheckBudget)
	defer cancel()

	health := s.handlers.Health.GetOverallHealth(ctx)
	status := http.StatusOK
	if health.Status == observability.HealthStatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("starting http server",
		"service", s.handlers.Service,
		"addr", s.server.Addr,
	)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server", "service", s.handlers.Service)
	return s.server.Shutdown(ctx)
}

// Handler returns the route mux, for tests that drive the server
// through httptest.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// Log error but can't do much at this point
			slog.Error("failed to encode JSON response", "error", err)
		}
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error":   http.StatusText(status),
		"message": message,
	})
}
