// Package api provides the REST API, SSE, and websocket server for cam.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/camctl/cam/internal/db"
	"github.com/camctl/cam/internal/dispatch"
	"github.com/camctl/cam/internal/events"
	"github.com/camctl/cam/internal/lifecycle"
	"github.com/camctl/cam/internal/pipeline"
	"github.com/camctl/cam/internal/registry"
)

// Server is the cam API server.
type Server struct {
	addr   string
	mux    *http.ServeMux
	logger *slog.Logger

	store      *db.Store
	lifecycle  *lifecycle.Service
	dispatcher *dispatch.Dispatcher
	expander   *pipeline.Expander
	registry   *registry.Registry
	bus        events.Bus

	// authToken guards every /api route except health when non-empty.
	authToken string

	httpServer *http.Server
}

// Config holds server configuration.
type Config struct {
	Addr      string
	AuthToken string
	Logger    *slog.Logger
}

// New creates an API server over the assembled core services.
func New(cfg Config, store *db.Store, lc *lifecycle.Service, d *dispatch.Dispatcher,
	e *pipeline.Expander, reg *registry.Registry, bus events.Bus) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	addr := cfg.Addr
	if addr == "" {
		addr = ":8080"
	}

	s := &Server{
		addr:       addr,
		mux:        http.NewServeMux(),
		logger:     logger,
		store:      store,
		lifecycle:  lc,
		dispatcher: d,
		expander:   e,
		registry:   reg,
		bus:        bus,
		authToken:  cfg.AuthToken,
	}
	s.registerRoutes()
	return s
}

// Handler returns the server's HTTP handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.withMiddleware(s.mux)
}

// Start serves until the context is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api server listening", "addr", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// registerRoutes sets up all API routes.
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	// Tasks
	s.mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	s.mux.HandleFunc("POST /api/tasks", s.handleCreateTask)
	s.mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	s.mux.HandleFunc("PATCH /api/tasks/{id}", s.handleUpdateTask)
	s.mux.HandleFunc("DELETE /api/tasks/{id}", s.handleDeleteTask)
	s.mux.HandleFunc("POST /api/tasks/{id}/publish", s.handlePublishTask)
	s.mux.HandleFunc("POST /api/tasks/{id}/cancel", s.handleCancelTask)
	s.mux.HandleFunc("POST /api/tasks/{id}/rerun", s.handleRerunTask)
	s.mux.HandleFunc("POST /api/tasks/{id}/review", s.handleReviewTask)
	s.mux.HandleFunc("GET /api/tasks/{id}/logs", s.handleGetTaskLogs)
	s.mux.HandleFunc("POST /api/tasks/{id}/logs", s.handleAppendTaskLog)

	// Task groups. Mutations carry the group id in the body.
	s.mux.HandleFunc("GET /api/task-groups/{id}", s.handleGetGroup)
	s.mux.HandleFunc("POST /api/task-groups/cancel", s.handleCancelGroup)
	s.mux.HandleFunc("POST /api/task-groups/rerun-failed", s.handleRerunFailedGroup)
	s.mux.HandleFunc("POST /api/task-groups/restart-from", s.handleRestartFrom)

	// Workers
	s.mux.HandleFunc("GET /api/workers", s.handleListWorkers)
	s.mux.HandleFunc("GET /api/workers/{id}", s.handleGetWorker)
	s.mux.HandleFunc("POST /api/workers", s.handleRegisterWorker)
	s.mux.HandleFunc("POST /api/workers/{id}/heartbeat", s.handleWorkerHeartbeat)
	s.mux.HandleFunc("GET /api/workers/{id}/next-task", s.handleNextTask)
	s.mux.HandleFunc("PATCH /api/workers/{id}", s.handlePatchWorker)

	// Templates and agents
	s.mux.HandleFunc("GET /api/templates", s.handleListTemplates)
	s.mux.HandleFunc("POST /api/templates", s.handleCreateTemplate)
	s.mux.HandleFunc("GET /api/agents", s.handleListAgents)
	s.mux.HandleFunc("POST /api/agents", s.handleCreateAgent)

	// Events
	s.mux.HandleFunc("GET /api/events", s.handleQueryEvents)
	s.mux.HandleFunc("GET /api/events/stream", s.handleEventStream)
	s.mux.HandleFunc("GET /api/events/ws", s.handleEventWS)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeData(w, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
