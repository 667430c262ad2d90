package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	"github.com/michaelbrown/labrun/internal/config"
	"github.com/michaelbrown/labrun/internal/execution"
	"github.com/michaelbrown/labrun/internal/pool"
	"github.com/michaelbrown/labrun/internal/storage"
)

// Executor runs submissions. *execution.Coordinator implements it.
type Executor interface {
	Submit(ctx context.Context, req execution.Request) (*storage.Execution, error)
	Cancel(sessionID, submissionID string) bool
	Result(ctx context.Context, sessionID, submissionID string) (*storage.Execution, error)
	OpenArtifact(ctx context.Context, sessionID, submissionID, filename string) (io.ReadCloser, error)
	DeleteSession(ctx context.Context, id string) error
	Stats() pool.Stats
}

// Server is the HTTP server for the labrun API.
type Server struct {
	cfg      *config.Config
	store    storage.Store
	exec     Executor
	sessions *SessionManager
	log      *logrus.Entry
	router   chi.Router
	http     *http.Server
}

// New creates a new Server.
func New(cfg *config.Config, store storage.Store, exec Executor, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.WithField("component", "server")
	}
	s := &Server{
		cfg:      cfg,
		store:    store,
		exec:     exec,
		sessions: NewSessionManager(),
		log:      log,
		router:   chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	r := s.router

	origins := s.cfg.Server.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Group(func(r chi.Router) {
		r.Use(jsonContentType)

		r.Get("/healthz", s.handleHealth)
		r.Post("/execute", s.handleExecute)
		r.Get("/pool/stats", s.handlePoolStats)

		// Sessions
		r.Get("/sessions", s.handleListSessions)
		r.Get("/sessions/{id}", s.handleGetSession)
		r.Delete("/sessions/{id}", s.handleDeleteSession)

		// Executions
		r.Get("/sessions/{id}/executions", s.handleListExecutions)
		r.Get("/sessions/{id}/executions/{submissionId}", s.handleGetExecution)
		r.Delete("/sessions/{id}/executions/{submissionId}", s.handleCancelExecution)
	})

	// Raw content and WebSocket (no JSON content-type)
	r.Get("/sessions/{id}/executions/{submissionId}/artifacts/{filename}", s.handleGetArtifact)
	r.Get("/sessions/{id}/stream", s.handleStream)
}

// jsonContentType sets Content-Type to application/json for API routes.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Start begins listening on the given port.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Infof("labrun server listening on http://localhost%s", addr)
	return s.http.ListenAndServe()
}

// Shutdown cancels live streams and gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down server")
	s.sessions.CloseAll()

	if s.http == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return s.http.Shutdown(shutdownCtx)
}
