// Package server implements the hyoka operator HTTP API.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ashita-ai/hyoka/internal/auth"
	"github.com/ashita-ai/hyoka/internal/evaluator"
	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/remote"
	"github.com/ashita-ai/hyoka/internal/service/recording"
	"github.com/ashita-ai/hyoka/internal/storage"
)

// Server is the hyoka HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): JWTMgr, Remote, OpenAPISpec.
type ServerConfig struct {
	// Required dependencies.
	DB        *storage.DB
	Recorder  *recording.Service
	Evaluator *evaluator.Evaluator
	Logger    *slog.Logger

	// Optional dependencies (nil = disabled).
	JWTMgr      *auth.JWTManager
	Remote      *remote.Worker
	OpenAPISpec []byte // Embedded OpenAPI YAML.

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		Recorder:            cfg.Recorder,
		Evaluator:           cfg.Evaluator,
		Remote:              cfg.Remote,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	r := chi.NewRouter()

	// Middleware chain (outermost executes first):
	// request ID → real IP → security headers → tracing → logging → auth → recovery → handler.
	r.Use(requestIDMiddleware)
	r.Use(middleware.RealIP)
	r.Use(securityHeadersMiddleware)
	r.Use(tracingMiddleware)
	r.Use(func(next http.Handler) http.Handler { return loggingMiddleware(cfg.Logger, next) })
	r.Use(func(next http.Handler) http.Handler { return authMiddleware(cfg.JWTMgr, next) })
	r.Use(func(next http.Handler) http.Handler { return recoveryMiddleware(cfg.Logger, next) })

	// Health and API description (no auth).
	r.Get("/health", h.HandleHealth)
	r.Get("/openapi.yaml", h.HandleOpenAPISpec)

	r.Route("/v1", func(r chi.Router) {
		// Reads (viewer+).
		r.Group(func(r chi.Router) {
			r.Use(requireRole(cfg.JWTMgr, auth.RoleViewer, auth.RoleAdmin))
			r.Get("/records", h.HandleRecordsAndFeedback)
			r.Get("/feedback", h.HandleGetFeedback)
			r.Get("/feedback/counts", h.HandleFeedbackCounts)
			r.Get("/feedback-definitions", h.HandleListDefinitions)
			r.Get("/leaderboard", h.HandleLeaderboard)
			r.Get("/evaluator", h.HandleEvaluatorState)
			if cfg.Remote != nil {
				r.Get("/remote", h.HandleRemoteState)
			}
		})

		// Writes and control (admin only).
		r.Group(func(r chi.Router) {
			r.Use(requireRole(cfg.JWTMgr, auth.RoleAdmin))
			r.Post("/records", h.HandleIngestRecord)
			r.Post("/feedback-definitions", h.HandleDefineFeedback)
			r.Post("/feedback/{feedback_result_id}/requeue", h.HandleRequeueFeedback)
			r.Post("/evaluator/start", h.HandleEvaluatorStart)
			r.Post("/evaluator/stop", h.HandleEvaluatorStop)
			if cfg.Remote != nil {
				r.Post("/remote/suspend", h.HandleRemoteSuspend)
				r.Post("/remote/resume", h.HandleRemoteResume)
				r.Post("/remote/run", h.HandleRemoteRun)
			}
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "no route for "+r.Method+" "+r.URL.Path)
	})

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: r,
		logger:  cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
