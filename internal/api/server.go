// Package api exposes the task lifecycle over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/cors"
	"go.opentelemetry.io/otel/trace"

	apprev "github.com/reviewhound/reviewhound/internal/app/review"
	"github.com/reviewhound/reviewhound/internal/config"
	"github.com/reviewhound/reviewhound/pkg/common/logger"
	"github.com/reviewhound/reviewhound/pkg/common/otel"
)

// Server is the HTTP front of the task lifecycle manager.
type Server struct {
	cfg      *config.Config
	logger   *logger.Logger
	router   *chi.Mux
	service  *apprev.TaskService
	validate *validator.Validate
	metrics  Metrics
	tracer   trace.Tracer
}

// NewServer wires the router, middleware, and task routes.
func NewServer(cfg *config.Config, svc *apprev.TaskService, metrics Metrics, log *logger.Logger, tracer trace.Tracer) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(otel.Middleware(tracer))
	r.Use(loggerMiddleware(log, metrics))
	r.Use(middleware.Recoverer)

	if len(cfg.Web.CORSAllowedOrigins) > 0 {
		r.Use(cors.New(cors.Options{
			AllowedOrigins: cfg.Web.CORSAllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		}).Handler)
	}

	s := &Server{
		cfg:      cfg,
		logger:   log,
		router:   r,
		service:  svc,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		metrics:  metrics,
		tracer:   tracer,
	}

	s.routes()
	return s
}

// Handler returns the fully routed handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/readiness", s.handleReadiness)

		r.Post("/analyze-pr", s.handleAnalyzePR)
		r.Get("/tasks", s.handleListTasks)
		r.Get("/tasks/{id}/status", s.handleTaskStatus)
		r.Get("/tasks/{id}/results", s.handleTaskResults)
		r.Post("/tasks/{id}/retrigger", s.handleRetriggerTask)
		r.Delete("/tasks/{id}", s.handleCancelTask)
		r.Post("/tasks/cleanup", s.handleCleanup)
	})
}

func loggerMiddleware(log *logger.Logger, metrics Metrics) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				ctx := r.Context()
				duration := time.Since(start)
				log.Info(ctx, "Request completed",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"duration", duration,
					"trace_id", otel.GetTraceID(ctx),
				)
				if metrics != nil {
					metrics.IncRequestsTotal(ctx, r.Method, r.URL.Path, ww.Status())
					metrics.ObserveRequestDuration(ctx, r.Method, r.URL.Path, duration)
				}
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// Start serves the API until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.cfg.Web.Host, s.cfg.Web.Port),
		Handler:      s.router,
		ReadTimeout:  s.cfg.Web.ReadTimeout,
		WriteTimeout: s.cfg.Web.WriteTimeout,
		IdleTimeout:  s.cfg.Web.IdleTimeout,
		ErrorLog:     logger.NewStdLogger(s.logger, logger.LevelError),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error(shutdownCtx, "failed to shutdown server", "error", err)
		}
	}()

	s.logger.Info(ctx, "starting server", "addr", server.Addr, "service", "review-api")

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
