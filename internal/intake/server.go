// Package intake implements the HTTP/WebSocket boundary: request
// acceptance, status/report/trace lookups, and live progress
// subscription, backed by a bounded background worker pool that drives
// the orchestrator for each accepted task.
package intake

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/deepresearch/orchestrator/internal/config"
	"github.com/deepresearch/orchestrator/internal/model"
	"github.com/deepresearch/orchestrator/internal/progressbus"
	"github.com/deepresearch/orchestrator/internal/store"
)

// Runner drives one task to completion. internal/orchestrator.Orchestrator
// satisfies this.
type Runner interface {
	Run(ctx context.Context, task model.ResearchTask) error
	Cancel(taskID string)
}

// Server is the Intake API: it owns the worker pool, wires the
// Persistence Layer and Progress Bus to HTTP/WS handlers, and never
// blocks an HTTP response on the orchestrator's work.
type Server struct {
	store store.Store
	bus   *progressbus.Bus
	run   Runner
	cfg   config.OrchestratorConfig

	providerPresence map[string]bool
	sem              chan struct{}
}

// New creates a Server. providerPresence reports, per capability name
// ("complete_text"/"search_web"), whether a real credential is
// configured (surfaced on /health).
func New(st store.Store, bus *progressbus.Bus, run Runner, cfg config.OrchestratorConfig, providerPresence map[string]bool) *Server {
	maxConcurrent := cfg.MaxConcurrentTasks
	if maxConcurrent < 1 {
		maxConcurrent = 10
	}
	return &Server{
		store:            st,
		bus:              bus,
		run:              run,
		cfg:              cfg,
		providerPresence: providerPresence,
		sem:              make(chan struct{}, maxConcurrent),
	}
}

// Router builds the Intake API's chi.Router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(zapRequestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"*"},
	}))

	r.Get("/health", s.handleHealth)
	r.Post("/research", s.handleResearch)
	r.Post("/deep-research", s.handleDeepResearch)
	r.Get("/tasks/{id}/status", s.handleTaskStatus)
	r.Get("/reports/{id}", s.handleReport)
	r.Get("/deep-research/{id}", s.handleDeepReport)
	r.Get("/traces/{id}", s.handleTraces)
	r.Get("/ws/progress/{id}", s.handleProgressWS)

	return r
}

// zapRequestLogger logs each completed request at Info level with
// latency, grounded on the teacher's own zap-everywhere logging
// convention rather than chi's stdlib-logger middleware.
func zapRequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Info("intake: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// spawn acquires a worker-pool slot (blocking if the pool is saturated)
// and runs the task to completion in the background, never on the
// request goroutine.
func (s *Server) spawn(task model.ResearchTask) {
	go func() {
		s.sem <- struct{}{}
		defer func() { <-s.sem }()

		if err := s.run.Run(context.Background(), task); err != nil {
			zap.L().Warn("intake: task run returned error", zap.String("task_id", task.ID), zap.Error(err))
		}
	}()
}
