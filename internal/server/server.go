package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/me/gowas/internal/config"
	"github.com/me/gowas/internal/intake"
	"github.com/me/gowas/internal/observability"
	"github.com/me/gowas/internal/planner"
	"github.com/me/gowas/internal/scheduler"
	"github.com/me/gowas/internal/store"
	"github.com/me/gowas/internal/tracker"
	"github.com/me/gowas/internal/workflow"
)

// Version is reported by the health and discovery endpoints.
var Version = "0.1.0"

// Deps are the collaborators behind the API. Intake and Scheduler may be nil.
type Deps struct {
	Store       store.Store
	Initializer *workflow.Initializer
	Planner     *planner.Planner
	Tracker     *tracker.Tracker
	Events      *intake.EventHandler
	Intake      *intake.Processor
	Scheduler   scheduler.Scheduler
	StoreDriver string
}

// Server is the GoWAS REST API server.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	config    config.ServerConfig
	startTime time.Time

	store       store.Store
	initializer *workflow.Initializer
	planner     *planner.Planner
	tracker     *tracker.Tracker
	events      *intake.EventHandler
	intake      *intake.Processor
	scheduler   scheduler.Scheduler
	storeDriver string

	schedulerRunning bool
}

// New creates a new Server with all routes registered. An EventHandler is
// built from the tracker when deps.Events is nil.
func New(cfg config.ServerConfig, deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		logger:      logger.With("component", "server"),
		config:      cfg,
		startTime:   time.Now(),
		store:       deps.Store,
		initializer: deps.Initializer,
		planner:     deps.Planner,
		tracker:     deps.Tracker,
		events:      deps.Events,
		intake:      deps.Intake,
		scheduler:   deps.Scheduler,
		storeDriver: deps.StoreDriver,
	}
	if s.events == nil && s.tracker != nil {
		s.events = intake.NewEventHandler(s.tracker, logger)
	}
	s.routes()
	return s
}

// StartScheduler begins the scheduling loop in a background goroutine.
func (s *Server) StartScheduler(ctx context.Context) {
	if s.scheduler == nil {
		return
	}
	s.schedulerRunning = true
	go func() {
		if err := s.scheduler.Start(ctx); err != nil && err != context.Canceled {
			s.logger.Error("scheduler stopped", "error", err)
		}
	}()
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(observability.TracingMiddleware)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.Route("/api/v1", func(r chi.Router) {
		// Discovery
		r.Get("/", s.handleDiscovery)

		// Health
		r.Get("/health", s.handleHealth)

		// Workflows
		r.Route("/workflows", func(r chi.Router) {
			r.Get("/", s.handleListWorkflows)
			r.Post("/", s.handleCreateWorkflow)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetWorkflow)
				r.Post("/plan", s.handlePlanWorkflow)
				r.Post("/recompute", s.handleRecomputeWorkflow)
				r.Post("/failures", s.handleJobFailures)
				r.Post("/complete", s.handleCompleteWorkflow)

				// Jobs nested under workflows
				r.Route("/jobs", func(r chi.Router) {
					r.Get("/", s.handleListJobs)
					r.Route("/{jid}", func(r chi.Router) {
						r.Get("/", s.handleGetJob)
						r.Post("/status", s.handleJobEvent)
					})
				})
			})
		})

		// Manifest upload notifications
		r.Post("/manifests", s.handleManifests)
	})
}
