package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/savegress/oeesense/internal/logging"
	"github.com/savegress/oeesense/internal/reconcile"
	"github.com/savegress/oeesense/internal/reliability"
	"github.com/savegress/oeesense/internal/shift"
	"github.com/savegress/oeesense/internal/target"
)

// Server represents the API server
type Server struct {
	router      chi.Router
	metrics     *reconcile.Reconciler
	reliability *reliability.Calculator
	targets     *target.Resolver
	shifts      *shift.Service
	logger      *zap.Logger
	now         func() time.Time
}

// NewServer creates a new API server
func NewServer(metrics *reconcile.Reconciler, calc *reliability.Calculator, targets *target.Resolver, shifts *shift.Service, logger *zap.Logger) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		metrics:     metrics,
		reliability: calc,
		targets:     targets,
		shifts:      shifts,
		logger:      logging.OrNop(logger),
		now:         func() time.Time { return time.Now().UTC() },
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(RequestLogger(s.logger))
	s.router.Use(middleware.Recoverer)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	s.router.Get("/health", s.healthCheck)

	// API v1
	s.router.Route("/api/v1", func(r chi.Router) {
		// Metrics
		r.Route("/oee", func(r chi.Router) {
			r.Get("/overview", s.getOverview)
			r.Get("/trend", s.getTrend)
			r.Get("/breakdown", s.getBreakdown)
		})
		r.Get("/reliability", s.getReliability)
		r.Get("/targets/resolve", s.resolveTarget)

		// Shifts
		r.Route("/shifts", func(r chi.Router) {
			r.Post("/", s.startShift)
			r.Get("/{id}/metrics", s.getShiftMetrics)
			r.Post("/{id}/close", s.closeShift)
			r.Post("/{id}/cancel", s.cancelShift)
			r.Post("/{id}/changeovers", s.recordChangeover)
			r.Post("/{id}/production", s.logProduction)
		})

		// Downtime
		r.Route("/downtime", func(r chi.Router) {
			r.Post("/", s.logDowntime)
			r.Get("/analysis", s.getDowntimeAnalysis)
			r.Post("/{id}/end", s.endDowntime)
		})
	})
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}
