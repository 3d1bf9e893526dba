package httpserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wisbric/agentfleet/internal/auth"
	"github.com/wisbric/agentfleet/internal/config"
	"github.com/wisbric/agentfleet/pkg/store"
)

// Server holds the HTTP server dependencies for the Operator Surface.
type Server struct {
	Router    *chi.Mux
	APIRouter chi.Router // PAT-authenticated /api/v1 sub-router domain handlers mount onto
	Logger    *slog.Logger
	DB        *pgxpool.Pool
	Backing   store.Store
	Metrics   *prometheus.Registry
	startedAt time.Time
}

// NewServer creates an HTTP server with the standard middleware stack,
// health/readiness/metrics endpoints, and an authenticated /api/v1
// sub-router. Domain handlers (pkg/operator.Handlers) should be mounted on
// APIRouter after calling NewServer.
func NewServer(cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, backing store.Store, metricsReg *prometheus.Registry, auther auth.Authenticator, limiter *auth.RateLimiter) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		Logger:    logger,
		DB:        db,
		Backing:   backing,
		Metrics:   metricsReg,
		startedAt: time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)
	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	s.Router.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.RequireAuthRateLimited(auther, limiter))
		r.Use(auth.RequireMinRole(auth.RoleReadonly))
		s.APIRouter = r
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := s.DB.Ping(ctx); err != nil {
		s.Logger.Error("readiness check: database ping failed", "error", err)
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "database not ready")
		return
	}
	if err := s.Backing.Ping(ctx); err != nil {
		s.Logger.Error("readiness check: store ping failed", "error", err)
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "store not ready")
		return
	}

	Respond(w, http.StatusOK, map[string]string{"status": "ready"})
}
