package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wisbric/packrun/internal/problem"
	"github.com/wisbric/packrun/internal/version"
)

// Checker is a trivial readiness probe against one dependency (ledger, KV,
// queue, object store). Ping should be cheap and bounded.
type Checker interface {
	Ping(ctx context.Context) error
}

// NamedChecker pairs a Checker with the subsystem name that /readyz reports
// in its JSON "checks" list when the check fails.
type NamedChecker struct {
	Name    string
	Checker Checker
}

// ServerConfig holds the parameters NewServer needs, decoupled from the
// application config struct.
type ServerConfig struct {
	CORSAllowedOrigins []string
}

// Server holds the HTTP server's router and cross-cutting dependencies.
type Server struct {
	Router    *chi.Mux
	APIRouter chi.Router // mounted at /v1

	logger    *slog.Logger
	checkers  []NamedChecker
	startedAt time.Time
}

// NewServer creates an HTTP server with middleware and health/metrics
// endpoints mounted. Domain handlers are mounted on APIRouter afterward.
func NewServer(cfg ServerConfig, logger *slog.Logger, metricsReg *prometheus.Registry, checkers []NamedChecker) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		logger:    logger,
		checkers:  checkers,
		startedAt: time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)

	wildcardOnly := len(cfg.CORSAllowedOrigins) == 1 && cfg.CORSAllowedOrigins[0] == "*"
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-ID", "Idempotency-Key"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: !wildcardOnly,
		MaxAge:           300,
	}))

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)
	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	s.Router.Route("/v1", func(r chi.Router) {
		s.APIRouter = r
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	problem.Respond(w, http.StatusOK, map[string]string{"status": "ok", "version": version.Version})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	type checkResult struct {
		Name   string `json:"name"`
		Status string `json:"status"`
		Error  string `json:"error,omitempty"`
	}

	checks := make([]checkResult, 0, len(s.checkers))
	allOK := true

	for _, c := range s.checkers {
		if err := c.Checker.Ping(ctx); err != nil {
			s.logger.Error("readiness check failed", "subsystem", c.Name, "error", err)
			checks = append(checks, checkResult{Name: c.Name, Status: "fail", Error: err.Error()})
			allOK = false
		} else {
			checks = append(checks, checkResult{Name: c.Name, Status: "ok"})
		}
	}

	status := "ready"
	httpStatus := http.StatusOK
	if !allOK {
		status = "unavailable"
		httpStatus = http.StatusServiceUnavailable
	}

	problem.Respond(w, httpStatus, map[string]any{
		"status": status,
		"checks": checks,
	})
}
