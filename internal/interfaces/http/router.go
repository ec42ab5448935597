package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/turtacn/nl2sql-engine/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/nl2sql-engine/internal/infrastructure/monitoring/prometheus"
	"github.com/turtacn/nl2sql-engine/internal/interfaces/http/handlers"
	"github.com/turtacn/nl2sql-engine/internal/interfaces/http/middleware"
)

// RouterConfig aggregates the handler and middleware dependencies of the
// route tree. Nil handlers leave their routes unregistered.
type RouterConfig struct {
	NL2SQLHandler *handlers.NL2SQLHandler
	HealthHandler *handlers.HealthHandler

	Logger           logging.Logger
	LoggingConfig    *middleware.LoggingConfig
	MetricsCollector prometheus.MetricsCollector
	Metrics          *prometheus.PipelineMetrics
}

// NewRouter builds the complete route tree.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	if cfg.Logger != nil {
		lc := middleware.DefaultLoggingConfig()
		if cfg.LoggingConfig != nil {
			lc = *cfg.LoggingConfig
		}
		r.Use(middleware.RequestLogging(cfg.Logger, lc))
	}
	r.Use(middleware.Metrics(cfg.Metrics))
	r.Use(chimw.Recoverer)

	// --- Probes ---
	if cfg.HealthHandler != nil {
		r.Get("/healthz", cfg.HealthHandler.Liveness)
		r.Get("/readyz", cfg.HealthHandler.Readiness)
	}
	if cfg.MetricsCollector != nil {
		r.Handle("/metrics", cfg.MetricsCollector.Handler())
	}

	// --- API v1 ---
	r.Route("/api/v1", func(api chi.Router) {
		registerNL2SQLRoutes(api, cfg.NL2SQLHandler)
	})

	return r
}

// registerNL2SQLRoutes mounts the parsing endpoints and the run history.
func registerNL2SQLRoutes(r chi.Router, h *handlers.NL2SQLHandler) {
	if h == nil {
		return
	}
	r.Post("/mine", h.Mine)
	r.Post("/hypotheses", h.Hypotheses)
	r.Post("/parse", h.Parse)

	r.Route("/runs", func(rr chi.Router) {
		rr.Get("/", h.ListRuns)
		rr.Get("/{runID}", h.GetRun)
	})
}
