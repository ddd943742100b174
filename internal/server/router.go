package server

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/cloo-solutions/siriusdms/internal/api"
	"github.com/cloo-solutions/siriusdms/internal/api/handlers"
	"github.com/cloo-solutions/siriusdms/internal/api/middleware"
	"github.com/go-chi/chi/v5"
)

// HealthCheck reports whether a backing service is reachable.
type HealthCheck func(ctx context.Context) error

type RouterConfig struct {
	DocumentHandler *handlers.DocumentHandler
	QueryHandler    *handlers.QueryHandler
	Metrics         http.Handler
	HealthChecks    map[string]HealthCheck
	// ModelAvailable is informational; an unloaded model degrades answers but
	// does not make the service unhealthy.
	ModelAvailable func() bool
}

const healthTimeout = 3 * time.Second

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	const maxBodyBytes int64 = 5 * 1024 * 1024

	r.Use(middleware.RequestID)
	r.Use(middleware.Sentry)
	r.Use(middleware.AccessLog)
	r.Use(middleware.LimitBody(maxBodyBytes))

	r.Get("/health", healthHandler(cfg))
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Route("/documents/{id}", func(r chi.Router) {
		r.Post("/ingest", cfg.DocumentHandler.Ingest)
		r.Get("/ingestion", cfg.DocumentHandler.Status)
		r.Delete("/chunks", cfg.DocumentHandler.DeleteChunks)
	})

	r.Post("/query", cfg.QueryHandler.Query)
	r.Post("/classify", cfg.QueryHandler.Classify)

	return r
}

func healthHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		names := make([]string, 0, len(cfg.HealthChecks))
		for name := range cfg.HealthChecks {
			names = append(names, name)
		}
		sort.Strings(names)

		status := http.StatusOK
		checks := make(map[string]string, len(names)+1)
		for _, name := range names {
			if err := cfg.HealthChecks[name](ctx); err != nil {
				checks[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			checks[name] = "ok"
		}
		if cfg.ModelAvailable != nil {
			checks["model"] = "unavailable"
			if cfg.ModelAvailable() {
				checks["model"] = "loaded"
			}
		}

		body := map[string]interface{}{"status": "ok", "checks": checks}
		if status != http.StatusOK {
			body["status"] = "degraded"
		}
		api.Success(w, status, body)
	}
}
