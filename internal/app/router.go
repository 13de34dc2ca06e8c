package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	invoicinghttp "github.com/odyssey-erp/invoicing/internal/invoicing/http"
	"github.com/odyssey-erp/invoicing/internal/observability"
	"github.com/odyssey-erp/invoicing/internal/platform/httpx"
	"github.com/odyssey-erp/invoicing/jobs"
)

// HealthChecker reports whether a backing service is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger           *slog.Logger
	Config           *Config
	InvoicingHandler *invoicinghttp.Handler
	JobHandler       *jobs.Handler
	Metrics          *observability.Metrics
	// Checks are probed by /readyz, keyed by name.
	Checks map[string]HealthChecker
}

// NewRouter constructs the chi.Router with service defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", readinessHandler(params.Checks))

	if params.InvoicingHandler != nil {
		r.Route("/api", params.InvoicingHandler.MountRoutes)
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	return r
}

func readinessHandler(checks map[string]HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		status := http.StatusOK
		result := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check.Ping(ctx); err != nil {
				status = http.StatusServiceUnavailable
				result[name] = err.Error()
				continue
			}
			result[name] = "ok"
		}
		httpx.JSON(w, status, result)
	}
}
