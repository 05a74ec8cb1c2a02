package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/aledz7/df-graficas-sub014/internal/ar"
	"github.com/aledz7/df-graficas-sub014/internal/catalog"
	"github.com/aledz7/df-graficas-sub014/internal/observability"
	serviceorderhttp "github.com/aledz7/df-graficas-sub014/internal/serviceorder/http"
	"github.com/aledz7/df-graficas-sub014/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	OrderHandler   *serviceorderhttp.Handler
	CatalogHandler *catalog.Handler
	ARHandler      *ar.Handler
	JobHandler     *jobs.Handler
	Metrics        *observability.Metrics
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
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if params.Metrics != nil {
		r.Handle("/metrics", params.Metrics.Handler())
	}

	r.Route("/api", func(api chi.Router) {
		if params.OrderHandler != nil {
			api.Route("/os", params.OrderHandler.MountRoutes)
		}
		if params.CatalogHandler != nil {
			api.Route("/catalog", params.CatalogHandler.MountRoutes)
		}
		if params.ARHandler != nil {
			api.Route("/receivables", params.ARHandler.MountRoutes)
		}
	})
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	return r
}
