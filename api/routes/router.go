package routes

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/badgekeep/badgekeep-backend/api/controllers"
	"github.com/badgekeep/badgekeep-backend/api/middleware"
	"github.com/badgekeep/badgekeep-backend/internal/ingest"
	"github.com/badgekeep/badgekeep-backend/internal/rules"
	"github.com/badgekeep/badgekeep-backend/pkg/config"
	"github.com/badgekeep/badgekeep-backend/pkg/logger"
)

// RouterParams bundle the dependencies the ingest API serves.
type RouterParams struct {
	Config    *config.Config
	Logger    *logger.Logger
	Ingest    ingest.Service
	Rules     *rules.Service
	DBPing    func(context.Context) error
	RedisPing func(context.Context) error
	Registry  *prometheus.Registry
}

// NewRouter assembles the ingest API: event publishing, rule administration,
// health, and metrics.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(params.Logger),
		middleware.RequestID(params.Logger),
		middleware.Logging(params.Logger),
	)

	checks := map[string]func() error{}
	if params.DBPing != nil {
		checks["database"] = func() error { return params.DBPing(context.Background()) }
	}
	if params.RedisPing != nil {
		checks["redis"] = func() error { return params.RedisPing(context.Background()) }
	}

	r.Get("/healthz", controllers.HealthLive(params.Config))
	r.Get("/readyz", controllers.HealthReady(params.Config, params.Logger, checks))

	if params.Registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(params.Registry, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/events", controllers.PublishEvent(params.Ingest, params.Logger))

		r.Route("/rules", func(r chi.Router) {
			r.Post("/", controllers.CreateRule(params.Rules, params.Logger))
			r.Get("/{ruleID}", controllers.GetRule(params.Rules, params.Logger))
			r.Patch("/{ruleID}/active", controllers.SetRuleActive(params.Rules, params.Logger))
		})
	})

	return r
}
