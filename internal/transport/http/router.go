package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"hedgeapi/internal/budget"
	"hedgeapi/internal/infrastructure"
	"hedgeapi/internal/middleware"
)

// RouterConfig carries everything the route tree needs.
type RouterConfig struct {
	Licenses       *LicenseHandler
	Health         *HealthHandler
	Webhooks       *WebhookHandler
	Guard          *budget.Guard
	Quota          *budget.DailyQuota
	Metrics        *infrastructure.RequestMetrics
	MetricsHandler http.Handler
	TrustedProxies []string
	AllowedOrigins []string
	EnableCORS     bool
	Logger         *slog.Logger
}

// NewRouter builds the route tree. The daily quota covers everything but
// health and metrics; the per-IP rate limit covers only the license
// endpoints, since Creem retries webhooks on its own schedule and health
// probes must never be throttled.
func NewRouter(cfg RouterConfig) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.ClientIP(cfg.TrustedProxies))
	r.Use(middleware.StructuredLogger(cfg.Logger))
	r.Use(middleware.Recoverer(cfg.Logger))
	r.Use(middleware.SecurityHeaders)
	if cfg.EnableCORS {
		r.Use(middleware.CORS(cfg.AllowedOrigins))
	}
	r.Use(middleware.Metrics(cfg.Metrics))
	r.Use(middleware.DailyQuota(cfg.Quota, cfg.Metrics, cfg.Logger))

	r.Get("/health", cfg.Health.Handle)
	if cfg.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", cfg.MetricsHandler)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Route("/license", func(r chi.Router) {
			r.Use(middleware.RateLimit(cfg.Guard, cfg.Metrics, cfg.Logger))
			r.Get("/status", cfg.Licenses.Status)
			r.Post("/validate", cfg.Licenses.Validate)
			r.Post("/heartbeat", cfg.Licenses.Heartbeat)
			r.Post("/deactivate", cfg.Licenses.Deactivate)
		})
		r.Post("/webhooks/creem", cfg.Webhooks.Handle)
	})

	return r
}
