package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/render"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"hedgeapi/internal/budget"
	apierrors "hedgeapi/internal/errors"
	"hedgeapi/internal/infrastructure"
)

// RateLimit denies requests over the caller's per-IP budget with 429 and
// a Retry-After header. Webhook routes are mounted outside this
// middleware; Creem retries on its own schedule.
func RateLimit(guard *budget.Guard, metrics *infrastructure.RequestMetrics, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := GetClientIP(r)
			decision := guard.Allow(ip)
			if !decision.Allowed {
				logger.WarnContext(r.Context(), "rate limit exceeded",
					"method", r.Method,
					"path", r.URL.Path,
					"remote_ip", ip,
					"retry_after", decision.RetryAfter,
				)
				if metrics != nil {
					metrics.QuotaRejections.Add(r.Context(), 1,
						metric.WithAttributes(attribute.String("reason", "rate_limit")))
				}
				render.Render(w, r, apierrors.RateLimited(decision.RetryAfter))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// DailyQuota denies requests once the process-wide daily budget is spent,
// with 503 so clients back off until midnight UTC. Health and metrics
// probes are exempt; monitoring must keep working while the API sheds
// load.
func DailyQuota(quota *budget.DailyQuota, metrics *infrastructure.RequestMetrics, logger *slog.Logger) func(next http.Handler) http.Handler {
	exempt := map[string]bool{
		"/health":  true,
		"/metrics": true,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if exempt[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			if !quota.Consume() {
				logger.WarnContext(r.Context(), "daily request limit exceeded",
					"path", r.URL.Path,
					"used", quota.Used(),
					"max", quota.Max(),
				)
				if metrics != nil {
					metrics.QuotaRejections.Add(r.Context(), 1,
						metric.WithAttributes(attribute.String("reason", "daily_quota")))
				}
				render.Render(w, r, apierrors.DailyLimit())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Metrics records request count and latency per route.
func Metrics(metrics *infrastructure.RequestMetrics) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(ww, r)

			attrs := metric.WithAttributes(
				attribute.String("method", r.Method),
				attribute.String("path", r.URL.Path),
				attribute.Int("status", ww.status),
			)
			metrics.RequestsTotal.Add(r.Context(), 1, attrs)
			metrics.RequestDuration.Record(r.Context(), time.Since(start).Seconds(), attrs)
		})
	}
}
