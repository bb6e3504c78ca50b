package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/lalithlochan/classpush/internal/metrics"
	"github.com/lalithlochan/classpush/internal/redis"
)

// RouterConfig carries the cross-cutting settings of the HTTP surface.
type RouterConfig struct {
	AllowedOrigins []string
	AdminAPIKey    string
	// RateLimiter throttles registration per client IP; nil disables it.
	RateLimiter *redis.RateLimiter
}

// NewRouter mounts the live activity API, health and metrics.
func NewRouter(h *Handler, cfg RouterConfig, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders: []string{"X-Idempotency-Replayed", "Retry-After"},
		MaxAge:         300,
	}))
	r.Use(metrics.Middleware)
	r.Use(RequestLogger(logger))

	r.Route("/api/live-activity", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(RateLimitMiddleware(cfg.RateLimiter, logger, IPKeyFunc))

			r.Post("/push-to-start", h.RegisterPushToStart)
			r.Post("/activity-token", h.RegisterActivityToken)
			r.Post("/apns-token", h.RegisterAPNsToken)
		})

		r.Group(func(r chi.Router) {
			r.Use(RequireAPIKey(cfg.AdminAPIKey))

			r.Post("/{action:start|update|wake|end}", h.Trigger)
			r.Get("/tokens", h.ListTokens)
			r.Delete("/tokens", h.DeleteToken)
			r.Get("/stats", h.Stats)
			r.Get("/status", h.Status)
		})
	})

	r.Get("/health", h.Health)
	r.Get("/ready", h.Ready)
	r.Handle("/metrics", metrics.Handler())

	return r
}
