package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/meetsync/internal/metrics"
)

type RouterConfig struct {
	AdminKey string
	Limiter  Limiter // nil disables rate limiting
	Health   func(ctx context.Context) error
	Logger   *zap.Logger
}

// NewRouter mounts every route on a chi router.
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(RequestLogger(cfg.Logger))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/hooks/calendly/{clientID}", h.ProviderCallback)

		r.Group(func(r chi.Router) {
			r.Use(RateLimitMiddleware(cfg.Limiter, cfg.Logger, ClientTokenKeyFunc))
			r.Use(ClientAuth(h.bookings, cfg.Logger))

			r.Post("/occurrences/bookings", h.IngestBooking)
			r.Post("/occurrences/artifacts", h.AttachArtifact)
			r.Get("/dashboard", h.Dashboard)
		})

		r.Route("/admin/clients/{id}", func(r chi.Router) {
			r.Use(AdminAuth(cfg.AdminKey))

			r.Post("/onboard", h.Onboard)
			r.Post("/offboard", h.Offboard)
			r.Get("/subscriptions", h.Subscriptions)
			r.Put("/provider", h.UpdateProvider)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Health != nil {
			if err := cfg.Health(r.Context()); err != nil {
				cfg.Logger.Warn("health check failed", zap.Error(err))
				writeError(w, http.StatusServiceUnavailable, "unhealthy", "Dependency unavailable", "")
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Handle("/metrics", metrics.Handler())

	return r
}
