package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/observability"
)

type RouterConfig struct {
	Webhooks      *WebhookHandler
	HealthHandler *observability.HealthHandler
	Metrics       *observability.Metrics
	Logger        *slog.Logger
}

// NewRouter wires the webhook endpoints with logging, metrics, and health
// probes.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(observability.LoggingMiddleware(cfg.Logger))
	if cfg.Metrics != nil {
		r.Use(observability.MetricsMiddleware(cfg.Metrics))
	}

	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/{provider}", cfg.Webhooks.Receive)
		r.Options("/{provider}", cfg.Webhooks.Preflight)
	})

	if cfg.HealthHandler != nil {
		r.Get("/health", cfg.HealthHandler.Health)
		r.Get("/ready", cfg.HealthHandler.Ready)
	}
	r.Handle("/metrics", promhttp.Handler())

	return r
}
