package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/instancewatch/server/internal/sync"
)

// Config holds API router configuration
type Config struct {
	Resolver    StatusReader
	SyncManager *sync.Manager
	MinScore    float64
	// RefreshSecret enables the refresh webhook when set
	RefreshSecret string
	Logger        *slog.Logger
}

// NewRouter creates a new HTTP router with all API routes
func NewRouter(cfg Config) http.Handler {
	r := chi.NewRouter()

	// Base middleware
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	handlers := NewHandlers(cfg.Resolver, cfg.SyncManager, cfg.MinScore, cfg.Logger)

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	if cfg.RefreshSecret != "" {
		webhookHandler := sync.NewWebhookHandler(cfg.RefreshSecret, cfg.SyncManager, cfg.Logger)
		r.Post("/webhooks/refresh", webhookHandler.ServeHTTP)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", handlers.Health)
		r.Get("/ping", handlers.Ping)
		r.Get("/version", handlers.Version)

		r.Get("/instances", handlers.ListInstances)
		r.Post("/instances/refresh", handlers.RefreshInstances)
		r.Get("/instances/{instanceID}", handlers.GetInstance)
	})

	return r
}
