package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lanternpress/membersync/internal/handlers"
	"github.com/lanternpress/membersync/internal/middleware"
)

// NewRouter constructs a ServeMux with the service routes registered.
func NewRouter(webhook *handlers.WebhookHandler, health *handlers.HealthHandler) http.Handler {
	mux := http.NewServeMux()

	// Webhook ingress
	mux.HandleFunc("POST /webhook/{site_id}", webhook.Handle)

	// Health and stats
	mux.HandleFunc("GET /healthz", health.Health)
	mux.HandleFunc("GET /stats", health.Stats)

	// Prometheus metrics
	mux.Handle("GET /metrics", promhttp.Handler())

	return middleware.RequestID(mux)
}
