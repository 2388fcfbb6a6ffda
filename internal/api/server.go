package api

import (
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shehryarbajwa/pagepulse/internal/ratelimit"
)

// ControlRequestsPerMinute bounds page control calls per client
const ControlRequestsPerMinute = 120

// SetupRoutes configures all HTTP routes
func (h *Handler) SetupRoutes(gatherer prometheus.Gatherer, rateLimiter *ratelimit.Limiter) *mux.Router {
	r := mux.NewRouter()

	// API v1 routes
	api := r.PathPrefix("/v1").Subrouter()

	// Control endpoints (rate limited)
	control := api.PathPrefix("").Subrouter()
	control.Use(RateLimitMiddleware(rateLimiter, ControlRequestsPerMinute))
	control.HandleFunc("/pages", h.OpenPage).Methods("POST", "OPTIONS")
	control.HandleFunc("/pages/close", h.ClosePage).Methods("POST", "OPTIONS")
	control.HandleFunc("/checkpoints", h.Checkpoint).Methods("POST", "OPTIONS")
	control.HandleFunc("/screenshots", h.CaptureScreenshot).Methods("POST", "OPTIONS")

	// Read endpoints (not rate limited - dashboards poll these)
	api.HandleFunc("/pages", h.ListPages).Methods("GET")
	api.HandleFunc("/pages/{index:[0-9]+}", h.GetPage).Methods("GET")
	api.HandleFunc("/violations", h.ListViolations).Methods("GET")
	api.HandleFunc("/requests", h.ListRequests).Methods("GET")
	api.HandleFunc("/thresholds", h.GetThresholds).Methods("GET")
	api.HandleFunc("/stream", h.Stream).Methods("GET")

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")

	r.Use(corsMiddleware)
	r.Use(loggingMiddleware)

	return r
}
