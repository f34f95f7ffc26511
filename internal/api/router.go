/**
 * @description
 * This file sets up the HTTP router for the reconciliation-service. It defines
 * the API endpoints, associates them with their corresponding handlers, and
 * applies the middleware each route group needs.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// ReconciliationRoutes creates and returns a new router for the reconciliation service.
func ReconciliationRoutes(h *ReconciliationHandlers, internalAPIKey, jwksURL string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/reconciliation/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Webhook ingress authenticates via the payload checksum, no middleware.
	r.Post("/reconciliation/webhooks/gateway", h.WebhookHandler)

	// Server-to-server creation endpoint behind the shared internal key.
	r.Group(func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalAPIKey))
		r.Post("/reconciliation/transactions", h.CreateTransactionHandler)
	})

	// Read access for operator tooling behind bearer auth.
	r.Group(func(r chi.Router) {
		r.Use(BearerAuthMiddleware(jwksURL))
		r.Get("/reconciliation/transactions/{reference}", h.GetTransactionHandler)
	})

	return r
}
