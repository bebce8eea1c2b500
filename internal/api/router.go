/**
 * @description
 * HTTP router setup for the ledger-service using go-chi/chi.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new Chi router and registers the ledger routes.
// metrics may be nil when no registry is exported.
func NewRouter(h *Handler, jwksURL string, internalKey string, metrics http.Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Device-Fingerprint", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Ledger service is healthy"))
	})
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalKey))
		r.Get("/accounts/{account_id}", h.handleGetAccountInternal)
		r.Post("/charges", h.handleCharge)
		r.Post("/credits", h.handleCredit)
		r.Post("/refunds", h.handleRefund)
		r.Post("/entry-rewards", h.handleGrantEntryRewardInternal)
		r.Post("/groups/{group_id}/provisioning", h.handleProvisioningResult)
		r.Post("/groups/{group_id}/remove", h.handleRemoveGroup)
		r.Post("/groups/{group_id}/unpin", h.handleUnpinGroup)
		r.Get("/groups/{group_id}/reward-pool", h.handleGetRewardPool)
		r.Patch("/groups/{group_id}/reward-pool", h.handleUpdateRewardPool)
	})

	r.Group(func(r chi.Router) {
		r.Use(ClerkAuthMiddleware(jwksURL))
		r.Get("/accounts/me", h.handleGetMyAccount)
		r.Get("/accounts/me/entries", h.handleListMyEntries)
		r.Post("/groups", h.handleCreateGroup)
		r.Get("/groups/{group_id}", h.handleGetGroup)
		r.Post("/groups/{group_id}/pin", h.handlePinGroup)
		r.Post("/groups/{group_id}/entry-reward", h.handleGrantEntryReward)
	})

	return r
}
