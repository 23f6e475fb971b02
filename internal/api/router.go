package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/betpool/pool-engine/internal/metrics"
)

// NewRouter wires the handlers, the WebSocket hub and the middleware stack.
// hub and rl may be nil.
func NewRouter(h *Handler, hub *WSHub, rl *RateLimiter) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(cors)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"pool-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if hub != nil {
			r.Get("/ws", hub.HandleWS)
		}

		r.Group(func(r chi.Router) {
			r.Use(rl.Middleware)

			// Accounts and the transaction log.
			r.Post("/accounts", h.OpenAccount)
			r.Get("/accounts/{accountID}", h.GetAccount)
			r.Get("/accounts/{accountID}/transactions", h.GetStatement)
			r.Get("/accounts/{accountID}/pools", h.AccountPools)
			r.Get("/accounts/{accountID}/audit", h.AuditAccount)
			r.Get("/transactions/recent", h.RecentTransactions)

			// Templates and instances.
			r.Post("/templates", h.CreateTemplate)
			r.Post("/templates/bulk", h.CreateTemplates)
			r.Get("/templates/{templateID}", h.GetTemplate)
			r.Post("/templates/{templateID}/instances", h.Instantiate)
			r.Post("/templates/{templateID}/settle", h.SettleTemplate)

			// Pools and wagers.
			r.Get("/pools", h.ListPools)
			r.Post("/pools", h.CreatePool)
			r.Get("/pools/{poolID}", h.GetPool)
			r.Get("/pools/{poolID}/projection", h.GetProjection)
			r.Post("/pools/{poolID}/wagers", h.PlaceWager)
			r.Delete("/pools/{poolID}/wagers/{accountID}", h.CancelWager)
			r.Post("/pools/{poolID}/settle", h.SettlePool)
			r.Post("/pools/{poolID}/cancel", h.CancelPool)
			r.Post("/join", h.Join)
		})
	})

	return r
}

// cors allows cross-origin requests from the frontend.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
