/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the web client
  5. httprate:   Login attempts per IP (5 per 15 minutes by default)
  6. RequireSession: everything under /api except register and login

ROUTE GROUPS:
  /api/auth/*           Registration, login, logout
  /api/accounts/*       Accounts, balances, adjustments, roles
  /api/bookings/*       Booking lifecycle
  /api/commission       Commission rate
  /api/transactions     Operator view of the log
  /api/notifications    In-app inbox
  /api/scenarios/*      Demo scenarios
  /healthz              Liveness

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
)

// RouterConfig holds the tunables of the HTTP surface.
type RouterConfig struct {
	AllowedOrigins []string
	LoginLimit     int
	LoginWindow    time.Duration
}

func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		AllowedOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
		LoginLimit:     5,
		LoginWindow:    15 * time.Minute,
	}
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	if cfg.LoginLimit <= 0 {
		cfg.LoginLimit = 5
	}
	if cfg.LoginWindow <= 0 {
		cfg.LoginWindow = 15 * time.Minute
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		// Public routes
		r.Route("/auth", func(r chi.Router) {
			r.Post("/register", h.Register)
			r.With(httprate.LimitByIP(cfg.LoginLimit, cfg.LoginWindow)).Post("/login", h.Login)
			r.Post("/logout", h.Logout)
		})
		r.Get("/scenarios", h.ListScenarios)

		// Authenticated routes
		r.Group(func(r chi.Router) {
			r.Use(h.RequireSession)

			r.Route("/accounts", func(r chi.Router) {
				r.Get("/", h.ListAccounts)
				r.Get("/me", h.GetMe)
				r.Get("/{id}", h.GetAccount)
				r.Get("/{id}/transactions", h.GetTransactions)
				r.Post("/{id}/adjustments", h.CreateAdjustment)
				r.Put("/{id}/role", h.ChangeRole)
			})

			r.Route("/bookings", func(r chi.Router) {
				r.Get("/", h.ListBookings)
				r.Post("/", h.CreateBooking)
				r.Get("/{id}", h.GetBooking)
				r.Post("/{id}/accept", h.AcceptBooking)
				r.Post("/{id}/reject", h.RejectBooking)
			})

			r.Get("/commission", h.GetCommission)
			r.Put("/commission", h.SetCommission)
			r.Get("/transactions", h.RecentTransactions)
			r.Get("/notifications", h.ListNotifications)
			r.Delete("/notifications", h.ClearNotifications)

			r.Get("/scenarios/current", h.GetCurrentScenario)
			r.Post("/scenarios/load", h.LoadScenario)
		})
	})

	return r
}
