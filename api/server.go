/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests from the kiosk frontend
  5. Idempotency (purchase route only, when a cache is configured)

ROUTE GROUPS:
  /api/purchase         Purchase engine
  /api/drinks/*         Catalog management
  /api/money/*          Drawer (machine cash)
  /api/user_money/*     Wallet (customer cash)
  /api/purchases        History
  /health               Liveness

SECURITY NOTE:
  No authentication middleware. The admin routes are meant for a trusted
  kiosk network.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/warp/vending-engine/vending"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	// AllowedOrigins defaults to the local kiosk frontend.
	AllowedOrigins []string
	// Idempotency makes keyed POST /api/purchase requests run at most once.
	Idempotency IdempotencyStore
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", IdempotencyHeader},
		AllowCredentials: true,
	}))

	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if opts.Idempotency != nil {
				r.Use(Idempotency(opts.Idempotency, h.Logger))
			}
			r.Post("/purchase", h.Purchase)
		})

		r.Route("/drinks", func(r chi.Router) {
			r.Get("/", h.ListDrinks)
			r.Post("/", h.CreateDrink)
			r.Get("/{id}", h.GetDrink)
			r.Post("/edit/{id}", h.EditDrink)
		})

		r.Route("/money", func(r chi.Router) {
			r.Get("/", h.ListMoney(vending.LedgerDrawer))
			r.Post("/edit/{id}", h.EditMoney(vending.LedgerDrawer))
		})

		r.Route("/user_money", func(r chi.Router) {
			r.Get("/", h.ListMoney(vending.LedgerWallet))
			r.Post("/edit/{id}", h.EditMoney(vending.LedgerWallet))
		})

		r.Get("/purchases", h.ListPurchases)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not found", nil)
	})

	return r
}
