package routes

import (
	"github.com/go-chi/chi/v5"

	"github.com/MrSnakeDoc/minienv/internal/httpserver/deps"
	"github.com/MrSnakeDoc/minienv/internal/httpserver/handlers"
	"github.com/MrSnakeDoc/minienv/internal/httpserver/mw"
)

func init() { Register(registerOperator) }

func registerOperator(r chi.Router, d deps.Deps) {
	restricted := r.With(mw.AllowOnlyCIDRS(d.AllowedCIDRS, d.TrustProxy, d.Logger))
	restricted.Get("/api/status", handlers.Status(d))
	restricted.Post("/api/reconcile", handlers.Reconcile(d))
}
