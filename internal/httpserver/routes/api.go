package routes

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MrSnakeDoc/minienv/internal/httpserver/deps"
	"github.com/MrSnakeDoc/minienv/internal/httpserver/handlers"
	"github.com/MrSnakeDoc/minienv/internal/httpserver/mw"
)

// apiTimeout bounds every API call except up, which carries its own deploy timeout.
const apiTimeout = 10 * time.Second

func init() {
	Register(registerClaim)
	Register(registerPing)
	Register(registerUp)
	Register(registerWhitelist)
}

func registerClaim(r chi.Router, d deps.Deps) {
	limit := mw.RateLimit(mw.RateLimitConfig{
		Burst:      d.ClaimRateBurst,
		PerMinute:  d.ClaimRatePerMin,
		MaxClients: 10000,
		TrustProxy: d.TrustProxy,
		Logger:     d.Logger,
	})
	r.With(limit, middleware.Timeout(apiTimeout)).Post("/api/claim", handlers.Claim(d))
}

func registerPing(r chi.Router, d deps.Deps) {
	r.With(middleware.Timeout(apiTimeout)).Post("/api/ping", handlers.Ping(d))
}

func registerUp(r chi.Router, d deps.Deps) {
	r.Post("/api/up", handlers.Up(d))
}

func registerWhitelist(r chi.Router, d deps.Deps) {
	r.Get("/api/whitelist", handlers.Whitelist(d))
}
