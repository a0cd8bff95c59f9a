package server

import (
	"crypto/rsa"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns a configured chi.Router for the report API.
//
// Route layout:
//
//	GET /healthz                    – liveness probe (no authentication)
//	GET /api/v1/runs                – list persisted analysis runs
//	GET /api/v1/runs/{id}/hotspots  – ranked hotspots of one run
//
// pubKey is the RSA public key used to verify RS256 Bearer tokens on all
// /api routes. Pass nil to disable JWT validation (useful for local use and
// in tests that cover only request parsing / response formatting).
func NewRouter(srv *Server, pubKey *rsa.PublicKey) http.Handler {
	r := chi.NewRouter()

	// Built-in chi middleware for observability and hygiene.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health check – no authentication.
	r.Get("/healthz", srv.handleHealthz)

	// Authenticated API routes.
	r.Route("/api/v1", func(r chi.Router) {
		if pubKey != nil {
			r.Use(RequireToken(pubKey))
		}

		r.Get("/runs", srv.handleListRuns)
		r.Get("/runs/{id}/hotspots", srv.handleGetHotspots)
	})

	return r
}
