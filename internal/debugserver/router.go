package debugserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns a configured chi.Router for the tracer's debug API.
//
// Route layout:
//
//	GET /healthz                     – liveness probe (no authentication required)
//	GET /api/v1/tasks                – Task index query (bearer token required)
//	GET /api/v1/modules              – Module index query (bearer token required)
//	GET /api/v1/tracenodes/{root}    – one root's direct call-graph children (bearer token required)
//	GET /api/v1/stats                – diagnostic counters (bearer token required)
//	GET /api/v1/backtrack-mode       – current page_free_always_backtrack setting (bearer token required)
//	PUT /api/v1/backtrack-mode       – flip page_free_always_backtrack, the need_page_free_always_backtrack() hook (bearer token required)
//
// secret is the HS256 shared secret validating Bearer tokens on all /api
// routes. Pass nil to disable authentication; main never does, since it
// always passes config.DebugToken, which config.validate requires whenever
// debug_addr is set (see internal/config).
func NewRouter(srv *Server, secret []byte) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)

	r.Route("/api/v1", func(r chi.Router) {
		if secret != nil {
			r.Use(JWTMiddleware(secret))
		}

		r.Get("/tasks", srv.handleGetTasks)
		r.Get("/modules", srv.handleGetModules)
		r.Get("/tracenodes/{root}", srv.handleGetTracenodeChildren)
		r.Get("/stats", srv.handleGetStats)
		r.Get("/backtrack-mode", srv.handleGetBacktrackMode)
		r.Put("/backtrack-mode", srv.handleSetBacktrackMode)
	})

	return r
}
