package server

import (
	"net/http"

	"github.com/qiyuan-lin/convsearch/pkg/health"
	"github.com/qiyuan-lin/convsearch/pkg/metrics"
	"github.com/qiyuan-lin/convsearch/pkg/middleware"
)

// NewRouter wires the API routes and middleware chain.
//
// Route table:
//
//	GET  /api/v1/search           → keyword search (scope=all fans out)
//	GET  /api/v1/search/prewarm   → schedule background index builds
//	POST /api/v1/invalidate       → drop indexes after a mutation
//	GET  /api/v1/collections      → list collections and readiness
//	GET  /api/v1/cache/stats      → result cache counters
//	GET  /health/live             → liveness probe
//	GET  /health/ready            → readiness probe
//
// Middleware chain (outermost first): RequestID → Metrics → handler.
func NewRouter(h *Handler, checker *health.Checker, m *metrics.Metrics) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/search", h.Search)
	mux.HandleFunc("GET /api/v1/search/prewarm", h.Prewarm)
	mux.HandleFunc("POST /api/v1/invalidate", h.Invalidate)
	mux.HandleFunc("GET /api/v1/collections", h.Collections)
	mux.HandleFunc("GET /api/v1/cache/stats", h.CacheStats)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	var chain http.Handler = mux
	if m != nil {
		chain = middleware.Metrics(m)(chain)
	}
	chain = middleware.RequestID(chain)
	return chain
}
