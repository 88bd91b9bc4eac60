// Package server is the thin HTTP host around the search engine:
// request parsing, collection resolution, and response shaping. All
// indexing and query semantics live in the engine.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/qiyuan-lin/convsearch/internal/engine"
	"github.com/qiyuan-lin/convsearch/internal/query"
	"github.com/qiyuan-lin/convsearch/internal/source"
	"github.com/qiyuan-lin/convsearch/pkg/config"
	"github.com/qiyuan-lin/convsearch/pkg/errors"
	"github.com/qiyuan-lin/convsearch/pkg/logger"
)

// Handler serves the search API against one DirSource.
type Handler struct {
	engine       *engine.Engine
	src          *source.DirSource
	defaultLimit int
	logger       *slog.Logger
}

// New creates a Handler.
func New(eng *engine.Engine, src *source.DirSource, cfg config.SearchConfig) *Handler {
	defaultLimit := cfg.DefaultLimit
	if defaultLimit <= 0 {
		defaultLimit = engine.DefaultLimit
	}
	return &Handler{
		engine:       eng,
		src:          src,
		defaultLimit: defaultLimit,
		logger:       logger.WithComponent("search-handler"),
	}
}

// allResult is one hit of a cross-collection search.
type allResult struct {
	query.Result
	Collection string `json:"collection"`
}

// allResponse is the response shape for scope=all searches.
type allResponse struct {
	Query   string             `json:"query"`
	Scope   string             `json:"scope"`
	Ready   bool               `json:"ready"`
	Results []allResult        `json:"results"`
	Stats   engine.SearchStats `json:"stats"`
}

// Search handles GET /api/v1/search?q=...&collection=...&scope=...&limit=...
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	limit := h.parseLimit(r)

	if r.URL.Query().Get("scope") == "all" {
		h.searchAll(w, r, q, limit)
		return
	}

	collection := r.URL.Query().Get("collection")
	if collection == "" {
		collections, err := h.src.Collections()
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		if len(collections) == 0 {
			h.writeJSON(w, http.StatusOK, &engine.SearchResponse{
				Query:   q,
				Ready:   true,
				Results: []query.Result{},
			})
			return
		}
		collection = collections[0]
	}

	resp, err := h.engine.Search(r.Context(), collection, h.src, q, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// searchAll fans one query out over every collection and merges the
// ranked results. Builds are warmed first so cold collections answer
// ready=false instead of blocking the request.
func (h *Handler) searchAll(w http.ResponseWriter, r *http.Request, q string, limit int) {
	start := time.Now()
	collections, err := h.src.Collections()
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	out := allResponse{
		Query:   q,
		Scope:   "all",
		Ready:   true,
		Results: []allResult{},
	}
	for _, collection := range collections {
		h.engine.ScheduleBuild(collection, h.src)
	}
	for _, collection := range collections {
		resp, err := h.engine.Search(r.Context(), collection, h.src, q, limit)
		if err != nil {
			// One broken collection must not fail the whole fan-out.
			h.logger.Warn("collection search failed",
				"collection", collection,
				"error", err,
			)
			continue
		}
		if !resp.Ready {
			out.Ready = false
		}
		out.Stats.DocCount += resp.Stats.DocCount
		for _, res := range resp.Results {
			out.Results = append(out.Results, allResult{Result: res, Collection: collection})
		}
	}

	sort.Slice(out.Results, func(i, j int) bool {
		a, b := out.Results[i], out.Results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Collection != b.Collection {
			return a.Collection < b.Collection
		}
		return a.ID < b.ID
	})
	limit = engine.ClampLimit(limit)
	if len(out.Results) > limit {
		out.Results = out.Results[:limit]
	}
	out.Stats.TookMs = time.Since(start).Milliseconds()
	h.writeJSON(w, http.StatusOK, out)
}

// Prewarm handles GET /api/v1/search/prewarm?scope=all|collection=...
// scheduling background builds without blocking.
func (h *Handler) Prewarm(w http.ResponseWriter, r *http.Request) {
	var targets []string
	if collection := r.URL.Query().Get("collection"); collection != "" && r.URL.Query().Get("scope") != "all" {
		targets = []string{collection}
	} else {
		collections, err := h.src.Collections()
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		targets = collections
	}
	for _, collection := range targets {
		h.engine.ScheduleBuild(collection, h.src)
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":      "scheduled",
		"collections": targets,
	})
}

// Invalidate handles POST /api/v1/invalidate?collection=... — no
// collection means invalidate everything. The host calls this after
// renames, deletes, or source reconfiguration.
func (h *Handler) Invalidate(w http.ResponseWriter, r *http.Request) {
	collection := r.URL.Query().Get("collection")
	if collection == "" {
		h.engine.InvalidateAll()
	} else {
		h.engine.Invalidate(collection)
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

// Collections handles GET /api/v1/collections, listing collection
// names with their index readiness.
func (h *Handler) Collections(w http.ResponseWriter, r *http.Request) {
	collections, err := h.src.Collections()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	type entry struct {
		Name  string `json:"name"`
		Ready bool   `json:"ready"`
	}
	out := make([]entry, 0, len(collections))
	for _, c := range collections {
		out = append(out, entry{Name: c, Ready: h.engine.Ready(c)})
	}
	h.writeJSON(w, http.StatusOK, out)
}

// CacheStats handles GET /api/v1/cache/stats.
func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	hits, misses := h.engine.CacheStats()
	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"hits":     hits,
		"misses":   misses,
		"total":    total,
		"hit_rate": strconv.FormatFloat(hitRate, 'f', 1, 64) + "%",
	})
}

func (h *Handler) parseLimit(r *http.Request) int {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return h.defaultLimit
	}
	parsed, err := strconv.Atoi(limitStr)
	if err != nil {
		return h.defaultLimit
	}
	return engine.ClampLimit(parsed)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	log := logger.FromContext(r.Context())
	status := errors.HTTPStatusCode(err)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "path", r.URL.Path, "error", err)
	} else {
		log.Warn("request rejected", "path", r.URL.Path, "error", err)
	}
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}
