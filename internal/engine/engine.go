package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/qiyuan-lin/convsearch/internal/cache"
	"github.com/qiyuan-lin/convsearch/internal/index/tokenizer"
	"github.com/qiyuan-lin/convsearch/internal/query"
	"github.com/qiyuan-lin/convsearch/internal/source"
	"github.com/qiyuan-lin/convsearch/pkg/config"
	"github.com/qiyuan-lin/convsearch/pkg/errors"
	"github.com/qiyuan-lin/convsearch/pkg/logger"
	"github.com/qiyuan-lin/convsearch/pkg/metrics"
)

const (
	// DefaultLimit and MaxLimit bound the per-query result count.
	// Out-of-range limits are clamped, never rejected.
	DefaultLimit = 50
	MaxLimit     = 200
)

// SearchStats reports sizing and timing for one search call.
type SearchStats struct {
	DocCount int   `json:"docCount"`
	TookMs   int64 `json:"tookMs"`
}

// SearchResponse is the engine's answer to one search call. Ready
// false means the collection's index is still building and the caller
// should poll again; it is not an error.
type SearchResponse struct {
	Query      string         `json:"query"`
	Collection string         `json:"collection"`
	Ready      bool           `json:"ready"`
	Results    []query.Result `json:"results"`
	Stats      SearchStats    `json:"stats"`
}

// Engine is the searchable front of the indexing core: it coordinates
// builds, runs queries against ready snapshots, and memoizes results
// per index generation.
type Engine struct {
	coord   *Coordinator
	cache   *cache.ResultCache
	queries *query.Engine
	grace   time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates an Engine from config. m may be nil to disable metrics.
func New(cfg config.EngineConfig, m *metrics.Metrics) *Engine {
	grace := cfg.ReadyGrace
	if grace <= 0 {
		grace = 250 * time.Millisecond
	}
	return &Engine{
		coord:   NewCoordinator(cfg.BuildWorkers, cfg.BuildQueueSize, m),
		cache:   cache.New(cfg.CacheCapacity),
		queries: query.NewEngine(query.DefaultScorePolicy()),
		grace:   grace,
		metrics: m,
		logger:  logger.WithComponent("search-engine"),
	}
}

// ClampLimit normalizes a caller-supplied limit: zero means
// DefaultLimit, everything else is clamped to [1, MaxLimit].
func ClampLimit(limit int) int {
	if limit == 0 {
		return DefaultLimit
	}
	if limit < 1 {
		return 1
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// ScheduleBuild warms collection's index in the background without
// blocking. Call it whenever the host learns a collection might be
// stale or about to be queried.
func (e *Engine) ScheduleBuild(collection string, src source.DocumentSource) {
	e.coord.ScheduleBuild(collection, src)
}

// EnsureReady exposes the coordinator's blocking wait for hosts that
// need an index outside the search path.
func (e *Engine) EnsureReady(ctx context.Context, collection string, src source.DocumentSource, timeout time.Duration) error {
	_, err := e.coord.EnsureReady(ctx, collection, src, timeout)
	return err
}

// Search answers a keyword query against collection. It waits a short
// grace period for an in-flight build; past that it reports
// Ready=false so the caller can poll instead of blocking. Build
// failures surface as errors.
func (e *Engine) Search(ctx context.Context, collection string, src source.DocumentSource, rawQuery string, limit int) (*SearchResponse, error) {
	start := time.Now()
	resp := &SearchResponse{
		Query:      rawQuery,
		Collection: collection,
		Ready:      true,
		Results:    []query.Result{},
	}

	qNorm := tokenizer.Normalize(rawQuery)
	if qNorm == "" {
		return resp, nil
	}
	limit = ClampLimit(limit)

	idx, err := e.coord.EnsureReady(ctx, collection, src, e.grace)
	if err != nil {
		if errors.IsStillBuilding(err) {
			resp.Ready = false
			resp.Stats.TookMs = time.Since(start).Milliseconds()
			e.countQuery("not_ready")
			return resp, nil
		}
		e.countQuery("error")
		return nil, err
	}

	key := cache.Key{
		Collection:   collection,
		Query:        qNorm,
		Limit:        limit,
		IndexVersion: idx.Version,
	}
	results, cacheHit := e.cache.GetOrCompute(key, func() []query.Result {
		return e.queries.Search(idx, qNorm, limit)
	})

	took := time.Since(start)
	resp.Results = results
	resp.Stats = SearchStats{
		DocCount: idx.DocCount(),
		TookMs:   took.Milliseconds(),
	}

	e.observe(results, cacheHit, took)
	e.logger.Debug("search completed",
		"collection", collection,
		"query", qNorm,
		"results", len(results),
		"cache_hit", cacheHit,
		"took", took,
	)
	return resp, nil
}

// Invalidate drops collection's index and cached results after a
// mutation of the underlying documents. Safe to call while a build is
// in flight.
func (e *Engine) Invalidate(collection string) {
	e.coord.Invalidate(collection)
	e.cache.InvalidateCollection(collection)
}

// InvalidateAll invalidates every known collection and empties the
// result cache.
func (e *Engine) InvalidateAll() {
	e.coord.InvalidateAll()
	e.cache.Purge()
}

// WaitIdle blocks until no build is in flight or timeout elapses.
func (e *Engine) WaitIdle(timeout time.Duration) bool {
	return e.coord.WaitIdle(timeout)
}

// Ready reports whether collection has a ready index.
func (e *Engine) Ready(collection string) bool {
	return e.coord.Ready(collection)
}

// ReadyCount returns the number of collections with a ready index.
func (e *Engine) ReadyCount() int {
	return e.coord.ReadyCount()
}

// CacheStats returns cumulative result-cache hit and miss counts.
func (e *Engine) CacheStats() (hits, misses int64) {
	return e.cache.Stats()
}

// Close shuts down the build worker pool, waiting for in-flight
// builds to finish.
func (e *Engine) Close() {
	e.coord.Close()
}

func (e *Engine) countQuery(outcome string) {
	if e.metrics != nil {
		e.metrics.SearchQueriesTotal.WithLabelValues(outcome).Inc()
	}
}

func (e *Engine) observe(results []query.Result, cacheHit bool, took time.Duration) {
	if e.metrics == nil {
		return
	}
	status := "miss"
	if cacheHit {
		status = "hit"
		e.metrics.CacheHitsTotal.Inc()
	} else {
		e.metrics.CacheMissesTotal.Inc()
	}
	e.metrics.SearchLatency.WithLabelValues(status).Observe(took.Seconds())
	e.metrics.SearchResultsCount.Observe(float64(len(results)))
	if len(results) == 0 {
		e.countQuery("zero_result")
	} else {
		e.countQuery(status)
	}
}
