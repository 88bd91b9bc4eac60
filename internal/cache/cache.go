// Package cache memoizes search results per (collection, query, limit,
// index version) so repeated polling does not redo postings work. The
// index version in the key makes stale generations unreachable without
// any active purging; capacity eviction handles the rest.
package cache

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/qiyuan-lin/convsearch/internal/query"
	"github.com/qiyuan-lin/convsearch/pkg/logger"
)

const defaultCapacity = 256

// Key identifies one memoized search. IndexVersion is part of the key,
// not a side invalidation: a cache populated against an old index can
// never be hit once the index is rebuilt.
type Key struct {
	Collection   string
	Query        string
	Limit        int
	IndexVersion int64
}

// ResultCache is a capacity-bounded memo of ranked search results.
// Concurrent identical lookups are collapsed into a single compute via
// singleflight.
type ResultCache struct {
	entries *lru.Cache[Key, []query.Result]
	group   singleflight.Group
	hits    atomic.Int64
	misses  atomic.Int64
	logger  *slog.Logger
}

// New creates a ResultCache holding at most capacity entries.
func New(capacity int) *ResultCache {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	entries, err := lru.New[Key, []query.Result](capacity)
	if err != nil {
		// Only reachable with a non-positive capacity, which the clamp
		// above rules out.
		panic(err)
	}
	return &ResultCache{
		entries: entries,
		logger:  logger.WithComponent("result-cache"),
	}
}

// GetOrCompute returns the cached results for key, computing and
// storing them on a miss. The bool reports whether it was a hit.
func (c *ResultCache) GetOrCompute(key Key, compute func() []query.Result) ([]query.Result, bool) {
	if results, ok := c.entries.Get(key); ok {
		c.hits.Add(1)
		return results, true
	}

	flightKey := fmt.Sprintf("%s|%s|%d|%d", key.Collection, key.Query, key.Limit, key.IndexVersion)
	v, _, shared := c.group.Do(flightKey, func() (any, error) {
		if results, ok := c.entries.Get(key); ok {
			return results, nil
		}
		results := compute()
		c.entries.Add(key, results)
		return results, nil
	})
	c.misses.Add(1)
	_ = shared
	return v.([]query.Result), false
}

// InvalidateCollection drops every cached entry for one collection and
// returns how many were removed.
func (c *ResultCache) InvalidateCollection(collection string) int {
	removed := 0
	for _, key := range c.entries.Keys() {
		if key.Collection == collection {
			c.entries.Remove(key)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debug("cache entries invalidated",
			"collection", collection,
			"removed", removed,
		)
	}
	return removed
}

// Purge drops every cached entry.
func (c *ResultCache) Purge() {
	c.entries.Purge()
}

// Len returns the current number of cached entries.
func (c *ResultCache) Len() int {
	return c.entries.Len()
}

// Stats returns cumulative hit and miss counts.
func (c *ResultCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
