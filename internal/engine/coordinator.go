// Package engine coordinates per-collection index builds and serves
// searches against the resulting snapshots. The Coordinator implements
// the collection state machine (absent → building → ready, with a
// dirty bit for mutations that land mid-build); Engine layers query
// execution and result memoization on top.
package engine

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/qiyuan-lin/convsearch/internal/index"
	"github.com/qiyuan-lin/convsearch/internal/source"
	"github.com/qiyuan-lin/convsearch/pkg/errors"
	"github.com/qiyuan-lin/convsearch/pkg/logger"
	"github.com/qiyuan-lin/convsearch/pkg/metrics"
)

// collectionState tracks one collection's build lifecycle. All fields
// are guarded by the Coordinator mutex; the index pointer itself is an
// immutable snapshot shared by reference with readers.
type collectionState struct {
	index    *index.Index
	building bool
	dirty    bool
	lastErr  error
	// done is closed when the current build generation finishes and
	// replaced whenever a new build starts.
	done chan struct{}
}

type buildJob struct {
	collection string
	src        source.DocumentSource
}

// Coordinator serializes builds per collection, lets callers schedule
// builds without blocking or wait for one with a timeout, and applies
// invalidations safely against in-flight builds. Builds run on a small
// bounded worker pool so one hot collection cannot starve the rest.
type Coordinator struct {
	mu     sync.Mutex
	states map[string]*collectionState
	closed bool

	jobs    chan buildJob
	wg      sync.WaitGroup
	version atomic.Int64

	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewCoordinator creates a Coordinator with the given worker pool size
// and submit queue depth. workers <= 0 derives the pool from
// GOMAXPROCS, clamped to [2,4]; index building is I/O plus light CPU
// and more workers mostly add contention.
func NewCoordinator(workers, queueSize int, m *metrics.Metrics) *Coordinator {
	if workers <= 0 {
		workers = defaultBuildWorkers()
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	c := &Coordinator{
		states:  make(map[string]*collectionState),
		jobs:    make(chan buildJob, queueSize),
		metrics: m,
		logger:  logger.WithComponent("coordinator"),
	}
	for i := 0; i < workers; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			for job := range c.jobs {
				c.runBuild(job)
			}
		}()
	}
	return c
}

func defaultBuildWorkers() int {
	n := runtime.GOMAXPROCS(0) / 2
	if n < 2 {
		n = 2
	}
	if n > 4 {
		n = 4
	}
	return n
}

// ScheduleBuild queues a background index build for collection. It
// never blocks and is a no-op while a build is in flight or when a
// clean index is already ready. Mutations must go through Invalidate;
// polling ScheduleBuild cannot cause rebuild loops.
func (c *Coordinator) ScheduleBuild(collection string, src source.DocumentSource) {
	if collection == "" {
		return
	}
	c.mu.Lock()
	st := c.stateLocked(collection)
	if st.building || (st.index != nil && !st.dirty) {
		c.mu.Unlock()
		return
	}
	c.beginBuildLocked(st)
	c.mu.Unlock()
	c.submit(buildJob{collection: collection, src: src})
}

// EnsureReady returns a ready index snapshot for collection. An absent
// collection is built synchronously on the calling goroutine. When
// another caller's build is in flight, EnsureReady waits up to timeout
// and then fails with ErrStillBuilding — a transient condition, not a
// build failure.
func (c *Coordinator) EnsureReady(ctx context.Context, collection string, src source.DocumentSource, timeout time.Duration) (*index.Index, error) {
	if collection == "" {
		return nil, errors.New(errors.ErrInvalidInput, 400, "collection is required")
	}
	deadline := time.Now().Add(timeout)
	coldBuild := true

	for {
		c.mu.Lock()
		st := c.stateLocked(collection)
		if st.index != nil {
			idx := st.index
			c.mu.Unlock()
			return idx, nil
		}
		if !st.building {
			if lastErr := st.lastErr; lastErr != nil && !coldBuild {
				c.mu.Unlock()
				return nil, lastErr
			}
			if !coldBuild {
				// The build we waited on was invalidated away; leave
				// the rebuild to a later caller.
				c.mu.Unlock()
				return nil, errors.ErrStillBuilding
			}
			coldBuild = false
			c.beginBuildLocked(st)
			c.mu.Unlock()
			c.runBuild(buildJob{collection: collection, src: src})
			continue
		}
		done := st.done
		lastErr := st.lastErr
		c.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, errors.ErrStillBuilding
		}
		select {
		case <-done:
			coldBuild = false
		case <-time.After(remaining):
			return c.settle(collection)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// settle reports the final outcome for a waiter whose timeout expired.
func (c *Coordinator) settle(collection string) (*index.Index, error) {
	c.mu.Lock()
	st := c.stateLocked(collection)
	idx, err := st.index, st.lastErr
	c.mu.Unlock()
	if idx != nil {
		return idx, nil
	}
	if err != nil {
		return nil, err
	}
	return nil, errors.ErrStillBuilding
}

// Invalidate drops collection's index so the next build starts from
// scratch. If a build is in flight its result is discarded and the
// build rerun, so the final state always reflects the latest mutation.
func (c *Coordinator) Invalidate(collection string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[collection]
	if !ok {
		return
	}
	c.invalidateLocked(st)
}

// InvalidateAll applies Invalidate to every known collection.
func (c *Coordinator) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, st := range c.states {
		c.invalidateLocked(st)
	}
}

func (c *Coordinator) invalidateLocked(st *collectionState) {
	st.index = nil
	st.lastErr = nil
	if st.building {
		st.dirty = true
	}
	c.updateReadyGaugeLocked()
}

// WaitIdle blocks until no build is in flight or timeout elapses,
// reporting whether the coordinator went idle.
func (c *Coordinator) WaitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		c.mu.Lock()
		var done chan struct{}
		for _, st := range c.states {
			if st.building {
				done = st.done
				break
			}
		}
		c.mu.Unlock()
		if done == nil {
			return true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		select {
		case <-done:
		case <-time.After(remaining):
			return false
		}
	}
}

// Ready reports whether collection currently has a ready index.
func (c *Coordinator) Ready(collection string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[collection]
	return ok && st.index != nil
}

// LastError returns the most recent build error for collection, if
// any. A successful build clears it.
func (c *Coordinator) LastError(collection string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[collection]
	if !ok {
		return nil
	}
	return st.lastErr
}

// ReadyCount returns the number of collections with a ready index.
func (c *Coordinator) ReadyCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, st := range c.states {
		if st.index != nil {
			n++
		}
	}
	return n
}

// Close stops the worker pool and waits for in-flight builds. Builds
// have no cooperative cancellation; they run to completion.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.jobs)
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Coordinator) stateLocked(collection string) *collectionState {
	st, ok := c.states[collection]
	if !ok {
		st = &collectionState{}
		c.states[collection] = st
	}
	return st
}

func (c *Coordinator) beginBuildLocked(st *collectionState) {
	st.building = true
	st.dirty = false
	st.done = make(chan struct{})
}

// submit hands a job to the worker pool without blocking; if the queue
// is full (or the pool stopped) the build runs on its own goroutine.
func (c *Coordinator) submit(job buildJob) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		select {
		case c.jobs <- job:
			return
		default:
		}
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runBuild(job)
	}()
}

// runBuild executes one build and applies the resulting state
// transition. It runs outside the coordinator lock; only the final
// bookkeeping takes it.
func (c *Coordinator) runBuild(job buildJob) {
	start := time.Now()
	version := c.version.Add(1)
	idx, err := index.Build(context.Background(), job.collection, job.src, version)
	elapsed := time.Since(start)

	c.mu.Lock()
	st := c.stateLocked(job.collection)
	resubmit := st.dirty
	switch {
	case err != nil:
		st.index = nil
		st.lastErr = err
	case st.dirty:
		// A mutation landed while this build was reading the source;
		// the result is stale and must never become visible.
		st.index = nil
		st.lastErr = nil
	default:
		st.index = idx
		st.lastErr = nil
	}
	done := st.done
	if resubmit {
		st.dirty = false
		st.done = make(chan struct{})
	} else {
		st.building = false
	}
	c.updateReadyGaugeLocked()
	c.mu.Unlock()
	close(done)

	switch {
	case err != nil:
		c.logger.Error("index build failed",
			"collection", job.collection,
			"error", err,
			"took", elapsed,
		)
		if c.metrics != nil {
			c.metrics.IndexBuildsTotal.WithLabelValues("error").Inc()
		}
	case resubmit:
		c.logger.Info("index build discarded, collection mutated mid-build",
			"collection", job.collection,
			"took", elapsed,
		)
	default:
		c.logger.Info("index built",
			"collection", job.collection,
			"docs", idx.DocCount(),
			"skipped", idx.Skipped,
			"version", idx.Version,
			"took", elapsed,
		)
		if c.metrics != nil {
			c.metrics.IndexBuildsTotal.WithLabelValues("success").Inc()
			c.metrics.IndexBuildDuration.Observe(elapsed.Seconds())
			c.metrics.DocsIndexedTotal.Add(float64(idx.DocCount()))
			c.metrics.DocsSkippedTotal.Add(float64(idx.Skipped))
		}
	}

	if resubmit {
		c.submit(job)
	}
}

func (c *Coordinator) updateReadyGaugeLocked() {
	if c.metrics == nil {
		return
	}
	n := 0
	for _, st := range c.states {
		if st.index != nil {
			n++
		}
	}
	c.metrics.ReadyCollections.Set(float64(n))
}
