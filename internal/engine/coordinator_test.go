package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/qiyuan-lin/convsearch/internal/source"
	"github.com/qiyuan-lin/convsearch/pkg/errors"
)

// countingSource returns fixed documents and counts list calls.
type countingSource struct {
	mu    sync.Mutex
	docs  []source.Document
	err   error
	calls atomic.Int32
}

func (s *countingSource) ListDocuments(ctx context.Context, collection string) ([]source.Document, error) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return append([]source.Document(nil), s.docs...), nil
}

func (s *countingSource) set(docs []source.Document, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs, s.err = docs, err
}

// gatedSource blocks each list call until the test releases it, so
// interleavings with invalidation are deterministic.
type gatedSource struct {
	inner   countingSource
	started chan struct{}
	proceed chan struct{}
}

func newGatedSource(docs []source.Document) *gatedSource {
	g := &gatedSource{
		started: make(chan struct{}, 4),
		proceed: make(chan struct{}),
	}
	g.inner.docs = docs
	return g
}

func (g *gatedSource) ListDocuments(ctx context.Context, collection string) ([]source.Document, error) {
	g.started <- struct{}{}
	<-g.proceed
	return g.inner.ListDocuments(ctx, collection)
}

func someDocs(ids ...string) []source.Document {
	docs := make([]source.Document, 0, len(ids))
	for _, id := range ids {
		docs = append(docs, source.Document{ID: id, Title: id, Text: "text for " + id})
	}
	return docs
}

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	c := NewCoordinator(2, 8, nil)
	t.Cleanup(c.Close)
	return c
}

func TestEnsureReadyColdBuild(t *testing.T) {
	c := newTestCoordinator(t)
	src := &countingSource{docs: someDocs("a", "b")}

	idx, err := c.EnsureReady(context.Background(), "inbox", src, time.Second)
	if err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if idx.DocCount() != 2 {
		t.Errorf("DocCount = %d, want 2", idx.DocCount())
	}
	if !c.Ready("inbox") || c.ReadyCount() != 1 {
		t.Errorf("Ready=%v ReadyCount=%d", c.Ready("inbox"), c.ReadyCount())
	}

	// A second call reuses the snapshot without touching the source.
	again, err := c.EnsureReady(context.Background(), "inbox", src, time.Second)
	if err != nil {
		t.Fatalf("EnsureReady again: %v", err)
	}
	if again != idx {
		t.Error("second call returned a different snapshot")
	}
	if n := src.calls.Load(); n != 1 {
		t.Errorf("source listed %d times, want 1", n)
	}
}

func TestEnsureReadyEmptyCollection(t *testing.T) {
	c := newTestCoordinator(t)
	if _, err := c.EnsureReady(context.Background(), "", &countingSource{}, time.Second); !stderrors.Is(err, errors.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestEnsureReadyTimeoutStillBuilding(t *testing.T) {
	c := newTestCoordinator(t)
	g := newGatedSource(someDocs("a"))

	c.ScheduleBuild("slow", g)
	<-g.started

	_, err := c.EnsureReady(context.Background(), "slow", g, 30*time.Millisecond)
	if !errors.IsStillBuilding(err) {
		t.Fatalf("err = %v, want ErrStillBuilding", err)
	}

	g.proceed <- struct{}{}
	if !c.WaitIdle(2 * time.Second) {
		t.Fatal("coordinator never went idle")
	}
	idx, err := c.EnsureReady(context.Background(), "slow", g, time.Second)
	if err != nil || idx.DocCount() != 1 {
		t.Fatalf("after release: idx=%v err=%v", idx, err)
	}
}

func TestEnsureReadyContextCancelled(t *testing.T) {
	c := newTestCoordinator(t)
	g := newGatedSource(someDocs("a"))

	c.ScheduleBuild("slow", g)
	<-g.started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.EnsureReady(ctx, "slow", g, time.Second); !stderrors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	g.proceed <- struct{}{}
	c.WaitIdle(2 * time.Second)
}

func TestBuildErrorSurfacesAndRetries(t *testing.T) {
	c := newTestCoordinator(t)
	src := &countingSource{err: fmt.Errorf("listing exploded")}

	_, err := c.EnsureReady(context.Background(), "c", src, time.Second)
	if !stderrors.Is(err, errors.ErrSourceFailed) {
		t.Fatalf("err = %v, want ErrSourceFailed", err)
	}
	if c.LastError("c") == nil {
		t.Error("LastError not recorded")
	}
	if c.Ready("c") {
		t.Error("failed collection reported ready")
	}

	// The source recovers; a fresh call rebuilds instead of replaying
	// the stale error.
	src.set(someDocs("a"), nil)
	idx, err := c.EnsureReady(context.Background(), "c", src, time.Second)
	if err != nil {
		t.Fatalf("EnsureReady after recovery: %v", err)
	}
	if idx.DocCount() != 1 {
		t.Errorf("DocCount = %d, want 1", idx.DocCount())
	}
	if c.LastError("c") != nil {
		t.Errorf("LastError = %v after successful rebuild", c.LastError("c"))
	}
}

func TestInvalidateDuringBuildDiscardsResult(t *testing.T) {
	c := newTestCoordinator(t)
	g := newGatedSource(someDocs("old"))

	c.ScheduleBuild("c", g)
	<-g.started

	// The mutation lands while the first build is mid-read. Its result
	// reflects a snapshot older than the mutation and must never
	// become visible.
	c.Invalidate("c")
	g.inner.set(someDocs("new1", "new2"), nil)
	g.proceed <- struct{}{}

	// The discarded build is followed by an automatic rebuild.
	<-g.started
	if c.Ready("c") {
		t.Error("stale index became visible between build generations")
	}
	g.proceed <- struct{}{}

	if !c.WaitIdle(2 * time.Second) {
		t.Fatal("coordinator never went idle")
	}
	idx, err := c.EnsureReady(context.Background(), "c", g, time.Second)
	if err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if idx.DocCount() != 2 {
		t.Errorf("DocCount = %d, want the post-mutation documents", idx.DocCount())
	}
	if n := g.inner.calls.Load(); n != 2 {
		t.Errorf("source listed %d times, want 2", n)
	}
}

func TestInvalidateDropsReadyIndex(t *testing.T) {
	c := newTestCoordinator(t)
	src := &countingSource{docs: someDocs("a")}

	if _, err := c.EnsureReady(context.Background(), "c", src, time.Second); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	c.Invalidate("c")
	if c.Ready("c") {
		t.Error("still ready after invalidation")
	}

	src.set(someDocs("a", "b", "c"), nil)
	idx, err := c.EnsureReady(context.Background(), "c", src, time.Second)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if idx.DocCount() != 3 {
		t.Errorf("DocCount = %d, want 3", idx.DocCount())
	}
}

func TestIndexVersionIncreasesAcrossRebuilds(t *testing.T) {
	c := newTestCoordinator(t)
	src := &countingSource{docs: someDocs("a")}

	first, err := c.EnsureReady(context.Background(), "c", src, time.Second)
	if err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	c.Invalidate("c")
	second, err := c.EnsureReady(context.Background(), "c", src, time.Second)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if second.Version <= first.Version {
		t.Errorf("versions = %d then %d, want strictly increasing", first.Version, second.Version)
	}
}

func TestScheduleBuildNoOpWhenClean(t *testing.T) {
	c := newTestCoordinator(t)
	src := &countingSource{docs: someDocs("a")}

	if _, err := c.EnsureReady(context.Background(), "c", src, time.Second); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	for i := 0; i < 5; i++ {
		c.ScheduleBuild("c", src)
	}
	c.WaitIdle(2 * time.Second)
	if n := src.calls.Load(); n != 1 {
		t.Errorf("source listed %d times, want 1; polling must not rebuild", n)
	}

	c.Invalidate("c")
	c.ScheduleBuild("c", src)
	c.WaitIdle(2 * time.Second)
	if n := src.calls.Load(); n != 2 {
		t.Errorf("source listed %d times after invalidation, want 2", n)
	}
}

func TestInvalidateUnknownCollection(t *testing.T) {
	c := newTestCoordinator(t)
	c.Invalidate("never-seen")
	c.InvalidateAll()
	if c.ReadyCount() != 0 {
		t.Error("invalidation created state")
	}
}

func TestConcurrentEnsureReadySingleBuild(t *testing.T) {
	c := newTestCoordinator(t)
	src := &countingSource{docs: someDocs("a", "b", "c")}

	var wg sync.WaitGroup
	errs := make([]error, 16)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.EnsureReady(context.Background(), "c", src, 5*time.Second)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: %v", i, err)
		}
	}
	if n := src.calls.Load(); n != 1 {
		t.Errorf("source listed %d times, want 1", n)
	}
}

func TestWaitIdle(t *testing.T) {
	c := newTestCoordinator(t)
	if !c.WaitIdle(10 * time.Millisecond) {
		t.Error("idle coordinator reported busy")
	}

	g := newGatedSource(someDocs("a"))
	c.ScheduleBuild("c", g)
	<-g.started
	if c.WaitIdle(20 * time.Millisecond) {
		t.Error("busy coordinator reported idle")
	}
	g.proceed <- struct{}{}
	if !c.WaitIdle(2 * time.Second) {
		t.Error("never went idle after build release")
	}
}

func TestCloseIdempotent(t *testing.T) {
	c := NewCoordinator(2, 8, nil)
	c.Close()
	c.Close()
}
