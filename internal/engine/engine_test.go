package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/qiyuan-lin/convsearch/pkg/config"
	"github.com/qiyuan-lin/convsearch/pkg/errors"
)

func newTestEngine(t *testing.T, grace time.Duration) *Engine {
	t.Helper()
	e := New(config.EngineConfig{
		BuildWorkers:   2,
		BuildQueueSize: 8,
		ReadyGrace:     grace,
		CacheCapacity:  32,
	}, nil)
	t.Cleanup(e.Close)
	return e
}

func TestClampLimit(t *testing.T) {
	tests := []struct{ in, want int }{
		{0, DefaultLimit},
		{-5, 1},
		{1, 1},
		{50, 50},
		{MaxLimit, MaxLimit},
		{MaxLimit + 1, MaxLimit},
		{99999, MaxLimit},
	}
	for _, tt := range tests {
		if got := ClampLimit(tt.in); got != tt.want {
			t.Errorf("ClampLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestSearchEmptyQuery(t *testing.T) {
	e := newTestEngine(t, time.Second)
	src := &countingSource{docs: someDocs("a")}

	resp, err := e.Search(context.Background(), "inbox", src, "   ", 50)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !resp.Ready || len(resp.Results) != 0 {
		t.Errorf("resp = %+v, want ready with no results", resp)
	}
	// An empty query never triggers a build.
	if n := src.calls.Load(); n != 0 {
		t.Errorf("source listed %d times, want 0", n)
	}
}

func TestSearchColdBuild(t *testing.T) {
	e := newTestEngine(t, time.Second)
	src := &countingSource{docs: someDocs("a", "b")}

	resp, err := e.Search(context.Background(), "inbox", src, "text", 50)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !resp.Ready {
		t.Fatal("cold search not ready; first call should build synchronously")
	}
	if len(resp.Results) != 2 {
		t.Errorf("got %d results, want 2", len(resp.Results))
	}
	if resp.Stats.DocCount != 2 {
		t.Errorf("DocCount = %d, want 2", resp.Stats.DocCount)
	}
}

func TestSearchNotReadyWhileBuilding(t *testing.T) {
	e := newTestEngine(t, 20*time.Millisecond)
	g := newGatedSource(someDocs("a"))

	e.ScheduleBuild("inbox", g)
	<-g.started

	resp, err := e.Search(context.Background(), "inbox", g, "text", 50)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if resp.Ready {
		t.Error("Ready = true while build is in flight past the grace period")
	}
	if len(resp.Results) != 0 {
		t.Errorf("got %d results while not ready", len(resp.Results))
	}

	g.proceed <- struct{}{}
	if !e.WaitIdle(2 * time.Second) {
		t.Fatal("never went idle")
	}
	resp, err = e.Search(context.Background(), "inbox", g, "text", 50)
	if err != nil || !resp.Ready || len(resp.Results) != 1 {
		t.Fatalf("after build: resp=%+v err=%v", resp, err)
	}
}

func TestSearchBuildErrorSurfaces(t *testing.T) {
	e := newTestEngine(t, time.Second)
	src := &countingSource{err: fmt.Errorf("root gone")}

	_, err := e.Search(context.Background(), "inbox", src, "text", 50)
	if err == nil {
		t.Fatal("expected error from failed build")
	}
	if errors.IsStillBuilding(err) {
		t.Error("build failure reported as still building")
	}
}

func TestSearchUsesResultCache(t *testing.T) {
	e := newTestEngine(t, time.Second)
	src := &countingSource{docs: someDocs("a", "b")}

	if _, err := e.Search(context.Background(), "inbox", src, "text", 50); err != nil {
		t.Fatalf("Search: %v", err)
	}
	if _, err := e.Search(context.Background(), "inbox", src, "Text  ", 50); err != nil {
		t.Fatalf("Search: %v", err)
	}
	// The second call normalizes to the same query and hits the memo.
	hits, misses := e.CacheStats()
	if hits != 1 || misses != 1 {
		t.Errorf("cache stats = %d/%d, want 1 hit 1 miss", hits, misses)
	}
}

func TestSearchAfterInvalidateSeesNewDocuments(t *testing.T) {
	e := newTestEngine(t, time.Second)
	src := &countingSource{docs: someDocs("a")}

	resp, err := e.Search(context.Background(), "inbox", src, "text", 50)
	if err != nil || len(resp.Results) != 1 {
		t.Fatalf("first search: resp=%+v err=%v", resp, err)
	}

	src.set(someDocs("a", "b", "c"), nil)
	e.Invalidate("inbox")

	resp, err = e.Search(context.Background(), "inbox", src, "text", 50)
	if err != nil {
		t.Fatalf("second search: %v", err)
	}
	if len(resp.Results) != 3 {
		t.Errorf("got %d results after invalidation, want 3; stale cache or index served", len(resp.Results))
	}
}

func TestReadyAndReadyCount(t *testing.T) {
	e := newTestEngine(t, time.Second)
	src := &countingSource{docs: someDocs("a")}

	if e.Ready("inbox") || e.ReadyCount() != 0 {
		t.Error("fresh engine reports readiness")
	}
	if _, err := e.Search(context.Background(), "inbox", src, "text", 50); err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !e.Ready("inbox") || e.ReadyCount() != 1 {
		t.Errorf("Ready=%v ReadyCount=%d", e.Ready("inbox"), e.ReadyCount())
	}
	e.InvalidateAll()
	if e.ReadyCount() != 0 {
		t.Error("ReadyCount != 0 after InvalidateAll")
	}
}
