// Package watch invalidates collections when their export folders
// change on disk. Events are debounced per collection because editors
// and sync tools emit bursts of writes for a single logical mutation.
package watch

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/qiyuan-lin/convsearch/internal/engine"
	"github.com/qiyuan-lin/convsearch/internal/source"
	"github.com/qiyuan-lin/convsearch/pkg/logger"
)

// Watcher maps file-system events under the sources root to engine
// invalidations followed by background rebuilds.
type Watcher struct {
	src      *source.DirSource
	engine   *engine.Engine
	debounce time.Duration
	fsw      *fsnotify.Watcher
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
	closed  bool
}

// New creates a Watcher for the DirSource's root. debounce <= 0
// defaults to 2s.
func New(src *source.DirSource, eng *engine.Engine, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		src:      src,
		engine:   eng,
		debounce: debounce,
		fsw:      fsw,
		logger:   logger.WithComponent("watcher"),
		pending:  make(map[string]*time.Timer),
	}, nil
}

// Start registers the sources root (and every existing subdirectory,
// since fsnotify is not recursive) and launches the event loop.
func (w *Watcher) Start() error {
	root := w.src.Root()
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if addErr := w.fsw.Add(path); addErr != nil {
				w.logger.Warn("cannot watch directory", "path", path, "error", addErr)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	go w.loop()
	w.logger.Info("watching sources root", "root", root, "debounce", w.debounce)
	return nil
}

// Close stops the watcher and cancels pending debounce timers.
func (w *Watcher) Close() error {
	w.mu.Lock()
	w.closed = true
	for _, t := range w.pending {
		t.Stop()
	}
	w.pending = make(map[string]*time.Timer)
	w.mu.Unlock()
	return w.fsw.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	collection := w.collectionFor(event.Name)
	if event.Op.Has(fsnotify.Create) {
		// fsnotify is not recursive; new collection or category
		// directories need their own watch.
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = w.fsw.Add(event.Name)
		}
	}
	if collection == "" {
		return
	}
	w.mark(collection)
}

// collectionFor maps an event path to the collection (first path
// element under the root), or "" for the root itself.
func (w *Watcher) collectionFor(path string) string {
	rel, err := filepath.Rel(w.src.Root(), path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	parts := strings.SplitN(filepath.ToSlash(rel), "/", 2)
	return parts[0]
}

// mark schedules a debounced invalidate+rebuild for collection,
// resetting the timer if events keep arriving.
func (w *Watcher) mark(collection string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if t, ok := w.pending[collection]; ok {
		t.Reset(w.debounce)
		return
	}
	w.pending[collection] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, collection)
		closed := w.closed
		w.mu.Unlock()
		if closed {
			return
		}
		w.logger.Info("collection changed on disk, rebuilding", "collection", collection)
		w.engine.Invalidate(collection)
		w.engine.ScheduleBuild(collection, w.src)
	})
}
