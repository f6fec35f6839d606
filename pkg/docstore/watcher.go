package docstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"riskteam/pkg/logx"
)

// DefaultDebounce is how long a file must be quiet before it is re-ingested.
const DefaultDebounce = 500 * time.Millisecond

// Ingester is the subset of SQLiteStore the watcher drives.
type Ingester interface {
	IngestFile(ctx context.Context, path string) (bool, error)
	RemoveSource(ctx context.Context, source string) (bool, error)
}

// Watcher keeps the store in sync with a documents directory.
type Watcher struct {
	store    Ingester
	watcher  *fsnotify.Watcher
	logger   *logx.Logger
	dir      string
	debounce time.Duration
	timers   map[string]*time.Timer
	stopCh   chan struct{}
	doneCh   chan struct{}
	mu       sync.Mutex
	stopOnce sync.Once

	// OnIngest, if set, is called after each change is applied.
	OnIngest func(path string, err error)
}

// NewWatcher creates a watcher for dir. Start must be called to begin.
func NewWatcher(store Ingester, dir string) (*Watcher, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", dir, err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	return &Watcher{
		store:    store,
		watcher:  fw,
		logger:   logx.NewLogger("docwatch"),
		dir:      abs,
		debounce: DefaultDebounce,
		timers:   make(map[string]*time.Timer),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// WithDebounce overrides the quiet period.
func (w *Watcher) WithDebounce(d time.Duration) *Watcher {
	w.debounce = d
	return w
}

// Start watches the directory until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create documents dir: %w", err)
	}
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.logger.Info("watching %s for documents", w.dir)
	go w.watchLoop(ctx)
	return nil
}

// Stop ends the watch loop and cancels pending ingests.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		_ = w.watcher.Close()
		w.mu.Lock()
		for path, t := range w.timers {
			t.Stop()
			delete(w.timers, path)
		}
		w.mu.Unlock()
	})
}

// Done is closed when the watch loop exits.
func (w *Watcher) Done() <-chan struct{} {
	return w.doneCh
}

func (w *Watcher) watchLoop(ctx context.Context) {
	defer close(w.doneCh)
	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			w.Stop()
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	if !Ingestable(event.Name) {
		return
	}

	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			return
		}
		w.schedule(ctx, event.Name)
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		w.cancel(event.Name)
		abs, err := filepath.Abs(event.Name)
		if err != nil {
			return
		}
		_, err = w.store.RemoveSource(ctx, abs)
		if err != nil {
			w.logger.Warn("remove %s: %v", event.Name, err)
		}
		w.notify(event.Name, err)
	}
}

// schedule debounces editors that write a file in several steps.
func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()

		select {
		case <-w.stopCh:
			return
		default:
		}

		added, err := w.store.IngestFile(ctx, path)
		switch {
		case err != nil:
			w.logger.Warn("ingest %s: %v", path, err)
		case added:
			w.logger.Info("ingested %s", filepath.Base(path))
		}
		w.notify(path, err)
	})
}

func (w *Watcher) cancel(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Stop()
		delete(w.timers, path)
	}
}

func (w *Watcher) notify(path string, err error) {
	if w.OnIngest != nil {
		w.OnIngest(path, err)
	}
}
