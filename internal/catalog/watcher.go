package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/xiaot623/exectrack/internal/logging"
)

// Watcher reloads the catalog file into a Store whenever it changes on disk.
type Watcher struct {
	store    *Store
	path     string
	debounce time.Duration
	logger   *slog.Logger
	onReload func(revision uint64)
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets how long the watcher waits for writes to settle before reloading.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithReloadHook is called after every successful reload.
func WithReloadHook(fn func(revision uint64)) WatcherOption {
	return func(w *Watcher) { w.onReload = fn }
}

// WithWatcherLogger sets the watcher's logger.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// NewWatcher creates a watcher for path.
func NewWatcher(store *Store, path string, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		store:    store,
		path:     filepath.Clean(path),
		debounce: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = logging.OrDiscard(w.logger)
	return w
}

// Run watches until ctx is cancelled. The parent directory is watched so editors that replace
// the file by rename are still observed.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.logger.Info("watching catalog", "path", w.path)

	var timer *time.Timer
	var reload <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			reload = timer.C
		case <-reload:
			reload = nil
			rev, err := w.store.LoadFile(w.path)
			if err != nil {
				w.logger.Error("catalog reload failed; keeping previous revision", "path", w.path, "error", err)
				continue
			}
			if w.onReload != nil {
				w.onReload(rev)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("catalog watcher error", "error", err)
		}
	}
}
