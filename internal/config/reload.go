package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the Reloader waits after the last change to a
// file before reloading it.
const DefaultDebounce = 500 * time.Millisecond

// Reloader watches files and calls their reload function after changes
// settle. Parent directories are watched, so files replaced by rename (as
// the ipset refresh does) keep being followed.
type Reloader struct {
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	reloads map[string]func() error
	timers  map[string]*time.Timer
}

// NewReloader creates a watcher. Register files with Watch, then Run.
func NewReloader(logger *slog.Logger, debounce time.Duration) (*Reloader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create file watcher: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Reloader{
		watcher:  watcher,
		debounce: debounce,
		logger:   logger,
		reloads:  make(map[string]func() error),
		timers:   make(map[string]*time.Timer),
	}, nil
}

// Watch registers reload for path. Empty paths are ignored.
func (r *Reloader) Watch(path string, reload func() error) error {
	if path == "" {
		return nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config: watch %q: %w", path, err)
	}
	if err := r.watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("config: watch %q: %w", path, err)
	}
	r.mu.Lock()
	r.reloads[abs] = reload
	r.mu.Unlock()
	return nil
}

// Run dispatches file events until ctx is cancelled.
func (r *Reloader) Run(ctx context.Context) error {
	defer r.watcher.Close()
	defer r.stopTimers()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-r.watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				r.schedule(filepath.Clean(event.Name))
			}

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("config: file watcher error", "error", err)
		}
	}
}

func (r *Reloader) schedule(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reload, ok := r.reloads[path]
	if !ok {
		return
	}
	if t := r.timers[path]; t != nil {
		t.Stop()
	}
	r.timers[path] = time.AfterFunc(r.debounce, func() {
		if err := reload(); err != nil {
			r.logger.Error("config: hot-reload failed", "path", path, "error", err)
			return
		}
		r.logger.Info("config: hot-reload", "path", path)
	})
}

func (r *Reloader) stopTimers() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.timers {
		t.Stop()
	}
}
