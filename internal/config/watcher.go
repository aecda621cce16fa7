package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"vigil/internal/logging"
)

// Watcher watches the config file and delivers reloaded configurations
// after edits settle. It watches the parent directory rather than the
// file itself so editor rename-and-replace saves are caught.
type Watcher struct {
	mu       sync.Mutex
	fsw      *fsnotify.Watcher
	path     string
	onChange func(*Config)
	pending  time.Time // zero when no edit is waiting out the debounce
	debounce time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool
}

// NewWatcher creates a watcher for the given config path. onChange runs
// on the watcher goroutine with each successfully reloaded config.
func NewWatcher(path string, onChange func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		fsw:      fsw,
		path:     path,
		onChange: onChange,
		debounce: 500 * time.Millisecond,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; the event loop runs in a goroutine.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.fsw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	logging.Config("watching %s for changes", w.path)

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	if err := w.fsw.Close(); err != nil {
		logging.Get(logging.CategoryConfig).Error("error closing watcher: %v", err)
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-w.stopCh:
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.mu.Lock()
			w.pending = time.Now()
			w.mu.Unlock()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryConfig).Error("watch error: %v", err)

		case <-ticker.C:
			w.mu.Lock()
			settled := !w.pending.IsZero() && time.Since(w.pending) >= w.debounce
			if settled {
				w.pending = time.Time{}
			}
			w.mu.Unlock()
			if settled {
				w.reload()
			}
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		logging.Get(logging.CategoryConfig).Error("reload failed, keeping previous config: %v", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		logging.Get(logging.CategoryConfig).Error("reloaded config invalid, keeping previous: %v", err)
		return
	}
	logging.Config("config reloaded from %s", w.path)
	if err := logging.ReloadConfig(); err != nil {
		logging.Get(logging.CategoryConfig).Error("logging reload: %v", err)
	}
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
