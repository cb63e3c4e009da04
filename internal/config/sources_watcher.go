package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/moolen/loom/internal/logging"
)

// ReloadCallback is called when the sources file is successfully reloaded.
// If the callback returns an error, it is logged but the watcher continues
// watching.
type ReloadCallback func(config *SourcesFile) error

// SourcesWatcherConfig holds configuration for the SourcesWatcher.
type SourcesWatcherConfig struct {
	// FilePath is the path to the sources YAML file to watch
	FilePath string

	// DebounceMillis coalesces multiple file change events within this period
	// into a single reload. Default: 500ms
	DebounceMillis int
}

// SourcesWatcher watches the sources file for changes and triggers reload
// callbacks with debouncing to prevent reload storms from editor save
// sequences.
//
// Invalid configs during reload are logged but do not crash the watcher - it
// continues watching with the previous valid config.
type SourcesWatcher struct {
	config   SourcesWatcherConfig
	callback ReloadCallback
	logger   *logging.Logger
	cancel   context.CancelFunc
	stopped  chan struct{}
	ready    chan struct{} // signals when fsnotify watcher is fully initialized
	mu       sync.Mutex

	// debounceTimer is used to coalesce multiple file change events
	debounceTimer *time.Timer
}

// NewSourcesWatcher creates a new watcher for the given sources file.
// The callback will be invoked when the file changes and the new config is
// valid.
func NewSourcesWatcher(config SourcesWatcherConfig, callback ReloadCallback) (*SourcesWatcher, error) {
	if config.FilePath == "" {
		return nil, fmt.Errorf("FilePath cannot be empty")
	}

	if callback == nil {
		return nil, fmt.Errorf("callback cannot be nil")
	}

	if config.DebounceMillis == 0 {
		config.DebounceMillis = 500
	}

	return &SourcesWatcher{
		config:   config,
		callback: callback,
		logger:   logging.GetLogger("config.watcher"),
		stopped:  make(chan struct{}),
		ready:    make(chan struct{}),
	}, nil
}

// Start loads the initial config, calls the callback, and begins watching for
// file changes. Returns an error if the initial load or callback fails.
func (w *SourcesWatcher) Start(ctx context.Context) error {
	initialConfig, err := LoadSourcesFile(w.config.FilePath)
	if err != nil {
		return fmt.Errorf("failed to load initial config: %w", err)
	}

	if err := w.callback(initialConfig); err != nil {
		return fmt.Errorf("initial callback failed: %w", err)
	}

	w.logger.Info("loaded initial sources config from %s", w.config.FilePath)

	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	go w.watchLoop(watchCtx)

	// Wait for the watcher to be fully initialized before returning so file
	// changes are not missed due to race conditions.
	select {
	case <-w.ready:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timeout waiting for file watcher to initialize")
	}

	return nil
}

// signalReady safely closes the ready channel exactly once
func (w *SourcesWatcher) signalReady() {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.ready:
		// Already closed
	default:
		close(w.ready)
	}
}

// watchLoop is the main file watching loop
func (w *SourcesWatcher) watchLoop(ctx context.Context) {
	defer close(w.stopped)
	defer w.signalReady() // ensure ready is signaled even on error paths

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Error("failed to create file watcher: %v", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(w.config.FilePath); err != nil {
		w.logger.Error("failed to watch file %s: %v", w.config.FilePath, err)
		return
	}

	w.logger.Info("watching %s for changes (debounce: %dms)",
		w.config.FilePath, w.config.DebounceMillis)

	w.signalReady()

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("context cancelled, stopping")
			return

		case event, ok := <-watcher.Events:
			if !ok {
				w.logger.Debug("watcher events channel closed")
				return
			}

			// Remove is relevant for atomic writes where the old file is
			// unlinked before the new file is renamed into place - the watch
			// must be re-added since the inode changed.
			if event.Op&fsnotify.Write == fsnotify.Write ||
				event.Op&fsnotify.Create == fsnotify.Create ||
				event.Op&fsnotify.Rename == fsnotify.Rename ||
				event.Op&fsnotify.Remove == fsnotify.Remove {
				if event.Op&fsnotify.Rename == fsnotify.Rename ||
					event.Op&fsnotify.Remove == fsnotify.Remove {
					// Small delay to let the rename/recreate complete
					time.Sleep(50 * time.Millisecond)
					if err := watcher.Add(w.config.FilePath); err != nil {
						w.logger.Warn("failed to re-add watch after %s: %v", event.Op, err)
					}
				}
				w.handleFileChange(ctx)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				w.logger.Debug("watcher errors channel closed")
				return
			}
			w.logger.Error("watcher error: %v", err)
		}
	}
}

// handleFileChange implements debouncing by resetting a timer on each event.
func (w *SourcesWatcher) handleFileChange(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}

	w.debounceTimer = time.AfterFunc(
		time.Duration(w.config.DebounceMillis)*time.Millisecond,
		func() {
			w.reloadConfig(ctx)
		},
	)
}

// reloadConfig reloads the sources file and calls the callback if successful.
// Invalid configs are logged but don't crash the watcher.
func (w *SourcesWatcher) reloadConfig(ctx context.Context) {
	w.logger.Info("reloading sources config from %s", w.config.FilePath)

	newConfig, err := LoadSourcesFile(w.config.FilePath)
	if err != nil {
		w.logger.Warn("failed to load config (keeping previous config): %v", err)
		return
	}

	if err := w.callback(newConfig); err != nil {
		w.logger.Warn("callback error (continuing to watch): %v", err)
		return
	}

	w.logger.Info("sources config reloaded successfully")
}

// Stop gracefully stops the file watcher. Waits for the watch loop to exit
// with a timeout of 5 seconds.
func (w *SourcesWatcher) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}

	timeout := time.After(5 * time.Second)
	select {
	case <-w.stopped:
		return nil
	case <-timeout:
		return fmt.Errorf("timeout waiting for watcher to stop")
	}
}
