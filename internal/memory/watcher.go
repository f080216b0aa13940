package memory

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultWatchDebounce = 250 * time.Millisecond

// Watcher observes MEMORY.md for external edits and invokes a callback
// after a debounce window, so a burst of writes triggers one reload.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func()
	logger   *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatchDebounce sets the debounce delay. Default: 250ms
func WithWatchDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithWatcherLogger sets the logger. Defaults to slog.Default.
func WithWatcherLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = logger }
}

// NewWatcher builds a watcher for the memory file at path. onChange
// fires after edits settle; it runs on the watcher's goroutine.
func NewWatcher(path string, onChange func(), opts ...WatcherOption) *Watcher {
	w := &Watcher{
		path:     path,
		debounce: defaultWatchDebounce,
		onChange: onChange,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = slog.Default().With("component", "memory.watcher")
	}
	return w
}

// Start begins watching. The parent directory is watched rather than
// the file itself so rewrites via rename are observed.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watcher != nil {
		w.mu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		_ = watcher.Close()
		w.mu.Unlock()
		return err
	}
	w.watcher = watcher
	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.mu.Unlock()

	w.wg.Add(1)
	go w.loop(watchCtx, watcher)
	return nil
}

// Close stops watching and waits for the loop to exit.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	watcher := w.watcher
	w.watcher = nil
	w.mu.Unlock()

	if watcher != nil {
		_ = watcher.Close()
	}
	w.wg.Wait()
	return nil
}

func (w *Watcher) loop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer w.wg.Done()

	debounce := w.debounce
	if debounce <= 0 {
		debounce = defaultWatchDebounce
	}

	var mu sync.Mutex
	var timer *time.Timer
	scheduleChange := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounce, func() {
			if w.onChange != nil {
				w.onChange()
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			mu.Unlock()
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				scheduleChange()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("memory watch error", "error", err)
		}
	}
}
