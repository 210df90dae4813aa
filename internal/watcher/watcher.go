// Package watcher ingests files dropped into watched directories.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Writes are debounced so a file still being copied in is picked up once,
// after its last write settles.
const defaultDebounce = 400 * time.Millisecond

// Watcher watches drop directories and invokes a callback for each settled
// file whose extension is accepted.
type Watcher struct {
	dirs       []string
	extensions []string
	onDrop     func(path string)
	debounce   time.Duration

	watcher     *fsnotify.Watcher
	mu          sync.Mutex
	debounceMap map[string]*time.Timer
	done        chan struct{}
	started     bool
	stopOnce    sync.Once
	logger      *zap.Logger
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithLogger sets a logger for debug output.
func WithLogger(l *zap.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// WithDebounce overrides the write-settle delay.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// NewWatcher creates a watcher over dirs. extensions filter which files fire
// the callback (empty = all).
func NewWatcher(dirs []string, extensions []string, onDrop func(path string), opts ...WatcherOption) *Watcher {
	w := &Watcher{
		dirs:        dirs,
		extensions:  extensions,
		onDrop:      onDrop,
		debounce:    defaultDebounce,
		debounceMap: make(map[string]*time.Timer),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins watching and ingests files already present in the drop
// directories. It runs until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.watcher = watcher
	w.started = true
	for _, dir := range w.dirs {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			w.watcher = nil
			w.started = false
			w.mu.Unlock()
			return err
		}
	}
	w.mu.Unlock()

	if w.logger != nil {
		w.logger.Debug("watcher starting", zap.Strings("dirs", w.dirs), zap.Strings("extensions", w.extensions))
	}
	for _, dir := range w.dirs {
		w.ingestExisting(dir)
	}
	go w.run(ctx)
	return nil
}

// Stop stops the watcher and cancels pending debounces.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.mu.Lock()
		for path, t := range w.debounceMap {
			t.Stop()
			delete(w.debounceMap, path)
		}
		if w.watcher != nil {
			_ = w.watcher.Close()
		}
		w.mu.Unlock()
	})
}

func (w *Watcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if err != nil && w.logger != nil {
				w.logger.Debug("watcher error", zap.Error(err))
			}
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	switch ev.Op {
	case fsnotify.Create, fsnotify.Write:
		info, err := os.Stat(ev.Name)
		if err != nil || info.IsDir() {
			return
		}
		if w.matchExtension(ev.Name) {
			w.debounceDrop(ev.Name)
		}
	case fsnotify.Remove, fsnotify.Rename:
		w.cancelDebounce(ev.Name)
	}
}

// ingestExisting fires the callback for files already sitting in dir, so
// files dropped while the process was down are not lost.
func (w *Watcher) ingestExisting(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if w.logger != nil {
			w.logger.Debug("failed to scan drop directory", zap.String("dir", dir), zap.Error(err))
		}
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if w.matchExtension(path) {
			w.debounceDrop(path)
		}
	}
}

func (w *Watcher) debounceDrop(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.debounceMap[path]; ok {
		t.Stop()
	}
	w.debounceMap[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.debounceMap, path)
		w.mu.Unlock()
		select {
		case <-w.done:
			return
		default:
		}
		if w.onDrop != nil {
			w.onDrop(path)
		}
	})
}

func (w *Watcher) cancelDebounce(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.debounceMap[path]; ok {
		t.Stop()
		delete(w.debounceMap, path)
	}
}

func (w *Watcher) matchExtension(path string) bool {
	if len(w.extensions) == 0 {
		return true
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	for _, e := range w.extensions {
		if strings.TrimPrefix(strings.ToLower(e), ".") == ext {
			return true
		}
	}
	return false
}
