package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	. "github.com/roelfdiedericks/dictate/internal/logging"
)

// Watcher reloads a Store when its file changes on disk. Sessions already
// running keep the snapshot they took at start.
type Watcher struct {
	watcher  *fsnotify.Watcher
	store    *Store
	file     string
	debounce time.Duration
	onReload func()

	stopCh   chan struct{}
	stopOnce sync.Once
	mu       sync.Mutex
	pending  *time.Timer
}

// NewWatcher watches the store's file. onReload may be nil.
func NewWatcher(store *Store, debounce time.Duration, onReload func()) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	// Editors replace files via rename, so watch the directory.
	file := filepath.Clean(store.Path())
	if err := fsWatcher.Add(filepath.Dir(file)); err != nil {
		fsWatcher.Close()
		return nil, err
	}

	return &Watcher{
		watcher:  fsWatcher,
		store:    store,
		file:     file,
		debounce: debounce,
		onReload: onReload,
		stopCh:   make(chan struct{}),
	}, nil
}

// Start begins watching in a goroutine.
func (w *Watcher) Start() {
	go w.run()
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.file {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			L_debug("config: file changed", "path", event.Name, "op", event.Op.String())
			w.triggerReload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			L_warn("config: watcher error", "error", err)
		}
	}
}

func (w *Watcher) triggerReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		w.pending = nil
		w.mu.Unlock()

		if err := w.store.Reload(); err == nil && w.onReload != nil {
			w.onReload()
		}
	})
}

// Stop stops watching.
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() { close(w.stopCh) })

	w.mu.Lock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.mu.Unlock()

	return w.watcher.Close()
}
