package config

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc receives freshly loaded settings after the file changes on
// disk.
type ReloadFunc func(*Settings)

// Watcher reloads settings when the file changes. Editors and Save both
// tend to produce bursts of events, so changes are debounced before the
// reload fires.
type Watcher struct {
	path     string
	debounce time.Duration
	onReload ReloadFunc
	logger   *log.Logger

	watcher *fsnotify.Watcher
}

// NewWatcher creates a settings-file watcher. The parent directory is
// watched, not the file itself, so atomic rename-in-place saves are seen.
// If logger is nil, a default logger writing to stderr is used.
func NewWatcher(path string, onReload ReloadFunc, logger *log.Logger) (*Watcher, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[config] ", log.LstdFlags)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return &Watcher{
		path:     path,
		debounce: 200 * time.Millisecond,
		onReload: onReload,
		logger:   logger,
		watcher:  fsw,
	}, nil
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("Watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	s, err := Load(w.path)
	if err != nil {
		w.logger.Printf("Ignoring settings change: %v", err)
		return
	}
	w.logger.Printf("Settings reloaded from %s", w.path)
	w.onReload(s)
}
