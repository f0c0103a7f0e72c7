package manifest

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"process-dispatcher/backend/internal/logging"
)

// DefaultDebounce is how long the Watcher waits for a burst of file events
// to settle before reloading.
const DefaultDebounce = 250 * time.Millisecond

// Reloader is the part of the Store the Watcher drives.
type Reloader interface {
	Reload(ctx context.Context) (*ReloadReport, error)
}

// Watcher reloads the store whenever a manifest file in the directory
// changes.
type Watcher struct {
	dir      string
	store    Reloader
	logger   *logging.Logger
	debounce time.Duration
	watcher  *fsnotify.Watcher

	stopOnce sync.Once
	done     chan struct{}
}

// NewWatcher creates a Watcher over dir. A zero debounce uses DefaultDebounce.
func NewWatcher(dir string, store Reloader, logger *logging.Logger, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = logging.Discard()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{
		dir:      dir,
		store:    store,
		logger:   logger,
		debounce: debounce,
		watcher:  fw,
		done:     make(chan struct{}),
	}, nil
}

// Run processes events until ctx is cancelled or Stop is called.
func (w *Watcher) Run(ctx context.Context) {
	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !IsManifestFile(filepath.Base(event.Name)) || event.Op == fsnotify.Chmod {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			pending = timer.C
		case <-pending:
			pending = nil
			report, err := w.store.Reload(ctx)
			if err != nil {
				w.logger.Error("manifest reload failed", "dir", w.dir, "error", err)
				continue
			}
			w.logger.Debug("manifest directory changed",
				"dir", w.dir, "loaded", report.Loaded, "removed", report.Removed)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("manifest watcher error", "dir", w.dir, "error", err)
		}
	}
}

// Stop releases the underlying watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()
	})
}
