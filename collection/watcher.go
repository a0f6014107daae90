package collection

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// DefaultDebounce is the quiet period after the last change before a
// rebuild is triggered.
const DefaultDebounce = 2 * time.Second

// ChangeFunc handles a settled collection change. Returning true asks the
// watcher to call it again after another debounce interval, for instance
// when a rebuild started elsewhere is still running.
type ChangeFunc func() (retry bool)

// Watcher calls a function once the collection has stopped changing for the
// debounce interval. Changes to files that would not be listed are ignored.
// Calls never overlap: a change that settles while a call is running is
// handled by another call after it returns.
type Watcher struct {
	src      *DirSource
	debounce time.Duration
	onChange ChangeFunc

	watcher *fsnotify.Watcher

	mu      sync.Mutex
	timer   *time.Timer
	running bool
	pending bool
	stopped bool
}

// NewWatcher watches the tree under src.Root().
func NewWatcher(src *DirSource, debounce time.Duration, onChange ChangeFunc) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	info, err := os.Stat(src.Root())
	if err != nil || !info.IsDir() {
		return nil, ErrRootNotFound
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{src: src, debounce: debounce, onChange: onChange, watcher: fw}
	if err := w.addRecursive(src.Root()); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		return w.watcher.Add(path)
	})
}

// Run processes events until ctx is done, then releases the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Collection watcher error")
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
		return
	}
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = w.addRecursive(event.Name)
			w.schedule(event.Name)
			return
		}
	}
	if !w.src.Matches(event.Name) {
		return
	}
	w.schedule(event.Name)
}

func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	log.Debug().Msgf("Collection change: %s", path)
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.fire)
}

func (w *Watcher) fire() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.timer = nil
	if w.running {
		w.pending = true
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	log.Info().Msg("Collection changed, triggering rebuild")
	retry := w.onChange()

	w.mu.Lock()
	defer w.mu.Unlock()
	w.running = false
	again := retry || w.pending
	w.pending = false
	if again && !w.stopped && w.timer == nil {
		log.Debug().Bool("retry", retry).Msg("Rescheduling collection rebuild")
		w.timer = time.AfterFunc(w.debounce, w.fire)
	}
}

func (w *Watcher) close() {
	w.mu.Lock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	_ = w.watcher.Close()
}
