package schedfile

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/teranos/automaton/errors"
	"github.com/teranos/automaton/logger"
)

// DefaultDebounce collapses the burst of events an editor save produces.
const DefaultDebounce = 250 * time.Millisecond

// ApplyFunc receives the freshly loaded file and the previously applied one.
type ApplyFunc func(ctx context.Context, next, prev File) error

// Watcher reloads a definitions file whenever it changes. Files that fail to
// load are logged and skipped; the last good file stays applied.
type Watcher struct {
	path     string
	apply    ApplyFunc
	log      *zap.SugaredLogger
	debounce time.Duration

	mu      sync.Mutex
	current File
}

// NewWatcher creates a watcher. Call Run to load the file and start watching.
func NewWatcher(path string, apply ApplyFunc, log *zap.SugaredLogger) *Watcher {
	return &Watcher{
		path:     path,
		apply:    apply,
		log:      logger.OrDefault(log).Named("schedfile"),
		debounce: DefaultDebounce,
	}
}

// Current is the last applied file.
func (w *Watcher) Current() File {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reload loads and applies the file once.
func (w *Watcher) Reload(ctx context.Context) error {
	next, err := Load(w.path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.apply(ctx, next, w.current); err != nil {
		return errors.Wrapf(err, "apply %s", w.path)
	}
	w.current = next
	w.log.Infow("Schedule file applied",
		logger.FieldFile, w.path,
		logger.FieldCount, len(next.Schedules),
	)
	return nil
}

// Run applies the file, then keeps it applied until ctx is done. The initial
// load error is returned; later ones are logged.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.Reload(ctx); err != nil {
		return err
	}
	return w.Watch(ctx)
}

// Watch reapplies the file on every change until ctx is done, without an
// initial load.
func (w *Watcher) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create fsnotify watcher")
	}
	defer fw.Close()
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return errors.Wrapf(err, "watch %s", filepath.Dir(w.path))
	}

	target := filepath.Clean(w.path)
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			if err := w.Reload(ctx); err != nil {
				w.log.Warnw("Schedule file reload failed", logger.FieldFile, w.path, logger.FieldError, err)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warnw("Schedule file watcher error", logger.FieldError, err)
		}
	}
}
