package am

import (
	"crypto/sha256"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/teranos/automaton/errors"
	"github.com/teranos/automaton/logger"
)

// DefaultDebouncePeriod collapses bursts of writes into one reload.
const DefaultDebouncePeriod = 500 * time.Millisecond

// ReloadCallback receives the reloaded config. Errors are logged and do not
// stop the remaining callbacks.
type ReloadCallback func(*Config) error

// ConfigWatcher reloads the configuration when one file changes on disk.
// The parent directory is watched so editors that replace the file by rename
// are seen too; other files in the directory, like the .backN rotations
// written by SetValue, are ignored.
type ConfigWatcher struct {
	path     string
	watcher  *fsnotify.Watcher
	log      *zap.SugaredLogger
	load     func() (*Config, error)
	debounce time.Duration

	mu        sync.Mutex
	callbacks []ReloadCallback
	timer     *time.Timer
	digest    [sha256.Size]byte
}

// NewConfigWatcher watches path. The current contents are recorded so an
// event that leaves the file unchanged does not reload.
func NewConfigWatcher(path string, log *zap.SugaredLogger) (*ConfigWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create fsnotify watcher")
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, errors.Wrapf(err, "watch config directory for %s", path)
	}

	cw := &ConfigWatcher{
		path:     filepath.Clean(path),
		watcher:  w,
		log:      logger.OrDefault(log).Named("config"),
		debounce: DefaultDebouncePeriod,
		load: func() (*Config, error) {
			Reset()
			return Load()
		},
	}
	cw.changed()
	return cw, nil
}

// OnReload registers a callback.
func (cw *ConfigWatcher) OnReload(cb ReloadCallback) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, cb)
}

// Start runs the event loop until Stop.
func (cw *ConfigWatcher) Start() {
	go cw.loop()
}

// Stop closes the underlying watcher and cancels a pending reload.
func (cw *ConfigWatcher) Stop() error {
	cw.mu.Lock()
	if cw.timer != nil {
		cw.timer.Stop()
	}
	cw.mu.Unlock()
	return cw.watcher.Close()
}

func (cw *ConfigWatcher) loop() {
	for {
		select {
		case ev, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != cw.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			cw.log.Debugw("Config file event", logger.FieldFile, ev.Name, logger.FieldOperation, ev.Op.String())
			cw.schedule()

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.log.Warnw("Config watcher error", logger.FieldError, err)
		}
	}
}

func (cw *ConfigWatcher) schedule() {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.timer != nil {
		cw.timer.Stop()
	}
	cw.timer = time.AfterFunc(cw.debounce, func() {
		if !cw.changed() {
			cw.log.Debugw("Config contents unchanged", logger.FieldPath, cw.path)
			return
		}
		if err := cw.reload(); err != nil {
			cw.log.Errorw("Config reload failed", logger.FieldError, err)
		}
	})
}

// changed records the file's digest and reports whether it differs from the
// previous one. An unreadable file counts as unchanged.
func (cw *ConfigWatcher) changed() bool {
	data, err := os.ReadFile(cw.path)
	if err != nil {
		return false
	}
	sum := sha256.Sum256(data)

	cw.mu.Lock()
	defer cw.mu.Unlock()
	if sum == cw.digest {
		return false
	}
	cw.digest = sum
	return true
}

func (cw *ConfigWatcher) reload() error {
	cfg, err := cw.load()
	if err != nil {
		return errors.Wrap(err, "load config")
	}
	cw.log.Infow("Config reloaded", logger.FieldPath, cw.path)

	cw.mu.Lock()
	callbacks := append([]ReloadCallback(nil), cw.callbacks...)
	cw.mu.Unlock()

	for _, cb := range callbacks {
		if err := cb(cfg); err != nil {
			cw.log.Warnw("Config reload callback failed", logger.FieldError, err)
		}
	}
	return nil
}
