package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher reloads the configuration when config.toml changes on disk, so
// provider edits take effect without a daemon restart.
type Watcher struct {
	path     string
	dataDir  string
	onReload func(*Config)

	mu       sync.Mutex
	fsw      *fsnotify.Watcher
	debounce *time.Timer
	done     chan struct{}
}

// NewWatcher creates a watcher for the given config. onReload is invoked
// with the freshly loaded configuration after each successful reload.
func NewWatcher(cfg *Config, onReload func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:     cfg.ConfigPath(),
		dataDir:  cfg.DataDir(),
		onReload: onReload,
		fsw:      fsw,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. Editors replace files via rename, so the parent
// directory is watched rather than the file itself.
func (w *Watcher) Start() error {
	if err := w.fsw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	go w.loop()
	return nil
}

// Stop ends the watch.
func (w *Watcher) Stop() {
	close(w.done)
	_ = w.fsw.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
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
			w.scheduleReload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("config watcher error")
		}
	}
}

// scheduleReload debounces bursts of write events from editors and atomic
// rename sequences into a single reload.
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(250*time.Millisecond, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := LoadFrom(w.path, w.dataDir)
	if err != nil {
		log.Warn().Err(err).Msg("config reload failed, keeping previous configuration")
		return
	}
	log.Info().Int("providers", len(cfg.Providers)).Msg("configuration reloaded")
	if w.onReload != nil {
		w.onReload(cfg)
	}
}
