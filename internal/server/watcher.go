package server

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const watchDebounce = 100 * time.Millisecond

// ConfigWatcher reloads the display section when the config file changes
// and pushes it to dashboard clients. Other sections need a restart.
type ConfigWatcher struct {
	cfg      *Config
	onChange func()
	log      zerolog.Logger

	mu       sync.Mutex
	debounce *time.Timer
}

// NewConfigWatcher creates a watcher. onChange runs after each successful
// reload; it may be nil.
func NewConfigWatcher(cfg *Config, onChange func(), log zerolog.Logger) *ConfigWatcher {
	return &ConfigWatcher{cfg: cfg, onChange: onChange, log: log}
}

// Run watches the config file's directory until ctx is cancelled. Editors
// often replace files instead of writing them, so the directory is watched
// and events are filtered by name.
func (w *ConfigWatcher) Run(ctx context.Context) error {
	path := w.cfg.Path()
	if path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		// A missing config directory just means nothing to watch.
		w.log.Warn().Err(err).Str("path", path).Msg("config watch disabled")
		<-ctx.Done()
		return nil
	}
	w.log.Debug().Str("path", path).Msg("watching config")

	name := filepath.Base(path)
	for {
		select {
		case <-ctx.Done():
			w.stop()
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule(watchDebounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("config watcher error")
		}
	}
}

func (w *ConfigWatcher) schedule(delay time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(delay, func() { w.Reload() })
}

func (w *ConfigWatcher) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounce != nil {
		w.debounce.Stop()
	}
}

// Reload re-reads the file and applies its display section. A file that
// fails to parse or validate leaves the running config untouched.
func (w *ConfigWatcher) Reload() error {
	fresh, err := readConfigFile(w.cfg.Path())
	if err != nil {
		w.log.Warn().Err(err).Msg("config reload failed")
		return err
	}
	if err := fresh.Validate(); err != nil {
		w.log.Warn().Err(err).Msg("reloaded config rejected")
		return err
	}

	w.cfg.SetDisplay(fresh.Display)
	w.log.Info().Str("path", w.cfg.Path()).Msg("display settings reloaded")
	if w.onChange != nil {
		w.onChange()
	}
	return nil
}
