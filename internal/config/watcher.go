package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hugo-lorenzo-mato/anima/internal/logging"
)

// Watcher reloads a project config file when it changes on disk. Editors
// write with delete-and-rename, so the watch is placed on the directory and
// events are debounced.
type Watcher struct {
	path     string
	onChange func(*ProjectConfig)
	log      *logging.Logger
	debounce time.Duration
}

// NewWatcher creates a watcher for one project config file. onChange
// receives each successfully reloaded config.
func NewWatcher(path string, log *logging.Logger, onChange func(*ProjectConfig)) *Watcher {
	return &Watcher{
		path:     path,
		onChange: onChange,
		log:      log,
		debounce: 200 * time.Millisecond,
	}
}

// Run watches until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	var pending *time.Timer
	var pendingC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.NewTimer(w.debounce)
			pendingC = pending.C

		case <-pendingC:
			pendingC = nil
			cfg, err := LoadProjectConfig(w.path)
			if err != nil {
				w.log.Warn("project config reload failed", "path", w.path, "error", err)
				continue
			}
			w.log.Info("project config reloaded", "path", w.path)
			w.onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("config watcher error", "error", err)
		}
	}
}
