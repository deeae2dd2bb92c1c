package registry

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher reloads a registry when script files change on disk, and its
// disabled state when another process rewrites the state file.
type Watcher struct {
	registry *Registry
	debounce time.Duration
}

// NewWatcher returns a watcher for r's scripts directory. A zero debounce
// uses the default.
func NewWatcher(r *Registry, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Watcher{registry: r, debounce: debounce}
}

// Run watches until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer fw.Close()

	dir := w.registry.ScriptsDir()
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	statePath := w.registry.StatePath()
	if statePath != "" {
		// The state file is replaced by rename, so watch its directory.
		if err := fw.Add(filepath.Dir(statePath)); err != nil {
			return fmt.Errorf("failed to watch %s: %w", filepath.Dir(statePath), err)
		}
	}

	logger := w.registry.logger
	timer := newStoppedTimer(w.debounce)
	defer timer.Stop()
	stateTimer := newStoppedTimer(w.debounce)
	defer stateTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			switch {
			case isScriptEvent(event):
				logger.Debug("script file changed", "file", event.Name, "op", event.Op.String())
				timer.Reset(w.debounce)
			case isStateEvent(event, statePath):
				logger.Debug("state file changed", "file", event.Name, "op", event.Op.String())
				stateTimer.Reset(w.debounce)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			logger.Warn("file watcher error", "error", err)
		case <-timer.C:
			if err := w.registry.Load(); err != nil {
				logger.Warn("cannot reload scripts", "error", err)
			} else {
				logger.Info("scripts reloaded", "count", len(w.registry.AllScripts()))
			}
		case <-stateTimer.C:
			if err := w.registry.ReloadState(); err != nil {
				logger.Warn("cannot reload disabled scripts", "error", err)
			}
		}
	}
}

func isScriptEvent(event fsnotify.Event) bool {
	if filepath.Ext(event.Name) != ".js" {
		return false
	}
	return event.Has(fsnotify.Create) || event.Has(fsnotify.Write) ||
		event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)
}

func isStateEvent(event fsnotify.Event, statePath string) bool {
	if statePath == "" || filepath.Clean(event.Name) != filepath.Clean(statePath) {
		return false
	}
	return event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename)
}

func newStoppedTimer(d time.Duration) *time.Timer {
	t := time.NewTimer(d)
	if !t.Stop() {
		<-t.C
	}
	return t
}
