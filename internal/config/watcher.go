package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// PolicyWatcher reloads a policy file into a PolicyHolder when it changes.
// A file that fails to parse is logged and the previous policy stays.
type PolicyWatcher struct {
	path    string
	holder  *PolicyHolder
	watcher *fsnotify.Watcher
	logger  *slog.Logger
}

// NewPolicyWatcher watches the directory holding path, since editors often
// replace a file rather than write it in place.
func NewPolicyWatcher(path string, holder *PolicyHolder, logger *slog.Logger) (*PolicyWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PolicyWatcher{path: abs, holder: holder, watcher: w, logger: logger}, nil
}

// Run blocks until ctx is done or the watcher is closed.
func (w *PolicyWatcher) Run(ctx context.Context) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("policy watcher error", "error", err)

		case <-ctx.Done():
			return
		}
	}
}

func (w *PolicyWatcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}

	p, err := LoadPolicy(w.path)
	if err != nil {
		w.logger.Warn("policy reload failed, keeping previous policy", "path", w.path, "error", err)
		return
	}
	w.holder.Store(p)
	w.logger.Info("policy reloaded",
		"path", w.path,
		"critical_threshold", p.Thresholds.Critical,
		"warning_threshold", p.Thresholds.Warning,
	)
}

func (w *PolicyWatcher) Close() error {
	return w.watcher.Close()
}
