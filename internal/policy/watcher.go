package policy

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// WatchAndReload watches the policy directory and triggers a Reload whenever a
// .rego file is created, written, removed, or renamed. Runs until ctx is done.
func (e *Engine) WatchAndReload(ctx context.Context) error {
	if e.policyDir == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(e.policyDir); err != nil {
		watcher.Close()
		return err
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if err := e.Reload(ctx); err != nil {
					slog.Warn("policy reload failed", "error", err)
				} else {
					slog.Info("policy reloaded", "trigger", event.Name)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("policy watcher error", "error", err)
			}
		}
	}()
	return nil
}
