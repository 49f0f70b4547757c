package store

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch reports external modifications to the rules file for the lifetime of
// ctx. The interactive session uses it to warn the operator when another
// process rewrites the file, since previously displayed rule indices are no
// longer trustworthy. Events are delivered non-blocking: a slow consumer
// sees at most one pending notification.
func (s *Store) Watch(ctx context.Context) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create rules file watcher: %w", err)
	}

	// Watch the directory: the store replaces the file via rename, so a
	// watch on the file itself would be lost after the first update.
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	changed := make(chan struct{}, 1)
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
				if !s.isRulesFileEvent(event) {
					continue
				}
				select {
				case changed <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("rules file watcher error", zap.Error(err))
			}
		}
	}()

	return changed, nil
}

func (s *Store) isRulesFileEvent(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != filepath.Clean(s.path) {
		return false
	}
	// The store's own temp-file rename also lands here; callers compare
	// against their last known contents before warning.
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0
}
