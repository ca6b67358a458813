package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const maxWatchBackoff = 5 * time.Minute

// watchConfig reloads the config file whenever it changes. The directory is
// watched rather than the file so editors that replace the file and
// Kubernetes ConfigMap symlink swaps are both seen. Bursts of events are
// collapsed into one reload after the debounce interval.
func (s *Server) watchConfig(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer func(watcher *fsnotify.Watcher) {
		_ = watcher.Close()
	}(watcher)

	path := filepath.Clean(s.opts.ConfigPath)
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("watch directory: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch directory %s: %w", dir, err)
	}
	s.log.Info("watching config for changes", "path", path)

	// nil until an event arrives; a select on it blocks forever
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("watcher events channel closed")
			}
			if !relevant(event, path) {
				continue
			}
			s.log.Debug("config change detected", "event", event.String())
			pending = time.After(s.opts.Debounce)
		case <-pending:
			pending = nil
			_ = s.Reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("watcher errors channel closed")
			}
			s.log.Warn("file watcher error", "error", err)
		}
	}
}

func relevant(event fsnotify.Event, path string) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return false
	}
	name := filepath.Clean(event.Name)
	// ConfigMap updates swap the ..data symlink
	return name == path || strings.HasPrefix(filepath.Base(name), "..")
}

// watchWithRestart keeps watchConfig running, restarting it with
// exponential backoff until ctx is done.
func (s *Server) watchWithRestart(ctx context.Context) {
	for attempt := 1; ; attempt++ {
		err := s.watchConfig(ctx)
		if ctx.Err() != nil {
			return
		}
		backoff := time.Second << min(attempt-1, 9)
		if backoff > maxWatchBackoff {
			backoff = maxWatchBackoff
		}
		s.log.Error("config watcher stopped, restarting", "error", err, "attempt", attempt, "backoff", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
	}
}
