package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounce collapses editor write bursts (truncate+write, atomic rename)
// into a single reload.
const debounce = 200 * time.Millisecond

// WatchPrompts reloads the prompts file whenever it changes on disk and
// hands the parsed result to apply. Parse or validation failures are
// logged and the previous prompts stay in effect. Blocks until ctx is
// cancelled.
func WatchPrompts(ctx context.Context, path string, apply func(*Prompts)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors and config tools often
	// replace the file by rename, which drops a file-level watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	base := filepath.Base(path)
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				timer.Reset(debounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			p, err := LoadPrompts(path)
			if err != nil {
				slog.Warn("prompts reload failed, keeping previous", "path", path, "err", err)
				continue
			}
			slog.Info("prompts reloaded", "path", path, "active", p.Active)
			apply(p)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("prompts watcher error", "err", err)
		}
	}
}
