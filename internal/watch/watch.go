// Package watch reloads the pool when the accounts directory changes on
// disk, so accounts added or removed by the external import flow show up
// without a manual reload.
package watch

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Reloader is satisfied by the pool.
type Reloader interface {
	Reload() error
}

// debounce collapses bursts of filesystem events into one reload.
const debounce = 500 * time.Millisecond

// Run watches dir and calls target.Reload after changes settle. Blocks until
// ctx is canceled. A missing directory is not an error; it is retried until
// it exists.
func Run(ctx context.Context, dir string, target Reloader) error {
	for {
		if _, err := os.Stat(dir); err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return err
	}
	slog.Info("watching accounts directory", "dir", dir)

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				timer.Reset(debounce)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("accounts watcher error", "error", err)

		case <-timerC:
			timer = nil
			timerC = nil
			if err := target.Reload(); err != nil {
				slog.Error("pool reload failed", "error", err)
			} else {
				slog.Info("pool reloaded after filesystem change")
			}
		}
	}
}
