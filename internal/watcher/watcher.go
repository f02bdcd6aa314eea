// Package watcher wakes the publish worker when the recorded ledger changes.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces the write bursts of a single ledger append.
const DefaultDebounce = 500 * time.Millisecond

// Watcher emits a trigger after the watched file is written.
type Watcher struct {
	path     string
	debounce time.Duration
	triggers chan struct{}
	log      *slog.Logger
}

// New watches the file at path. Triggers are coalesced: at most one is
// pending at a time.
func New(path string, debounce time.Duration, log *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		path:     filepath.Clean(path),
		debounce: debounce,
		triggers: make(chan struct{}, 1),
		log:      log,
	}
}

// Triggers returns the channel the publish worker listens on.
func (w *Watcher) Triggers() <-chan struct{} {
	return w.triggers
}

// Run watches until ctx is done. The parent directory is watched rather
// than the file so that the ledger may be created after startup.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer func() {
		if err := fsw.Close(); err != nil {
			w.log.Warn("failed to close file watcher", "error", err)
		}
	}()

	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	w.log.Info("watching ledger", "path", w.path)

	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerC = timer.C

		case <-timerC:
			timerC = nil
			w.fire()

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("file watcher error", "error", err)
		}
	}
}

func (w *Watcher) fire() {
	select {
	case w.triggers <- struct{}{}:
		w.log.Debug("ledger changed, publish triggered")
	default:
	}
}
