package role

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// watchDebounce coalesces the burst of events editors emit on save.
const watchDebounce = 200 * time.Millisecond

// Watch reloads t whenever the file at path changes. It watches the parent
// directory so atomic rename-over saves are seen. Watch blocks until ctx is
// cancelled; failed reloads are logged and the previous mapping is kept.
func Watch(ctx context.Context, t *Table, path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create watcher")
	}
	defer func() { _ = w.Close() }()

	path = filepath.Clean(path)
	if err := w.Add(filepath.Dir(path)); err != nil {
		return errors.Wrap(err, "watch roles dir")
	}

	lg := zctx.From(ctx).Named("roles")
	var (
		timer   *time.Timer
		trigger <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}
			trigger = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			lg.Warn("Watcher error", zap.Error(err))
		case <-trigger:
			trigger = nil
			if err := t.Reload(ctx); err != nil {
				lg.Error("Reload failed, keeping previous roles", zap.Error(err))
				continue
			}
			lg.Info("Roles reloaded", zap.Strings("roles", t.Snapshot().Names()))
		}
	}
}

// Poll reloads t every interval until ctx is cancelled. It serves sources
// that cannot signal changes, such as a database table.
func Poll(ctx context.Context, t *Table, interval time.Duration) {
	lg := zctx.From(ctx).Named("roles")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.Reload(ctx); err != nil {
				lg.Error("Reload failed, keeping previous roles", zap.Error(err))
			}
		}
	}
}
