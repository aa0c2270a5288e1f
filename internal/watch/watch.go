// Package watch triggers merges when store files in a sync directory change.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/go-ports/histsync/internal/store"
)

// DefaultDebounce collapses the bursts a file-sync transport produces while
// it assembles a replicated store file.
const DefaultDebounce = 500 * time.Millisecond

// Watcher emits one notification per quiet period after store files in a
// directory change. Only files matching the store naming scheme count; the
// lock marker and writer temp files are ignored.
type Watcher struct {
	dir      string
	debounce time.Duration
	logger   *slog.Logger
	events   chan struct{}
}

// New creates a watcher for dir. debounce <= 0 selects DefaultDebounce;
// a nil logger selects slog.Default.
func New(dir string, debounce time.Duration, logger *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		dir:      dir,
		debounce: debounce,
		logger:   logger,
		events:   make(chan struct{}, 1),
	}
}

// Events returns the notification channel. It closes when the watcher stops.
func (w *Watcher) Events() <-chan struct{} {
	return w.events
}

// Start begins watching in a background goroutine until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	if err := fsw.Add(w.dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	go w.run(ctx, fsw)
	return nil
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher) {
	defer func() {
		_ = fsw.Close()
		close(w.events)
	}()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if _, ok := store.ParseFileName(filepath.Base(ev.Name)); !ok {
				continue
			}
			w.logger.Debug("store file changed", "name", ev.Name, "op", ev.Op.String())
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)
			timerC = timer.C

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "err", err)

		case <-timerC:
			timerC = nil
			select {
			case w.events <- struct{}{}:
			default:
			}
		}
	}
}
