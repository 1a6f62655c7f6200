package repository

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher republishes definitions when files in a directory change.
// Bursts of events are collapsed into one reload after a quiet period.
type Watcher struct {
	dir      string
	registry *Registry
	debounce time.Duration
	logger   *slog.Logger

	// OnReload is called after every reload attempt; used by tests and metrics.
	OnReload func(err error)
}

// NewWatcher creates a watcher for dir.
func NewWatcher(dir string, registry *Registry, debounce time.Duration, logger *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{dir: dir, registry: registry, debounce: debounce, logger: logger}
}

// Run watches until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %q: %w", w.dir, err)
	}
	w.logger.Info("repository.watch.start",
		slog.String("path", w.dir),
		slog.Int64("debounce_ms", w.debounce.Milliseconds()),
	)

	var (
		mu    sync.Mutex
		timer *time.Timer
		wg    sync.WaitGroup
	)
	defer func() {
		mu.Lock()
		if timer != nil && timer.Stop() {
			wg.Done()
		}
		mu.Unlock()
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("repository.watch.stop", slog.String("path", w.dir))
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if event.Op&fsnotify.Chmod == fsnotify.Chmod || !IsDefinitionFile(event.Name) {
				continue
			}
			w.logger.Debug("repository.watch.event",
				slog.String("file", filepath.Base(event.Name)),
				slog.String("op", event.Op.String()),
			)

			mu.Lock()
			if timer != nil && timer.Stop() {
				wg.Done()
			}
			wg.Add(1)
			timer = time.AfterFunc(w.debounce, func() {
				defer wg.Done()
				w.reload(ctx)
			})
			mu.Unlock()

		case err, ok := <-fsw.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.logger.Error("repository.watch.error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	err := w.registry.Refresh(ctx, FileSource{Dir: w.dir})
	if err != nil {
		w.logger.Error("repository.reload.failed", slog.String("error", err.Error()))
	}
	if w.OnReload != nil {
		w.OnReload(err)
	}
}
