package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDelay coalesces the bursts of writes editors and config
// management tools produce when rewriting a file.
const debounceDelay = 25 * time.Millisecond

// Watcher reloads the configuration whenever the backing file changes and
// hands the validated result to the onChange callback. Reload failures go
// to onError and leave the previous snapshot in effect.
type Watcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Watch starts watching path. The watcher observes the parent directory so
// rename-based atomic writes are picked up as well.
func Watch(path string, loader *Loader, logger *slog.Logger, onChange func(Config), onError func(error)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", dir, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(w.done)
		defer fsw.Close()

		var timer *time.Timer
		var timerC <-chan time.Time
		target := filepath.Clean(path)

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(debounceDelay)
					timerC = timer.C
				} else {
					if !timer.Stop() {
						select {
						case <-timer.C:
						default:
						}
					}
					timer.Reset(debounceDelay)
				}
			case <-timerC:
				timer = nil
				timerC = nil
				cfg, err := loader.Load(ctx)
				if err != nil {
					logger.Warn("config reload rejected", slog.Any("error", err))
					if onError != nil {
						onError(err)
					}
					continue
				}
				logger.Info("config reloaded", slog.String("path", path))
				if onChange != nil {
					onChange(cfg)
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", slog.Any("error", err))
				if onError != nil {
					onError(err)
				}
			}
		}
	}()
	return w, nil
}

// Stop terminates the watcher and waits for the goroutine to drain.
func (w *Watcher) Stop() {
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}
