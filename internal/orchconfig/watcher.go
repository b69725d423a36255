package orchconfig

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ReloadEvent reports that a watched config file changed on disk.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher pushes ReloadEvent on writes to the config file(s), grounded
// directly on internal/config/watcher.go's fsnotify-backed goroutine.
type Watcher struct {
	paths  []string
	logger *slog.Logger
	events chan ReloadEvent
}

// NewWatcher watches configPath (and any extra paths, e.g. a
// policy file) for changes.
func NewWatcher(logger *slog.Logger, configPath string, extra ...string) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	paths := append([]string{configPath}, extra...)
	return &Watcher{paths: paths, logger: logger, events: make(chan ReloadEvent, 16)}
}

// Events returns the channel of reload notifications. Closed when
// Start's context is cancelled.
func (w *Watcher) Events() <-chan ReloadEvent { return w.events }

// Start begins watching in a background goroutine.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	for _, p := range w.paths {
		_ = fsw.Add(filepath.Clean(p))
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op}:
				default:
				}
				w.logger.Info("config file changed", "path", ev.Name, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
