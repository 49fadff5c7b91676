package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits for writes to settle.
const DefaultDebounce = 100 * time.Millisecond

// ReloadEvent reports that config.yaml changed. Ops accumulates every
// operation seen during the debounce window.
type ReloadEvent struct {
	Path string
	Ops  fsnotify.Op
	At   time.Time
}

// Watcher reports writes to config.yaml so new sessions pick up changed
// thresholds and model tables. A burst of writes, as editors produce when
// saving, is delivered as one event.
type Watcher struct {
	homeDir  string
	debounce time.Duration
	logger   *slog.Logger
	events   chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir:  homeDir,
		debounce: DefaultDebounce,
		logger:   logger,
		events:   make(chan ReloadEvent, 16),
	}
}

// SetDebounce changes the settle delay. Call it before Start; zero or less
// delivers every change immediately.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory so editors that replace the file are still seen.
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}
	go w.loop(ctx, fsw, filepath.Clean(ConfigPath(w.homeDir)))
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher, target string) {
	defer fsw.Close()
	defer close(w.events)

	var (
		pending *ReloadEvent
		timer   *time.Timer
		fire    <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	emit := func() {
		select {
		case w.events <- *pending:
		default:
			w.logger.Warn("config reload event dropped", "path", pending.Path)
		}
		w.logger.Info("config file changed", "path", pending.Path, "ops", pending.Ops.String())
		pending, fire = nil, nil
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-fire:
			emit()
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending == nil {
				pending = &ReloadEvent{Path: ev.Name}
			}
			pending.Ops |= ev.Op
			pending.At = time.Now()
			if w.debounce <= 0 {
				emit()
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}
