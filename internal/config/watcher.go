package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/openfleet/telemetryd/internal/events"
)

// Watcher reloads the config file when it changes on disk and
// broadcasts a config-updated notice on the events bus. Components
// that cache derived state (whitelist, sampling limits, periodicity)
// subscribe to the bus and re-read through Current.
type Watcher struct {
	logger *slog.Logger
	bus    *events.Bus

	mu  sync.RWMutex
	cfg *Config
}

// NewWatcher wraps an already loaded config.
func NewWatcher(cfg *Config, bus *events.Bus, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		logger: logger.With("component", "config"),
		bus:    bus,
		cfg:    cfg,
	}
}

// Current returns the most recently loaded config.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

// Start watches the config file until ctx is cancelled. Editors often
// replace the file (rename+create) rather than writing in place, so
// the parent directory is watched and events are filtered by name.
// Reload failures keep the previous config.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	path := w.Current().Path()
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return err
	}

	go func() {
		defer fw.Close()
		// Debounce: editors emit several events per save.
		var pending *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
					continue
				}
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(200*time.Millisecond, func() { w.reload(path) })
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				w.logger.Warn("config watch error", "error", err)
			}
		}
	}()
	return nil
}

func (w *Watcher) reload(path string) {
	cfg, err := Load(path)
	if err != nil {
		w.logger.Error("config reload failed, keeping previous", "path", path, "error", err)
		return
	}

	w.mu.Lock()
	w.cfg = cfg
	w.mu.Unlock()

	w.logger.Info("config reloaded", "path", path)
	w.bus.Publish(events.Notice{
		Source: events.SourceConfig,
		Kind:   events.KindConfigUpdated,
		Data:   map[string]any{"path": path},
	})
}
