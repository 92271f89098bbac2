package config

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Holder publishes the current configuration. Readers take one snapshot per
// request and treat it as read-only for the lifetime of that request.
type Holder struct {
	current atomic.Pointer[Config]
}

func NewHolder(cfg *Config) *Holder {
	h := &Holder{}
	h.current.Store(cfg)
	return h
}

// Current returns the active configuration snapshot.
func (h *Holder) Current() *Config {
	return h.current.Load()
}

// Swap replaces the active configuration.
func (h *Holder) Swap(cfg *Config) {
	h.current.Store(cfg)
}

// Watcher reloads a config file whenever it is written.
type Watcher struct {
	path    string
	logger  *slog.Logger
	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{path: path, logger: logger}, nil
}

// Watch blocks until ctx is done, calling onChange with every successfully
// reloaded configuration. Reload failures are logged and the old config stays.
func (w *Watcher) Watch(ctx context.Context, onChange func(*Config)) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	w.mu.Lock()
	w.watcher = fw
	w.mu.Unlock()
	defer w.Close()

	if err := fw.Add(w.path); err != nil {
		return fmt.Errorf("watch %s: %w", w.path, err)
	}

	w.logger.Info("watching config file for changes", slog.String("path", w.path))

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			cfg, err := LoadFile(w.path)
			if err != nil {
				w.logger.Error("failed to reload config",
					slog.String("error", err.Error()),
					slog.String("path", w.path))
				continue
			}

			w.logger.Info("config reloaded", slog.String("path", event.Name))
			onChange(cfg)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("config watch error", slog.String("error", err.Error()))
		}
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watcher == nil {
		return nil
	}
	err := w.watcher.Close()
	w.watcher = nil
	return err
}
