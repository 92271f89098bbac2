package runtime

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/tjfontaine/polyglot-chat-relay/internal/config"
	"github.com/tjfontaine/polyglot-chat-relay/internal/storage"
)

// Option is a functional option for configuring an App.
type Option func(*App) error

// WithConfigFile loads configuration from path and reloads it whenever the
// file changes.
func WithConfigFile(path string) Option {
	return func(a *App) error {
		cfg, err := config.LoadFile(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		a.cfg = cfg
		a.configPath = path
		return nil
	}
}

// WithConfig uses a fixed configuration with no reloading.
func WithConfig(cfg *config.Config) Option {
	return func(a *App) error {
		a.cfg = cfg
		return nil
	}
}

// WithStore overrides the store selected by the storage configuration.
func WithStore(store storage.Store) Option {
	return func(a *App) error {
		a.store = store
		return nil
	}
}

// WithListener serves on ln instead of the configured port.
func WithListener(ln net.Listener) Option {
	return func(a *App) error {
		a.listener = ln
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *App) error {
		a.logger = logger
		return nil
	}
}
