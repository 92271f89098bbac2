// Package runtime assembles the relay service from configuration and manages
// its lifecycle.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/polyglot-chat-relay/internal/api/openai"
	"github.com/tjfontaine/polyglot-chat-relay/internal/auth"
	"github.com/tjfontaine/polyglot-chat-relay/internal/capability"
	"github.com/tjfontaine/polyglot-chat-relay/internal/config"
	"github.com/tjfontaine/polyglot-chat-relay/internal/frontdoor/chat"
	"github.com/tjfontaine/polyglot-chat-relay/internal/relay"
	"github.com/tjfontaine/polyglot-chat-relay/internal/server"
	"github.com/tjfontaine/polyglot-chat-relay/internal/storage"
	"github.com/tjfontaine/polyglot-chat-relay/internal/storage/memory"
	"github.com/tjfontaine/polyglot-chat-relay/internal/storage/sqlite"
	"github.com/tjfontaine/polyglot-chat-relay/internal/tokens"
)

// ServiceName names the HTTP server span and the relay tracer.
const ServiceName = "polyglot-chat-relay"

// App is the relay service: HTTP server, chat front door, relay and the
// configuration watcher.
type App struct {
	cfg        *config.Config
	configPath string
	store      storage.Store
	listener   net.Listener
	logger     *slog.Logger

	holder  *config.Holder
	caps    *capability.Dynamic
	auth    *auth.Authenticator
	server  *server.Server
	watcher *config.Watcher

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New builds the service. A configuration is required; storage defaults to
// the configured backend.
func New(opts ...Option) (*App, error) {
	a := &App{logger: slog.Default()}

	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if a.cfg == nil {
		return nil, errors.New("configuration required (use WithConfigFile or WithConfig)")
	}

	if a.store == nil {
		store, err := openStore(a.cfg.Storage)
		if err != nil {
			return nil, err
		}
		a.store = store
	}

	if a.configPath != "" {
		watcher, err := config.NewWatcher(a.configPath, a.logger)
		if err != nil {
			return nil, fmt.Errorf("create config watcher: %w", err)
		}
		a.watcher = watcher
	}

	a.holder = config.NewHolder(a.cfg)
	a.caps = capability.NewDynamic(capability.FromConfig(a.cfg.Capabilities))
	a.auth = auth.NewAuthenticator(a.cfg.Users)
	if a.auth.Anonymous() {
		a.logger.Info("no users configured, running without authentication")
	}

	counter := tokens.Default()
	upstream := openai.NewClient(
		openai.WithHTTPClient(openai.NewHTTPClient(a.cfg.Upstream.ConnectTimeout)),
	)
	rl := relay.New(relay.NewConfigResolver(a.holder), a.caps, upstream,
		relay.WithLogger(a.logger),
		relay.WithTokenCounter(counter),
		relay.WithTracer(otel.Tracer(ServiceName)),
	)
	handler := chat.NewHandler(rl, a.store, a.holder,
		chat.WithPromptCounter(counter),
		chat.WithLogger(a.logger),
	)

	a.server = server.New(a.cfg.Server.Port, a.logger)
	routes := chat.CreateHandlerRegistrations(handler, "")
	chat.Mount(a.server.Router, routes, a.auth, a.cfg.Server.RequestTimeout)
	for _, rt := range routes {
		a.logger.Debug("registered handler",
			slog.String("method", rt.Method),
			slog.String("path", rt.Path),
			slog.Bool("streaming", rt.Streaming))
	}

	return a, nil
}

func openStore(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "", "memory":
		return memory.New(), nil
	case "sqlite":
		if dir := filepath.Dir(cfg.SQLite.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create storage directory: %w", err)
			}
		}
		store, err := sqlite.New(cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite storage: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

// Start serves in the background until Shutdown is called or the server
// fails.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.group != nil {
		return errors.New("already started")
	}

	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Server.Port))
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	a.cancel = cancel
	a.group = g

	g.Go(func() error {
		return a.server.Serve(ln)
	})
	if a.watcher != nil {
		g.Go(func() error {
			// The service keeps running on the last good config if watching fails.
			if err := a.watcher.Watch(gctx, a.reload); err != nil {
				a.logger.Error("config watch failed", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	a.logger.Info("relay started",
		slog.String("addr", ln.Addr().String()),
		slog.String("upstream", a.cfg.Upstream.BaseURL),
		slog.String("storage", a.cfg.Storage.Type))
	return nil
}

// Wait blocks until the service stops and returns the first failure.
func (a *App) Wait() error {
	a.mu.Lock()
	g := a.group
	a.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// Shutdown stops the server gracefully, waiting for in-flight requests up to
// ctx's deadline, then releases storage.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.logger.Info("shutting down relay")

	if a.cancel != nil {
		a.cancel()
	}

	var errs []error
	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Error("failed to shutdown server", slog.String("error", err.Error()))
		errs = append(errs, err)
	}
	if a.group != nil {
		if err := a.group.Wait(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("failed to close storage", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	a.logger.Info("relay shutdown complete")
	return errors.Join(errs...)
}

// Config returns the active configuration.
func (a *App) Config() *config.Config {
	return a.holder.Current()
}

// reload publishes a new configuration. Requests already running keep the
// snapshot they started with. Port and storage changes need a restart.
func (a *App) reload(cfg *config.Config) {
	prev := a.holder.Current()
	if prev.Server.Port != cfg.Server.Port || prev.Storage != cfg.Storage {
		a.logger.Warn("server port and storage changes take effect after restart")
	}

	a.caps.Store(capability.FromConfig(cfg.Capabilities))
	a.auth.SetUsers(cfg.Users)
	a.holder.Swap(cfg)

	a.logger.Info("reload complete",
		slog.String("default_model", cfg.Upstream.DefaultModel),
		slog.Int("users", len(cfg.Users)))
}
