package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tjfontaine/polyglot-chat-relay/internal/config"
	"github.com/tjfontaine/polyglot-chat-relay/internal/runtime"
	"github.com/tjfontaine/polyglot-chat-relay/internal/telemetry"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = config.DefaultPath
	}

	app, err := runtime.New(
		runtime.WithLogger(logger),
		runtime.WithConfigFile(configPath),
	)
	if err != nil {
		log.Fatalf("Failed to create relay: %v", err)
	}

	shutdownTracer, err := telemetry.InitTracer(app.Config().Telemetry, os.Stderr, logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Start(ctx); err != nil {
		log.Fatalf("Failed to start relay: %v", err)
	}

	failed := make(chan error, 1)
	go func() {
		failed <- app.Wait()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, stopping relay")
	case err := <-failed:
		if err != nil {
			logger.Error("relay stopped", slog.String("error", err.Error()))
		}
	}

	// Streams still running get this long to finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
