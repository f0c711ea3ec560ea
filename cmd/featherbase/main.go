// Package main is the entry point for the featherbase server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/featherbase/featherbase/internal/api"
	"github.com/featherbase/featherbase/internal/auth"
	"github.com/featherbase/featherbase/internal/cache"
	"github.com/featherbase/featherbase/internal/config"
	"github.com/featherbase/featherbase/internal/engine"
	"github.com/featherbase/featherbase/internal/kv"
	"github.com/featherbase/featherbase/internal/kv/bolt"
	"github.com/featherbase/featherbase/internal/kv/memory"
	"github.com/featherbase/featherbase/internal/realtime"
	"github.com/featherbase/featherbase/internal/schema"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("featherbase %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("starting featherbase",
		slog.String("version", version),
		slog.String("storage", cfg.Storage.Type),
		slog.String("address", cfg.Address()),
	)

	store, err := createStore(cfg, logger)
	if err != nil {
		logger.Error("failed to open storage", slog.String("error", err.Error()))
		os.Exit(1)
	}

	schemas, err := schema.NewRegistry(store)
	if err != nil {
		logger.Error("failed to load schemas", slog.String("error", err.Error()))
		os.Exit(1)
	}

	recordCache := cache.New(cfg.Cache.MaxSize)
	loading := cache.NewLoading(recordCache)

	buffer := engine.NewBuffer(store, recordCache, logger, engine.BufferConfig{
		FlushInterval: cfg.FlushInterval(),
		MaxBufferSize: cfg.Engine.MaxBufferSize,
		MaxFlushQueue: cfg.Engine.MaxFlushQueue,
		Optimistic:    cfg.Engine.Optimistic,
	})

	broadcaster := realtime.NewBroadcaster(logger, realtime.Config{})

	eng := engine.New(store, loading, schemas, buffer, broadcaster, logger, engine.Config{
		MaxScanLimit: cfg.Engine.MaxScanLimit,
	})

	audit := auth.NewAudit(cfg.Audit)
	tokens := auth.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.JWTExpiry())
	authService := auth.NewService(eng, tokens, audit, logger)

	if cfg.Auth.Bootstrap.Enabled {
		result, err := authService.Bootstrap(context.Background(),
			cfg.Auth.Bootstrap.Email, cfg.Auth.Bootstrap.Password)
		if err != nil {
			logger.Error("failed to bootstrap superuser", slog.String("error", err.Error()))
			os.Exit(1)
		}
		if !result.Created {
			logger.Info("bootstrap skipped", slog.String("reason", result.Message))
		}
	}

	limiter := auth.NewRateLimiter(cfg.RateLimiting)
	refreshCtx, stopRefresh := context.WithCancel(context.Background())
	if cfg.RateLimiting.Enabled {
		go auth.RunOverrideRefresher(refreshCtx, eng, limiter,
			time.Duration(cfg.RateLimiting.RefreshSeconds)*time.Second, logger)
	}

	server := api.NewServer(cfg, api.Deps{
		Engine:      eng,
		Auth:        authService,
		Broadcaster: broadcaster,
		RateLimiter: limiter,
	}, logger)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			logger.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	case sig := <-shutdown:
		logger.Info("shutting down", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", slog.String("error", err.Error()))
		}

		stopRefresh()

		// Flush pending writes before tearing anything else down.
		if err := buffer.Drain(ctx); err != nil {
			logger.Error("buffer drain error", slog.String("error", err.Error()))
		}

		// Queued change events go out before the broadcaster closes.
		eng.Close()
		broadcaster.Close()

		if err := audit.Close(); err != nil {
			logger.Error("audit close error", slog.String("error", err.Error()))
		}
		if err := store.Close(); err != nil {
			logger.Error("storage close error", slog.String("error", err.Error()))
		}
	}

	logger.Info("shutdown complete")
}

// newLogger builds the process logger per configuration.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// createStore opens the KV substrate per configuration.
func createStore(cfg *config.Config, logger *slog.Logger) (kv.Store, error) {
	switch cfg.Storage.Type {
	case "memory":
		logger.Info("using in-memory storage")
		return memory.NewStore(), nil

	case "bolt":
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		logger.Info("opening bolt storage",
			slog.String("path", cfg.Storage.Path),
			slog.Bool("nosync", cfg.Engine.Optimistic),
		)
		return bolt.NewStore(bolt.Config{
			Path:   cfg.Storage.Path,
			NoSync: cfg.Engine.Optimistic,
		})

	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}
}
