package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/instancewatch/server/internal/api"
	"github.com/instancewatch/server/internal/cache"
	"github.com/instancewatch/server/internal/config"
	"github.com/instancewatch/server/internal/directory"
	"github.com/instancewatch/server/internal/domain"
	"github.com/instancewatch/server/internal/github"
	"github.com/instancewatch/server/internal/middleware"
	"github.com/instancewatch/server/internal/prober"
	"github.com/instancewatch/server/internal/registry"
	"github.com/instancewatch/server/internal/sync"
)

func main() {
	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("application failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger.Info("starting instancewatch server",
		"directory", cfg.DirectorySourceURL,
		"cache_backend", cfg.CacheBackend,
		"cache_ttl", cfg.CacheTTL,
		"refresh_interval", cfg.RefreshInterval,
		"custom_instance", cfg.CustomInstanceURL != "" && cfg.CustomInstanceEnabled,
		"min_score", cfg.MinScore,
	)

	backend, closeBackend, err := newCacheBackend(context.Background(), cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize %s cache: %w", cfg.CacheBackend, err)
	}
	defer func() {
		if err := closeBackend.Close(); err != nil {
			logger.Warn("cache close error", "error", err)
		}
	}()

	source, err := newDirectorySource(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize directory source: %w", err)
	}

	httpClient := &http.Client{}

	// Initialize resolver with per-instance status cache
	resolver, err := registry.New(registry.Config{
		Source: source,
		Prober: prober.New(prober.Config{
			Client:    httpClient,
			Timeout:   cfg.ProbeTimeout,
			UserAgent: cfg.UserAgent,
			Logger:    logger,
		}),
		Cache:  cache.NewStore[domain.InstanceStatus](backend, logger),
		Custom: registry.CustomInstance(cfg.CustomInstanceURL, cfg.CustomInstanceEnabled, cfg.CustomAPIKey()),
		TTL:    cfg.CacheTTL,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize resolver: %w", err)
	}

	// Initialize sync manager
	syncMgr := sync.NewManager(sync.Config{
		Resolver: resolver,
		Interval: cfg.RefreshInterval,
		Debounce: 10 * time.Second,
		Logger:   logger,
	})

	// Initialize observability
	shutdownTracer, err := middleware.InitTracer(cfg.OTLPEndpoint, api.Version)
	if err != nil {
		logger.Warn("failed to initialize tracer, continuing without tracing", "error", err)
	}

	// Initialize API router
	router := api.NewRouter(api.Config{
		Resolver:      resolver,
		SyncManager:   syncMgr,
		MinScore:      cfg.MinScore,
		RefreshSecret: cfg.RefreshSecret,
		Logger:        logger,
	})

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      middleware.Chain(router, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start sync manager; the first cycle runs in the background
	syncMgr.Start(context.Background())

	// Start server in goroutine
	errChan := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errChan:
		syncMgr.Stop()
		return fmt.Errorf("server error: %w", err)
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	syncMgr.Stop()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	if shutdownTracer != nil {
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown error", "error", err)
		}
	}

	logger.Info("server stopped gracefully")
	return nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// newCacheBackend opens the configured backend together with its closer
func newCacheBackend(ctx context.Context, cfg *config.Config) (cache.Backend, io.Closer, error) {
	switch cfg.CacheBackend {
	case config.CacheRedis:
		client, err := cache.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis ping failed: %w", err)
		}
		backend := cache.NewRedisBackend(client)
		return backend, backend, nil

	case config.CacheSQLite:
		backend, err := cache.NewSQLiteBackend(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return backend, backend, nil

	default:
		backend, err := cache.NewMemoryBackend(cfg.CacheSize)
		if err != nil {
			return nil, nil, err
		}
		return backend, nopCloser{}, nil
	}
}

func newDirectorySource(cfg *config.Config, logger *slog.Logger) (directory.Source, error) {
	if !cfg.IsGitSource() {
		return directory.NewHTTPSource(directory.HTTPConfig{
			URL:       cfg.DirectorySourceURL,
			Timeout:   cfg.DirectoryTimeout,
			UserAgent: cfg.UserAgent,
			Logger:    logger,
		}), nil
	}

	repoURL, path, err := directory.ParseGitURL(cfg.DirectorySourceURL)
	if err != nil {
		return nil, err
	}
	gitCfg := directory.GitConfig{
		RepoURL: repoURL,
		Branch:  cfg.DirectoryGitBranch,
		Path:    path,
		Token:   cfg.DirectoryGitToken,
		Depth:   1,
		Timeout: cfg.DirectoryTimeout,
		Logger:  logger,
	}

	if cfg.UsesGitHubApp() {
		appAuth, err := github.NewAppAuth(github.AppConfig{
			AppID:          cfg.GitHubAppID,
			InstallationID: cfg.GitHubInstallationID,
			PrivateKey:     cfg.GitHubAppPrivateKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create GitHub App auth: %w", err)
		}
		gitCfg.TokenSource = appAuth
		logger.Info("directory clones authenticate as GitHub App",
			"app_id", cfg.GitHubAppID,
			"installation_id", cfg.GitHubInstallationID,
		)
	}

	return directory.NewGitSource(gitCfg)
}
