package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/facturaIA/nfce-invoice-parser/api"
	"github.com/facturaIA/nfce-invoice-parser/internal/ai"
	"github.com/facturaIA/nfce-invoice-parser/internal/auth"
	"github.com/facturaIA/nfce-invoice-parser/internal/cache"
	"github.com/facturaIA/nfce-invoice-parser/internal/config"
	"github.com/facturaIA/nfce-invoice-parser/internal/db"
	"github.com/facturaIA/nfce-invoice-parser/internal/fetcher"
	"github.com/facturaIA/nfce-invoice-parser/internal/logger"
	"github.com/facturaIA/nfce-invoice-parser/internal/models"
	"github.com/facturaIA/nfce-invoice-parser/internal/parser"
	"github.com/facturaIA/nfce-invoice-parser/internal/storage"
)

func main() {
	log := logger.GetLogger()
	defer logger.Close()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalw("Failed to load config", "path", configPath, "error", err)
	}

	// Initialize JWT
	if err := auth.Init(); err != nil {
		log.Fatalw("Failed to initialize auth", "error", err)
	}
	log.Info("JWT authentication initialized")

	ctx := context.Background()
	var opts []parser.Option
	var ledger api.ImportLedger
	var snapshots api.SnapshotLinker

	// Database backs the duplicate check and the import ledger
	if err := db.Init(ctx); err != nil {
		if !errors.Is(err, db.ErrNotConfigured) {
			log.Warnw("Database not available, duplicate check disabled", "error", err)
		}
	} else {
		defer db.Close()
		repo := db.NewInvoiceRepository(db.GetPool())
		if err := repo.EnsureSchema(ctx); err != nil {
			log.Fatalw("Failed to create schema", "error", err)
		}
		opts = append(opts, parser.WithDuplicateChecker(repo))
		ledger = repo
	}

	// MinIO keeps the fetched HTML
	store, err := storage.NewSnapshotStoreFromEnv(ctx)
	switch {
	case errors.Is(err, storage.ErrNotConfigured):
		log.Info("Snapshot storage not configured, HTML will not be archived")
	case err != nil:
		log.Warnw("Snapshot storage not available", "error", err)
	default:
		opts = append(opts, parser.WithArchiver(store))
		snapshots = store
	}

	invoices, err := newCache(cfg.Cache, log)
	if err != nil {
		log.Fatalw("Failed to create cache", "error", err)
	}

	provider, err := ai.NewProvider(ctx, cfg.AI)
	if err != nil {
		log.Fatalw("Failed to create AI provider", "provider", cfg.AI.Provider, "error", err)
	}
	defer provider.Close()

	opts = append(opts, parser.WithCacheTTL(cfg.Cache.TTL))
	svc := parser.NewService(fetcher.New(cfg.Fetch), ai.NewParser(provider, cfg.AI), invoices, opts...)

	handler := api.NewHandler(cfg, svc, ledger, snapshots)
	// Wrap router with JWT middleware (skips /health and /metrics)
	protectedRouter := auth.JWTMiddleware(handler.SetupRoutes())

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           protectedRouter,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Infow("Starting NFC-e parser service",
			"version", api.Version,
			"addr", addr,
			"ai_provider", cfg.AI.Provider,
			"ai_model", cfg.AI.Model,
			"database", ledger != nil,
			"storage", snapshots != nil,
			"redis", cfg.Cache.RedisURL != "",
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("Server failed", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Graceful shutdown failed", "error", err)
	}
}

// newCache picks Redis when a URL is configured, otherwise the in-process LRU
func newCache(cfg models.CacheConfig, log *zap.SugaredLogger) (cache.Store[models.ParsedInvoice], error) {
	opts := []cache.Option{
		cache.WithMaxSize(cfg.MaxSize),
		cache.WithDefaultTTL(cfg.TTL),
		cache.WithName("invoices"),
	}
	if cfg.RedisURL == "" {
		return cache.NewManager[models.ParsedInvoice](opts...), nil
	}

	client, err := cache.NewRedisClient(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	log.Infow("Using Redis cache")
	return cache.NewRedisStore[models.ParsedInvoice](client, opts...), nil
}
