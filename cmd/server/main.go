package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/redis/go-redis/v9"

	"github.com/dm1-registry-pipeline/internal/api"
	"github.com/dm1-registry-pipeline/internal/audit"
	"github.com/dm1-registry-pipeline/internal/config"
	"github.com/dm1-registry-pipeline/internal/database"
	"github.com/dm1-registry-pipeline/internal/domain"
	"github.com/dm1-registry-pipeline/internal/linkage"
	"github.com/dm1-registry-pipeline/internal/mapper"
	"github.com/dm1-registry-pipeline/internal/pipeline"
	"github.com/dm1-registry-pipeline/internal/registry"
	"github.com/dm1-registry-pipeline/internal/repository"
	"github.com/dm1-registry-pipeline/internal/resolver"
	"github.com/dm1-registry-pipeline/internal/vocabulary"
)

func main() {
	// Load configuration
	configManager, err := config.NewManager()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Validate configuration
	if err := configManager.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}

	cfg := configManager.GetConfig()
	logger := newLogger(cfg.Logging)
	logger.WithFields(logrus.Fields{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Starting DM1 registry pipeline server")

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	// Apply pending migrations before serving
	migrator, err := database.NewSchemaMigrator(configManager.GetDatabaseURL(), cfg.Database.MigrationsPath, logger)
	if err != nil {
		logger.WithError(err).Fatal("Creating migration runner")
	}
	if err := migrator.Up(ctx); err != nil {
		logger.WithError(err).Fatal("Applying migrations")
	}
	migrator.Close()

	db, err := database.NewConnection(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		Database:    cfg.Database.Database,
		Username:    cfg.Database.Username,
		Password:    cfg.Database.Password,
		MaxConns:    int32(cfg.Database.MaxOpenConns),
		MinConns:    int32(cfg.Database.MaxIdleConns),
		MaxConnLife: cfg.Database.ConnMaxLifetime,
		SSLMode:     cfg.Database.SSLMode,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("Connecting to database")
	}
	defer db.Close()

	// Audit log rides a database/sql handle
	auditDB, err := sql.Open("postgres", configManager.GetDatabaseConnectionString())
	if err != nil {
		logger.WithError(err).Fatal("Opening audit connection")
	}
	defer auditDB.Close()

	auditLog, err := audit.NewPostgresLog(auditDB, logger)
	if err != nil {
		logger.WithError(err).Fatal("Creating audit log")
	}

	vocabStore, err := vocabulary.NewPostgresStore(db.Pool, cfg.Vocabulary.SnapshotCacheSize, logger)
	if err != nil {
		logger.WithError(err).Fatal("Creating vocabulary store")
	}

	registryStore, err := registry.NewStore(cfg.Registry, configManager.GetDatabaseURL())
	if err != nil {
		logger.WithError(err).Fatal("Opening custom concept registry")
	}
	defer registryStore.Close()
	registrySvc := registry.NewService(registryStore, auditLog, logger)

	var redisClient *redis.Client
	if cfg.Cache.RedisURL != "" {
		redisClient, err = resolver.NewRedisClient(cfg.Cache)
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable, continuing with memory cache only")
			redisClient = nil
		}
	}
	cache, err := resolver.NewResolutionCache(cfg.Cache.MemoryCacheMax, redisClient, cfg.Cache.DefaultTTL, logger)
	if err != nil {
		logger.WithError(err).Fatal("Creating resolution cache")
	}

	conceptResolver := resolver.New(vocabStore, registrySvc, cache, cfg.Resolver, logger)
	recordMapper := mapper.New(conceptResolver, logger)

	recordRepo := repository.NewRecordRepository(db.Pool, logger)
	pairRepo := repository.NewPairRepository(db.Pool, logger)
	targetRepo := repository.NewTargetRepository(db.Pool, logger)
	runRepo := repository.NewRunRepository(db.Pool, logger)

	engine, err := linkage.NewEngine(cfg.Linkage, pairRepo, recordRepo, auditLog, logger)
	if err != nil {
		logger.WithError(err).Fatal("Creating linkage engine")
	}

	hub := api.NewEventHub(logger)
	orchestrator := pipeline.New(recordRepo, engine, recordMapper, targetRepo, runRepo, db, hub, logger)

	server := api.NewServer(configManager, api.Deps{
		Runs:     orchestrator,
		RunStore: runRepo,
		Unmapped: targetRepo,
		Pairs:    engine,
		Concepts: registrySvc,
		Vocab:    vocabStore,
		Events:   hub,
	}, logger)

	if err := server.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Server failed")
	}

	logger.Info("Server stopped")
}

func newLogger(cfg domain.LoggingConfig) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}
