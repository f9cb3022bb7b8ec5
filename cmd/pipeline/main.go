package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

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
	var (
		datasetID     = flag.String("dataset", "", "dataset to process")
		vocabVersion  = flag.String("vocab-version", "", "vocabulary version to pin the run against")
		conceptsPath  = flag.String("load-concepts", "", "CONCEPT.csv to load before the run")
		relationsPath = flag.String("load-relationships", "", "CONCEPT_RELATIONSHIP.csv to load before the run")
		fetchVersion  = flag.Bool("fetch", false, "fetch the version from the configured distribution endpoint")
		loadOnly      = flag.Bool("load-only", false, "load the vocabulary version and exit")
	)
	flag.Parse()

	if *vocabVersion == "" {
		log.Fatal("-vocab-version is required")
	}
	if !*loadOnly && *datasetID == "" {
		log.Fatal("-dataset is required unless -load-only is set")
	}

	configManager, err := config.NewManager()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := configManager.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}

	cfg := configManager.GetConfig()
	logger := newLogger(cfg.Logging)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Warn("Cancellation requested, aborting run")
		cancel()
	}()

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

	vocabStore, err := vocabulary.NewPostgresStore(db.Pool, cfg.Vocabulary.SnapshotCacheSize, logger)
	if err != nil {
		logger.WithError(err).Fatal("Creating vocabulary store")
	}

	switch {
	case *fetchVersion:
		client := vocabulary.NewDistributionClient(cfg.Vocabulary.Distribution, logger)
		snap, err := client.FetchVersion(ctx, *vocabVersion)
		if err != nil {
			logger.WithError(err).Fatal("Fetching vocabulary version")
		}
		if err := vocabStore.LoadVersion(ctx, snap); err != nil {
			logger.WithError(err).Fatal("Loading fetched vocabulary version")
		}
		logger.WithField("version", *vocabVersion).Info("Vocabulary version fetched and loaded")
	case *conceptsPath != "" || *relationsPath != "":
		if err := loadSnapshot(ctx, vocabStore, *vocabVersion, *conceptsPath, *relationsPath); err != nil {
			logger.WithError(err).Fatal("Loading vocabulary snapshot")
		}
		logger.WithField("version", *vocabVersion).Info("Vocabulary version loaded")
	}
	if *loadOnly {
		return
	}

	auditDB, err := sql.Open("postgres", configManager.GetDatabaseConnectionString())
	if err != nil {
		logger.WithError(err).Fatal("Opening audit connection")
	}
	defer auditDB.Close()

	auditLog, err := audit.NewPostgresLog(auditDB, logger)
	if err != nil {
		logger.WithError(err).Fatal("Creating audit log")
	}

	registryStore, err := registry.NewStore(cfg.Registry, configManager.GetDatabaseURL())
	if err != nil {
		logger.WithError(err).Fatal("Opening custom concept registry")
	}
	defer registryStore.Close()
	registrySvc := registry.NewService(registryStore, auditLog, logger)

	cache, err := resolver.NewResolutionCache(cfg.Cache.MemoryCacheMax, nil, cfg.Cache.DefaultTTL, logger)
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

	orchestrator := pipeline.New(recordRepo, engine, recordMapper, targetRepo, runRepo, db, nil, logger)

	summary, err := orchestrator.Execute(ctx, *datasetID, *vocabVersion)
	if summary != nil {
		out, marshalErr := json.MarshalIndent(summary, "", "  ")
		if marshalErr == nil {
			fmt.Println(string(out))
		}
	}
	if err != nil {
		logger.WithError(err).Fatal("Run failed")
	}
}

func loadSnapshot(ctx context.Context, store vocabulary.Store, version, conceptsPath, relationsPath string) error {
	if conceptsPath == "" || relationsPath == "" {
		return fmt.Errorf("both -load-concepts and -load-relationships are required to load a version")
	}

	concepts, err := os.Open(conceptsPath)
	if err != nil {
		return fmt.Errorf("opening concepts file: %w", err)
	}
	defer concepts.Close()

	relationships, err := os.Open(relationsPath)
	if err != nil {
		return fmt.Errorf("opening relationships file: %w", err)
	}
	defer relationships.Close()

	snap, err := vocabulary.ReadSnapshot(version, concepts, relationships)
	if err != nil {
		return fmt.Errorf("parsing snapshot: %w", err)
	}
	return store.LoadVersion(ctx, snap)
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
