package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/dm1-registry-pipeline/internal/config"
	"github.com/dm1-registry-pipeline/internal/domain"
	"github.com/dm1-registry-pipeline/internal/registry"
	"github.com/dm1-registry-pipeline/internal/resolver"
	"github.com/dm1-registry-pipeline/internal/vocabulary"
)

// Standalone single-site resolver. Runs entirely from local files: CSV
// vocabulary snapshots under the site data directory and an embedded
// sqlite custom concept registry. No postgres or redis required.
func main() {
	var (
		vocabVersion = flag.String("vocab-version", "", "vocabulary version to resolve against")
		vocabularyID = flag.String("vocabulary", "", "source vocabulary of the code (e.g. SNOMED, ICD10CM)")
		sourceCode   = flag.String("code", "", "source code to resolve")
	)
	flag.Parse()

	if *vocabVersion == "" || *vocabularyID == "" || *sourceCode == "" {
		log.Fatal("-vocab-version, -vocabulary and -code are required")
	}

	cfg := config.LoadSiteConfig()
	if err := cfg.EnsureDataDir(); err != nil {
		log.Fatalf("Preparing data directory: %v", err)
	}
	logger := newLogger(cfg)

	ctx := context.Background()

	store := vocabulary.NewMemoryStore(logger)
	snap, err := loadLocalSnapshot(cfg, *vocabVersion)
	if err != nil {
		logger.WithError(err).Fatal("Loading vocabulary snapshot")
	}
	if err := store.LoadVersion(ctx, snap); err != nil {
		logger.WithError(err).Fatal("Registering vocabulary version")
	}

	registryStore, err := registry.NewSQLiteStore(cfg.RegistryDBPath())
	if err != nil {
		logger.WithError(err).Fatal("Opening custom concept registry")
	}
	defer registryStore.Close()
	registrySvc := registry.NewService(registryStore, nil, logger)

	cache, err := resolver.NewResolutionCache(cfg.CacheMaxItems, nil, cfg.CacheTTL, logger)
	if err != nil {
		logger.WithError(err).Fatal("Creating resolution cache")
	}

	res := resolver.New(store, registrySvc, cache, domain.ResolverConfig{
		MaxTraversalDepth: cfg.MaxTraversalDepth,
	}, logger)

	result, err := res.Resolve(ctx, *vocabularyID, *sourceCode, *vocabVersion)
	if err != nil {
		logger.WithError(err).Fatal("Resolution failed")
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		logger.WithError(err).Fatal("Encoding result")
	}
	fmt.Println(string(out))
}

// loadLocalSnapshot reads CONCEPT.csv and CONCEPT_RELATIONSHIP.csv from
// the per-version snapshot directory.
func loadLocalSnapshot(cfg *config.SiteConfig, version string) (*vocabulary.Snapshot, error) {
	dir := filepath.Join(cfg.SnapshotDir(), version)

	concepts, err := os.Open(filepath.Join(dir, "CONCEPT.csv"))
	if err != nil {
		return nil, fmt.Errorf("opening concepts file: %w", err)
	}
	defer concepts.Close()

	relationships, err := os.Open(filepath.Join(dir, "CONCEPT_RELATIONSHIP.csv"))
	if err != nil {
		return nil, fmt.Errorf("opening relationships file: %w", err)
	}
	defer relationships.Close()

	return vocabulary.ReadSnapshot(version, concepts, relationships)
}

func newLogger(cfg *config.SiteConfig) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}
