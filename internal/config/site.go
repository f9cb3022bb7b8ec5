// Package config provides configuration management for the pipeline.
// This file contains the lightweight configuration for single-site
// standalone operation (embedded sqlite registry, no central postgres).
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// SiteConfig is a simplified configuration for single-site operation.
// It requires no external databases and uses sensible defaults.
type SiteConfig struct {
	// Data storage
	DataDir string // Base directory for data files

	// Resolution settings
	MaxTraversalDepth int           // Bounded relationship traversal depth
	CacheMaxItems     int           // Maximum items in memory cache
	CacheTTL          time.Duration // Default cache TTL

	// Linkage settings
	AutoMergeThreshold float64
	ReviewThreshold    float64

	// Logging
	LogLevel  string // Log level: debug, info, warn, error
	LogFormat string // Log format: json, text
}

// DefaultSiteConfig returns a configuration with sensible defaults.
func DefaultSiteConfig() *SiteConfig {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".dm1-registry-pipeline")

	return &SiteConfig{
		DataDir:            dataDir,
		MaxTraversalDepth:  5,
		CacheMaxItems:      10000,
		CacheTTL:           24 * time.Hour,
		AutoMergeThreshold: 0.95,
		ReviewThreshold:    0.75,
		LogLevel:           "info",
		LogFormat:          "json",
	}
}

// LoadSiteConfig loads configuration from environment variables.
// Falls back to defaults if not set.
func LoadSiteConfig() *SiteConfig {
	cfg := DefaultSiteConfig()

	if v := os.Getenv("DM1_SITE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	if v := os.Getenv("DM1_SITE_MAX_TRAVERSAL_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxTraversalDepth = n
		}
	}
	if v := os.Getenv("DM1_SITE_CACHE_MAX_ITEMS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CacheMaxItems = n
		}
	}
	if v := os.Getenv("DM1_SITE_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.CacheTTL = d
		}
	}

	if v := os.Getenv("DM1_SITE_AUTO_MERGE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			cfg.AutoMergeThreshold = f
		}
	}
	if v := os.Getenv("DM1_SITE_REVIEW_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			cfg.ReviewThreshold = f
		}
	}

	if v := os.Getenv("DM1_SITE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DM1_SITE_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}

	return cfg
}

// RegistryDBPath returns the path to the custom concept SQLite database.
func (c *SiteConfig) RegistryDBPath() string {
	return filepath.Join(c.DataDir, "custom_concepts.db")
}

// SnapshotDir returns the directory holding downloaded vocabulary snapshots.
func (c *SiteConfig) SnapshotDir() string {
	return filepath.Join(c.DataDir, "vocabulary")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *SiteConfig) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	return os.MkdirAll(c.SnapshotDir(), 0755)
}
