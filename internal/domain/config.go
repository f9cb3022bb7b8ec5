package domain

import (
	"time"
)

// Configuration Models

// Config represents the main application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Registry   RegistryConfig   `mapstructure:"registry"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Vocabulary VocabularyConfig `mapstructure:"vocabulary"`
	Resolver   ResolverConfig   `mapstructure:"resolver"`
	Linkage    LinkageConfig    `mapstructure:"linkage"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig represents database connection configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// RegistryConfig configures the custom concept registry backend
type RegistryConfig struct {
	Backend    string `mapstructure:"backend"` // "sqlite" or "postgres"
	SQLitePath string `mapstructure:"sqlite_path"`
}

// CacheConfig represents the resolution cache configuration
type CacheConfig struct {
	RedisURL       string        `mapstructure:"redis_url"`
	DefaultTTL     time.Duration `mapstructure:"default_ttl"`
	MaxRetries     int           `mapstructure:"max_retries"`
	PoolSize       int           `mapstructure:"pool_size"`
	PoolTimeout    time.Duration `mapstructure:"pool_timeout"`
	MemoryCacheMax int           `mapstructure:"memory_cache_max"`
}

// VocabularyConfig configures vocabulary snapshot handling
type VocabularyConfig struct {
	SnapshotCacheSize int                `mapstructure:"snapshot_cache_size"`
	Distribution      DistributionConfig `mapstructure:"distribution"`
}

// DistributionConfig configures the external vocabulary distribution endpoint
type DistributionConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	RateLimit      int           `mapstructure:"rate_limit"` // requests per second
	RetryCount     int           `mapstructure:"retry_count"`
	BreakerTimeout time.Duration `mapstructure:"breaker_timeout"`
}

// ResolverConfig configures concept resolution
type ResolverConfig struct {
	MaxTraversalDepth int `mapstructure:"max_traversal_depth"`
}

// LinkageConfig configures the duplicate/linkage engine. All thresholds
// and comparison attributes are supplied per study configuration.
type LinkageConfig struct {
	AutoMergeThreshold float64            `mapstructure:"auto_merge_threshold"`
	ReviewThreshold    float64            `mapstructure:"review_threshold"`
	BlockingKeys       []string           `mapstructure:"blocking_keys"`
	Comparators        []ComparatorConfig `mapstructure:"comparators"`
}

// ComparatorConfig configures one weighted field comparison
type ComparatorConfig struct {
	Field      string  `mapstructure:"field"`
	Comparator string  `mapstructure:"comparator"` // exact, jaro_winkler, date, identifier
	Weight     float64 `mapstructure:"weight"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}
