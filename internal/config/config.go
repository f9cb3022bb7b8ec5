package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/dm1-registry-pipeline/internal/domain"
)

// Manager implements the ConfigManager interface using Viper
type Manager struct {
	config *domain.Config
}

// NewManager creates a new configuration manager
func NewManager() (*Manager, error) {
	m := &Manager{}
	if err := m.loadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return m, nil
}

// loadConfig loads configuration from various sources
func (m *Manager) loadConfig() error {
	// Set configuration file name and paths
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/dm1-registry-pipeline/")

	// Set environment variable prefix and enable automatic env binding
	viper.SetEnvPrefix("DM1_PIPELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Set default values
	m.setDefaults()

	// Read configuration file (optional - will use defaults and env vars if not found)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	// Unmarshal configuration into struct
	config := &domain.Config{}
	if err := viper.Unmarshal(config); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.config = config
	return nil
}

// setDefaults sets default configuration values
func (m *Manager) setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")

	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.database", "dm1_registry")
	viper.SetDefault("database.username", "postgres")
	viper.SetDefault("database.password", "")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("database.migrations_path", "./migrations")

	// Registry defaults
	viper.SetDefault("registry.backend", "postgres")
	viper.SetDefault("registry.sqlite_path", "./data/custom_concepts.db")

	// Cache defaults
	viper.SetDefault("cache.redis_url", "redis://localhost:6379")
	viper.SetDefault("cache.default_ttl", "24h")
	viper.SetDefault("cache.max_retries", 3)
	viper.SetDefault("cache.pool_size", 10)
	viper.SetDefault("cache.pool_timeout", "4s")
	viper.SetDefault("cache.memory_cache_max", 10000)

	// Vocabulary defaults
	viper.SetDefault("vocabulary.snapshot_cache_size", 4)
	viper.SetDefault("vocabulary.distribution.base_url", "")
	viper.SetDefault("vocabulary.distribution.timeout", "60s")
	viper.SetDefault("vocabulary.distribution.rate_limit", 2)
	viper.SetDefault("vocabulary.distribution.retry_count", 3)
	viper.SetDefault("vocabulary.distribution.breaker_timeout", "30s")

	// Resolver defaults
	viper.SetDefault("resolver.max_traversal_depth", 5)

	// Linkage defaults
	viper.SetDefault("linkage.auto_merge_threshold", 0.95)
	viper.SetDefault("linkage.review_threshold", 0.75)
	viper.SetDefault("linkage.blocking_keys", []string{"site_id"})

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output", "stdout")
}

// GetConfig returns the complete configuration
func (m *Manager) GetConfig() *domain.Config {
	return m.config
}

// GetDatabaseConfig returns database configuration
func (m *Manager) GetDatabaseConfig() *domain.DatabaseConfig {
	return &m.config.Database
}

// GetServerConfig returns server configuration
func (m *Manager) GetServerConfig() *domain.ServerConfig {
	return &m.config.Server
}

// GetLinkageConfig returns the study linkage configuration
func (m *Manager) GetLinkageConfig() *domain.LinkageConfig {
	return &m.config.Linkage
}

// Reload reloads the configuration
func (m *Manager) Reload() error {
	return m.loadConfig()
}

// Validate validates the configuration
func (m *Manager) Validate() error {
	config := m.config

	// Validate server configuration
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	// Validate database configuration
	if config.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if config.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}
	if config.Database.Username == "" {
		return fmt.Errorf("database username is required")
	}

	// Validate registry configuration
	switch config.Registry.Backend {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("invalid registry backend: %s", config.Registry.Backend)
	}
	if config.Registry.Backend == "sqlite" && config.Registry.SQLitePath == "" {
		return fmt.Errorf("registry sqlite_path is required for the sqlite backend")
	}

	// Validate cache configuration
	if config.Cache.RedisURL == "" {
		return fmt.Errorf("Redis URL is required")
	}

	// Validate resolver configuration
	if config.Resolver.MaxTraversalDepth <= 0 {
		return fmt.Errorf("resolver max_traversal_depth must be positive")
	}

	// Validate linkage thresholds
	lk := config.Linkage
	if lk.AutoMergeThreshold < 0 || lk.AutoMergeThreshold > 1 {
		return fmt.Errorf("auto_merge_threshold must be in [0,1], got %f", lk.AutoMergeThreshold)
	}
	if lk.ReviewThreshold < 0 || lk.ReviewThreshold > 1 {
		return fmt.Errorf("review_threshold must be in [0,1], got %f", lk.ReviewThreshold)
	}
	if lk.ReviewThreshold > lk.AutoMergeThreshold {
		return fmt.Errorf("review_threshold (%f) must not exceed auto_merge_threshold (%f)",
			lk.ReviewThreshold, lk.AutoMergeThreshold)
	}
	for _, c := range lk.Comparators {
		if c.Weight < 0 {
			return fmt.Errorf("comparator weight for field %q must be non-negative", c.Field)
		}
		switch c.Comparator {
		case "exact", "jaro_winkler", "date", "identifier":
		default:
			return fmt.Errorf("unknown comparator %q for field %q", c.Comparator, c.Field)
		}
	}

	// Validate logging configuration
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(config.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", config.Logging.Level)
	}

	return nil
}

// GetDatabaseConnectionString returns a formatted database connection string
func (m *Manager) GetDatabaseConnectionString() string {
	db := m.config.Database
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		db.Host, db.Port, db.Username, db.Password, db.Database, db.SSLMode)
}

// GetDatabaseURL returns the database URL used by the migration runner
func (m *Manager) GetDatabaseURL() string {
	db := m.config.Database
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		db.Username, db.Password, db.Host, db.Port, db.Database, db.SSLMode)
}

// GetRedisConnectionString returns the Redis connection string
func (m *Manager) GetRedisConnectionString() string {
	return m.config.Cache.RedisURL
}
