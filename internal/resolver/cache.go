package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/dm1-registry-pipeline/internal/domain"
)

// ResolutionCache is a two-tier cache for mapping results. Results are
// safe to cache indefinitely per (vocabulary, code, version) key because
// snapshots are immutable: the same pinned version always resolves the
// same way.
type ResolutionCache struct {
	// Tier 1: in-memory LRU (hot codes within one run)
	memory *lru.Cache

	// Tier 2: redis (shared across pipeline workers), optional
	redis *redis.Client
	ttl   time.Duration

	log     *logrus.Logger
	stats   CacheStats
	statsMu sync.Mutex
}

// CacheStats represents cache performance counters
type CacheStats struct {
	MemoryHits   int64 `json:"memory_hits"`
	MemoryMisses int64 `json:"memory_misses"`
	RedisHits    int64 `json:"redis_hits"`
	RedisMisses  int64 `json:"redis_misses"`
	Stores       int64 `json:"stores"`
}

// NewResolutionCache creates a resolution cache. redisClient may be nil
// for single-site deployments; the memory tier still applies.
func NewResolutionCache(memorySize int, redisClient *redis.Client, ttl time.Duration, logger *logrus.Logger) (*ResolutionCache, error) {
	if memorySize <= 0 {
		memorySize = 10000
	}
	if ttl == 0 {
		ttl = 24 * time.Hour
	}

	memory, err := lru.New(memorySize)
	if err != nil {
		return nil, fmt.Errorf("creating memory cache: %w", err)
	}

	return &ResolutionCache{
		memory: memory,
		redis:  redisClient,
		ttl:    ttl,
		log:    logger,
	}, nil
}

// NewRedisClient builds the redis client for the shared cache tier
func NewRedisClient(config domain.CacheConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	opts.PoolSize = config.PoolSize
	opts.PoolTimeout = config.PoolTimeout
	opts.MaxRetries = config.MaxRetries

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

func cacheKey(vocabularyID, sourceCode, version string) string {
	return fmt.Sprintf("resolve:v1:%s:%s:%s", version, vocabularyID, sourceCode)
}

// Get returns a cached mapping result, or (nil, false) on miss
func (c *ResolutionCache) Get(ctx context.Context, vocabularyID, sourceCode, version string) (*domain.MappingResult, bool) {
	key := cacheKey(vocabularyID, sourceCode, version)

	if v, ok := c.memory.Get(key); ok {
		c.bump(func(s *CacheStats) { s.MemoryHits++ })
		result := v.(domain.MappingResult)
		return &result, true
	}
	c.bump(func(s *CacheStats) { s.MemoryMisses++ })

	if c.redis == nil {
		return nil, false
	}

	val, err := c.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		c.bump(func(s *CacheStats) { s.RedisMisses++ })
		return nil, false
	}
	if err != nil {
		// Cache trouble never fails a resolution
		c.log.WithError(err).Warn("Redis resolution cache read failed")
		return nil, false
	}

	var result domain.MappingResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		c.redis.Del(ctx, key)
		return nil, false
	}

	c.bump(func(s *CacheStats) { s.RedisHits++ })
	c.memory.Add(key, result)
	return &result, true
}

// Set stores a mapping result in both tiers
func (c *ResolutionCache) Set(ctx context.Context, result *domain.MappingResult) {
	key := cacheKey(result.SourceVocabulary, result.SourceCode, result.VocabularyVersion)

	c.memory.Add(key, *result)
	c.bump(func(s *CacheStats) { s.Stores++ })

	if c.redis == nil {
		return
	}

	data, err := json.Marshal(result)
	if err != nil {
		c.log.WithError(err).Warn("Failed to marshal mapping result for cache")
		return
	}
	if err := c.redis.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.log.WithError(err).Warn("Redis resolution cache write failed")
	}
}

// Stats returns a copy of the cache counters
func (c *ResolutionCache) Stats() CacheStats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

func (c *ResolutionCache) bump(f func(*CacheStats)) {
	c.statsMu.Lock()
	f(&c.stats)
	c.statsMu.Unlock()
}
