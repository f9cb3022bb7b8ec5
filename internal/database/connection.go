package database

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// Config holds database configuration
type Config struct {
	Host        string
	Port        int
	Database    string
	Username    string
	Password    string
	MaxConns    int32
	MinConns    int32
	MaxConnLife time.Duration
	MaxConnIdle time.Duration
	SSLMode     string
}

// DB wraps the pgxpool.Pool with additional functionality
type DB struct {
	Pool *pgxpool.Pool
	log  *logrus.Logger

	// Advisory locks are session-scoped, so the acquiring connection is
	// pinned out of the pool until the lock is released.
	lockMu    sync.Mutex
	lockConns map[string]*pgxpool.Conn
}

// NewConnection creates a new database connection pool
func NewConnection(ctx context.Context, config Config, logger *logrus.Logger) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		config.Host, config.Port, config.Database, config.Username, config.Password, config.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}

	// Configure connection pool settings
	poolConfig.MaxConns = config.MaxConns
	poolConfig.MinConns = config.MinConns
	poolConfig.MaxConnLifetime = config.MaxConnLife
	poolConfig.MaxConnIdleTime = config.MaxConnIdle

	// Create connection pool
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Test the connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"host":      config.Host,
		"port":      config.Port,
		"database":  config.Database,
		"max_conns": config.MaxConns,
		"min_conns": config.MinConns,
	}).Info("Database connection pool established")

	return &DB{
		Pool:      pool,
		log:       logger,
		lockConns: make(map[string]*pgxpool.Conn),
	}, nil
}

// Close closes the database connection pool
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.log.Info("Database connection pool closed")
	}
}

// Health checks the database connection health
func (db *DB) Health(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Stats returns connection pool statistics
func (db *DB) Stats() *pgxpool.Stat {
	return db.Pool.Stat()
}

// datasetLockKey hashes a dataset identifier into an advisory lock key
func datasetLockKey(datasetID string) int64 {
	h := fnv.New64a()
	h.Write([]byte("dataset:" + datasetID))
	return int64(h.Sum64())
}

// AcquireDatasetLock takes an advisory lock on the target dataset.
// Pipeline runs over overlapping data windows serialize on this lock;
// runs over disjoint datasets proceed in parallel. The lock is
// session-scoped, so the connection that acquired it stays checked out
// of the pool until ReleaseDatasetLock unlocks on that same session.
func (db *DB) AcquireDatasetLock(ctx context.Context, datasetID string) (bool, error) {
	db.lockMu.Lock()
	if _, held := db.lockConns[datasetID]; held {
		db.lockMu.Unlock()
		return false, nil
	}
	db.lockMu.Unlock()

	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquiring lock connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", datasetLockKey(datasetID)).Scan(&acquired); err != nil {
		conn.Release()
		return false, fmt.Errorf("acquiring dataset lock: %w", err)
	}
	if !acquired {
		conn.Release()
	} else {
		db.lockMu.Lock()
		db.lockConns[datasetID] = conn
		db.lockMu.Unlock()
	}

	db.log.WithFields(logrus.Fields{
		"dataset_id": datasetID,
		"acquired":   acquired,
	}).Debug("Dataset advisory lock requested")

	return acquired, nil
}

// ReleaseDatasetLock unlocks the dataset on the session that acquired it
// and returns that connection to the pool.
func (db *DB) ReleaseDatasetLock(ctx context.Context, datasetID string) error {
	db.lockMu.Lock()
	conn, held := db.lockConns[datasetID]
	delete(db.lockConns, datasetID)
	db.lockMu.Unlock()

	if !held {
		db.log.WithField("dataset_id", datasetID).Warn("Dataset lock was not held at release")
		return nil
	}
	defer conn.Release()

	var released bool
	if err := conn.QueryRow(ctx, "SELECT pg_advisory_unlock($1)", datasetLockKey(datasetID)).Scan(&released); err != nil {
		return fmt.Errorf("releasing dataset lock: %w", err)
	}
	if !released {
		db.log.WithField("dataset_id", datasetID).Warn("Dataset lock was not held at release")
	}
	return nil
}
