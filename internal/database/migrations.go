package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/sirupsen/logrus"
)

// SchemaMigrator applies the registry schema migrations. The schema is
// append-only, so a dirty version always means an interrupted migration
// that an operator has to resolve before the pipeline may touch the
// database again.
type SchemaMigrator struct {
	migrate *migrate.Migrate
	log     *logrus.Logger
}

// NewSchemaMigrator creates a migrator reading migrations from migrationsPath
func NewSchemaMigrator(databaseURL, migrationsPath string, logger *logrus.Logger) (*SchemaMigrator, error) {
	m, err := migrate.New(
		fmt.Sprintf("file://%s", migrationsPath),
		databaseURL,
	)
	if err != nil {
		return nil, fmt.Errorf("creating schema migrator: %w", err)
	}

	return &SchemaMigrator{
		migrate: m,
		log:     logger,
	}, nil
}

// Up applies all pending migrations
func (sm *SchemaMigrator) Up(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	from, dirty, err := sm.currentVersion()
	if err != nil {
		return err
	}
	if dirty {
		return fmt.Errorf("schema version %d is dirty: resolve the interrupted migration before running the pipeline", from)
	}

	sm.log.WithField("schema_version", from).Info("Applying registry schema migrations")

	if err := sm.migrate.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			sm.log.WithField("schema_version", from).Info("Registry schema is up to date")
			return nil
		}
		return fmt.Errorf("applying schema migrations: %w", err)
	}

	to, _, err := sm.currentVersion()
	if err != nil {
		return err
	}
	sm.log.WithFields(logrus.Fields{
		"from_version": from,
		"to_version":   to,
	}).Info("Registry schema migrated")

	return nil
}

// Down rolls back the most recent migration
func (sm *SchemaMigrator) Down(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	from, dirty, err := sm.currentVersion()
	if err != nil {
		return err
	}
	if dirty {
		return fmt.Errorf("schema version %d is dirty: resolve the interrupted migration before rolling back", from)
	}

	if err := sm.migrate.Steps(-1); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			sm.log.Info("No schema migrations to roll back")
			return nil
		}
		return fmt.Errorf("rolling back schema migration: %w", err)
	}

	to, _, err := sm.currentVersion()
	if err != nil {
		return err
	}
	sm.log.WithFields(logrus.Fields{
		"from_version": from,
		"to_version":   to,
	}).Info("Registry schema rolled back")

	return nil
}

// Version reports the current schema version and whether it is dirty
func (sm *SchemaMigrator) Version() (uint, bool, error) {
	return sm.currentVersion()
}

// currentVersion normalizes the no-migrations case to version zero
func (sm *SchemaMigrator) currentVersion() (uint, bool, error) {
	version, dirty, err := sm.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("reading schema version: %w", err)
	}
	return version, dirty, nil
}

// Close releases the migrator's source and database handles
func (sm *SchemaMigrator) Close() error {
	sourceErr, dbErr := sm.migrate.Close()
	if sourceErr != nil {
		return fmt.Errorf("closing migration source: %w", sourceErr)
	}
	if dbErr != nil {
		return fmt.Errorf("closing migration database: %w", dbErr)
	}
	return nil
}
