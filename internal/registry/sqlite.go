package registry

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dm1-registry-pipeline/internal/domain"
)

// SQLiteStore implements the Store interface using SQLite. Suited to
// single-site deployments where the registry lives next to the pipeline.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore creates a new SQLite custom concept store.
// It creates the database file and schema if they don't exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		dbPath: dbPath,
	}, nil
}

// scanner is an interface for sql.Row and sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanConcept scans a row into a CustomConcept struct.
func scanConcept(s scanner) (*domain.CustomConcept, error) {
	c := &domain.CustomConcept{}
	var lifecycle string

	err := s.Scan(
		&c.LocalID, &c.Label, &c.SourceVocabulary, &c.SourceCode,
		&c.InterimConceptID, &lifecycle, &c.ReplacedBy,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Lifecycle = domain.LifecycleState(lifecycle)
	return c, nil
}

// createSchema creates the database tables and indexes.
func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS custom_concepts (
		local_id INTEGER PRIMARY KEY,
		label TEXT NOT NULL,
		normalized_label TEXT NOT NULL,
		source_vocabulary TEXT NOT NULL,
		source_code TEXT NOT NULL,
		interim_concept_id INTEGER NOT NULL DEFAULT 0,
		lifecycle TEXT NOT NULL,
		replaced_by INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_custom_code ON custom_concepts(source_vocabulary, source_code);
	CREATE INDEX IF NOT EXISTS idx_custom_label ON custom_concepts(normalized_label);
	CREATE INDEX IF NOT EXISTS idx_custom_lifecycle ON custom_concepts(lifecycle);
	`

	_, err := db.Exec(schema)
	return err
}

const conceptColumns = `local_id, label, source_vocabulary, source_code,
		interim_concept_id, lifecycle, replaced_by, created_at, updated_at`

// Insert stores a new custom concept.
func (s *SQLiteStore) Insert(ctx context.Context, concept *domain.CustomConcept) error {
	now := time.Now()
	concept.CreatedAt = now
	concept.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO custom_concepts (
			local_id, label, normalized_label, source_vocabulary, source_code,
			interim_concept_id, lifecycle, replaced_by, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		concept.LocalID,
		concept.Label,
		NormalizeLabel(concept.Label),
		concept.SourceVocabulary,
		concept.SourceCode,
		concept.InterimConceptID,
		string(concept.Lifecycle),
		concept.ReplacedBy,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert: %w", err)
	}
	return nil
}

// Update rewrites the mutable fields of an existing concept.
func (s *SQLiteStore) Update(ctx context.Context, concept *domain.CustomConcept) error {
	concept.UpdatedAt = time.Now()

	result, err := s.db.ExecContext(ctx, `
		UPDATE custom_concepts SET
			interim_concept_id = ?,
			lifecycle = ?,
			replaced_by = ?,
			updated_at = ?
		WHERE local_id = ?
	`,
		concept.InterimConceptID,
		string(concept.Lifecycle),
		concept.ReplacedBy,
		concept.UpdatedAt,
		concept.LocalID,
	)
	if err != nil {
		return fmt.Errorf("failed to update: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update: %w", err)
	}
	if affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID retrieves a concept by its local identifier.
func (s *SQLiteStore) GetByID(ctx context.Context, localID int64) (*domain.CustomConcept, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+conceptColumns+`
		FROM custom_concepts
		WHERE local_id = ?
	`, localID)

	c, err := scanConcept(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan: %w", err)
	}
	return c, nil
}

// ActiveByCode retrieves the active concept covering the given source coding.
func (s *SQLiteStore) ActiveByCode(ctx context.Context, vocabularyID, sourceCode string) (*domain.CustomConcept, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+conceptColumns+`
		FROM custom_concepts
		WHERE source_vocabulary = ? AND source_code = ? AND lifecycle = ?
		LIMIT 1
	`, vocabularyID, sourceCode, string(domain.CUSTOM_ACTIVE))

	c, err := scanConcept(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan: %w", err)
	}
	return c, nil
}

// ActiveByLabel retrieves the active concept with the given normalized label.
func (s *SQLiteStore) ActiveByLabel(ctx context.Context, normalizedLabel string) (*domain.CustomConcept, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+conceptColumns+`
		FROM custom_concepts
		WHERE normalized_label = ? AND lifecycle = ?
		LIMIT 1
	`, normalizedLabel, string(domain.CUSTOM_ACTIVE))

	c, err := scanConcept(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan: %w", err)
	}
	return c, nil
}

// List returns concepts filtered by lifecycle state with pagination.
func (s *SQLiteStore) List(ctx context.Context, state domain.LifecycleState, limit, offset int) ([]*domain.CustomConcept, error) {
	query := `
		SELECT ` + conceptColumns + `
		FROM custom_concepts
	`
	args := []interface{}{}
	if state != "" {
		query += " WHERE lifecycle = ?"
		args = append(args, string(state))
	}
	query += " ORDER BY local_id LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	var result []*domain.CustomConcept
	for rows.Next() {
		c, err := scanConcept(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// MaxLocalID returns the highest assigned local identifier.
func (s *SQLiteStore) MaxLocalID(ctx context.Context) (int64, error) {
	var max int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(local_id), 0) FROM custom_concepts",
	).Scan(&max)
	return max, err
}

// Count returns the total number of concepts.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM custom_concepts").Scan(&count)
	return count, err
}

// Close closes the store and releases resources.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
