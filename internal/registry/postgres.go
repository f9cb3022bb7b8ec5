package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/dm1-registry-pipeline/internal/domain"
)

// PostgresStore implements the Store interface using PostgreSQL. Suited
// to multi-site deployments sharing one registry.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL custom concept store.
// It expects the schema to already exist (created via migrations).
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromURL creates a new PostgreSQL custom concept store
// from a connection URL.
func NewPostgresStoreFromURL(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	store, err := NewPostgresStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// Insert stores a new custom concept.
func (s *PostgresStore) Insert(ctx context.Context, concept *domain.CustomConcept) error {
	now := time.Now()
	concept.CreatedAt = now
	concept.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO custom_concepts (
			local_id, label, normalized_label, source_vocabulary, source_code,
			interim_concept_id, lifecycle, replaced_by, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
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
func (s *PostgresStore) Update(ctx context.Context, concept *domain.CustomConcept) error {
	concept.UpdatedAt = time.Now()

	result, err := s.db.ExecContext(ctx, `
		UPDATE custom_concepts SET
			interim_concept_id = $1,
			lifecycle = $2,
			replaced_by = $3,
			updated_at = $4
		WHERE local_id = $5
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
func (s *PostgresStore) GetByID(ctx context.Context, localID int64) (*domain.CustomConcept, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+conceptColumns+`
		FROM custom_concepts
		WHERE local_id = $1
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
func (s *PostgresStore) ActiveByCode(ctx context.Context, vocabularyID, sourceCode string) (*domain.CustomConcept, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+conceptColumns+`
		FROM custom_concepts
		WHERE source_vocabulary = $1 AND source_code = $2 AND lifecycle = $3
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
func (s *PostgresStore) ActiveByLabel(ctx context.Context, normalizedLabel string) (*domain.CustomConcept, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+conceptColumns+`
		FROM custom_concepts
		WHERE normalized_label = $1 AND lifecycle = $2
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
func (s *PostgresStore) List(ctx context.Context, state domain.LifecycleState, limit, offset int) ([]*domain.CustomConcept, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if state != "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+conceptColumns+`
			FROM custom_concepts
			WHERE lifecycle = $1
			ORDER BY local_id LIMIT $2 OFFSET $3
		`, string(state), limit, offset)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+conceptColumns+`
			FROM custom_concepts
			ORDER BY local_id LIMIT $1 OFFSET $2
		`, limit, offset)
	}
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
func (s *PostgresStore) MaxLocalID(ctx context.Context) (int64, error) {
	var max int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(local_id), 0) FROM custom_concepts",
	).Scan(&max)
	return max, err
}

// Count returns the total number of concepts.
func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM custom_concepts").Scan(&count)
	return count, err
}

// Close closes the store and releases resources.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
