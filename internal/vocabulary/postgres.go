package vocabulary

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/dm1-registry-pipeline/internal/domain"
)

// PostgresStore is the central vocabulary store backed by postgres.
// Loaded snapshots are immutable, so whole versions are cached in an LRU
// after the first read.
type PostgresStore struct {
	db    *pgxpool.Pool
	cache *lru.Cache[string, *Snapshot]
	log   *logrus.Logger
}

// NewPostgresStore creates a postgres-backed vocabulary store. cacheSize
// bounds the number of fully-hydrated snapshots kept in memory.
func NewPostgresStore(db *pgxpool.Pool, cacheSize int, logger *logrus.Logger) (*PostgresStore, error) {
	if cacheSize <= 0 {
		cacheSize = 4
	}
	cache, err := lru.New[string, *Snapshot](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating snapshot cache: %w", err)
	}

	return &PostgresStore{
		db:    db,
		cache: cache,
		log:   logger,
	}, nil
}

// Snapshot returns the frozen table set for a pinned version
func (s *PostgresStore) Snapshot(ctx context.Context, version string) (*Snapshot, error) {
	if snap, ok := s.cache.Get(version); ok {
		return snap, nil
	}

	var exists bool
	err := s.db.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM vocabulary_versions WHERE version = $1)", version,
	).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("checking vocabulary version: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("version %q: %w", version, domain.ErrVersionNotFound)
	}

	concepts, err := s.loadConcepts(ctx, version)
	if err != nil {
		return nil, err
	}
	relationships, err := s.loadRelationships(ctx, version)
	if err != nil {
		return nil, err
	}

	snap := NewSnapshot(version, concepts, relationships)
	s.cache.Add(version, snap)

	s.log.WithFields(logrus.Fields{
		"version":       version,
		"concepts":      len(concepts),
		"relationships": len(relationships),
	}).Info("Vocabulary snapshot hydrated from database")

	return snap, nil
}

func (s *PostgresStore) loadConcepts(ctx context.Context, version string) ([]domain.Concept, error) {
	query := `
		SELECT concept_id, concept_name, domain_id, vocabulary_id, concept_class_id,
			   standard_concept, concept_code, valid_start, valid_end, invalid_reason
		FROM concepts
		WHERE vocabulary_version = $1
		ORDER BY concept_id`

	rows, err := s.db.Query(ctx, query, version)
	if err != nil {
		return nil, fmt.Errorf("querying concepts: %w", err)
	}
	defer rows.Close()

	var concepts []domain.Concept
	for rows.Next() {
		var c domain.Concept
		err := rows.Scan(
			&c.ConceptID,
			&c.ConceptName,
			&c.DomainID,
			&c.VocabularyID,
			&c.ConceptClassID,
			&c.StandardConcept,
			&c.ConceptCode,
			&c.ValidStart,
			&c.ValidEnd,
			&c.InvalidReason,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning concept row: %w", err)
		}
		concepts = append(concepts, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating concept rows: %w", err)
	}
	return concepts, nil
}

func (s *PostgresStore) loadRelationships(ctx context.Context, version string) ([]domain.ConceptRelationship, error) {
	query := `
		SELECT source_concept_id, target_concept_id, relationship_id, invalid_reason
		FROM concept_relationships
		WHERE vocabulary_version = $1
		ORDER BY source_concept_id, target_concept_id`

	rows, err := s.db.Query(ctx, query, version)
	if err != nil {
		return nil, fmt.Errorf("querying concept relationships: %w", err)
	}
	defer rows.Close()

	var relationships []domain.ConceptRelationship
	for rows.Next() {
		var r domain.ConceptRelationship
		err := rows.Scan(
			&r.SourceConceptID,
			&r.TargetConceptID,
			&r.RelationshipID,
			&r.InvalidReason,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning relationship row: %w", err)
		}
		relationships = append(relationships, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating relationship rows: %w", err)
	}
	return relationships, nil
}

// Versions lists all loaded version identifiers, oldest first
func (s *PostgresStore) Versions(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, "SELECT version FROM vocabulary_versions ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("querying vocabulary versions: %w", err)
	}
	defer rows.Close()

	var versions []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scanning version row: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// LoadVersion persists a new vocabulary version. The insert is
// all-or-nothing: version row, concepts, and relationships commit in one
// transaction. Existing versions are never touched.
func (s *PostgresStore) LoadVersion(ctx context.Context, snapshot *Snapshot) error {
	version := snapshot.Version()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning vocabulary load: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		"INSERT INTO vocabulary_versions (version) VALUES ($1) ON CONFLICT (version) DO NOTHING", version)
	if err != nil {
		return fmt.Errorf("inserting vocabulary version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("version %q: %w", version, domain.ErrVersionExists)
	}

	concepts := snapshot.Concepts()
	conceptRows := make([][]interface{}, 0, len(concepts))
	for _, c := range concepts {
		conceptRows = append(conceptRows, []interface{}{
			version, c.ConceptID, c.ConceptName, c.DomainID, c.VocabularyID,
			c.ConceptClassID, c.StandardConcept, c.ConceptCode,
			c.ValidStart, c.ValidEnd, c.InvalidReason,
		})
	}

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"concepts"},
		[]string{
			"vocabulary_version", "concept_id", "concept_name", "domain_id", "vocabulary_id",
			"concept_class_id", "standard_concept", "concept_code",
			"valid_start", "valid_end", "invalid_reason",
		},
		pgx.CopyFromRows(conceptRows),
	)
	if err != nil {
		return fmt.Errorf("copying concepts: %w", err)
	}

	relationships := snapshot.Relationships()
	relRows := make([][]interface{}, 0, len(relationships))
	for _, r := range relationships {
		relRows = append(relRows, []interface{}{
			version, r.SourceConceptID, r.TargetConceptID, r.RelationshipID, r.InvalidReason,
		})
	}

	if len(relRows) > 0 {
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"concept_relationships"},
			[]string{"vocabulary_version", "source_concept_id", "target_concept_id", "relationship_id", "invalid_reason"},
			pgx.CopyFromRows(relRows),
		)
		if err != nil {
			return fmt.Errorf("copying concept relationships: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing vocabulary load: %w", err)
	}

	s.cache.Add(version, snapshot)

	s.log.WithFields(logrus.Fields{
		"version":       version,
		"concepts":      len(concepts),
		"relationships": len(relationships),
	}).Info("Vocabulary version persisted")

	return nil
}
