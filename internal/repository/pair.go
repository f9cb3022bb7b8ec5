package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/dm1-registry-pipeline/internal/domain"
)

// PairRepository persists candidate pairs. Implements the linkage
// engine's PairStore.
type PairRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewPairRepository creates a new candidate pair repository
func NewPairRepository(db *pgxpool.Pool, logger *logrus.Logger) *PairRepository {
	return &PairRepository{
		db:  db,
		log: logger,
	}
}

const pairColumns = `id, record_a, record_b, score, state, priority,
		master_id, decision, resolved_by, rationale, created_at, updated_at`

func scanPair(row pgx.Row) (*domain.CandidatePair, error) {
	var pair domain.CandidatePair
	var state, decision string

	err := row.Scan(
		&pair.ID,
		&pair.RecordA,
		&pair.RecordB,
		&pair.Score,
		&state,
		&pair.Priority,
		&pair.MasterID,
		&decision,
		&pair.ResolvedBy,
		&pair.Rationale,
		&pair.CreatedAt,
		&pair.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	pair.State = domain.PairState(state)
	pair.Decision = domain.PairDecision(decision)
	return &pair, nil
}

// Save inserts a new candidate pair
func (r *PairRepository) Save(ctx context.Context, pair *domain.CandidatePair) error {
	query := `
		INSERT INTO candidate_pairs (
			id, record_a, record_b, score, state, priority,
			master_id, decision, resolved_by, rationale, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		)`

	_, err := r.db.Exec(ctx, query,
		pair.ID,
		pair.RecordA,
		pair.RecordB,
		pair.Score,
		string(pair.State),
		pair.Priority,
		pair.MasterID,
		string(pair.Decision),
		pair.ResolvedBy,
		pair.Rationale,
		pair.CreatedAt,
		pair.UpdatedAt,
	)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"pair_id": pair.ID,
			"error":   err,
		}).Error("Failed to save candidate pair")
		return fmt.Errorf("saving candidate pair: %w", err)
	}
	return nil
}

// Get retrieves a candidate pair by id
func (r *PairRepository) Get(ctx context.Context, pairID string) (*domain.CandidatePair, error) {
	query := `
		SELECT ` + pairColumns + `
		FROM candidate_pairs
		WHERE id = $1`

	pair, err := scanPair(r.db.QueryRow(ctx, query, pairID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("candidate pair not found: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("getting candidate pair: %w", err)
	}
	return pair, nil
}

// GetByRecords retrieves the pair covering two record ids in either order
func (r *PairRepository) GetByRecords(ctx context.Context, recordA, recordB string) (*domain.CandidatePair, error) {
	query := `
		SELECT ` + pairColumns + `
		FROM candidate_pairs
		WHERE (record_a = $1 AND record_b = $2)
		   OR (record_a = $2 AND record_b = $1)
		LIMIT 1`

	pair, err := scanPair(r.db.QueryRow(ctx, query, recordA, recordB))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("getting candidate pair by records: %w", err)
	}
	return pair, nil
}

// Update rewrites the mutable fields of a candidate pair
func (r *PairRepository) Update(ctx context.Context, pair *domain.CandidatePair) error {
	query := `
		UPDATE candidate_pairs SET
			score = $1, state = $2, priority = $3, master_id = $4,
			decision = $5, resolved_by = $6, rationale = $7, updated_at = $8
		WHERE id = $9`

	tag, err := r.db.Exec(ctx, query,
		pair.Score,
		string(pair.State),
		pair.Priority,
		pair.MasterID,
		string(pair.Decision),
		pair.ResolvedBy,
		pair.Rationale,
		pair.UpdatedAt,
		pair.ID,
	)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"pair_id": pair.ID,
			"error":   err,
		}).Error("Failed to update candidate pair")
		return fmt.Errorf("updating candidate pair: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("candidate pair not found: %w", domain.ErrNotFound)
	}
	return nil
}

// ListByState returns candidate pairs in a given state, highest
// priority first, then most recently scored.
func (r *PairRepository) ListByState(ctx context.Context, state domain.PairState, limit, offset int) ([]*domain.CandidatePair, error) {
	query := `
		SELECT ` + pairColumns + `
		FROM candidate_pairs
		WHERE state = $1
		ORDER BY priority DESC, updated_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.db.Query(ctx, query, string(state), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing candidate pairs: %w", err)
	}
	defer rows.Close()

	var pairs []*domain.CandidatePair
	for rows.Next() {
		pair, err := scanPair(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning candidate pair row: %w", err)
		}
		pairs = append(pairs, pair)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating candidate pair rows: %w", err)
	}
	return pairs, nil
}

// CountByState returns the number of pairs in a given state
func (r *PairRepository) CountByState(ctx context.Context, state domain.PairState) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		"SELECT COUNT(*) FROM candidate_pairs WHERE state = $1", string(state),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting candidate pairs: %w", err)
	}
	return count, nil
}
