package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/dm1-registry-pipeline/internal/domain"
)

// TargetRepository stages mapped rows per run and promotes them
// atomically. Nothing is visible in the target schema until promotion;
// a discarded run leaves no trace.
type TargetRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewTargetRepository creates a new target row repository
func NewTargetRepository(db *pgxpool.Pool, logger *logrus.Logger) *TargetRepository {
	return &TargetRepository{
		db:  db,
		log: logger,
	}
}

// StageRows bulk-inserts mapped rows into the run's staging area.
func (r *TargetRepository) StageRows(ctx context.Context, runID string, targetRows []domain.TargetRow) error {
	if len(targetRows) == 0 {
		return nil
	}

	rows := make([][]interface{}, 0, len(targetRows))
	for _, row := range targetRows {
		rows = append(rows, []interface{}{
			row.RowID,
			runID,
			row.SourceRecordID,
			row.SourceFieldPath,
			row.EntityType,
			row.ConceptID,
			row.SourceVocabulary,
			row.SourceCode,
			row.ValueText,
			row.Unmapped,
			row.VocabularyVersion,
			row.CreatedAt,
		})
	}

	_, err := r.db.CopyFrom(ctx,
		pgx.Identifier{"staging_target_rows"},
		[]string{
			"row_id", "run_id", "source_record_id", "source_field_path",
			"entity_type", "concept_id", "source_vocabulary", "source_code",
			"value_text", "unmapped", "vocabulary_version", "created_at",
		},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"run_id": runID,
			"rows":   len(targetRows),
			"error":  err,
		}).Error("Failed to stage target rows")
		return fmt.Errorf("staging target rows: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"run_id": runID,
		"rows":   len(targetRows),
	}).Debug("Target rows staged")

	return nil
}

// PromoteRun moves a run's staged rows into the target schema in one
// transaction. After promotion the staging area for the run is empty.
func (r *TargetRepository) PromoteRun(ctx context.Context, runID string) (int, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("beginning promotion transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO target_rows (
			row_id, run_id, source_record_id, source_field_path,
			entity_type, concept_id, source_vocabulary, source_code,
			value_text, unmapped, vocabulary_version, created_at
		)
		SELECT row_id, run_id, source_record_id, source_field_path,
			entity_type, concept_id, source_vocabulary, source_code,
			value_text, unmapped, vocabulary_version, created_at
		FROM staging_target_rows
		WHERE run_id = $1
	`, runID)
	if err != nil {
		return 0, fmt.Errorf("promoting staged rows: %w", err)
	}

	_, err = tx.Exec(ctx, "DELETE FROM staging_target_rows WHERE run_id = $1", runID)
	if err != nil {
		return 0, fmt.Errorf("clearing staging area: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("committing promotion: %w", err)
	}

	promoted := int(tag.RowsAffected())
	r.log.WithFields(logrus.Fields{
		"run_id": runID,
		"rows":   promoted,
	}).Info("Run promoted to target schema")

	return promoted, nil
}

// DiscardRun drops every staged row of a run, leaving the target schema
// untouched.
func (r *TargetRepository) DiscardRun(ctx context.Context, runID string) error {
	tag, err := r.db.Exec(ctx, "DELETE FROM staging_target_rows WHERE run_id = $1", runID)
	if err != nil {
		return fmt.Errorf("discarding staged rows: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"run_id": runID,
		"rows":   tag.RowsAffected(),
	}).Info("Staged rows discarded")

	return nil
}

const targetColumns = `row_id, run_id, source_record_id, source_field_path,
		entity_type, concept_id, source_vocabulary, source_code,
		value_text, unmapped, vocabulary_version, created_at`

func scanTargetRow(row pgx.Row) (*domain.TargetRow, error) {
	var t domain.TargetRow
	err := row.Scan(
		&t.RowID,
		&t.RunID,
		&t.SourceRecordID,
		&t.SourceFieldPath,
		&t.EntityType,
		&t.ConceptID,
		&t.SourceVocabulary,
		&t.SourceCode,
		&t.ValueText,
		&t.Unmapped,
		&t.VocabularyVersion,
		&t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListByRun returns the promoted rows of a run
func (r *TargetRepository) ListByRun(ctx context.Context, runID string, limit, offset int) ([]*domain.TargetRow, error) {
	query := `
		SELECT ` + targetColumns + `
		FROM target_rows
		WHERE run_id = $1
		ORDER BY row_id
		LIMIT $2 OFFSET $3`

	return r.queryRows(ctx, query, runID, limit, offset)
}

// UnmappedByRun returns the promoted rows of a run that carry the
// review sentinel.
func (r *TargetRepository) UnmappedByRun(ctx context.Context, runID string, limit, offset int) ([]*domain.TargetRow, error) {
	query := `
		SELECT ` + targetColumns + `
		FROM target_rows
		WHERE run_id = $1 AND unmapped
		ORDER BY row_id
		LIMIT $2 OFFSET $3`

	return r.queryRows(ctx, query, runID, limit, offset)
}

func (r *TargetRepository) queryRows(ctx context.Context, query string, args ...interface{}) ([]*domain.TargetRow, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying target rows: %w", err)
	}
	defer rows.Close()

	var result []*domain.TargetRow
	for rows.Next() {
		t, err := scanTargetRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning target row: %w", err)
		}
		result = append(result, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating target rows: %w", err)
	}
	return result, nil
}

// CountStaged returns the number of rows currently staged for a run
func (r *TargetRepository) CountStaged(ctx context.Context, runID string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		"SELECT COUNT(*) FROM staging_target_rows WHERE run_id = $1", runID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting staged rows: %w", err)
	}
	return count, nil
}
