package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/dm1-registry-pipeline/internal/domain"
)

// RunRepository persists pipeline run summaries.
type RunRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewRunRepository creates a new run repository
func NewRunRepository(db *pgxpool.Pool, logger *logrus.Logger) *RunRepository {
	return &RunRepository{
		db:  db,
		log: logger,
	}
}

// Create inserts a new run in RUNNING state
func (r *RunRepository) Create(ctx context.Context, summary *domain.RunSummary) error {
	query := `
		INSERT INTO pipeline_runs (
			run_id, dataset_id, vocabulary_version, status,
			records_processed, records_flagged, fields_unmapped, rows_emitted,
			pairs_auto_merged, pairs_pending_review, pairs_rejected,
			started_at, failure_reason
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
		)`

	_, err := r.db.Exec(ctx, query,
		summary.RunID,
		summary.DatasetID,
		summary.VocabularyVersion,
		string(summary.Status),
		summary.RecordsProcessed,
		summary.RecordsFlagged,
		summary.FieldsUnmapped,
		summary.RowsEmitted,
		summary.PairsAutoMerged,
		summary.PairsPendingReview,
		summary.PairsRejected,
		summary.StartedAt,
		summary.FailureReason,
	)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"run_id": summary.RunID,
			"error":  err,
		}).Error("Failed to create run")
		return fmt.Errorf("creating run: %w", err)
	}
	return nil
}

// Update rewrites the counters and status of a run
func (r *RunRepository) Update(ctx context.Context, summary *domain.RunSummary) error {
	query := `
		UPDATE pipeline_runs SET
			status = $1, records_processed = $2, records_flagged = $3,
			fields_unmapped = $4, rows_emitted = $5, pairs_auto_merged = $6,
			pairs_pending_review = $7, pairs_rejected = $8,
			finished_at = $9, failure_reason = $10
		WHERE run_id = $11`

	var finished interface{}
	if !summary.FinishedAt.IsZero() {
		finished = summary.FinishedAt
	}

	tag, err := r.db.Exec(ctx, query,
		string(summary.Status),
		summary.RecordsProcessed,
		summary.RecordsFlagged,
		summary.FieldsUnmapped,
		summary.RowsEmitted,
		summary.PairsAutoMerged,
		summary.PairsPendingReview,
		summary.PairsRejected,
		finished,
		summary.FailureReason,
		summary.RunID,
	)
	if err != nil {
		return fmt.Errorf("updating run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run not found: %w", domain.ErrNotFound)
	}
	return nil
}

// Get retrieves a run summary by run id
func (r *RunRepository) Get(ctx context.Context, runID string) (*domain.RunSummary, error) {
	query := `
		SELECT run_id, dataset_id, vocabulary_version, status,
			records_processed, records_flagged, fields_unmapped, rows_emitted,
			pairs_auto_merged, pairs_pending_review, pairs_rejected,
			started_at, finished_at, failure_reason
		FROM pipeline_runs
		WHERE run_id = $1`

	var summary domain.RunSummary
	var status string
	var finished *time.Time

	err := r.db.QueryRow(ctx, query, runID).Scan(
		&summary.RunID,
		&summary.DatasetID,
		&summary.VocabularyVersion,
		&status,
		&summary.RecordsProcessed,
		&summary.RecordsFlagged,
		&summary.FieldsUnmapped,
		&summary.RowsEmitted,
		&summary.PairsAutoMerged,
		&summary.PairsPendingReview,
		&summary.PairsRejected,
		&summary.StartedAt,
		&finished,
		&summary.FailureReason,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("run not found: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("getting run: %w", err)
	}

	summary.Status = domain.RunStatus(status)
	if finished != nil {
		summary.FinishedAt = *finished
	}
	return &summary, nil
}

// GetCompleted returns the most recent completed run of a dataset
// against a vocabulary version, or domain.ErrNotFound.
func (r *RunRepository) GetCompleted(ctx context.Context, datasetID, vocabularyVersion string) (*domain.RunSummary, error) {
	var runID string
	err := r.db.QueryRow(ctx, `
		SELECT run_id FROM pipeline_runs
		WHERE dataset_id = $1 AND vocabulary_version = $2 AND status = $3
		ORDER BY started_at DESC
		LIMIT 1
	`, datasetID, vocabularyVersion, string(domain.RUN_COMPLETED)).Scan(&runID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("finding completed run: %w", err)
	}
	return r.Get(ctx, runID)
}

// ListByDataset returns the runs of a dataset, newest first
func (r *RunRepository) ListByDataset(ctx context.Context, datasetID string, limit, offset int) ([]*domain.RunSummary, error) {
	query := `
		SELECT run_id FROM pipeline_runs
		WHERE dataset_id = $1
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.db.Query(ctx, query, datasetID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning run id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating run rows: %w", err)
	}

	summaries := make([]*domain.RunSummary, 0, len(ids))
	for _, id := range ids {
		summary, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}
