// Package repository handles persistence of source records, candidate
// pairs, target rows, and pipeline runs.
package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/dm1-registry-pipeline/internal/domain"
)

// RecordRepository handles source record persistence. Records are
// versioned and immutable: corrections insert a new version, merges set
// an alias, nothing is ever overwritten or deleted.
type RecordRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewRecordRepository creates a new source record repository
func NewRecordRepository(db *pgxpool.Pool, logger *logrus.Logger) *RecordRepository {
	return &RecordRepository{
		db:  db,
		log: logger,
	}
}

// Create inserts a new source record version. Inserting an existing
// (id, version) fails rather than overwriting.
func (r *RecordRepository) Create(ctx context.Context, datasetID string, record *domain.SourceRecord) error {
	fields, err := json.Marshal(record.Fields)
	if err != nil {
		return fmt.Errorf("encoding record fields: %w", err)
	}

	query := `
		INSERT INTO source_records (
			id, version, dataset_id, entity_type, site_id, fields, retired_by, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)`

	_, err = r.db.Exec(ctx, query,
		record.ID,
		record.Version,
		datasetID,
		record.EntityType,
		record.SiteID,
		fields,
		record.RetiredBy,
		record.CreatedAt,
	)

	if err != nil {
		r.log.WithFields(logrus.Fields{
			"record_id": record.ID,
			"version":   record.Version,
			"error":     err,
		}).Error("Failed to create source record")
		return fmt.Errorf("creating source record: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"record_id":  record.ID,
		"version":    record.Version,
		"dataset_id": datasetID,
	}).Debug("Source record created")

	return nil
}

const recordColumns = `id, version, entity_type, site_id, fields, retired_by, created_at`

func scanRecord(row pgx.Row) (*domain.SourceRecord, error) {
	var record domain.SourceRecord
	var fields []byte

	err := row.Scan(
		&record.ID,
		&record.Version,
		&record.EntityType,
		&record.SiteID,
		&fields,
		&record.RetiredBy,
		&record.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(fields, &record.Fields); err != nil {
		return nil, fmt.Errorf("decoding record fields: %w", err)
	}
	return &record, nil
}

// GetByID retrieves the latest version of a source record
func (r *RecordRepository) GetByID(ctx context.Context, id string) (*domain.SourceRecord, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM source_records
		WHERE id = $1
		ORDER BY version DESC
		LIMIT 1`

	record, err := scanRecord(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("source record not found: %w", domain.ErrNotFound)
		}
		r.log.WithFields(logrus.Fields{
			"record_id": id,
			"error":     err,
		}).Error("Failed to get source record")
		return nil, fmt.Errorf("getting source record: %w", err)
	}
	return record, nil
}

// GetVersion retrieves a specific version of a source record
func (r *RecordRepository) GetVersion(ctx context.Context, id string, version int) (*domain.SourceRecord, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM source_records
		WHERE id = $1 AND version = $2`

	record, err := scanRecord(r.db.QueryRow(ctx, query, id, version))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("source record version not found: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("getting source record version: %w", err)
	}
	return record, nil
}

// ListByDataset returns the latest version of every live record in a
// dataset. Records retired by a merge are excluded.
func (r *RecordRepository) ListByDataset(ctx context.Context, datasetID string) ([]*domain.SourceRecord, error) {
	query := `
		SELECT DISTINCT ON (id) ` + recordColumns + `
		FROM source_records
		WHERE dataset_id = $1
		ORDER BY id, version DESC`

	rows, err := r.db.Query(ctx, query, datasetID)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"dataset_id": datasetID,
			"error":      err,
		}).Error("Failed to list source records")
		return nil, fmt.Errorf("listing source records: %w", err)
	}
	defer rows.Close()

	var records []*domain.SourceRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning source record row: %w", err)
		}
		if record.RetiredBy != "" {
			continue
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating source record rows: %w", err)
	}
	return records, nil
}

// CreateVersion inserts a corrected version of an existing record. The
// new version number must follow the current latest.
func (r *RecordRepository) CreateVersion(ctx context.Context, datasetID string, record *domain.SourceRecord) error {
	current, err := r.GetByID(ctx, record.ID)
	if err != nil {
		return err
	}
	if record.Version != current.Version+1 {
		return fmt.Errorf("version %d does not follow current version %d", record.Version, current.Version)
	}
	return r.Create(ctx, datasetID, record)
}

// ApplyMerge retires the duplicate record as an alias of the master and
// repoints promoted target rows, atomically. Satisfies the linkage
// engine's MergeApplier.
func (r *RecordRepository) ApplyMerge(ctx context.Context, masterID, duplicateID string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning merge transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE source_records SET retired_by = $1
		WHERE id = $2 AND retired_by = ''
	`, masterID, duplicateID)
	if err != nil {
		return fmt.Errorf("retiring duplicate record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Already retired: merge is idempotent at this level
		var existing string
		err := tx.QueryRow(ctx,
			"SELECT retired_by FROM source_records WHERE id = $1 ORDER BY version DESC LIMIT 1",
			duplicateID,
		).Scan(&existing)
		if err == pgx.ErrNoRows {
			return fmt.Errorf("duplicate record not found: %w", domain.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("checking retired record: %w", err)
		}
		if existing != masterID {
			return fmt.Errorf("record %s already merged into %s: %w", duplicateID, existing, domain.ErrAlreadyMerged)
		}
	}

	_, err = tx.Exec(ctx, `
		UPDATE target_rows SET source_record_id = $1
		WHERE source_record_id = $2
	`, masterID, duplicateID)
	if err != nil {
		return fmt.Errorf("repointing target rows: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing merge: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"master_id":    masterID,
		"duplicate_id": duplicateID,
	}).Info("Record merge applied")

	return nil
}
