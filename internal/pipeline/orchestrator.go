// Package pipeline orchestrates end-to-end mapping runs: deduplication,
// record mapping, staging, and atomic promotion into the target schema.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dm1-registry-pipeline/internal/domain"
)

// RecordSource lists the live records of a dataset.
type RecordSource interface {
	ListByDataset(ctx context.Context, datasetID string) ([]*domain.SourceRecord, error)
}

// Deduplicator evaluates a dataset for duplicates before mapping.
type Deduplicator interface {
	EvaluateDataset(ctx context.Context, records []*domain.SourceRecord) ([]*domain.CandidatePair, error)
}

// TargetStore stages mapped rows and promotes or discards them per run.
type TargetStore interface {
	StageRows(ctx context.Context, runID string, rows []domain.TargetRow) error
	PromoteRun(ctx context.Context, runID string) (int, error)
	DiscardRun(ctx context.Context, runID string) error
}

// RunStore persists run summaries.
type RunStore interface {
	Create(ctx context.Context, summary *domain.RunSummary) error
	Update(ctx context.Context, summary *domain.RunSummary) error
	Get(ctx context.Context, runID string) (*domain.RunSummary, error)
	GetCompleted(ctx context.Context, datasetID, vocabularyVersion string) (*domain.RunSummary, error)
}

// DatasetLocker serializes runs per dataset.
type DatasetLocker interface {
	AcquireDatasetLock(ctx context.Context, datasetID string) (bool, error)
	ReleaseDatasetLock(ctx context.Context, datasetID string) error
}

// EventPublisher receives progress events during a run.
type EventPublisher interface {
	Publish(event domain.RunEvent)
}

// Orchestrator drives pipeline runs. At most one run per dataset is
// active at a time; output reaches the target schema only through
// all-or-nothing promotion.
type Orchestrator struct {
	records RecordSource
	dedup   Deduplicator
	mapper  domain.RecordMapper
	targets TargetStore
	runs    RunStore
	locks   DatasetLocker
	events  EventPublisher
	log     *logrus.Logger
}

// New creates a pipeline orchestrator. events may be nil.
func New(records RecordSource, dedup Deduplicator, mapper domain.RecordMapper, targets TargetStore, runs RunStore, locks DatasetLocker, events EventPublisher, logger *logrus.Logger) *Orchestrator {
	return &Orchestrator{
		records: records,
		dedup:   dedup,
		mapper:  mapper,
		targets: targets,
		runs:    runs,
		locks:   locks,
		events:  events,
		log:     logger,
	}
}

// Execute runs the full pipeline for a dataset against a pinned
// vocabulary version and returns the run summary. Re-executing a
// dataset and version that already completed returns the prior summary
// without reprocessing. Cancellation discards all staged output and
// reports domain.ErrRunAborted.
func (o *Orchestrator) Execute(ctx context.Context, datasetID, vocabularyVersion string) (*domain.RunSummary, error) {
	if datasetID == "" {
		return nil, &domain.ValidationError{Field: "dataset_id", Message: "dataset id is required"}
	}
	if vocabularyVersion == "" {
		return nil, &domain.ValidationError{Field: "vocabulary_version", Message: "vocabulary version is required"}
	}

	if prior, err := o.runs.GetCompleted(ctx, datasetID, vocabularyVersion); err == nil {
		o.log.WithFields(logrus.Fields{
			"dataset_id": datasetID,
			"version":    vocabularyVersion,
			"run_id":     prior.RunID,
		}).Info("Dataset already processed against this version, returning prior run")
		return prior, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("checking prior runs: %w", err)
	}

	acquired, err := o.locks.AcquireDatasetLock(ctx, datasetID)
	if err != nil {
		return nil, fmt.Errorf("acquiring dataset lock: %w", err)
	}
	if !acquired {
		return nil, fmt.Errorf("dataset %s: %w", datasetID, domain.ErrRunConflict)
	}
	defer func() {
		if err := o.locks.ReleaseDatasetLock(context.WithoutCancel(ctx), datasetID); err != nil {
			o.log.WithFields(logrus.Fields{
				"dataset_id": datasetID,
				"error":      err,
			}).Warn("Failed to release dataset lock")
		}
	}()

	summary := &domain.RunSummary{
		RunID:             uuid.New().String(),
		DatasetID:         datasetID,
		VocabularyVersion: vocabularyVersion,
		Status:            domain.RUN_RUNNING,
		StartedAt:         time.Now().UTC(),
	}
	if err := o.runs.Create(ctx, summary); err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}

	o.emit(summary.RunID, "started", fmt.Sprintf("run started for dataset %s against vocabulary %s", datasetID, vocabularyVersion))

	if err := o.run(ctx, summary); err != nil {
		return o.fail(ctx, summary, err)
	}

	summary.Status = domain.RUN_COMPLETED
	summary.FinishedAt = time.Now().UTC()
	if err := o.runs.Update(ctx, summary); err != nil {
		return nil, fmt.Errorf("finalizing run: %w", err)
	}

	o.emit(summary.RunID, "completed", fmt.Sprintf("%d rows promoted, %d fields unmapped", summary.RowsEmitted, summary.FieldsUnmapped))

	o.log.WithFields(logrus.Fields{
		"run_id":     summary.RunID,
		"dataset_id": datasetID,
		"records":    summary.RecordsProcessed,
		"rows":       summary.RowsEmitted,
		"unmapped":   summary.FieldsUnmapped,
	}).Info("Pipeline run completed")

	return summary, nil
}

func (o *Orchestrator) run(ctx context.Context, summary *domain.RunSummary) error {
	records, err := o.records.ListByDataset(ctx, summary.DatasetID)
	if err != nil {
		return fmt.Errorf("listing dataset records: %w", err)
	}

	// Deduplicate before mapping so merged duplicates never reach the
	// target schema
	o.emit(summary.RunID, "dedup", fmt.Sprintf("evaluating %d records for duplicates", len(records)))
	pairs, err := o.dedup.EvaluateDataset(ctx, records)
	if err != nil {
		return fmt.Errorf("deduplicating dataset: %w", err)
	}

	merged := make(map[string]bool)
	for _, pair := range pairs {
		switch pair.State {
		case domain.PAIR_AUTO_MERGED:
			summary.PairsAutoMerged++
			if pair.MasterID == pair.RecordA {
				merged[pair.RecordB] = true
			} else {
				merged[pair.RecordA] = true
			}
		case domain.PAIR_PENDING_REVIEW:
			summary.PairsPendingReview++
		case domain.PAIR_REJECTED:
			summary.PairsRejected++
		}
	}

	o.emit(summary.RunID, "mapping", fmt.Sprintf("mapping %d records", len(records)-len(merged)))

	for _, record := range records {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrRunAborted, err)
		}
		if merged[record.ID] {
			continue
		}

		mapped, err := o.mapper.MapRecord(ctx, record, summary.VocabularyVersion)
		if err != nil {
			if errors.Is(err, domain.ErrVersionNotFound) || errors.Is(err, context.Canceled) {
				return err
			}
			// Record-level failure: flag and continue with the rest
			summary.RecordsFlagged++
			o.log.WithFields(logrus.Fields{
				"run_id":    summary.RunID,
				"record_id": record.ID,
				"error":     err,
			}).Warn("Record failed to map, flagged and skipped")
			continue
		}

		for i := range mapped.Rows {
			mapped.Rows[i].RunID = summary.RunID
		}
		if err := o.targets.StageRows(ctx, summary.RunID, mapped.Rows); err != nil {
			return fmt.Errorf("staging mapped rows: %w", err)
		}

		summary.RecordsProcessed++
		summary.RowsEmitted += len(mapped.Rows)
		summary.FieldsUnmapped += len(mapped.UnmappedFields)
		if len(mapped.UnmappedFields) > 0 {
			summary.RecordsFlagged++
		}
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRunAborted, err)
	}

	o.emit(summary.RunID, "promote", fmt.Sprintf("promoting %d staged rows", summary.RowsEmitted))

	promoted, err := o.targets.PromoteRun(ctx, summary.RunID)
	if err != nil {
		return fmt.Errorf("promoting run: %w", err)
	}
	summary.RowsEmitted = promoted
	return nil
}

// fail discards the run's staged output and records the failure. The
// discard and bookkeeping run under a fresh context so cancellation of
// the run context cannot strand staged rows.
func (o *Orchestrator) fail(ctx context.Context, summary *domain.RunSummary, cause error) (*domain.RunSummary, error) {
	cleanup := context.WithoutCancel(ctx)

	if err := o.targets.DiscardRun(cleanup, summary.RunID); err != nil {
		o.log.WithFields(logrus.Fields{
			"run_id": summary.RunID,
			"error":  err,
		}).Error("Failed to discard staged rows")
	}

	summary.Status = domain.RUN_FAILED
	if errors.Is(cause, domain.ErrRunAborted) || errors.Is(cause, context.Canceled) {
		summary.Status = domain.RUN_ABORTED
	}
	summary.FailureReason = cause.Error()
	summary.FinishedAt = time.Now().UTC()

	if err := o.runs.Update(cleanup, summary); err != nil {
		o.log.WithFields(logrus.Fields{
			"run_id": summary.RunID,
			"error":  err,
		}).Error("Failed to record run failure")
	}

	o.emit(summary.RunID, "failed", cause.Error())

	o.log.WithFields(logrus.Fields{
		"run_id":     summary.RunID,
		"dataset_id": summary.DatasetID,
		"status":     summary.Status,
		"error":      cause,
	}).Warn("Pipeline run did not complete")

	return summary, cause
}

func (o *Orchestrator) emit(runID, stage, message string) {
	if o.events == nil {
		return
	}
	o.events.Publish(domain.RunEvent{
		RunID:     runID,
		Stage:     stage,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
}
