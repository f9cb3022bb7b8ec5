package linkage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dm1-registry-pipeline/internal/domain"
)

// PairStore persists candidate pairs across runs.
type PairStore interface {
	Save(ctx context.Context, pair *domain.CandidatePair) error
	Get(ctx context.Context, pairID string) (*domain.CandidatePair, error)
	// GetByRecords returns the pair covering the two record ids in
	// either order, or domain.ErrNotFound.
	GetByRecords(ctx context.Context, recordA, recordB string) (*domain.CandidatePair, error)
	Update(ctx context.Context, pair *domain.CandidatePair) error
	ListByState(ctx context.Context, state domain.PairState, limit, offset int) ([]*domain.CandidatePair, error)
}

// MergeApplier applies a decided merge to the record store: the
// duplicate is retired as an alias of the master and references are
// repointed.
type MergeApplier interface {
	ApplyMerge(ctx context.Context, masterID, duplicateID string) error
}

// Engine evaluates datasets for duplicates and drives the candidate
// pair state machine.
type Engine struct {
	scorer *Scorer
	cfg    domain.LinkageConfig
	pairs  PairStore
	merger MergeApplier
	audit  domain.AuditLogger
	log    *logrus.Logger
}

// NewEngine creates a linkage engine from the study configuration.
func NewEngine(cfg domain.LinkageConfig, pairs PairStore, merger MergeApplier, audit domain.AuditLogger, logger *logrus.Logger) (*Engine, error) {
	scorer, err := NewScorer(cfg.Comparators)
	if err != nil {
		return nil, err
	}
	if cfg.ReviewThreshold > cfg.AutoMergeThreshold {
		return nil, fmt.Errorf("review threshold %.2f exceeds auto-merge threshold %.2f", cfg.ReviewThreshold, cfg.AutoMergeThreshold)
	}
	return &Engine{
		scorer: scorer,
		cfg:    cfg,
		pairs:  pairs,
		merger: merger,
		audit:  audit,
		log:    logger,
	}, nil
}

// EvaluateDataset blocks the records, scores every within-bucket pair,
// and classifies each against the configured thresholds. Pairs at or
// above the auto-merge threshold are merged immediately with the
// deterministically selected master; pairs in the review band are
// queued; the rest are rejected. Evaluation order is deterministic.
func (e *Engine) EvaluateDataset(ctx context.Context, records []*domain.SourceRecord) ([]*domain.CandidatePair, error) {
	buckets := Block(records, e.cfg.BlockingKeys)

	var evaluated []*domain.CandidatePair
	for _, key := range BlockKeys(buckets) {
		bucket := buckets[key]
		sort.Slice(bucket, func(i, j int) bool { return bucket[i].ID < bucket[j].ID })

		for i := 0; i < len(bucket); i++ {
			for j := i + 1; j < len(bucket); j++ {
				pair, err := e.evaluatePair(ctx, bucket[i], bucket[j])
				if err != nil {
					return nil, err
				}
				if pair != nil {
					evaluated = append(evaluated, pair)
				}
			}
		}
	}

	e.log.WithFields(logrus.Fields{
		"records": len(records),
		"buckets": len(buckets),
		"pairs":   len(evaluated),
	}).Info("Dataset duplicate evaluation completed")

	return evaluated, nil
}

func (e *Engine) evaluatePair(ctx context.Context, a, b *domain.SourceRecord) (*domain.CandidatePair, error) {
	existing, err := e.pairs.GetByRecords(ctx, a.ID, b.ID)
	if err != nil && err != domain.ErrNotFound {
		return nil, fmt.Errorf("checking existing pair: %w", err)
	}
	// Adjudicated pairs are final across runs
	if existing != nil && existing.Terminal() {
		return nil, nil
	}

	var before *domain.CandidatePair
	if existing != nil {
		prior := *existing
		before = &prior
	}

	score := e.scorer.Score(a, b)
	now := time.Now().UTC()

	pair := existing
	if pair == nil {
		pair = &domain.CandidatePair{
			ID:        uuid.New().String(),
			RecordA:   a.ID,
			RecordB:   b.ID,
			CreatedAt: now,
		}
	}
	pair.Score = score
	pair.UpdatedAt = now

	action := "EVALUATE_PAIR"
	var reason string
	switch {
	case score >= e.cfg.AutoMergeThreshold:
		master, duplicate := SelectMaster(a, b)
		pair.State = domain.PAIR_AUTO_MERGED
		pair.MasterID = master.ID
		pair.Decision = domain.DECISION_MERGE
		action = "ADJUDICATE_PAIR"
		reason = fmt.Sprintf("similarity %.3f at or above auto-merge threshold %.3f", score, e.cfg.AutoMergeThreshold)

		if e.merger != nil {
			if err := e.merger.ApplyMerge(ctx, master.ID, duplicate.ID); err != nil {
				return nil, fmt.Errorf("applying auto-merge: %w", err)
			}
		}
	case score >= e.cfg.ReviewThreshold:
		pair.State = domain.PAIR_PENDING_REVIEW
		reason = fmt.Sprintf("similarity %.3f within review band [%.3f, %.3f)", score, e.cfg.ReviewThreshold, e.cfg.AutoMergeThreshold)
	default:
		pair.State = domain.PAIR_REJECTED
		reason = fmt.Sprintf("similarity %.3f below review threshold %.3f", score, e.cfg.ReviewThreshold)
	}

	if existing == nil {
		err = e.pairs.Save(ctx, pair)
	} else {
		err = e.pairs.Update(ctx, pair)
	}
	if err != nil {
		return nil, fmt.Errorf("persisting pair: %w", err)
	}

	if err := e.recordPairAudit(ctx, action, "system", reason, before, pair); err != nil {
		return nil, err
	}
	return pair, nil
}

// SelectMaster picks the record that survives a merge: the more
// complete record wins, ties break to the earlier ingestion timestamp,
// then to the lexically smaller id. The same inputs always produce the
// same master.
func SelectMaster(a, b *domain.SourceRecord) (master, duplicate *domain.SourceRecord) {
	ca, cb := a.Completeness(), b.Completeness()
	switch {
	case ca > cb:
		return a, b
	case cb > ca:
		return b, a
	case a.CreatedAt.Before(b.CreatedAt):
		return a, b
	case b.CreatedAt.Before(a.CreatedAt):
		return b, a
	case a.ID < b.ID:
		return a, b
	}
	return b, a
}

// Resolve applies a human adjudication to a pending pair. A merge
// decision applies the recorded master; a reject decision closes the
// pair without touching either record. Resolving a pair twice with the
// same decision is a no-op; a merge against an already-merged pair
// returns domain.ErrAlreadyMerged.
func (e *Engine) Resolve(ctx context.Context, pairID string, decision domain.PairDecision, masterID, actor, rationale string) (*domain.CandidatePair, error) {
	if actor == "" || rationale == "" {
		return nil, domain.ErrReasonRequired
	}

	pair, err := e.pairs.Get(ctx, pairID)
	if err != nil {
		return nil, err
	}
	prior := *pair

	if pair.State == domain.PAIR_AUTO_MERGED || (pair.State == domain.PAIR_RESOLVED && pair.Decision == domain.DECISION_MERGE) {
		if decision == domain.DECISION_MERGE && (masterID == "" || masterID == pair.MasterID) {
			return pair, domain.ErrAlreadyMerged
		}
		return nil, fmt.Errorf("pair %s already merged into %s", pairID, pair.MasterID)
	}
	if pair.Terminal() {
		if pair.Decision == decision {
			return pair, nil
		}
		return nil, fmt.Errorf("pair %s already resolved as %s", pairID, pair.Decision)
	}

	switch decision {
	case domain.DECISION_MERGE:
		if masterID == "" {
			return nil, &domain.ValidationError{Field: "master_id", Message: "merge decision requires a master record"}
		}
		if masterID != pair.RecordA && masterID != pair.RecordB {
			return nil, &domain.ValidationError{Field: "master_id", Message: "master must be one of the paired records"}
		}
		duplicateID := pair.RecordA
		if masterID == pair.RecordA {
			duplicateID = pair.RecordB
		}
		if e.merger != nil {
			if err := e.merger.ApplyMerge(ctx, masterID, duplicateID); err != nil {
				return nil, fmt.Errorf("applying merge: %w", err)
			}
		}
		pair.MasterID = masterID
	case domain.DECISION_REJECT:
	default:
		return nil, &domain.ValidationError{Field: "decision", Message: fmt.Sprintf("unknown decision %q", decision)}
	}

	pair.State = domain.PAIR_RESOLVED
	if decision == domain.DECISION_REJECT {
		pair.State = domain.PAIR_REJECTED
	}
	pair.Decision = decision
	pair.ResolvedBy = actor
	pair.Rationale = rationale
	pair.UpdatedAt = time.Now().UTC()

	if err := e.pairs.Update(ctx, pair); err != nil {
		return nil, fmt.Errorf("persisting resolution: %w", err)
	}

	if err := e.recordPairAudit(ctx, "ADJUDICATE_PAIR", actor, rationale, &prior, pair); err != nil {
		return nil, err
	}
	return pair, nil
}

// Corroborate attaches a secondary signal to a pending pair. A
// concordant signal raises review priority; it never merges and never
// changes the pair state. Signals against terminal pairs are ignored.
func (e *Engine) Corroborate(ctx context.Context, signal *domain.CorroborationSignal) (*domain.CandidatePair, error) {
	pair, err := e.pairs.Get(ctx, signal.PairID)
	if err != nil {
		return nil, err
	}

	if pair.State != domain.PAIR_PENDING_REVIEW || !signal.Concordant {
		return pair, nil
	}
	prior := *pair

	pair.Priority++
	pair.UpdatedAt = time.Now().UTC()
	if err := e.pairs.Update(ctx, pair); err != nil {
		return nil, fmt.Errorf("persisting corroboration: %w", err)
	}

	if err := e.recordPairAudit(ctx, "CORROBORATE_PAIR", "system",
		fmt.Sprintf("concordant %s signal raised review priority to %d", signal.Modality, pair.Priority), &prior, pair); err != nil {
		return nil, err
	}

	e.log.WithFields(logrus.Fields{
		"pair_id":  pair.ID,
		"modality": signal.Modality,
		"priority": pair.Priority,
	}).Info("Corroboration signal raised review priority")

	return pair, nil
}

// PendingReview lists pairs awaiting adjudication, highest priority
// first.
func (e *Engine) PendingReview(ctx context.Context, limit, offset int) ([]*domain.CandidatePair, error) {
	pairs, err := e.pairs.ListByState(ctx, domain.PAIR_PENDING_REVIEW, limit, offset)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].Priority > pairs[j].Priority })
	return pairs, nil
}

// recordPairAudit writes the single audit entry covering one persisted
// pair mutation. before is nil when the mutation created the pair.
func (e *Engine) recordPairAudit(ctx context.Context, action, actor, reason string, before, after *domain.CandidatePair) error {
	if e.audit == nil {
		return nil
	}

	entry := &domain.AuditEntry{
		ID:         uuid.New().String(),
		Actor:      actor,
		Action:     action,
		ObjectType: "candidate_pair",
		ObjectID:   after.ID,
		Reason:     reason,
		Timestamp:  time.Now().UTC(),
	}
	if before != nil {
		entry.Before, _ = json.Marshal(before)
	}
	entry.After, _ = json.Marshal(after)

	if err := e.audit.Record(ctx, entry); err != nil {
		return fmt.Errorf("recording pair audit: %w", err)
	}
	return nil
}
