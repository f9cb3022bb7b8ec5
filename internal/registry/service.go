package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dm1-registry-pipeline/internal/domain"
	"github.com/dm1-registry-pipeline/internal/vocabulary"
)

// candidateThreshold is the minimum label similarity for a standard
// concept to be surfaced as a retirement candidate.
const candidateThreshold = 0.5

// Service implements the custom concept lifecycle on top of a Store.
// Every mutation writes exactly one audit entry; an audit failure fails
// the mutation.
type Service struct {
	store Store
	audit domain.AuditLogger
	log   *logrus.Logger
}

// NewService creates a custom concept registry service.
func NewService(store Store, audit domain.AuditLogger, logger *logrus.Logger) *Service {
	return &Service{
		store: store,
		audit: audit,
		log:   logger,
	}
}

// NewStore opens the configured registry backend.
func NewStore(cfg domain.RegistryConfig, databaseURL string) (Store, error) {
	switch cfg.Backend {
	case "sqlite":
		return NewSQLiteStore(cfg.SQLitePath)
	case "postgres":
		return NewPostgresStoreFromURL(databaseURL)
	default:
		return nil, fmt.Errorf("unknown registry backend: %s", cfg.Backend)
	}
}

// CreateRequest carries the inputs for minting a custom concept.
type CreateRequest struct {
	Label            string `json:"label"`
	SourceVocabulary string `json:"source_vocabulary"`
	SourceCode       string `json:"source_code"`
	InterimConceptID int64  `json:"interim_concept_id,omitempty"`
	Actor            string `json:"actor"`
	Reason           string `json:"reason"`
}

// Create mints a new active custom concept in the reserved identifier
// range. An active concept with the same normalized label rejects the
// request with domain.ErrLabelConflict.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*domain.CustomConcept, error) {
	if req.Label == "" {
		return nil, &domain.ValidationError{Field: "label", Message: "label is required"}
	}
	if req.SourceVocabulary == "" || req.SourceCode == "" {
		return nil, &domain.ValidationError{Field: "source_code", Message: "source vocabulary and code are required"}
	}
	if req.Actor == "" || req.Reason == "" {
		return nil, domain.ErrReasonRequired
	}

	normalized := NormalizeLabel(req.Label)
	existing, err := s.store.ActiveByLabel(ctx, normalized)
	if err != nil && err != domain.ErrNotFound {
		return nil, fmt.Errorf("label collision check: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %q held by concept %d", domain.ErrLabelConflict, req.Label, existing.LocalID)
	}

	localID, err := s.nextLocalID(ctx)
	if err != nil {
		return nil, err
	}

	concept := &domain.CustomConcept{
		LocalID:          localID,
		Label:            req.Label,
		SourceVocabulary: req.SourceVocabulary,
		SourceCode:       req.SourceCode,
		InterimConceptID: req.InterimConceptID,
		Lifecycle:        domain.CUSTOM_ACTIVE,
	}

	if err := s.store.Insert(ctx, concept); err != nil {
		return nil, fmt.Errorf("failed to create custom concept: %w", err)
	}

	if err := s.recordAudit(ctx, req.Actor, "CREATE_CUSTOM_CONCEPT", concept.LocalID, nil, concept, req.Reason); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"local_id": concept.LocalID,
		"label":    concept.Label,
		"actor":    req.Actor,
	}).Info("Custom concept created")

	return concept, nil
}

// Retire marks a custom concept retired and records which standard
// concept supersedes it. History is preserved; rows already mapped
// through the concept are untouched. Retiring an already-retired
// concept with the same replacement is a no-op.
func (s *Service) Retire(ctx context.Context, localID, replacedBy int64, actor, reason string) (*domain.CustomConcept, error) {
	if actor == "" || reason == "" {
		return nil, domain.ErrReasonRequired
	}

	concept, err := s.store.GetByID(ctx, localID)
	if err != nil {
		return nil, err
	}

	if concept.Lifecycle == domain.CUSTOM_RETIRED {
		if concept.ReplacedBy == replacedBy {
			return concept, nil
		}
		return nil, fmt.Errorf("concept %d already retired, replaced by %d", localID, concept.ReplacedBy)
	}

	before := *concept
	concept.Lifecycle = domain.CUSTOM_RETIRED
	concept.ReplacedBy = replacedBy

	if err := s.store.Update(ctx, concept); err != nil {
		return nil, fmt.Errorf("failed to retire custom concept: %w", err)
	}

	if err := s.recordAudit(ctx, actor, "RETIRE_CUSTOM_CONCEPT", localID, &before, concept, reason); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"local_id":    localID,
		"replaced_by": replacedBy,
		"actor":       actor,
	}).Info("Custom concept retired")

	return concept, nil
}

// Get retrieves a custom concept by local identifier.
func (s *Service) Get(ctx context.Context, localID int64) (*domain.CustomConcept, error) {
	return s.store.GetByID(ctx, localID)
}

// List returns custom concepts filtered by lifecycle state.
func (s *Service) List(ctx context.Context, state domain.LifecycleState, limit, offset int) ([]*domain.CustomConcept, error) {
	return s.store.List(ctx, state, limit, offset)
}

// ActiveByCode implements domain.CustomConceptLookup for the resolver.
func (s *Service) ActiveByCode(ctx context.Context, vocabularyID, sourceCode string) (*domain.CustomConcept, error) {
	return s.store.ActiveByCode(ctx, vocabularyID, sourceCode)
}

// ReviewCandidates compares every active custom concept against the
// standard concepts of a vocabulary snapshot and surfaces probable
// replacements. Candidates are reported for human approval only; no
// concept is retired automatically.
func (s *Service) ReviewCandidates(ctx context.Context, snap *vocabulary.Snapshot) ([]*domain.RetirementCandidate, error) {
	active, err := s.store.List(ctx, domain.CUSTOM_ACTIVE, 100000, 0)
	if err != nil {
		return nil, fmt.Errorf("listing active custom concepts: %w", err)
	}

	standards := make([]*domain.Concept, 0)
	for _, c := range snap.Concepts() {
		if c.IsStandard() {
			standards = append(standards, c)
		}
	}

	var candidates []*domain.RetirementCandidate
	for _, custom := range active {
		best, score := bestLabelMatch(custom.Label, standards)
		if best == nil || score < candidateThreshold {
			continue
		}
		candidates = append(candidates, &domain.RetirementCandidate{
			Custom:            custom,
			Standard:          best,
			MatchScore:        score,
			VocabularyVersion: snap.Version(),
		})
	}

	s.log.WithFields(logrus.Fields{
		"version":    snap.Version(),
		"active":     len(active),
		"candidates": len(candidates),
	}).Info("Retirement candidate review completed")

	return candidates, nil
}

func (s *Service) nextLocalID(ctx context.Context) (int64, error) {
	max, err := s.store.MaxLocalID(ctx)
	if err != nil {
		return 0, fmt.Errorf("allocating local id: %w", err)
	}
	if max < domain.CustomConceptIDFloor {
		return domain.CustomConceptIDFloor, nil
	}
	return max + 1, nil
}

func (s *Service) recordAudit(ctx context.Context, actor, action string, localID int64, before, after *domain.CustomConcept, reason string) error {
	if s.audit == nil {
		return nil
	}

	entry := &domain.AuditEntry{
		ID:         uuid.New().String(),
		Actor:      actor,
		Action:     action,
		ObjectType: "custom_concept",
		ObjectID:   fmt.Sprintf("%d", localID),
		Reason:     reason,
		Timestamp:  time.Now().UTC(),
	}
	if before != nil {
		entry.Before, _ = json.Marshal(before)
	}
	if after != nil {
		entry.After, _ = json.Marshal(after)
	}

	if err := s.audit.Record(ctx, entry); err != nil {
		return fmt.Errorf("recording audit entry: %w", err)
	}
	return nil
}

// NormalizeLabel lowercases a label and collapses runs of whitespace so
// casing and spacing differences don't defeat collision checks.
func NormalizeLabel(label string) string {
	return strings.Join(strings.Fields(strings.ToLower(label)), " ")
}

// bestLabelMatch returns the standard concept whose name scores highest
// against the custom label. Exact normalized equality scores 1.0;
// otherwise the score is the Jaccard overlap of the name tokens.
func bestLabelMatch(label string, standards []*domain.Concept) (*domain.Concept, float64) {
	normalized := NormalizeLabel(label)
	tokens := tokenSet(normalized)

	var (
		best  *domain.Concept
		score float64
	)
	for _, c := range standards {
		name := NormalizeLabel(c.ConceptName)
		var s float64
		if name == normalized {
			s = 1.0
		} else {
			s = jaccard(tokens, tokenSet(name))
		}
		// Ties break toward the lower concept id, which Concepts()
		// already orders by.
		if s > score {
			best, score = c, s
		}
	}
	return best, score
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.Fields(s) {
		set[tok] = true
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for tok := range a {
		if b[tok] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	return float64(intersection) / float64(union)
}
