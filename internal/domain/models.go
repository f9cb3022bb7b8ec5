package domain

import (
	"encoding/json"
	"time"
)

// Core Enums and Types

// UnmappedConceptID is the sentinel concept identifier meaning "unmapped,
// flagged for review". It is a first-class value, not an error.
const UnmappedConceptID int64 = 0

// CustomConceptIDFloor is the lower bound of the reserved identifier range
// for locally-minted concepts. Identifiers at or above this value never
// collide with standard vocabulary concepts.
const CustomConceptIDFloor int64 = 2_000_000_000

// ResolutionOrigin describes which precedence step produced a mapping result
type ResolutionOrigin string

const (
	ORIGIN_DIRECT       ResolutionOrigin = "DIRECT"
	ORIGIN_RELATIONSHIP ResolutionOrigin = "RELATIONSHIP"
	ORIGIN_CUSTOM       ResolutionOrigin = "CUSTOM"
	ORIGIN_UNMAPPED     ResolutionOrigin = "UNMAPPED"
)

// LifecycleState represents the lifecycle of a custom concept
type LifecycleState string

const (
	CUSTOM_ACTIVE       LifecycleState = "ACTIVE"
	CUSTOM_UNDER_REVIEW LifecycleState = "UNDER_REVIEW"
	CUSTOM_RETIRED      LifecycleState = "RETIRED"
)

// PairState represents the state machine of a duplicate candidate pair
type PairState string

const (
	PAIR_UNEVALUATED    PairState = "UNEVALUATED"
	PAIR_SCORED         PairState = "SCORED"
	PAIR_AUTO_MERGED    PairState = "AUTO_MERGED"
	PAIR_PENDING_REVIEW PairState = "PENDING_REVIEW"
	PAIR_REJECTED       PairState = "REJECTED"
	PAIR_RESOLVED       PairState = "RESOLVED"
)

// PairDecision is a terminal adjudication of a candidate pair
type PairDecision string

const (
	DECISION_MERGE  PairDecision = "MERGE"
	DECISION_REJECT PairDecision = "REJECT"
)

// RunStatus represents the outcome of a pipeline run
type RunStatus string

const (
	RUN_RUNNING   RunStatus = "RUNNING"
	RUN_COMPLETED RunStatus = "COMPLETED"
	RUN_ABORTED   RunStatus = "ABORTED"
	RUN_FAILED    RunStatus = "FAILED"
)

// Vocabulary Models

// Concept represents a semantic unit within a versioned vocabulary
type Concept struct {
	ConceptID       int64     `json:"concept_id"`
	ConceptName     string    `json:"concept_name"`
	DomainID        string    `json:"domain_id"`
	VocabularyID    string    `json:"vocabulary_id"`
	ConceptClassID  string    `json:"concept_class_id"`
	StandardConcept string    `json:"standard_concept"` // "S" standard, "" non-standard
	ConceptCode     string    `json:"concept_code"`
	ValidStart      time.Time `json:"valid_start"`
	ValidEnd        time.Time `json:"valid_end"`
	InvalidReason   string    `json:"invalid_reason,omitempty"`
}

// IsStandard reports whether the concept is a current standard concept
func (c *Concept) IsStandard() bool {
	return c.StandardConcept == "S" && c.InvalidReason == ""
}

// ConceptRelationship represents a directed edge between two concepts
type ConceptRelationship struct {
	SourceConceptID int64  `json:"source_concept_id"`
	TargetConceptID int64  `json:"target_concept_id"`
	RelationshipID  string `json:"relationship_id"` // e.g. "Maps to", "Is a"
	InvalidReason   string `json:"invalid_reason,omitempty"`
}

// RelationshipMapsTo is the relationship type traversed during resolution
const RelationshipMapsTo = "Maps to"

// Resolution Models

// MappingResult is the outcome of resolving one coded field against a
// pinned vocabulary version. ConceptID == UnmappedConceptID means the
// field is flagged for review.
type MappingResult struct {
	SourceVocabulary  string           `json:"source_vocabulary"`
	SourceCode        string           `json:"source_code"`
	ConceptID         int64            `json:"concept_id"`
	Origin            ResolutionOrigin `json:"origin"`
	ResolutionPath    []int64          `json:"resolution_path,omitempty"`
	VocabularyVersion string           `json:"vocabulary_version"`
	ResolvedAt        time.Time        `json:"resolved_at"`
}

// Unmapped reports whether the result carries the review sentinel
func (m *MappingResult) Unmapped() bool {
	return m.ConceptID == UnmappedConceptID
}

// Source Record Models

// SourceField is one typed field of a source record: either raw-coded
// (vocabulary + code) or raw-text.
type SourceField struct {
	Path       string `json:"path"`
	Vocabulary string `json:"vocabulary,omitempty"`
	Code       string `json:"code,omitempty"`
	Text       string `json:"text,omitempty"`
}

// Coded reports whether the field carries a vocabulary binding
func (f *SourceField) Coded() bool {
	return f.Vocabulary != "" && f.Code != ""
}

// SourceRecord is an immutable versioned clinical record owned by the
// ingesting pipeline run. Corrections create new versions, never overwrite.
type SourceRecord struct {
	ID         string        `json:"id"`
	EntityType string        `json:"entity_type"` // patient, visit, sample
	SiteID     string        `json:"site_id"`
	Version    int           `json:"version"`
	Fields     []SourceField `json:"fields"`
	RetiredBy  string        `json:"retired_by,omitempty"` // alias to master after a merge
	CreatedAt  time.Time     `json:"created_at"`
}

// Field returns the first field with the given path, or nil
func (r *SourceRecord) Field(path string) *SourceField {
	for i := range r.Fields {
		if r.Fields[i].Path == path {
			return &r.Fields[i]
		}
	}
	return nil
}

// Completeness counts the non-empty fields of the record. Used for
// deterministic master selection during merges.
func (r *SourceRecord) Completeness() int {
	n := 0
	for i := range r.Fields {
		f := &r.Fields[i]
		if f.Code != "" || f.Text != "" {
			n++
		}
	}
	return n
}

// Target Models

// TargetRow is one row of the relational target schema, traceable back to
// the originating source record and field path.
type TargetRow struct {
	RowID             string    `json:"row_id"`
	RunID             string    `json:"run_id"`
	SourceRecordID    string    `json:"source_record_id"`
	SourceFieldPath   string    `json:"source_field_path"`
	EntityType        string    `json:"entity_type"`
	ConceptID         int64     `json:"concept_id"`
	SourceVocabulary  string    `json:"source_vocabulary,omitempty"`
	SourceCode        string    `json:"source_code,omitempty"`
	ValueText         string    `json:"value_text,omitempty"`
	Unmapped          bool      `json:"unmapped"`
	VocabularyVersion string    `json:"vocabulary_version"`
	CreatedAt         time.Time `json:"created_at"`
}

// MappedRecord is the result of mapping one source record
type MappedRecord struct {
	SourceRecordID string          `json:"source_record_id"`
	Rows           []TargetRow     `json:"rows"`
	UnmappedFields []MappingResult `json:"unmapped_fields,omitempty"`
}

// Custom Concept Models

// CustomConcept is a locally-minted concept covering a clinical idea with
// no standard vocabulary coverage.
type CustomConcept struct {
	LocalID          int64          `json:"local_id"` // >= CustomConceptIDFloor
	Label            string         `json:"label"`
	SourceVocabulary string         `json:"source_vocabulary"`
	SourceCode       string         `json:"source_code"`
	InterimConceptID int64          `json:"interim_concept_id,omitempty"` // 0 = no interim mapping
	Lifecycle        LifecycleState `json:"lifecycle"`
	ReplacedBy       int64          `json:"replaced_by,omitempty"` // standard concept superseding it
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// RetirementCandidate pairs an active custom concept with a standard
// concept from a newer vocabulary version that may supersede it. Surfaced
// for human approval, never auto-retired.
type RetirementCandidate struct {
	Custom            *CustomConcept `json:"custom"`
	Standard          *Concept       `json:"standard"`
	MatchScore        float64        `json:"match_score"`
	VocabularyVersion string         `json:"vocabulary_version"`
}

// Linkage Models

// CandidatePair is a scored pair of possibly-duplicate records
type CandidatePair struct {
	ID         string       `json:"id"`
	RecordA    string       `json:"record_a"`
	RecordB    string       `json:"record_b"`
	Score      float64      `json:"score"`
	State      PairState    `json:"state"`
	Priority   int          `json:"priority"` // raised by cross-modal corroboration
	MasterID   string       `json:"master_id,omitempty"`
	Decision   PairDecision `json:"decision,omitempty"`
	ResolvedBy string       `json:"resolved_by,omitempty"`
	Rationale  string       `json:"rationale,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// Terminal reports whether the pair has reached a terminal state
func (p *CandidatePair) Terminal() bool {
	switch p.State {
	case PAIR_AUTO_MERGED, PAIR_REJECTED, PAIR_RESOLVED:
		return true
	}
	return false
}

// CorroborationSignal is an optional secondary signal (e.g. biological
// sample concordance) attached to a pending pair. It raises review
// priority but never merges on its own.
type CorroborationSignal struct {
	PairID     string    `json:"pair_id"`
	Modality   string    `json:"modality"` // e.g. "biosample"
	Concordant bool      `json:"concordant"`
	ObservedAt time.Time `json:"observed_at"`
}

// Audit Models

// AuditEntry is an append-only record of one mutation. Every mutation to
// a mapping result, custom concept, or candidate pair produces exactly one.
type AuditEntry struct {
	ID         string          `json:"id"`
	Actor      string          `json:"actor"`
	Action     string          `json:"action"`
	ObjectType string          `json:"object_type"`
	ObjectID   string          `json:"object_id"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after,omitempty"`
	Reason     string          `json:"reason"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Run Models

// RunSummary is the per-run report surfaced to operators
type RunSummary struct {
	RunID              string    `json:"run_id"`
	DatasetID          string    `json:"dataset_id"`
	VocabularyVersion  string    `json:"vocabulary_version"`
	Status             RunStatus `json:"status"`
	RecordsProcessed   int       `json:"records_processed"`
	RecordsFlagged     int       `json:"records_flagged"`
	FieldsUnmapped     int       `json:"fields_unmapped"`
	RowsEmitted        int       `json:"rows_emitted"`
	PairsAutoMerged    int       `json:"pairs_auto_merged"`
	PairsPendingReview int       `json:"pairs_pending_review"`
	PairsRejected      int       `json:"pairs_rejected"`
	StartedAt          time.Time `json:"started_at"`
	FinishedAt         time.Time `json:"finished_at,omitempty"`
	FailureReason      string    `json:"failure_reason,omitempty"`
}

// RunEvent is a progress event emitted during a pipeline run
type RunEvent struct {
	RunID     string    `json:"run_id"`
	Stage     string    `json:"stage"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
