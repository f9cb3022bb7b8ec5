// Package vocabulary provides versioned, immutable vocabulary snapshots.
// Each loaded version is a frozen concept/relationship table set; queries
// pin an explicit version so historical mapping runs stay reproducible.
package vocabulary

import (
	"sort"

	"github.com/dm1-registry-pipeline/internal/domain"
)

type codeKey struct {
	vocabularyID string
	conceptCode  string
}

// Snapshot is one frozen vocabulary version. It is never mutated after
// construction; loading a newer version produces a new Snapshot.
type Snapshot struct {
	version string

	byCode map[codeKey]*domain.Concept
	byID   map[int64]*domain.Concept
	mapsTo map[int64][]int64

	// full relationship table, kept so persisting a snapshot is lossless
	relationships []domain.ConceptRelationship
}

// NewSnapshot builds an immutable snapshot from concept and relationship
// tables. Relationship targets are sorted by concept id so traversal order
// is deterministic across runs.
func NewSnapshot(version string, concepts []domain.Concept, relationships []domain.ConceptRelationship) *Snapshot {
	s := &Snapshot{
		version:       version,
		byCode:        make(map[codeKey]*domain.Concept, len(concepts)),
		byID:          make(map[int64]*domain.Concept, len(concepts)),
		mapsTo:        make(map[int64][]int64),
		relationships: make([]domain.ConceptRelationship, len(relationships)),
	}
	copy(s.relationships, relationships)
	sort.Slice(s.relationships, func(i, j int) bool {
		a, b := s.relationships[i], s.relationships[j]
		if a.SourceConceptID != b.SourceConceptID {
			return a.SourceConceptID < b.SourceConceptID
		}
		if a.TargetConceptID != b.TargetConceptID {
			return a.TargetConceptID < b.TargetConceptID
		}
		return a.RelationshipID < b.RelationshipID
	})

	for i := range concepts {
		c := &concepts[i]
		s.byID[c.ConceptID] = c
		s.byCode[codeKey{c.VocabularyID, c.ConceptCode}] = c
	}

	for i := range relationships {
		r := &relationships[i]
		if r.RelationshipID != domain.RelationshipMapsTo || r.InvalidReason != "" {
			continue
		}
		s.mapsTo[r.SourceConceptID] = append(s.mapsTo[r.SourceConceptID], r.TargetConceptID)
	}

	for id := range s.mapsTo {
		targets := s.mapsTo[id]
		sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })
	}

	return s
}

// Version returns the pinned version identifier of this snapshot
func (s *Snapshot) Version() string {
	return s.version
}

// ConceptByCode returns the concept for a (vocabulary, code) pair, or nil
func (s *Snapshot) ConceptByCode(vocabularyID, conceptCode string) *domain.Concept {
	return s.byCode[codeKey{vocabularyID, conceptCode}]
}

// ConceptByID returns the concept with the given identifier, or nil
func (s *Snapshot) ConceptByID(id int64) *domain.Concept {
	return s.byID[id]
}

// Relationships returns the full relationship table of the snapshot,
// including non-"Maps to" and invalidated edges, ordered by source, target
// and relationship id. Persisting a snapshot round-trips every edge.
func (s *Snapshot) Relationships() []domain.ConceptRelationship {
	out := make([]domain.ConceptRelationship, len(s.relationships))
	copy(out, s.relationships)
	return out
}

// MapsTo returns the "Maps to" targets of a concept in deterministic order
func (s *Snapshot) MapsTo(id int64) []int64 {
	return s.mapsTo[id]
}

// ConceptCount returns the number of concepts in the snapshot
func (s *Snapshot) ConceptCount() int {
	return len(s.byID)
}

// Concepts returns all concepts in the snapshot, ordered by concept id.
// Used by the custom concept registry when reviewing a new version for
// retirement candidates.
func (s *Snapshot) Concepts() []*domain.Concept {
	ids := make([]int64, 0, len(s.byID))
	for id := range s.byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]*domain.Concept, len(ids))
	for i, id := range ids {
		out[i] = s.byID[id]
	}
	return out
}
