package vocabulary

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dm1-registry-pipeline/internal/domain"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

func testConcepts() []domain.Concept {
	validStart := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	validEnd := time.Date(2099, 12, 31, 0, 0, 0, 0, time.UTC)

	return []domain.Concept{
		{
			ConceptID:       77956009,
			ConceptName:     "Steinert myotonic dystrophy syndrome",
			DomainID:        "Condition",
			VocabularyID:    "SNOMED",
			ConceptClassID:  "Clinical Finding",
			ConceptCode:     "77956009",
			ValidStart:      validStart,
			ValidEnd:        validEnd,
		},
		{
			ConceptID:       443732,
			ConceptName:     "Myotonic dystrophy",
			DomainID:        "Condition",
			VocabularyID:    "SNOMED",
			ConceptClassID:  "Clinical Finding",
			StandardConcept: "S",
			ConceptCode:     "77956009-std",
			ValidStart:      validStart,
			ValidEnd:        validEnd,
		},
	}
}

func testRelationships() []domain.ConceptRelationship {
	return []domain.ConceptRelationship{
		{SourceConceptID: 77956009, TargetConceptID: 443732, RelationshipID: domain.RelationshipMapsTo},
		{SourceConceptID: 77956009, TargetConceptID: 443732, RelationshipID: "Is a"},
	}
}

func TestSnapshot_Lookups(t *testing.T) {
	snap := NewSnapshot("2026-01", testConcepts(), testRelationships())

	assert.Equal(t, "2026-01", snap.Version())
	assert.Equal(t, 2, snap.ConceptCount())

	byCode := snap.ConceptByCode("SNOMED", "77956009")
	require.NotNil(t, byCode)
	assert.Equal(t, int64(77956009), byCode.ConceptID)
	assert.False(t, byCode.IsStandard())

	byID := snap.ConceptByID(443732)
	require.NotNil(t, byID)
	assert.True(t, byID.IsStandard())

	assert.Nil(t, snap.ConceptByCode("ICD10", "G71.11"))
}

func TestSnapshot_MapsToFiltersRelationshipType(t *testing.T) {
	snap := NewSnapshot("2026-01", testConcepts(), testRelationships())

	// Only the "Maps to" edge survives; "Is a" is not traversed
	assert.Equal(t, []int64{443732}, snap.MapsTo(77956009))
	assert.Empty(t, snap.MapsTo(443732))
}

func TestSnapshot_MapsToExcludesInvalidatedEdges(t *testing.T) {
	rels := []domain.ConceptRelationship{
		{SourceConceptID: 77956009, TargetConceptID: 443732, RelationshipID: domain.RelationshipMapsTo, InvalidReason: "D"},
	}
	snap := NewSnapshot("2026-01", testConcepts(), rels)

	assert.Empty(t, snap.MapsTo(77956009))
}

func TestSnapshot_MapsToDeterministicOrder(t *testing.T) {
	concepts := testConcepts()
	rels := []domain.ConceptRelationship{
		{SourceConceptID: 77956009, TargetConceptID: 900, RelationshipID: domain.RelationshipMapsTo},
		{SourceConceptID: 77956009, TargetConceptID: 100, RelationshipID: domain.RelationshipMapsTo},
		{SourceConceptID: 77956009, TargetConceptID: 500, RelationshipID: domain.RelationshipMapsTo},
	}

	snap := NewSnapshot("2026-01", concepts, rels)
	assert.Equal(t, []int64{100, 500, 900}, snap.MapsTo(77956009))
}

func TestSnapshot_RelationshipsRetainsEveryEdge(t *testing.T) {
	rels := []domain.ConceptRelationship{
		{SourceConceptID: 77956009, TargetConceptID: 443732, RelationshipID: "Is a"},
		{SourceConceptID: 77956009, TargetConceptID: 443732, RelationshipID: domain.RelationshipMapsTo},
		{SourceConceptID: 77956009, TargetConceptID: 100, RelationshipID: domain.RelationshipMapsTo, InvalidReason: "D"},
	}
	snap := NewSnapshot("2026-01", testConcepts(), rels)

	// Edges that resolution never traverses still round-trip through the
	// snapshot so persisting a version loses nothing
	got := snap.Relationships()
	require.Len(t, got, 3)
	assert.Equal(t, domain.ConceptRelationship{
		SourceConceptID: 77956009, TargetConceptID: 100,
		RelationshipID: domain.RelationshipMapsTo, InvalidReason: "D",
	}, got[0])
	assert.Equal(t, "Is a", got[1].RelationshipID)
	assert.Equal(t, domain.RelationshipMapsTo, got[2].RelationshipID)

	// The returned slice is a copy; mutating it leaves the snapshot intact
	got[0].InvalidReason = ""
	assert.Equal(t, "D", snap.Relationships()[0].InvalidReason)
}

func TestSnapshot_ConceptsOrderedByID(t *testing.T) {
	snap := NewSnapshot("2026-01", testConcepts(), nil)

	concepts := snap.Concepts()
	require.Len(t, concepts, 2)
	assert.Equal(t, int64(443732), concepts[0].ConceptID)
	assert.Equal(t, int64(77956009), concepts[1].ConceptID)
}

func TestMemoryStore_AppendOnlyVersions(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(testLogger())

	snapA := NewSnapshot("2025-07", testConcepts(), nil)
	snapB := NewSnapshot("2026-01", testConcepts(), testRelationships())

	require.NoError(t, store.LoadVersion(ctx, snapA))
	require.NoError(t, store.LoadVersion(ctx, snapB))

	// Reloading an existing version is rejected
	err := store.LoadVersion(ctx, NewSnapshot("2025-07", nil, nil))
	assert.ErrorIs(t, err, domain.ErrVersionExists)

	// Prior versions stay available
	got, err := store.Snapshot(ctx, "2025-07")
	require.NoError(t, err)
	assert.Equal(t, "2025-07", got.Version())

	versions, err := store.Versions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"2025-07", "2026-01"}, versions)
}

func TestMemoryStore_UnknownVersion(t *testing.T) {
	store := NewMemoryStore(testLogger())

	_, err := store.Snapshot(context.Background(), "1999-01")
	assert.ErrorIs(t, err, domain.ErrVersionNotFound)
}
