package registry

import (
	"context"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dm1-registry-pipeline/internal/domain"
	"github.com/dm1-registry-pipeline/internal/vocabulary"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

// memoryAudit collects audit entries for assertions.
type memoryAudit struct {
	mu      sync.Mutex
	entries []*domain.AuditEntry
}

func (a *memoryAudit) Record(ctx context.Context, entry *domain.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
	return nil
}

func createTestService(t *testing.T) (*Service, *memoryAudit) {
	t.Helper()
	audit := &memoryAudit{}
	svc := NewService(createTestStore(t), audit, testLogger())
	return svc, audit
}

func TestServiceCreate(t *testing.T) {
	svc, audit := createTestService(t)
	ctx := context.Background()

	concept, err := svc.Create(ctx, CreateRequest{
		Label:            "Myotonia severity grade 4",
		SourceVocabulary: "DM1_LOCAL",
		SourceCode:       "myotonia-severity-4",
		Actor:            "curator@site-01",
		Reason:           "no SNOMED coverage for the site grading scale",
	})
	require.NoError(t, err)

	assert.Equal(t, domain.CustomConceptIDFloor, concept.LocalID)
	assert.Equal(t, domain.CUSTOM_ACTIVE, concept.Lifecycle)

	require.Len(t, audit.entries, 1)
	assert.Equal(t, "CREATE_CUSTOM_CONCEPT", audit.entries[0].Action)
	assert.Equal(t, "curator@site-01", audit.entries[0].Actor)
	assert.NotEmpty(t, audit.entries[0].After)
	assert.Empty(t, audit.entries[0].Before)
}

func TestServiceCreateAssignsSequentialIDs(t *testing.T) {
	svc, _ := createTestService(t)
	ctx := context.Background()

	first, err := svc.Create(ctx, CreateRequest{
		Label: "First", SourceVocabulary: "DM1_LOCAL", SourceCode: "f",
		Actor: "curator", Reason: "test",
	})
	require.NoError(t, err)

	second, err := svc.Create(ctx, CreateRequest{
		Label: "Second", SourceVocabulary: "DM1_LOCAL", SourceCode: "s",
		Actor: "curator", Reason: "test",
	})
	require.NoError(t, err)

	assert.Equal(t, domain.CustomConceptIDFloor, first.LocalID)
	assert.Equal(t, domain.CustomConceptIDFloor+1, second.LocalID)
}

func TestServiceCreateLabelConflict(t *testing.T) {
	svc, _ := createTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateRequest{
		Label: "CTG Repeat Class", SourceVocabulary: "DM1_LOCAL", SourceCode: "a",
		Actor: "curator", Reason: "test",
	})
	require.NoError(t, err)

	// Casing and spacing differences still collide
	_, err = svc.Create(ctx, CreateRequest{
		Label: "ctg  repeat class", SourceVocabulary: "DM1_LOCAL", SourceCode: "b",
		Actor: "curator", Reason: "test",
	})
	assert.ErrorIs(t, err, domain.ErrLabelConflict)
}

func TestServiceCreateConflictWithWhitespaceInStoredLabel(t *testing.T) {
	svc, _ := createTestService(t)
	ctx := context.Background()

	// The first label carries irregular internal whitespace; a later
	// proposal with clean spacing must still collide
	_, err := svc.Create(ctx, CreateRequest{
		Label: "Splice   burden  score", SourceVocabulary: "DM1_LOCAL", SourceCode: "a",
		Actor: "curator", Reason: "test",
	})
	require.NoError(t, err)

	_, err = svc.Create(ctx, CreateRequest{
		Label: "Splice burden score", SourceVocabulary: "DM1_LOCAL", SourceCode: "b",
		Actor: "curator", Reason: "test",
	})
	assert.ErrorIs(t, err, domain.ErrLabelConflict)
}

func TestServiceCreateAfterRetireReleasesLabel(t *testing.T) {
	svc, _ := createTestService(t)
	ctx := context.Background()

	concept, err := svc.Create(ctx, CreateRequest{
		Label: "Grip strength class", SourceVocabulary: "DM1_LOCAL", SourceCode: "grip",
		Actor: "curator", Reason: "test",
	})
	require.NoError(t, err)

	_, err = svc.Retire(ctx, concept.LocalID, 443732, "curator", "superseded by 2026-01 release")
	require.NoError(t, err)

	// A retired concept no longer holds its label
	_, err = svc.Create(ctx, CreateRequest{
		Label: "Grip strength class", SourceVocabulary: "DM1_LOCAL", SourceCode: "grip2",
		Actor: "curator", Reason: "re-minted under new definition",
	})
	assert.NoError(t, err)
}

func TestServiceCreateRequiresReason(t *testing.T) {
	svc, _ := createTestService(t)

	_, err := svc.Create(context.Background(), CreateRequest{
		Label: "No reason", SourceVocabulary: "DM1_LOCAL", SourceCode: "x",
		Actor: "curator",
	})
	assert.ErrorIs(t, err, domain.ErrReasonRequired)
}

func TestServiceRetire(t *testing.T) {
	svc, audit := createTestService(t)
	ctx := context.Background()

	concept, err := svc.Create(ctx, CreateRequest{
		Label: "To retire", SourceVocabulary: "DM1_LOCAL", SourceCode: "r",
		Actor: "curator", Reason: "test",
	})
	require.NoError(t, err)

	retired, err := svc.Retire(ctx, concept.LocalID, 443732, "curator", "covered by new release")
	require.NoError(t, err)

	assert.Equal(t, domain.CUSTOM_RETIRED, retired.Lifecycle)
	assert.Equal(t, int64(443732), retired.ReplacedBy)

	require.Len(t, audit.entries, 2)
	retireEntry := audit.entries[1]
	assert.Equal(t, "RETIRE_CUSTOM_CONCEPT", retireEntry.Action)
	assert.NotEmpty(t, retireEntry.Before)
	assert.NotEmpty(t, retireEntry.After)

	// Resolution no longer sees the concept
	_, err = svc.ActiveByCode(ctx, "DM1_LOCAL", "r")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestServiceRetireIdempotent(t *testing.T) {
	svc, audit := createTestService(t)
	ctx := context.Background()

	concept, err := svc.Create(ctx, CreateRequest{
		Label: "Twice retired", SourceVocabulary: "DM1_LOCAL", SourceCode: "t",
		Actor: "curator", Reason: "test",
	})
	require.NoError(t, err)

	_, err = svc.Retire(ctx, concept.LocalID, 443732, "curator", "first")
	require.NoError(t, err)

	_, err = svc.Retire(ctx, concept.LocalID, 443732, "curator", "second")
	require.NoError(t, err)

	// Conflicting replacement is rejected
	_, err = svc.Retire(ctx, concept.LocalID, 999999, "curator", "third")
	assert.Error(t, err)

	// Only the first retirement wrote an audit entry
	assert.Len(t, audit.entries, 2)
}

func TestServiceRetireRequiresReason(t *testing.T) {
	svc, _ := createTestService(t)

	_, err := svc.Retire(context.Background(), domain.CustomConceptIDFloor, 443732, "curator", "")
	assert.ErrorIs(t, err, domain.ErrReasonRequired)
}

func TestServiceReviewCandidates(t *testing.T) {
	svc, _ := createTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateRequest{
		Label: "Myotonic dystrophy type 1", SourceVocabulary: "DM1_LOCAL", SourceCode: "dm1",
		Actor: "curator", Reason: "test",
	})
	require.NoError(t, err)

	_, err = svc.Create(ctx, CreateRequest{
		Label: "Site-specific grip scale", SourceVocabulary: "DM1_LOCAL", SourceCode: "grip",
		Actor: "curator", Reason: "test",
	})
	require.NoError(t, err)

	snap := vocabulary.NewSnapshot("2026-01", []domain.Concept{
		{ConceptID: 4011630, ConceptName: "Myotonic dystrophy type 1", VocabularyID: "SNOMED", ConceptCode: "77956009", StandardConcept: "S"},
		{ConceptID: 123456, ConceptName: "Unrelated finding", VocabularyID: "SNOMED", ConceptCode: "x", StandardConcept: "S"},
	}, nil)

	candidates, err := svc.ReviewCandidates(ctx, snap)
	require.NoError(t, err)

	// Only the exact label match surfaces; nothing is retired
	require.Len(t, candidates, 1)
	assert.Equal(t, "Myotonic dystrophy type 1", candidates[0].Custom.Label)
	assert.Equal(t, int64(4011630), candidates[0].Standard.ConceptID)
	assert.Equal(t, 1.0, candidates[0].MatchScore)
	assert.Equal(t, "2026-01", candidates[0].VocabularyVersion)

	still, err := svc.Get(ctx, candidates[0].Custom.LocalID)
	require.NoError(t, err)
	assert.Equal(t, domain.CUSTOM_ACTIVE, still.Lifecycle)
}

func TestServiceReviewCandidatesIgnoresNonStandard(t *testing.T) {
	svc, _ := createTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateRequest{
		Label: "Deprecated idea", SourceVocabulary: "DM1_LOCAL", SourceCode: "d",
		Actor: "curator", Reason: "test",
	})
	require.NoError(t, err)

	snap := vocabulary.NewSnapshot("2026-01", []domain.Concept{
		{ConceptID: 1, ConceptName: "Deprecated idea", VocabularyID: "SNOMED", ConceptCode: "y"},
	}, nil)

	candidates, err := svc.ReviewCandidates(ctx, snap)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestNormalizeLabel(t *testing.T) {
	assert.Equal(t, "ctg repeat class", NormalizeLabel("  CTG   Repeat\tClass "))
	assert.Equal(t, "", NormalizeLabel("   "))
}
