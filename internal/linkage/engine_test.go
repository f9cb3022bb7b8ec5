package linkage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dm1-registry-pipeline/internal/domain"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

// recordingMerger captures applied merges.
type recordingMerger struct {
	mu     sync.Mutex
	merges [][2]string
}

func (m *recordingMerger) ApplyMerge(ctx context.Context, masterID, duplicateID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.merges = append(m.merges, [2]string{masterID, duplicateID})
	return nil
}

type captureAudit struct {
	entries []*domain.AuditEntry
}

func (a *captureAudit) Record(ctx context.Context, entry *domain.AuditEntry) error {
	a.entries = append(a.entries, entry)
	return nil
}

func testLinkageConfig() domain.LinkageConfig {
	return domain.LinkageConfig{
		AutoMergeThreshold: 0.90,
		ReviewThreshold:    0.75,
		BlockingKeys:       []string{"site_id"},
		Comparators: []domain.ComparatorConfig{
			{Field: "patient_id", Comparator: "identifier", Weight: 0.8},
			{Field: "dob", Comparator: "date", Weight: 0.1},
			{Field: "site", Comparator: "exact", Weight: 0.1},
		},
	}
}

func testEngine(t *testing.T) (*Engine, *MemoryPairStore, *recordingMerger, *captureAudit) {
	t.Helper()
	pairs := NewMemoryPairStore()
	merger := &recordingMerger{}
	audit := &captureAudit{}
	engine, err := NewEngine(testLinkageConfig(), pairs, merger, audit, testLogger())
	require.NoError(t, err)
	return engine, pairs, merger, audit
}

func patientRecord(id, patientID, dob string, createdAt time.Time) *domain.SourceRecord {
	return &domain.SourceRecord{
		ID:         id,
		EntityType: "patient",
		SiteID:     "site-01",
		Version:    1,
		CreatedAt:  createdAt,
		Fields: []domain.SourceField{
			{Path: "patient_id", Text: patientID},
			{Path: "dob", Text: dob},
			{Path: "site", Text: "site-01"},
		},
	}
}

func TestNewEngineRejectsInvertedThresholds(t *testing.T) {
	cfg := testLinkageConfig()
	cfg.ReviewThreshold = 0.99
	_, err := NewEngine(cfg, NewMemoryPairStore(), nil, nil, testLogger())
	assert.Error(t, err)
}

func TestEvaluateAutoMerge(t *testing.T) {
	engine, _, merger, audit := testEngine(t)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	// Transposed identifier, matching dob and site: 0.92, above the
	// 0.90 auto-merge threshold
	older := patientRecord("rec-a", "DM1-004217", "1968-03-11", base)
	newer := patientRecord("rec-b", "DM1-004127", "1968-03-11", base.Add(time.Hour))

	pairs, err := engine.EvaluateDataset(context.Background(), []*domain.SourceRecord{older, newer})
	require.NoError(t, err)

	require.Len(t, pairs, 1)
	pair := pairs[0]
	assert.Equal(t, domain.PAIR_AUTO_MERGED, pair.State)
	assert.InDelta(t, 0.92, pair.Score, 1e-9)
	// Equal completeness, so the earlier ingestion wins mastership
	assert.Equal(t, "rec-a", pair.MasterID)

	require.Len(t, merger.merges, 1)
	assert.Equal(t, [2]string{"rec-a", "rec-b"}, merger.merges[0])

	require.Len(t, audit.entries, 1)
	assert.Equal(t, "ADJUDICATE_PAIR", audit.entries[0].Action)
	assert.Equal(t, "system", audit.entries[0].Actor)
}

func TestEvaluateReviewBand(t *testing.T) {
	engine, _, merger, _ := testEngine(t)
	base := time.Now()

	// One record lacks an identifier, so dob and site carry the whole
	// weight: close-but-off dates land the pair in the review band
	a := patientRecord("rec-a", "", "1968-03-11", base)
	a.Fields = a.Fields[1:]
	b := patientRecord("rec-b", "DM1-004127", "1968-07-01", base)

	pairs, err := engine.EvaluateDataset(context.Background(), []*domain.SourceRecord{a, b})
	require.NoError(t, err)

	require.Len(t, pairs, 1)
	assert.Equal(t, domain.PAIR_PENDING_REVIEW, pairs[0].State)
	assert.Empty(t, merger.merges)
}

func TestEvaluateAuditsEveryPersistedPair(t *testing.T) {
	engine, _, _, audit := testEngine(t)
	ctx := context.Background()
	base := time.Now()

	a := patientRecord("rec-a", "", "1968-03-11", base)
	a.Fields = a.Fields[1:]
	b := patientRecord("rec-b", "DM1-004127", "1968-07-01", base)

	pairs, err := engine.EvaluateDataset(ctx, []*domain.SourceRecord{a, b})
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, domain.PAIR_PENDING_REVIEW, pairs[0].State)

	// The queued pair carries an audit entry even though no merge ran
	require.Len(t, audit.entries, 1)
	entry := audit.entries[0]
	assert.Equal(t, "EVALUATE_PAIR", entry.Action)
	assert.Equal(t, "system", entry.Actor)
	assert.Equal(t, pairs[0].ID, entry.ObjectID)
	assert.Empty(t, entry.Before, "first persistence has no prior state")
	assert.NotEmpty(t, entry.After)
	assert.NotEmpty(t, entry.Reason)

	// Re-scoring the same non-terminal pair is a second mutation and a
	// second entry, this time with the prior state attached
	_, err = engine.EvaluateDataset(ctx, []*domain.SourceRecord{a, b})
	require.NoError(t, err)
	require.Len(t, audit.entries, 2)
	assert.NotEmpty(t, audit.entries[1].Before)
	assert.NotEmpty(t, audit.entries[1].After)
}

func TestEvaluateAuditsRejectedPairs(t *testing.T) {
	engine, _, _, audit := testEngine(t)
	base := time.Now()

	a := patientRecord("rec-a", "DM1-000001", "1950-01-01", base)
	b := patientRecord("rec-b", "DM1-999999", "1990-06-15", base)

	pairs, err := engine.EvaluateDataset(context.Background(), []*domain.SourceRecord{a, b})
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, domain.PAIR_REJECTED, pairs[0].State)

	// Rejected pairs are persisted, so they are audited too
	require.Len(t, audit.entries, 1)
	assert.Equal(t, "EVALUATE_PAIR", audit.entries[0].Action)
	assert.NotEmpty(t, audit.entries[0].After)
}

func TestEvaluateBelowReviewRejected(t *testing.T) {
	engine, _, _, _ := testEngine(t)
	base := time.Now()

	a := patientRecord("rec-a", "DM1-000001", "1950-01-01", base)
	b := patientRecord("rec-b", "DM1-999999", "1990-06-15", base)

	pairs, err := engine.EvaluateDataset(context.Background(), []*domain.SourceRecord{a, b})
	require.NoError(t, err)

	require.Len(t, pairs, 1)
	assert.Equal(t, domain.PAIR_REJECTED, pairs[0].State)
}

func TestEvaluateBlockingSoundness(t *testing.T) {
	engine, _, _, _ := testEngine(t)
	base := time.Now()

	// Identical patients at different sites never reach the scorer
	a := patientRecord("rec-a", "DM1-004217", "1968-03-11", base)
	b := patientRecord("rec-b", "DM1-004217", "1968-03-11", base)
	b.SiteID = "site-02"

	pairs, err := engine.EvaluateDataset(context.Background(), []*domain.SourceRecord{a, b})
	require.NoError(t, err)
	assert.Empty(t, pairs)
}

func TestEvaluateSkipsAdjudicatedPairs(t *testing.T) {
	engine, store, merger, _ := testEngine(t)
	base := time.Now()

	a := patientRecord("rec-a", "DM1-004217", "1968-03-11", base)
	b := patientRecord("rec-b", "DM1-004127", "1968-03-11", base)

	require.NoError(t, store.Save(context.Background(), &domain.CandidatePair{
		ID: "pair-1", RecordA: "rec-a", RecordB: "rec-b",
		State: domain.PAIR_REJECTED, Decision: domain.DECISION_REJECT,
	}))

	pairs, err := engine.EvaluateDataset(context.Background(), []*domain.SourceRecord{a, b})
	require.NoError(t, err)

	// The human rejection stands; no re-evaluation, no merge
	assert.Empty(t, pairs)
	assert.Empty(t, merger.merges)
}

func TestSelectMasterDeterminism(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	fuller := patientRecord("rec-a", "DM1-1", "1968-03-11", base.Add(time.Hour))
	sparser := patientRecord("rec-b", "DM1-2", "", base)
	sparser.Fields = sparser.Fields[:1]

	master, dup := SelectMaster(fuller, sparser)
	assert.Equal(t, "rec-a", master.ID, "completeness beats recency")
	assert.Equal(t, "rec-b", dup.ID)

	// Symmetric call gives the same answer
	master2, _ := SelectMaster(sparser, fuller)
	assert.Equal(t, master.ID, master2.ID)

	// Equal completeness: earliest ingestion wins
	early := patientRecord("rec-c", "DM1-3", "1970-01-01", base)
	late := patientRecord("rec-d", "DM1-4", "1970-01-01", base.Add(time.Minute))
	master, _ = SelectMaster(late, early)
	assert.Equal(t, "rec-c", master.ID)

	// Full tie: lexically smaller id
	t1 := patientRecord("rec-x", "DM1-5", "1970-01-01", base)
	t2 := patientRecord("rec-y", "DM1-6", "1970-01-01", base)
	master, _ = SelectMaster(t2, t1)
	assert.Equal(t, "rec-x", master.ID)
}

func TestResolveMerge(t *testing.T) {
	engine, store, merger, audit := testEngine(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &domain.CandidatePair{
		ID: "pair-1", RecordA: "rec-a", RecordB: "rec-b",
		Score: 0.8, State: domain.PAIR_PENDING_REVIEW,
	}))

	pair, err := engine.Resolve(ctx, "pair-1", domain.DECISION_MERGE, "rec-b", "reviewer@site-01", "confirmed same patient by chart review")
	require.NoError(t, err)

	assert.Equal(t, domain.PAIR_RESOLVED, pair.State)
	assert.Equal(t, "rec-b", pair.MasterID)
	assert.Equal(t, "reviewer@site-01", pair.ResolvedBy)

	require.Len(t, merger.merges, 1)
	assert.Equal(t, [2]string{"rec-b", "rec-a"}, merger.merges[0])
	require.Len(t, audit.entries, 1)
	assert.Equal(t, "ADJUDICATE_PAIR", audit.entries[0].Action)
	assert.NotEmpty(t, audit.entries[0].Before, "adjudication records the pre-resolution state")
	assert.NotEmpty(t, audit.entries[0].After)
}

func TestResolveReject(t *testing.T) {
	engine, store, merger, _ := testEngine(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &domain.CandidatePair{
		ID: "pair-1", RecordA: "rec-a", RecordB: "rec-b",
		State: domain.PAIR_PENDING_REVIEW,
	}))

	pair, err := engine.Resolve(ctx, "pair-1", domain.DECISION_REJECT, "", "reviewer", "siblings, not duplicates")
	require.NoError(t, err)

	assert.Equal(t, domain.PAIR_REJECTED, pair.State)
	assert.Empty(t, merger.merges)
}

func TestResolveMergeIdempotent(t *testing.T) {
	engine, store, merger, _ := testEngine(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &domain.CandidatePair{
		ID: "pair-1", RecordA: "rec-a", RecordB: "rec-b",
		State: domain.PAIR_PENDING_REVIEW,
	}))

	_, err := engine.Resolve(ctx, "pair-1", domain.DECISION_MERGE, "rec-a", "reviewer", "confirmed")
	require.NoError(t, err)

	// Repeating the merge is a detectable no-op
	pair, err := engine.Resolve(ctx, "pair-1", domain.DECISION_MERGE, "rec-a", "reviewer", "again")
	assert.ErrorIs(t, err, domain.ErrAlreadyMerged)
	assert.Equal(t, "rec-a", pair.MasterID)
	assert.Len(t, merger.merges, 1)
}

func TestResolveRequiresRationale(t *testing.T) {
	engine, _, _, _ := testEngine(t)

	_, err := engine.Resolve(context.Background(), "pair-1", domain.DECISION_MERGE, "rec-a", "reviewer", "")
	assert.ErrorIs(t, err, domain.ErrReasonRequired)
}

func TestResolveMasterMustBePaired(t *testing.T) {
	engine, store, _, _ := testEngine(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &domain.CandidatePair{
		ID: "pair-1", RecordA: "rec-a", RecordB: "rec-b",
		State: domain.PAIR_PENDING_REVIEW,
	}))

	_, err := engine.Resolve(ctx, "pair-1", domain.DECISION_MERGE, "rec-z", "reviewer", "oops")
	assert.Error(t, err)
}

func TestCorroborateRaisesPriorityOnly(t *testing.T) {
	engine, store, merger, audit := testEngine(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &domain.CandidatePair{
		ID: "pair-1", RecordA: "rec-a", RecordB: "rec-b",
		Score: 0.8, State: domain.PAIR_PENDING_REVIEW,
	}))

	pair, err := engine.Corroborate(ctx, &domain.CorroborationSignal{
		PairID: "pair-1", Modality: "biosample", Concordant: true,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, pair.Priority)
	assert.Equal(t, domain.PAIR_PENDING_REVIEW, pair.State, "corroboration never merges")
	assert.Empty(t, merger.merges)

	// The priority bump is a pair mutation and is audited as one
	require.Len(t, audit.entries, 1)
	assert.Equal(t, "CORROBORATE_PAIR", audit.entries[0].Action)
	assert.NotEmpty(t, audit.entries[0].Before)
	assert.NotEmpty(t, audit.entries[0].After)

	// Discordant signals change nothing and add no audit entry
	pair, err = engine.Corroborate(ctx, &domain.CorroborationSignal{
		PairID: "pair-1", Modality: "biosample", Concordant: false,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, pair.Priority)
	assert.Len(t, audit.entries, 1)
}

func TestCorroborateIgnoresTerminalPairs(t *testing.T) {
	engine, store, _, _ := testEngine(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &domain.CandidatePair{
		ID: "pair-1", RecordA: "rec-a", RecordB: "rec-b",
		State: domain.PAIR_AUTO_MERGED,
	}))

	pair, err := engine.Corroborate(ctx, &domain.CorroborationSignal{
		PairID: "pair-1", Concordant: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, pair.Priority)
}

func TestPendingReviewOrdering(t *testing.T) {
	engine, store, _, _ := testEngine(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &domain.CandidatePair{
		ID: "pair-1", RecordA: "a", RecordB: "b", State: domain.PAIR_PENDING_REVIEW, Priority: 0,
	}))
	require.NoError(t, store.Save(ctx, &domain.CandidatePair{
		ID: "pair-2", RecordA: "c", RecordB: "d", State: domain.PAIR_PENDING_REVIEW, Priority: 3,
	}))

	pending, err := engine.PendingReview(ctx, 10, 0)
	require.NoError(t, err)

	require.Len(t, pending, 2)
	assert.Equal(t, "pair-2", pending[0].ID, "corroborated pairs surface first")
}
