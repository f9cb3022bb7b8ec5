package linkage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dm1-registry-pipeline/internal/domain"
)

func recordWith(id string, fields map[string]string) *domain.SourceRecord {
	r := &domain.SourceRecord{ID: id, EntityType: "patient", SiteID: "site-01", Version: 1}
	for path, text := range fields {
		r.Fields = append(r.Fields, domain.SourceField{Path: path, Text: text})
	}
	return r
}

func TestNewScorerValidation(t *testing.T) {
	_, err := NewScorer(nil)
	assert.Error(t, err)

	_, err = NewScorer([]domain.ComparatorConfig{{Field: "x", Comparator: "levenshtein", Weight: 1}})
	assert.Error(t, err)

	_, err = NewScorer([]domain.ComparatorConfig{{Field: "x", Comparator: "exact", Weight: 0}})
	assert.Error(t, err)

	_, err = NewScorer([]domain.ComparatorConfig{{Field: "x", Comparator: "exact", Weight: 1}})
	assert.NoError(t, err)
}

func TestScoreBounds(t *testing.T) {
	scorer, err := NewScorer([]domain.ComparatorConfig{
		{Field: "name", Comparator: "jaro_winkler", Weight: 2},
		{Field: "dob", Comparator: "date", Weight: 1},
	})
	require.NoError(t, err)

	a := recordWith("a", map[string]string{"name": "martha", "dob": "1970-01-01"})
	b := recordWith("b", map[string]string{"name": "martha", "dob": "1970-01-01"})
	c := recordWith("c", map[string]string{"name": "zzzz", "dob": "1999-12-31"})

	assert.Equal(t, 1.0, scorer.Score(a, b))
	low := scorer.Score(a, c)
	assert.GreaterOrEqual(t, low, 0.0)
	assert.Less(t, low, 0.5)
}

func TestScoreSkipsMissingFields(t *testing.T) {
	scorer, err := NewScorer([]domain.ComparatorConfig{
		{Field: "name", Comparator: "exact", Weight: 1},
		{Field: "dob", Comparator: "date", Weight: 9},
	})
	require.NoError(t, err)

	a := recordWith("a", map[string]string{"name": "martha"})
	b := recordWith("b", map[string]string{"name": "martha", "dob": "1970-01-01"})

	// The absent dob drops out of the denominator instead of
	// dragging the score down
	assert.Equal(t, 1.0, scorer.Score(a, b))
}

func TestScoreNoComparableFields(t *testing.T) {
	scorer, err := NewScorer([]domain.ComparatorConfig{
		{Field: "dob", Comparator: "date", Weight: 1},
	})
	require.NoError(t, err)

	a := recordWith("a", map[string]string{"name": "martha"})
	b := recordWith("b", map[string]string{"name": "martha"})

	assert.Equal(t, 0.0, scorer.Score(a, b))
}

func TestScoreTransposedIdentifier(t *testing.T) {
	// Two site records sharing dob and site but with a transposed
	// registry identifier land at 0.92 under these weights.
	scorer, err := NewScorer([]domain.ComparatorConfig{
		{Field: "patient_id", Comparator: "identifier", Weight: 0.8},
		{Field: "dob", Comparator: "date", Weight: 0.1},
		{Field: "site", Comparator: "exact", Weight: 0.1},
	})
	require.NoError(t, err)

	a := recordWith("a", map[string]string{"patient_id": "DM1-004217", "dob": "1968-03-11", "site": "site-01"})
	b := recordWith("b", map[string]string{"patient_id": "DM1-004127", "dob": "1968-03-11", "site": "site-01"})

	assert.InDelta(t, 0.92, scorer.Score(a, b), 1e-9)
}

func TestIdentifierSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, identifierSimilarity("DM1-004217", "DM1-004217"))
	assert.Equal(t, 0.9, identifierSimilarity("DM1-004217", "DM1-004127"))
	assert.Equal(t, 0.0, identifierSimilarity("DM1-004217", "DM1-009999"))
	assert.Equal(t, 0.0, identifierSimilarity("DM1-004217", "DM1-00421"))
	// Two separate substitutions are not a transposition
	assert.Equal(t, 0.0, identifierSimilarity("abcdef", "axcdyf"))
}

func TestDateSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, dateSimilarity("1970-01-01", "1970-01-01"))
	assert.InDelta(t, 1.0-30.0/365.0, dateSimilarity("1970-01-01", "1970-01-31"), 1e-9)
	assert.Equal(t, 0.0, dateSimilarity("1970-01-01", "1980-01-01"))
	// Unparseable dates fall back to string equality
	assert.Equal(t, 1.0, dateSimilarity("unknown", "UNKNOWN"))
	assert.Equal(t, 0.0, dateSimilarity("unknown", "1970-01-01"))
}

func TestJaroWinklerKnownValues(t *testing.T) {
	assert.Equal(t, 1.0, jaroWinkler("martha", "martha"))
	assert.InDelta(t, 0.9611, jaroWinkler("martha", "marhta"), 0.001)
	assert.InDelta(t, 0.8400, jaroWinkler("dwayne", "duane"), 0.001)
	assert.InDelta(t, 0.8133, jaroWinkler("dixon", "dicksonx"), 0.001)
	assert.Equal(t, 0.0, jaroWinkler("abc", "xyz"))
	assert.Equal(t, 0.0, jaroWinkler("", "martha"))
}

func TestParseDate(t *testing.T) {
	for _, s := range []string{"1970-01-01", "19700101", "1970-01-01T00:00:00Z"} {
		got, err := parseDate(s)
		require.NoError(t, err, s)
		assert.Equal(t, time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC), got.UTC())
	}
	_, err := parseDate("01/01/1970")
	assert.Error(t, err)
}
