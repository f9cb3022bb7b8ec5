package linkage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dm1-registry-pipeline/internal/domain"
)

func TestSoundex(t *testing.T) {
	cases := map[string]string{
		"Robert":   "R163",
		"Rupert":   "R163",
		"Ashcraft": "A261",
		"Ashcroft": "A261",
		"Tymczak":  "T522",
		"Pfister":  "P236",
		"Honeyman": "H555",
		"":         "",
		"123":      "",
	}
	for input, want := range cases {
		assert.Equal(t, want, soundex(input), input)
	}
}

func TestBlockKey(t *testing.T) {
	record := recordWith("a", map[string]string{"surname": "Robert", "dob": "1970-01-01"})

	key := BlockKey(record, []string{"site_id", "soundex(surname)", "dob"})
	assert.Equal(t, "site-01|R163|1970-01-01", key)
}

func TestBlockPhoneticBucketing(t *testing.T) {
	robert := recordWith("a", map[string]string{"surname": "Robert"})
	rupert := recordWith("b", map[string]string{"surname": "Rupert"})
	ashcraft := recordWith("c", map[string]string{"surname": "Ashcraft"})

	buckets := Block([]*domain.SourceRecord{robert, rupert, ashcraft}, []string{"soundex(surname)"})

	require.Len(t, buckets, 2)
	assert.Len(t, buckets["R163"], 2)
	assert.Len(t, buckets["A261"], 1)
}

func TestBlockKeysSorted(t *testing.T) {
	buckets := map[string][]*domain.SourceRecord{"c": nil, "a": nil, "b": nil}
	assert.Equal(t, []string{"a", "b", "c"}, BlockKeys(buckets))
}

func TestBlockingSeparatesSites(t *testing.T) {
	a := recordWith("a", map[string]string{"surname": "Robert"})
	b := recordWith("b", map[string]string{"surname": "Robert"})
	b.SiteID = "site-02"

	buckets := Block([]*domain.SourceRecord{a, b}, []string{"site_id", "soundex(surname)"})
	assert.Len(t, buckets, 2)
}

func TestBlockMissingFieldBucketsTogether(t *testing.T) {
	a := recordWith("a", nil)
	b := recordWith("b", nil)

	buckets := Block([]*domain.SourceRecord{a, b}, []string{"soundex(surname)"})
	require.Len(t, buckets, 1)
	assert.Len(t, buckets[""], 2)
}
