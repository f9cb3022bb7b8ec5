package vocabulary

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dm1-registry-pipeline/internal/domain"
)

func distributionServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/2026-01/CONCEPT.csv", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(conceptTSV))
	})
	mux.HandleFunc("/2026-01/CONCEPT_RELATIONSHIP.csv", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(relationshipTSV))
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestDistributionClient_FetchVersion(t *testing.T) {
	server := distributionServer(t)

	client := NewDistributionClient(domain.DistributionConfig{
		BaseURL:   server.URL,
		Timeout:   5 * time.Second,
		RateLimit: 100,
	}, testLogger())

	snap, err := client.FetchVersion(context.Background(), "2026-01")
	require.NoError(t, err)

	assert.Equal(t, "2026-01", snap.Version())
	assert.Equal(t, 2, snap.ConceptCount())
	assert.Equal(t, []int64{443732}, snap.MapsTo(77956009))
}

func TestDistributionClient_VersionNotFound(t *testing.T) {
	server := distributionServer(t)

	client := NewDistributionClient(domain.DistributionConfig{
		BaseURL:   server.URL,
		Timeout:   5 * time.Second,
		RateLimit: 100,
	}, testLogger())

	_, err := client.FetchVersion(context.Background(), "1999-01")
	assert.ErrorIs(t, err, domain.ErrVersionNotFound)
}

func TestDistributionClient_RetriesTransientFailures(t *testing.T) {
	attempts := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/2026-01/CONCEPT.csv", func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(conceptTSV))
	})
	mux.HandleFunc("/2026-01/CONCEPT_RELATIONSHIP.csv", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(relationshipTSV))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := NewDistributionClient(domain.DistributionConfig{
		BaseURL:    server.URL,
		Timeout:    5 * time.Second,
		RateLimit:  100,
		RetryCount: 3,
	}, testLogger())

	snap, err := client.FetchVersion(context.Background(), "2026-01")
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 2, snap.ConceptCount())
}

func TestDistributionClient_NoBaseURL(t *testing.T) {
	client := NewDistributionClient(domain.DistributionConfig{}, testLogger())

	_, err := client.FetchVersion(context.Background(), "2026-01")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")
}
