package vocabulary

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/dm1-registry-pipeline/internal/domain"
)

// DistributionClient fetches vocabulary versions from the external
// distribution endpoint. Requests are rate limited and wrapped in a
// circuit breaker so a flapping distribution server cannot stall loads.
type DistributionClient struct {
	baseURL    string
	httpClient *http.Client
	rateLimit  *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	retryCount int
	log        *logrus.Logger
}

// NewDistributionClient creates a vocabulary distribution client
func NewDistributionClient(config domain.DistributionConfig, logger *logrus.Logger) *DistributionClient {
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}
	if config.RateLimit == 0 {
		config.RateLimit = 2
	}
	if config.RetryCount == 0 {
		config.RetryCount = 3
	}
	if config.BreakerTimeout == 0 {
		config.BreakerTimeout = 30 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "vocabulary-distribution",
		Timeout: config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	})

	return &DistributionClient{
		baseURL: config.BaseURL,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		rateLimit:  rate.NewLimiter(rate.Limit(config.RateLimit), 1),
		breaker:    breaker,
		retryCount: config.RetryCount,
		log:        logger,
	}
}

// FetchVersion downloads and parses one vocabulary version. The
// distribution layout is <base>/<version>/CONCEPT.csv and
// <base>/<version>/CONCEPT_RELATIONSHIP.csv.
func (c *DistributionClient) FetchVersion(ctx context.Context, version string) (*Snapshot, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("vocabulary distribution base URL is not configured")
	}

	conceptData, err := c.fetchFile(ctx, version, "CONCEPT.csv")
	if err != nil {
		return nil, fmt.Errorf("fetching concept table for %s: %w", version, err)
	}
	defer conceptData.Close()

	relationshipData, err := c.fetchFile(ctx, version, "CONCEPT_RELATIONSHIP.csv")
	if err != nil {
		return nil, fmt.Errorf("fetching relationship table for %s: %w", version, err)
	}
	defer relationshipData.Close()

	snapshot, err := ReadSnapshot(version, conceptData, relationshipData)
	if err != nil {
		return nil, err
	}

	c.log.WithFields(logrus.Fields{
		"version":  version,
		"concepts": snapshot.ConceptCount(),
	}).Info("Vocabulary version fetched from distribution")

	return snapshot, nil
}

// fetchFile downloads one distribution file with rate limiting, retries,
// and the circuit breaker.
func (c *DistributionClient) fetchFile(ctx context.Context, version, filename string) (io.ReadCloser, error) {
	url := fmt.Sprintf("%s/%s/%s", c.baseURL, version, filename)

	var lastErr error
	for attempt := 0; attempt <= c.retryCount; attempt++ {
		if err := c.rateLimit.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}

		result, err := c.breaker.Execute(func() (interface{}, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return nil, fmt.Errorf("creating request: %w", err)
			}
			req.Header.Set("Accept", "text/csv")

			resp, err := c.httpClient.Do(req)
			if err != nil {
				return nil, fmt.Errorf("executing request: %w", err)
			}

			if resp.StatusCode == http.StatusNotFound {
				resp.Body.Close()
				return nil, fmt.Errorf("version file %s: %w", filename, domain.ErrVersionNotFound)
			}
			if resp.StatusCode != http.StatusOK {
				resp.Body.Close()
				return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
			}

			return resp.Body, nil
		})
		if err == nil {
			return result.(io.ReadCloser), nil
		}

		lastErr = err

		// A missing version will not appear on retry
		if ctx.Err() != nil || errors.Is(err, domain.ErrVersionNotFound) {
			break
		}

		c.log.WithFields(logrus.Fields{
			"url":     url,
			"attempt": attempt + 1,
			"error":   err,
		}).Warn("Distribution fetch failed, retrying")
	}

	return nil, lastErr
}
