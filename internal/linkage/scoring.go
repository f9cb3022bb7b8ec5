package linkage

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/dm1-registry-pipeline/internal/domain"
)

// dateDecayDays is the window over which a date comparison decays from
// 1.0 to 0.
const dateDecayDays = 365.0

// Scorer computes the weighted similarity of two records from the
// configured field comparators. Scores are always in [0, 1].
type Scorer struct {
	comparators []domain.ComparatorConfig
}

// NewScorer validates the comparator configuration and returns a scorer.
func NewScorer(comparators []domain.ComparatorConfig) (*Scorer, error) {
	if len(comparators) == 0 {
		return nil, fmt.Errorf("at least one comparator is required")
	}
	for _, c := range comparators {
		if c.Weight <= 0 {
			return nil, fmt.Errorf("comparator %s: weight must be positive", c.Field)
		}
		switch c.Comparator {
		case "exact", "jaro_winkler", "date", "identifier":
		default:
			return nil, fmt.Errorf("comparator %s: unknown comparator %q", c.Field, c.Comparator)
		}
	}
	return &Scorer{comparators: comparators}, nil
}

// Score returns the normalized weighted similarity of two records.
// Fields missing on either side are skipped and their weight is
// excluded from the denominator; a pair sharing no comparable fields
// scores 0.
func (s *Scorer) Score(a, b *domain.SourceRecord) float64 {
	var weighted, totalWeight float64

	for _, c := range s.comparators {
		va := fieldValue(a, c.Field)
		vb := fieldValue(b, c.Field)
		if va == "" || vb == "" {
			continue
		}

		totalWeight += c.Weight
		weighted += c.Weight * compare(c.Comparator, va, vb)
	}

	if totalWeight == 0 {
		return 0
	}
	return weighted / totalWeight
}

func compare(comparator, a, b string) float64 {
	switch comparator {
	case "exact":
		if normalizeValue(a) == normalizeValue(b) {
			return 1.0
		}
		return 0
	case "jaro_winkler":
		return jaroWinkler(normalizeValue(a), normalizeValue(b))
	case "date":
		return dateSimilarity(a, b)
	case "identifier":
		return identifierSimilarity(strings.TrimSpace(a), strings.TrimSpace(b))
	}
	return 0
}

// dateSimilarity decays linearly with the distance between two dates.
// Unparseable dates fall back to exact string comparison.
func dateSimilarity(a, b string) float64 {
	ta, errA := parseDate(a)
	tb, errB := parseDate(b)
	if errA != nil || errB != nil {
		if normalizeValue(a) == normalizeValue(b) {
			return 1.0
		}
		return 0
	}

	days := math.Abs(ta.Sub(tb).Hours() / 24)
	if days >= dateDecayDays {
		return 0
	}
	return 1.0 - days/dateDecayDays
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"2006-01-02", time.RFC3339, "20060102"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date: %s", s)
}

// identifierSimilarity compares registry identifiers. Equal identifiers
// score 1.0; identifiers differing only by one adjacent transposition
// score 0.9, catching the most common data-entry error; anything else
// scores 0.
func identifierSimilarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	if len(a) == len(b) && oneTransposition(a, b) {
		return 0.9
	}
	return 0
}

func oneTransposition(a, b string) bool {
	diff := -1
	for i := 0; i < len(a); i++ {
		if a[i] == b[i] {
			continue
		}
		if diff >= 0 {
			// More than one mismatched region
			if i != diff+1 {
				return false
			}
			if a[diff] != b[i] || a[i] != b[diff] {
				return false
			}
			// Verify the rest matches
			for j := i + 1; j < len(a); j++ {
				if a[j] != b[j] {
					return false
				}
			}
			return true
		}
		diff = i
	}
	return false
}

// jaroWinkler computes the Jaro-Winkler similarity of two strings.
func jaroWinkler(a, b string) float64 {
	j := jaro(a, b)
	if j == 0 {
		return 0
	}

	// Common prefix bonus, capped at 4 characters
	prefix := 0
	for i := 0; i < len(a) && i < len(b) && i < 4; i++ {
		if a[i] != b[i] {
			break
		}
		prefix++
	}
	return j + float64(prefix)*0.1*(1.0-j)
}

func jaro(a, b string) float64 {
	if a == b {
		return 1.0
	}
	la, lb := len(a), len(b)
	if la == 0 || lb == 0 {
		return 0
	}

	window := la
	if lb > window {
		window = lb
	}
	window = window/2 - 1
	if window < 0 {
		window = 0
	}

	matchedA := make([]bool, la)
	matchedB := make([]bool, lb)
	matches := 0

	for i := 0; i < la; i++ {
		lo := i - window
		if lo < 0 {
			lo = 0
		}
		hi := i + window + 1
		if hi > lb {
			hi = lb
		}
		for j := lo; j < hi; j++ {
			if matchedB[j] || a[i] != b[j] {
				continue
			}
			matchedA[i] = true
			matchedB[j] = true
			matches++
			break
		}
	}

	if matches == 0 {
		return 0
	}

	transpositions := 0
	j := 0
	for i := 0; i < la; i++ {
		if !matchedA[i] {
			continue
		}
		for !matchedB[j] {
			j++
		}
		if a[i] != b[j] {
			transpositions++
		}
		j++
	}

	m := float64(matches)
	return (m/float64(la) + m/float64(lb) + (m-float64(transpositions)/2)/m) / 3
}
