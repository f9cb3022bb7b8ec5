// Package linkage detects duplicate source records through blocking,
// weighted similarity scoring, and a reviewed merge workflow.
package linkage

import (
	"sort"
	"strings"

	"github.com/dm1-registry-pipeline/internal/domain"
)

// BlockKey computes the blocking key of a record for the given key
// specs. Each spec is either a plain field path or "soundex(path)" to
// bucket by phonetic encoding. Records whose keys differ are never
// compared.
func BlockKey(record *domain.SourceRecord, specs []string) string {
	parts := make([]string, 0, len(specs))
	for _, spec := range specs {
		parts = append(parts, keyPart(record, spec))
	}
	return strings.Join(parts, "|")
}

func keyPart(record *domain.SourceRecord, spec string) string {
	if path, ok := strings.CutPrefix(spec, "soundex("); ok {
		path = strings.TrimSuffix(path, ")")
		return soundex(fieldValue(record, path))
	}
	if spec == "site_id" {
		return record.SiteID
	}
	return normalizeValue(fieldValue(record, spec))
}

func fieldValue(record *domain.SourceRecord, path string) string {
	f := record.Field(path)
	if f == nil {
		return ""
	}
	if f.Text != "" {
		return f.Text
	}
	return f.Code
}

func normalizeValue(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Block partitions records into buckets by blocking key. Bucket
// contents keep their input order; bucket iteration order is up to the
// caller, who should sort the keys.
func Block(records []*domain.SourceRecord, specs []string) map[string][]*domain.SourceRecord {
	buckets := make(map[string][]*domain.SourceRecord)
	for _, r := range records {
		key := BlockKey(r, specs)
		buckets[key] = append(buckets[key], r)
	}
	return buckets
}

// BlockKeys returns the bucket keys in sorted order for deterministic
// pair generation.
func BlockKeys(buckets map[string][]*domain.SourceRecord) []string {
	keys := make([]string, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// soundex computes the classic four-character Soundex code of a name.
// Empty or non-alphabetic input yields an empty code so such records
// bucket together rather than scattering.
func soundex(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))

	var letters []byte
	for i := 0; i < len(s); i++ {
		if s[i] >= 'A' && s[i] <= 'Z' {
			letters = append(letters, s[i])
		}
	}
	if len(letters) == 0 {
		return ""
	}

	code := []byte{letters[0]}
	prev := soundexDigit(letters[0])
	for _, c := range letters[1:] {
		d := soundexDigit(c)
		if d == 0 {
			// Vowels and H/W/Y reset the run
			if c != 'H' && c != 'W' {
				prev = 0
			}
			continue
		}
		if d != prev {
			code = append(code, '0'+d)
			if len(code) == 4 {
				return string(code)
			}
		}
		prev = d
	}
	for len(code) < 4 {
		code = append(code, '0')
	}
	return string(code)
}

func soundexDigit(c byte) byte {
	switch c {
	case 'B', 'F', 'P', 'V':
		return 1
	case 'C', 'G', 'J', 'K', 'Q', 'S', 'X', 'Z':
		return 2
	case 'D', 'T':
		return 3
	case 'L':
		return 4
	case 'M', 'N':
		return 5
	case 'R':
		return 6
	}
	return 0
}
