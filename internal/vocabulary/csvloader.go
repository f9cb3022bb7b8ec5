package vocabulary

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dm1-registry-pipeline/internal/domain"
)

// Flat-file snapshot loading. The vocabulary distribution ships each
// version as two tab-separated files (CONCEPT, CONCEPT_RELATIONSHIP)
// following the usual OMOP athena layout.

const vocabularyDateLayout = "20060102"

// ReadSnapshot parses concept and relationship readers into a snapshot
func ReadSnapshot(version string, conceptsSrc, relationshipsSrc io.Reader) (*Snapshot, error) {
	concepts, err := readConcepts(conceptsSrc)
	if err != nil {
		return nil, fmt.Errorf("reading concepts for version %s: %w", version, err)
	}

	relationships, err := readRelationships(relationshipsSrc)
	if err != nil {
		return nil, fmt.Errorf("reading relationships for version %s: %w", version, err)
	}

	return NewSnapshot(version, concepts, relationships), nil
}

func newVocabularyReader(src io.Reader) *csv.Reader {
	r := csv.NewReader(src)
	r.Comma = '\t'
	r.LazyQuotes = true
	r.ReuseRecord = true
	return r
}

func readConcepts(src io.Reader) ([]domain.Concept, error) {
	r := newVocabularyReader(src)

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("reading concept header: %w", err)
	}
	idx, err := columnIndex(header, []string{
		"concept_id", "concept_name", "domain_id", "vocabulary_id",
		"concept_class_id", "standard_concept", "concept_code",
		"valid_start_date", "valid_end_date", "invalid_reason",
	})
	if err != nil {
		return nil, err
	}

	var concepts []domain.Concept
	line := 1
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading concept line %d: %w", line, err)
		}
		line++

		conceptID, err := strconv.ParseInt(record[idx["concept_id"]], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing concept_id on line %d: %w", line, err)
		}
		validStart, err := time.Parse(vocabularyDateLayout, record[idx["valid_start_date"]])
		if err != nil {
			return nil, fmt.Errorf("parsing valid_start_date on line %d: %w", line, err)
		}
		validEnd, err := time.Parse(vocabularyDateLayout, record[idx["valid_end_date"]])
		if err != nil {
			return nil, fmt.Errorf("parsing valid_end_date on line %d: %w", line, err)
		}

		concepts = append(concepts, domain.Concept{
			ConceptID:       conceptID,
			ConceptName:     record[idx["concept_name"]],
			DomainID:        record[idx["domain_id"]],
			VocabularyID:    record[idx["vocabulary_id"]],
			ConceptClassID:  record[idx["concept_class_id"]],
			StandardConcept: record[idx["standard_concept"]],
			ConceptCode:     record[idx["concept_code"]],
			ValidStart:      validStart,
			ValidEnd:        validEnd,
			InvalidReason:   record[idx["invalid_reason"]],
		})
	}

	return concepts, nil
}

func readRelationships(src io.Reader) ([]domain.ConceptRelationship, error) {
	r := newVocabularyReader(src)

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("reading relationship header: %w", err)
	}
	idx, err := columnIndex(header, []string{
		"concept_id_1", "concept_id_2", "relationship_id", "invalid_reason",
	})
	if err != nil {
		return nil, err
	}

	var relationships []domain.ConceptRelationship
	line := 1
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading relationship line %d: %w", line, err)
		}
		line++

		source, err := strconv.ParseInt(record[idx["concept_id_1"]], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing concept_id_1 on line %d: %w", line, err)
		}
		target, err := strconv.ParseInt(record[idx["concept_id_2"]], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing concept_id_2 on line %d: %w", line, err)
		}

		relationships = append(relationships, domain.ConceptRelationship{
			SourceConceptID: source,
			TargetConceptID: target,
			RelationshipID:  record[idx["relationship_id"]],
			InvalidReason:   record[idx["invalid_reason"]],
		})
	}

	return relationships, nil
}

// columnIndex maps required column names to their positions in the header
func columnIndex(header []string, required []string) (map[string]int, error) {
	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range required {
		if _, ok := idx[name]; !ok {
			return nil, fmt.Errorf("missing required column %q", name)
		}
	}
	return idx, nil
}
