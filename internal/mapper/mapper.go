// Package mapper transforms validated source records into rows of the
// relational target schema, resolving coded fields against a pinned
// vocabulary version.
package mapper

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dm1-registry-pipeline/internal/domain"
)

// Mapper implements domain.RecordMapper. Fields map independently: a
// field that fails to resolve yields an unmapped row flagged for review
// while the rest of the record proceeds.
type Mapper struct {
	resolver domain.ConceptResolver
	log      *logrus.Logger
}

// New creates a record mapper.
func New(resolver domain.ConceptResolver, logger *logrus.Logger) *Mapper {
	return &Mapper{
		resolver: resolver,
		log:      logger,
	}
}

// MapRecord maps one source record against the given vocabulary version.
// Every field produces exactly one target row carrying the source record
// id and field path. An error is returned only for record-level problems
// (missing identity, unknown vocabulary version); per-field resolution
// failures never abort the record.
func (m *Mapper) MapRecord(ctx context.Context, record *domain.SourceRecord, vocabularyVersion string) (*domain.MappedRecord, error) {
	if record.ID == "" {
		return nil, &domain.ValidationError{Field: "id", Message: "source record id is required"}
	}
	if record.EntityType == "" {
		return nil, &domain.ValidationError{Field: "entity_type", Message: "entity type is required"}
	}
	if vocabularyVersion == "" {
		return nil, &domain.ValidationError{Field: "vocabulary_version", Message: "vocabulary version is required"}
	}

	mapped := &domain.MappedRecord{SourceRecordID: record.ID}
	now := time.Now().UTC()

	for i := range record.Fields {
		field := &record.Fields[i]

		row := domain.TargetRow{
			RowID:             uuid.New().String(),
			SourceRecordID:    record.ID,
			SourceFieldPath:   field.Path,
			EntityType:        record.EntityType,
			VocabularyVersion: vocabularyVersion,
			CreatedAt:         now,
		}

		if !field.Coded() {
			// Raw-text fields pass through unresolved
			row.ValueText = field.Text
			mapped.Rows = append(mapped.Rows, row)
			continue
		}

		result, err := m.resolver.Resolve(ctx, field.Vocabulary, field.Code, vocabularyVersion)
		if err != nil {
			return nil, fmt.Errorf("resolving field %s: %w", field.Path, err)
		}

		row.ConceptID = result.ConceptID
		row.SourceVocabulary = field.Vocabulary
		row.SourceCode = field.Code
		row.ValueText = field.Text

		if result.Unmapped() {
			row.Unmapped = true
			mapped.UnmappedFields = append(mapped.UnmappedFields, *result)

			m.log.WithFields(logrus.Fields{
				"record_id":  record.ID,
				"field_path": field.Path,
				"vocabulary": field.Vocabulary,
				"code":       field.Code,
				"version":    vocabularyVersion,
			}).Warn("Field unmapped, row flagged for review")
		}

		mapped.Rows = append(mapped.Rows, row)
	}

	return mapped, nil
}
