// Package registry manages custom concepts: locally-minted concepts for
// clinical ideas no standard vocabulary covers yet. Concepts are created
// in the reserved identifier range, retired when a later vocabulary
// release supersedes them, and never deleted.
package registry

import (
	"context"

	"github.com/dm1-registry-pipeline/internal/domain"
)

// Store defines the persistence interface for custom concepts.
// Implementations return domain.ErrNotFound for missing concepts and
// never physically delete rows.
type Store interface {
	// Insert stores a new custom concept. The LocalID must already be
	// assigned by the caller.
	Insert(ctx context.Context, concept *domain.CustomConcept) error

	// Update rewrites the mutable fields of an existing concept
	// (lifecycle, interim mapping, replaced-by). Identity fields are
	// never touched.
	Update(ctx context.Context, concept *domain.CustomConcept) error

	// GetByID retrieves a concept by its local identifier.
	GetByID(ctx context.Context, localID int64) (*domain.CustomConcept, error)

	// ActiveByCode retrieves the active concept covering the given
	// source coding, if any.
	ActiveByCode(ctx context.Context, vocabularyID, sourceCode string) (*domain.CustomConcept, error)

	// ActiveByLabel retrieves the active concept with the given
	// normalized label, if any.
	ActiveByLabel(ctx context.Context, normalizedLabel string) (*domain.CustomConcept, error)

	// List returns concepts filtered by lifecycle state with
	// pagination. An empty state returns all concepts.
	List(ctx context.Context, state domain.LifecycleState, limit, offset int) ([]*domain.CustomConcept, error)

	// MaxLocalID returns the highest assigned local identifier, or 0
	// when the registry is empty.
	MaxLocalID(ctx context.Context) (int64, error)

	// Count returns the total number of concepts.
	Count(ctx context.Context) (int64, error)

	// Close releases the underlying database handle.
	Close() error
}
