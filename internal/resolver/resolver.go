// Package resolver maps (vocabulary, source code) pairs to standard
// concepts against a pinned vocabulary version.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dm1-registry-pipeline/internal/domain"
	"github.com/dm1-registry-pipeline/internal/vocabulary"
)

// Resolver implements domain.ConceptResolver. Precedence, first match
// wins:
//  1. the source concept itself is a current standard concept
//  2. a bounded "Maps to" traversal reaches a standard concept
//  3. an active custom concept covers the code (interim mapping if set,
//     otherwise the custom local id)
//  4. sentinel 0, flagged for review
//
// Unmapped codes are a normal outcome, never an error. Only a missing
// vocabulary version or failing storage produces an error.
type Resolver struct {
	store    vocabulary.Store
	customs  domain.CustomConceptLookup
	cache    *ResolutionCache
	maxDepth int
	log      *logrus.Logger
}

// New creates a concept resolver. customs and cache may be nil.
func New(store vocabulary.Store, customs domain.CustomConceptLookup, cache *ResolutionCache, cfg domain.ResolverConfig, logger *logrus.Logger) *Resolver {
	maxDepth := cfg.MaxTraversalDepth
	if maxDepth <= 0 {
		maxDepth = 5
	}

	return &Resolver{
		store:    store,
		customs:  customs,
		cache:    cache,
		maxDepth: maxDepth,
		log:      logger,
	}
}

// Resolve resolves one coded value against a pinned vocabulary version
func (r *Resolver) Resolve(ctx context.Context, vocabularyID, sourceCode, vocabularyVersion string) (*domain.MappingResult, error) {
	if r.cache != nil {
		if cached, ok := r.cache.Get(ctx, vocabularyID, sourceCode, vocabularyVersion); ok {
			return cached, nil
		}
	}

	snap, err := r.store.Snapshot(ctx, vocabularyVersion)
	if err != nil {
		return nil, fmt.Errorf("pinning vocabulary version: %w", err)
	}

	result := &domain.MappingResult{
		SourceVocabulary:  vocabularyID,
		SourceCode:        sourceCode,
		VocabularyVersion: vocabularyVersion,
		ResolvedAt:        time.Now().UTC(),
	}

	if err := r.resolve(ctx, snap, result); err != nil {
		return nil, err
	}

	r.log.WithFields(logrus.Fields{
		"vocabulary": vocabularyID,
		"code":       sourceCode,
		"version":    vocabularyVersion,
		"concept_id": result.ConceptID,
		"origin":     result.Origin,
		"path":       result.ResolutionPath,
	}).Debug("Concept resolved")

	if r.cache != nil {
		r.cache.Set(ctx, result)
	}

	return result, nil
}

func (r *Resolver) resolve(ctx context.Context, snap *vocabulary.Snapshot, result *domain.MappingResult) error {
	concept := snap.ConceptByCode(result.SourceVocabulary, result.SourceCode)

	if concept != nil {
		// Step 1: the concept itself is standard
		if concept.IsStandard() {
			result.ConceptID = concept.ConceptID
			result.Origin = domain.ORIGIN_DIRECT
			result.ResolutionPath = []int64{concept.ConceptID}
			return nil
		}

		// Step 2: bounded traversal over "Maps to" relationships
		if target, path, found := r.traverse(snap, concept.ConceptID); found {
			result.ConceptID = target
			result.Origin = domain.ORIGIN_RELATIONSHIP
			result.ResolutionPath = path
			return nil
		}
	}

	// Step 3: custom concept fallback
	if r.customs != nil {
		custom, err := r.customs.ActiveByCode(ctx, result.SourceVocabulary, result.SourceCode)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("custom concept lookup: %w", err)
		}
		if custom != nil {
			if custom.InterimConceptID != domain.UnmappedConceptID {
				result.ConceptID = custom.InterimConceptID
			} else {
				result.ConceptID = custom.LocalID
			}
			result.Origin = domain.ORIGIN_CUSTOM
			result.ResolutionPath = []int64{custom.LocalID}
			return nil
		}
	}

	// Step 4: sentinel, flagged for review
	result.ConceptID = domain.UnmappedConceptID
	result.Origin = domain.ORIGIN_UNMAPPED

	r.log.WithFields(logrus.Fields{
		"vocabulary": result.SourceVocabulary,
		"code":       result.SourceCode,
		"version":    result.VocabularyVersion,
	}).Info("Code unmapped, flagged for review")

	return nil
}

// traverse runs a bounded depth-first search over "Maps to" edges from
// the given concept. Revisiting a node abandons that branch; depth is
// capped so pathological graphs terminate. The returned path includes
// the start concept and every hop to the standard target.
func (r *Resolver) traverse(snap *vocabulary.Snapshot, startID int64) (int64, []int64, bool) {
	visited := map[int64]bool{startID: true}

	var dfs func(id int64, depth int, path []int64) ([]int64, bool)
	dfs = func(id int64, depth int, path []int64) ([]int64, bool) {
		if depth > r.maxDepth {
			return nil, false
		}

		for _, targetID := range snap.MapsTo(id) {
			if visited[targetID] {
				// Cycle: dead-end branch, not an error
				continue
			}
			visited[targetID] = true

			next := append(append([]int64{}, path...), targetID)

			if target := snap.ConceptByID(targetID); target != nil && target.IsStandard() {
				return next, true
			}
			if found, ok := dfs(targetID, depth+1, next); ok {
				return found, true
			}
		}
		return nil, false
	}

	path, ok := dfs(startID, 1, []int64{startID})
	if !ok {
		return 0, nil, false
	}
	return path[len(path)-1], path, true
}
