package vocabulary

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dm1-registry-pipeline/internal/domain"
)

// Store provides access to versioned vocabulary snapshots. Loading a new
// version never deletes prior versions; requesting an unknown version
// fails with domain.ErrVersionNotFound.
type Store interface {
	// Snapshot returns the frozen table set for a pinned version
	Snapshot(ctx context.Context, version string) (*Snapshot, error)

	// Versions lists all loaded version identifiers, oldest first
	Versions(ctx context.Context) ([]string, error)

	// LoadVersion registers a new version. Fails with
	// domain.ErrVersionExists if the version is already present.
	LoadVersion(ctx context.Context, snapshot *Snapshot) error
}

// MemoryStore is an in-process Store used by single-site deployments and
// tests. Snapshots are kept as loaded; the map only ever grows.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]*Snapshot
	order     []string
	log       *logrus.Logger
}

// NewMemoryStore creates an empty in-memory vocabulary store
func NewMemoryStore(logger *logrus.Logger) *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[string]*Snapshot),
		log:       logger,
	}
}

// Snapshot returns the frozen table set for a pinned version
func (s *MemoryStore) Snapshot(ctx context.Context, version string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[version]
	if !ok {
		return nil, fmt.Errorf("version %q: %w", version, domain.ErrVersionNotFound)
	}
	return snap, nil
}

// Versions lists all loaded version identifiers, oldest first
func (s *MemoryStore) Versions(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, len(s.order))
	copy(out, s.order)
	return out, nil
}

// LoadVersion registers a new version
func (s *MemoryStore) LoadVersion(ctx context.Context, snapshot *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.snapshots[snapshot.Version()]; ok {
		return fmt.Errorf("version %q: %w", snapshot.Version(), domain.ErrVersionExists)
	}

	s.snapshots[snapshot.Version()] = snapshot
	s.order = append(s.order, snapshot.Version())
	sort.Strings(s.order)

	s.log.WithFields(logrus.Fields{
		"version":  snapshot.Version(),
		"concepts": snapshot.ConceptCount(),
	}).Info("Vocabulary version loaded")

	return nil
}
