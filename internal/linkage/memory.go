package linkage

import (
	"context"
	"sort"
	"sync"

	"github.com/dm1-registry-pipeline/internal/domain"
)

// MemoryPairStore is an in-memory PairStore for tests and single-run
// tooling.
type MemoryPairStore struct {
	mu    sync.RWMutex
	pairs map[string]*domain.CandidatePair
}

// NewMemoryPairStore creates an empty in-memory pair store.
func NewMemoryPairStore() *MemoryPairStore {
	return &MemoryPairStore{pairs: make(map[string]*domain.CandidatePair)}
}

func (s *MemoryPairStore) Save(ctx context.Context, pair *domain.CandidatePair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *pair
	s.pairs[pair.ID] = &stored
	return nil
}

func (s *MemoryPairStore) Get(ctx context.Context, pairID string) (*domain.CandidatePair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pair, ok := s.pairs[pairID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *pair
	return &copied, nil
}

func (s *MemoryPairStore) GetByRecords(ctx context.Context, recordA, recordB string) (*domain.CandidatePair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, pair := range s.pairs {
		if (pair.RecordA == recordA && pair.RecordB == recordB) ||
			(pair.RecordA == recordB && pair.RecordB == recordA) {
			copied := *pair
			return &copied, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *MemoryPairStore) Update(ctx context.Context, pair *domain.CandidatePair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pairs[pair.ID]; !ok {
		return domain.ErrNotFound
	}
	stored := *pair
	s.pairs[pair.ID] = &stored
	return nil
}

func (s *MemoryPairStore) ListByState(ctx context.Context, state domain.PairState, limit, offset int) ([]*domain.CandidatePair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*domain.CandidatePair
	for _, pair := range s.pairs {
		if state == "" || pair.State == state {
			copied := *pair
			matched = append(matched, &copied)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })

	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}
