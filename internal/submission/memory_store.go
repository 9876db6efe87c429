package submission

import (
	"context"
	"sync"

	"proctored-assessment-service/internal/domain"
)

// MemoryFallbackStore is an in-process LocalFallbackStore (tests and single-node demos).
type MemoryFallbackStore struct {
	mu      sync.RWMutex
	results map[string]domain.SubmissionResult
}

func NewMemoryFallbackStore() *MemoryFallbackStore {
	return &MemoryFallbackStore{results: make(map[string]domain.SubmissionResult)}
}

func (s *MemoryFallbackStore) Put(_ context.Context, attemptID string, result domain.SubmissionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[attemptID] = result
	return nil
}

func (s *MemoryFallbackStore) Get(_ context.Context, attemptID string) (domain.SubmissionResult, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.results[attemptID]
	return res, ok, nil
}
