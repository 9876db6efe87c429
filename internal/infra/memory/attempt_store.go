package memory

import (
	"context"
	"sync"

	"proctored-assessment-service/internal/domain"
)

// AttemptStore is an in-memory implementation of app.AttemptRepository.
type AttemptStore struct {
	mu       sync.RWMutex
	attempts map[string]domain.Attempt
	byOwner  map[string]string
}

func NewAttemptStore() *AttemptStore {
	return &AttemptStore{
		attempts: make(map[string]domain.Attempt),
		byOwner:  make(map[string]string),
	}
}

func ownerKey(quizID, userID string) string {
	return quizID + "|" + userID
}

func (s *AttemptStore) Create(_ context.Context, attempt domain.Attempt) (domain.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ownerKey(attempt.QuizID, attempt.UserID)
	if id, ok := s.byOwner[key]; ok {
		return s.attempts[id].Clone(), domain.ErrAttemptExists
	}
	s.attempts[attempt.ID] = attempt.Clone()
	s.byOwner[key] = attempt.ID
	return attempt.Clone(), nil
}

func (s *AttemptStore) Get(_ context.Context, attemptID string) (domain.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	attempt, ok := s.attempts[attemptID]
	if !ok {
		return domain.Attempt{}, domain.ErrAttemptNotFound
	}
	return attempt.Clone(), nil
}

func (s *AttemptStore) Complete(_ context.Context, attempt domain.Attempt) (domain.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.attempts[attempt.ID]
	if !ok {
		return domain.Attempt{}, domain.ErrAttemptNotFound
	}
	if stored.Status != domain.AttemptInProgress {
		return stored.Clone(), nil
	}
	attempt.QuizID = stored.QuizID
	attempt.UserID = stored.UserID
	attempt.StartTime = stored.StartTime
	attempt.Status = domain.AttemptCompleted
	attempt.ViolationCount = max(attempt.ViolationCount, stored.ViolationCount)
	s.attempts[attempt.ID] = attempt.Clone()
	return attempt.Clone(), nil
}

// RecordViolations raises the violation count of an in-progress attempt. The
// count never goes down.
func (s *AttemptStore) RecordViolations(_ context.Context, attemptID string, violations int) (domain.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.attempts[attemptID]
	if !ok {
		return domain.Attempt{}, domain.ErrAttemptNotFound
	}
	if stored.Status == domain.AttemptInProgress && violations > stored.ViolationCount {
		stored.ViolationCount = violations
		s.attempts[attemptID] = stored
	}
	return stored.Clone(), nil
}

func (s *AttemptStore) Abandon(_ context.Context, attemptID string, violations int) (domain.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.attempts[attemptID]
	if !ok {
		return domain.Attempt{}, domain.ErrAttemptNotFound
	}
	if stored.Status != domain.AttemptInProgress {
		return stored.Clone(), nil
	}
	stored.Status = domain.AttemptAbandoned
	stored.ViolationCount = max(violations, stored.ViolationCount)
	stored.Answers = map[int]string{}
	s.attempts[attemptID] = stored
	return stored.Clone(), nil
}
