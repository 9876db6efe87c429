package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"proctored-assessment-service/internal/domain"

	"github.com/redis/go-redis/v9"
)

// FallbackStore persists locally produced submission results so a restarted
// gateway still answers resubmits with the same certificate.
// Key: attempt:{attemptID}:fallback
type FallbackStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewFallbackStore keeps entries for ttl; zero keeps them forever.
func NewFallbackStore(client *redis.Client, ttl time.Duration) *FallbackStore {
	return &FallbackStore{client: client, ttl: ttl}
}

func (s *FallbackStore) Put(ctx context.Context, attemptID string, result domain.SubmissionResult) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode fallback result: %w", err)
	}
	if err := s.client.Set(ctx, fallbackKey(attemptID), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("store fallback result: %w", err)
	}
	return nil
}

func (s *FallbackStore) Get(ctx context.Context, attemptID string) (domain.SubmissionResult, bool, error) {
	raw, err := s.client.Get(ctx, fallbackKey(attemptID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.SubmissionResult{}, false, nil
	}
	if err != nil {
		return domain.SubmissionResult{}, false, fmt.Errorf("load fallback result: %w", err)
	}
	var result domain.SubmissionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return domain.SubmissionResult{}, false, fmt.Errorf("decode fallback result: %w", err)
	}
	return result, true, nil
}

func fallbackKey(attemptID string) string {
	return "attempt:" + attemptID + ":fallback"
}
