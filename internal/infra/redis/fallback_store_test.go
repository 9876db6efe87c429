package redis

import (
	"context"
	"testing"
	"time"

	"proctored-assessment-service/internal/domain"
)

func TestFallbackStoreRoundTrip(t *testing.T) {
	_, client := startRedis(t)
	store := NewFallbackStore(client, 0)
	ctx := context.Background()

	if _, ok, err := store.Get(ctx, "attempt-1"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}

	want := domain.SubmissionResult{
		AttemptID:     "attempt-1",
		CertificateID: "LOCAL-1700000000123-abcd1234",
		Breakdown:     domain.ScoreBreakdown{Score: 2, TotalPoints: 4, PercentageScore: 50, Passed: true},
		SubmittedAt:   time.Unix(1_700_000_000, 0).UTC(),
	}
	if err := store.Put(ctx, "attempt-1", want); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, ok, err := store.Get(ctx, "attempt-1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.CertificateID != want.CertificateID || got.IsServerConfirmed || got.Breakdown.PercentageScore != 50 || !got.SubmittedAt.Equal(want.SubmittedAt) {
		t.Fatalf("unexpected result: %+v", got)
	}
}

func TestFallbackStoreAppliesTTL(t *testing.T) {
	mr, client := startRedis(t)
	store := NewFallbackStore(client, time.Hour)

	_ = store.Put(context.Background(), "attempt-1", domain.SubmissionResult{AttemptID: "attempt-1"})
	if ttl := mr.TTL("attempt:attempt-1:fallback"); ttl != time.Hour {
		t.Fatalf("expected 1h ttl, got %v", ttl)
	}
}
