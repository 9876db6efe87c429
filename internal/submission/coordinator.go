// Package submission turns a scored attempt into exactly one durable result.
package submission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"proctored-assessment-service/internal/domain"
	"proctored-assessment-service/internal/metrics"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultPrimaryTimeout   = 10 * time.Second
	DefaultSecondaryTimeout = 4 * time.Second
)

// AttemptAPI is the attempt backend as seen from a session.
type AttemptAPI interface {
	StartAttempt(ctx context.Context, req domain.StartAttemptRequest) (domain.StartAttemptResponse, error)
	SubmitAttempt(ctx context.Context, attemptID string, payload any) (domain.SubmitAttemptResponse, error)
	RecordViolations(ctx context.Context, attemptID string, req domain.RecordViolationsRequest) error
	AbandonAttempt(ctx context.Context, attemptID string, req domain.AbandonAttemptRequest) error
}

// LocalFallbackStore keeps results that could not reach the backend.
type LocalFallbackStore interface {
	Put(ctx context.Context, attemptID string, result domain.SubmissionResult) error
	Get(ctx context.Context, attemptID string) (domain.SubmissionResult, bool, error)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithTimeouts(primary, secondary time.Duration) Option {
	return func(c *Coordinator) {
		if primary > 0 {
			c.primaryTimeout = primary
		}
		if secondary > 0 {
			c.secondaryTimeout = secondary
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithClock is test-only for deterministic timestamps and certificate ids.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// Coordinator runs the primary, secondary, local-fallback ladder.
type Coordinator struct {
	api              AttemptAPI
	fallback         LocalFallbackStore
	log              *slog.Logger
	metrics          *metrics.Metrics
	primaryTimeout   time.Duration
	secondaryTimeout time.Duration
	now              func() time.Time

	submits singleflight.Group

	mu      sync.Mutex
	results map[string]domain.SubmissionResult
}

func NewCoordinator(api AttemptAPI, fallback LocalFallbackStore, opts ...Option) *Coordinator {
	c := &Coordinator{
		api:              api,
		fallback:         fallback,
		log:              slog.Default(),
		primaryTimeout:   DefaultPrimaryTimeout,
		secondaryTimeout: DefaultSecondaryTimeout,
		now:              time.Now,
		results:          make(map[string]domain.SubmissionResult),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start requests an attempt for the quiz. A uniqueness conflict is a recovery
// path: the existing attempt is reused.
func (c *Coordinator) Start(ctx context.Context, quizID string) (domain.StartAttemptResponse, error) {
	resp, err := c.api.StartAttempt(ctx, domain.StartAttemptRequest{QuizID: quizID})
	if err != nil {
		if errors.Is(err, domain.ErrAttemptExists) && resp.AttemptID != "" {
			c.log.Info("reusing existing attempt", slog.String("attempt", resp.AttemptID), slog.String("quiz", quizID))
			return resp, nil
		}
		return domain.StartAttemptResponse{}, fmt.Errorf("start attempt: %w", err)
	}
	return resp, nil
}

// RecordViolations reports the running violation count so a reconnect resumes
// from it. Best-effort.
func (c *Coordinator) RecordViolations(ctx context.Context, attemptID string, violations int) {
	ctx, cancel := context.WithTimeout(ctx, c.secondaryTimeout)
	defer cancel()
	if err := c.api.RecordViolations(ctx, attemptID, domain.RecordViolationsRequest{ViolationCount: violations}); err != nil {
		c.log.Warn("record violations failed", slog.String("attempt", attemptID), slog.Int("violations", violations), slog.Any("err", err))
	}
}

// Abandon reports a locked session to the backend. Best-effort.
func (c *Coordinator) Abandon(ctx context.Context, attemptID string, violations int) {
	ctx, cancel := context.WithTimeout(ctx, c.secondaryTimeout)
	defer cancel()
	if err := c.api.AbandonAttempt(ctx, attemptID, domain.AbandonAttemptRequest{ViolationCount: violations}); err != nil {
		c.log.Warn("abandon attempt failed", slog.String("attempt", attemptID), slog.Any("err", err))
	}
}

// Submit records the attempt's result exactly once. Network failures are
// absorbed: the worst case is a local, unconfirmed result.
func (c *Coordinator) Submit(ctx context.Context, attempt domain.Attempt, breakdown domain.ScoreBreakdown) (domain.SubmissionResult, error) {
	if attempt.ID == "" {
		return domain.SubmissionResult{}, fmt.Errorf("submit: %w", domain.ErrAttemptNotFound)
	}

	v, err, _ := c.submits.Do(attempt.ID, func() (interface{}, error) {
		if prev, ok := c.previous(ctx, attempt); ok {
			c.metrics.Submitted(metrics.PathDuplicate)
			return prev, nil
		}
		result := c.submit(ctx, attempt, breakdown)
		c.mu.Lock()
		c.results[attempt.ID] = result
		c.mu.Unlock()
		return result, nil
	})
	if err != nil {
		return domain.SubmissionResult{}, err
	}
	return v.(domain.SubmissionResult), nil
}

// previous returns an already-recorded result for the attempt, if any.
func (c *Coordinator) previous(ctx context.Context, attempt domain.Attempt) (domain.SubmissionResult, bool) {
	c.mu.Lock()
	prev, ok := c.results[attempt.ID]
	c.mu.Unlock()
	if ok {
		return prev, true
	}

	if c.fallback != nil {
		stored, found, err := c.fallback.Get(ctx, attempt.ID)
		if err != nil {
			c.log.Warn("fallback lookup failed", slog.String("attempt", attempt.ID), slog.Any("err", err))
		} else if found {
			c.remember(stored)
			return stored, true
		}
	}

	if attempt.Completed() {
		res := domain.SubmissionResult{
			AttemptID:         attempt.ID,
			CertificateID:     attempt.CertificateID,
			IsServerConfirmed: true,
			Breakdown: domain.ScoreBreakdown{
				Score:           attempt.Score,
				PercentageScore: attempt.PercentageScore,
				Passed:          attempt.Passed,
			},
		}
		if attempt.EndTime != nil {
			res.SubmittedAt = *attempt.EndTime
		}
		c.remember(res)
		return res, true
	}
	return domain.SubmissionResult{}, false
}

func (c *Coordinator) remember(res domain.SubmissionResult) {
	c.mu.Lock()
	c.results[res.AttemptID] = res
	c.mu.Unlock()
}

func (c *Coordinator) submit(ctx context.Context, attempt domain.Attempt, breakdown domain.ScoreBreakdown) domain.SubmissionResult {
	log := c.log.With(slog.String("attempt", attempt.ID))
	end := c.now()
	if attempt.EndTime != nil {
		end = *attempt.EndTime
	}

	resp, err := c.send(ctx, c.primaryTimeout, attempt.ID, primaryPayload(attempt, breakdown, end))
	if err == nil {
		c.metrics.Submitted(metrics.PathPrimary)
		return c.confirmed(attempt.ID, breakdown, resp, end)
	}
	log.Warn("primary submit failed, retrying with reduced payload", slog.Any("err", err))

	resp, err = c.send(ctx, c.secondaryTimeout, attempt.ID, reducedPayload(attempt, end))
	if err == nil {
		c.metrics.Submitted(metrics.PathSecondary)
		return c.confirmed(attempt.ID, breakdown, resp, end)
	}
	log.Warn("secondary submit failed, storing result locally", slog.Any("err", err))

	result := domain.SubmissionResult{
		AttemptID:         attempt.ID,
		IsServerConfirmed: false,
		Breakdown:         breakdown,
		SubmittedAt:       end,
	}
	if breakdown.EarnsCertificate() {
		result.CertificateID = LocalCertificateID(c.now())
	}
	// The caller may already be gone; the fallback write must still land.
	if c.fallback == nil {
		log.Error("no fallback store configured, result kept in memory only")
	} else if err := c.fallback.Put(context.WithoutCancel(ctx), attempt.ID, result); err != nil {
		log.Error("persist fallback result", slog.Any("err", err))
	}
	c.metrics.Submitted(metrics.PathFallback)
	return result
}

func (c *Coordinator) send(ctx context.Context, timeout time.Duration, attemptID string, payload any) (domain.SubmitAttemptResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.api.SubmitAttempt(ctx, attemptID, payload)
}

func (c *Coordinator) confirmed(attemptID string, breakdown domain.ScoreBreakdown, resp domain.SubmitAttemptResponse, end time.Time) domain.SubmissionResult {
	result := domain.SubmissionResult{
		AttemptID:         attemptID,
		IsServerConfirmed: true,
		Breakdown:         breakdown,
		SubmittedAt:       end,
	}
	if breakdown.EarnsCertificate() {
		result.CertificateID = resp.CertificateID
	}
	return result
}

// LocalCertificateID composes an offline certificate id from time and a random suffix.
func LocalCertificateID(now time.Time) string {
	return fmt.Sprintf("LOCAL-%d-%s", now.UnixMilli(), uuid.NewString()[:8])
}
