package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"proctored-assessment-service/internal/domain"
	"proctored-assessment-service/internal/metrics"
	"proctored-assessment-service/internal/scoring"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// QuizRepository loads quiz content (from cache/backing store).
type QuizRepository interface {
	GetQuiz(ctx context.Context, quizID string) (domain.QuizDefinition, error)
}

// AttemptRepository persists attempts. Implementations enforce one attempt per
// (quiz, user): Create returns the existing attempt together with
// domain.ErrAttemptExists. Complete, RecordViolations and Abandon only touch an
// in-progress attempt; for any other status they return the stored record
// unchanged. The stored violation count never decreases.
type AttemptRepository interface {
	Create(ctx context.Context, attempt domain.Attempt) (domain.Attempt, error)
	Get(ctx context.Context, attemptID string) (domain.Attempt, error)
	Complete(ctx context.Context, attempt domain.Attempt) (domain.Attempt, error)
	RecordViolations(ctx context.Context, attemptID string, violations int) (domain.Attempt, error)
	Abandon(ctx context.Context, attemptID string, violations int) (domain.Attempt, error)
}

// AttemptService contains the attempt use cases behind the REST endpoints.
type AttemptService struct {
	attempts AttemptRepository
	quizzes  QuizRepository
	log      *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	newID    func() string
	starts   singleflight.Group
}

func NewAttemptService(attempts AttemptRepository, quizzes QuizRepository, log *slog.Logger, m *metrics.Metrics) *AttemptService {
	return NewAttemptServiceWithClock(attempts, quizzes, log, m, time.Now)
}

// NewAttemptServiceWithClock is test-only for deterministic timestamps.
func NewAttemptServiceWithClock(attempts AttemptRepository, quizzes QuizRepository, log *slog.Logger, m *metrics.Metrics, now func() time.Time) *AttemptService {
	if log == nil {
		log = slog.Default()
	}
	return &AttemptService{
		attempts: attempts,
		quizzes:  quizzes,
		log:      log,
		metrics:  m,
		now:      now,
		newID:    uuid.NewString,
	}
}

// Start creates the user's attempt for a quiz, or returns the existing one.
func (s *AttemptService) Start(ctx context.Context, quizID, userID string) (domain.StartAttemptResponse, error) {
	// Users cannot start unknown quizzes.
	quiz, err := s.quizzes.GetQuiz(ctx, quizID)
	if err != nil {
		return domain.StartAttemptResponse{}, err
	}

	// Collapse concurrent double-starts from the same user before they reach the store.
	v, err, _ := s.starts.Do(quizID+"|"+userID, func() (interface{}, error) {
		created, err := s.attempts.Create(ctx, domain.Attempt{
			ID:        s.newID(),
			QuizID:    quizID,
			UserID:    userID,
			Status:    domain.AttemptInProgress,
			Answers:   map[int]string{},
			StartTime: s.now().UTC(),
		})
		switch {
		case err == nil:
			s.metrics.AttemptStarted(false)
			s.log.Info("attempt created", slog.String("attempt", created.ID), slog.String("quiz", quizID), slog.String("user", userID))
		case errors.Is(err, domain.ErrAttemptExists):
			s.metrics.AttemptStarted(true)
			s.log.Info("attempt reused", slog.String("attempt", created.ID), slog.String("quiz", quizID), slog.String("user", userID))
		default:
			return domain.Attempt{}, fmt.Errorf("create attempt: %w", err)
		}
		return created, nil
	})
	if err != nil {
		return domain.StartAttemptResponse{}, err
	}
	attempt := v.(domain.Attempt)

	return domain.StartAttemptResponse{
		AttemptID:       attempt.ID,
		StartTime:       attempt.StartTime,
		DurationMinutes: quiz.DurationMinutes,
		TotalQuestions:  len(quiz.Questions),
		Status:          attempt.Status,
		ViolationCount:  attempt.ViolationCount,
	}, nil
}

// Get returns an attempt owned by userID.
func (s *AttemptService) Get(ctx context.Context, attemptID, userID string) (domain.Attempt, error) {
	attempt, err := s.attempts.Get(ctx, attemptID)
	if err != nil {
		return domain.Attempt{}, err
	}
	if attempt.UserID != userID {
		return domain.Attempt{}, domain.ErrForbidden
	}
	return attempt, nil
}

// Submit scores and completes an attempt. Client-side score metadata is not
// trusted; the attempt is re-scored here. The reported violation count can
// only raise the stored one. Submitting a completed attempt returns the stored
// result unchanged.
func (s *AttemptService) Submit(ctx context.Context, attemptID, userID string, answers map[int]string, endTime time.Time, violations int) (domain.SubmitAttemptResponse, error) {
	attempt, err := s.Get(ctx, attemptID, userID)
	if err != nil {
		return domain.SubmitAttemptResponse{}, err
	}
	switch attempt.Status {
	case domain.AttemptCompleted:
		return submitResponse(attempt), nil
	case domain.AttemptAbandoned:
		return domain.SubmitAttemptResponse{}, domain.ErrAttemptClosed
	}

	quiz, err := s.quizzes.GetQuiz(ctx, attempt.QuizID)
	if err != nil {
		return domain.SubmitAttemptResponse{}, err
	}

	breakdown := scoring.Score(quiz, answers)
	if endTime.IsZero() || endTime.Before(attempt.StartTime) {
		endTime = s.now().UTC()
	}

	attempt.Answers = answers
	attempt.EndTime = &endTime
	attempt.Status = domain.AttemptCompleted
	attempt.Score = breakdown.Score
	attempt.PercentageScore = breakdown.PercentageScore
	attempt.Passed = breakdown.Passed
	attempt.ViolationCount = max(attempt.ViolationCount, violations)
	if breakdown.EarnsCertificate() {
		attempt.CertificateID = s.newID()
	}

	stored, err := s.attempts.Complete(ctx, attempt)
	if err != nil {
		return domain.SubmitAttemptResponse{}, fmt.Errorf("complete attempt: %w", err)
	}
	s.log.Info("attempt completed",
		slog.String("attempt", stored.ID),
		slog.Int("percentage", stored.PercentageScore),
		slog.Bool("passed", stored.Passed),
		slog.Int("violations", stored.ViolationCount),
		slog.String("certificate", stored.CertificateID))
	return submitResponse(stored), nil
}

// RecordViolations stores the running violation count of a live session so a
// reconnect resumes from it.
func (s *AttemptService) RecordViolations(ctx context.Context, attemptID, userID string, violations int) (domain.Attempt, error) {
	attempt, err := s.Get(ctx, attemptID, userID)
	if err != nil {
		return domain.Attempt{}, err
	}
	if attempt.Status != domain.AttemptInProgress {
		return domain.Attempt{}, domain.ErrAttemptClosed
	}
	stored, err := s.attempts.RecordViolations(ctx, attemptID, violations)
	if err != nil {
		return domain.Attempt{}, fmt.Errorf("record violations: %w", err)
	}
	s.log.Info("violations recorded", slog.String("attempt", attemptID), slog.Int("violations", stored.ViolationCount))
	return stored, nil
}

// Abandon records that a session was locked by integrity violations.
func (s *AttemptService) Abandon(ctx context.Context, attemptID, userID string, violations int) (domain.Attempt, error) {
	if _, err := s.Get(ctx, attemptID, userID); err != nil {
		return domain.Attempt{}, err
	}
	stored, err := s.attempts.Abandon(ctx, attemptID, violations)
	if err != nil {
		return domain.Attempt{}, fmt.Errorf("abandon attempt: %w", err)
	}
	s.log.Warn("attempt abandoned", slog.String("attempt", attemptID), slog.Int("violations", violations))
	return stored, nil
}

// AnswersByQuestionID maps the primary payload's answers onto question indexes.
// Unknown question ids are dropped and reported with domain.ErrInvalidAnswer;
// the caller still scores what remains.
func AnswersByQuestionID(quiz domain.QuizDefinition, entries []domain.AnswerEntry) (map[int]string, error) {
	index := make(map[string]int, len(quiz.Questions))
	for i, q := range quiz.Questions {
		index[q.ID] = i
	}
	answers := make(map[int]string, len(entries))
	var unknown []string
	for _, entry := range entries {
		i, ok := index[entry.QuestionID]
		if !ok {
			unknown = append(unknown, entry.QuestionID)
			continue
		}
		answers[i] = entry.SelectedOption
	}
	if len(unknown) > 0 {
		return answers, fmt.Errorf("unknown question ids %v: %w", unknown, domain.ErrInvalidAnswer)
	}
	return answers, nil
}

// SubmitEntries accepts answers keyed by question id (the primary payload
// shape). Unknown ids are ignored and score as incorrect.
func (s *AttemptService) SubmitEntries(ctx context.Context, attemptID, userID string, entries []domain.AnswerEntry, endTime time.Time, violations int) (domain.SubmitAttemptResponse, error) {
	attempt, err := s.Get(ctx, attemptID, userID)
	if err != nil {
		return domain.SubmitAttemptResponse{}, err
	}
	if attempt.Completed() {
		return submitResponse(attempt), nil
	}
	quiz, err := s.quizzes.GetQuiz(ctx, attempt.QuizID)
	if err != nil {
		return domain.SubmitAttemptResponse{}, err
	}
	answers, err := AnswersByQuestionID(quiz, entries)
	if err != nil {
		s.log.Warn("ignoring answers", slog.String("attempt", attemptID), slog.Any("err", err))
	}
	return s.Submit(ctx, attemptID, userID, answers, endTime, violations)
}

func submitResponse(a domain.Attempt) domain.SubmitAttemptResponse {
	return domain.SubmitAttemptResponse{
		AttemptID:       a.ID,
		Score:           a.Score,
		PercentageScore: a.PercentageScore,
		Passed:          a.Passed,
		CertificateID:   a.CertificateID,
	}
}
