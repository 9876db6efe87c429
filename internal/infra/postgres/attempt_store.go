package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"proctored-assessment-service/internal/domain"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

const uniqueViolation = "23505"

const selectAttempt = `
SELECT a.id, a.quiz_id, a.user_id, a.status, a.answers, a.start_time, a.end_time,
       a.score, a.percentage_score, a.passed, a.violation_count, COALESCE(c.id, '')
FROM attempts a
LEFT JOIN certificates c ON c.attempt_id = a.id
`

// AttemptStore persists attempts and their certificates.
type AttemptStore struct {
	pool *pgxpool.Pool
}

func NewAttemptStore(pool *pgxpool.Pool) *AttemptStore {
	return &AttemptStore{pool: pool}
}

func (s *AttemptStore) Create(ctx context.Context, attempt domain.Attempt) (domain.Attempt, error) {
	answers, err := json.Marshal(nonNil(attempt.Answers))
	if err != nil {
		return domain.Attempt{}, fmt.Errorf("marshal answers: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO attempts (id, quiz_id, user_id, status, answers, start_time)
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6)`,
		attempt.ID, attempt.QuizID, attempt.UserID, string(attempt.Status), string(answers), attempt.StartTime)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		existing, getErr := scanAttempt(s.pool.QueryRow(ctx, selectAttempt+`WHERE a.quiz_id=$1 AND a.user_id=$2`, attempt.QuizID, attempt.UserID))
		if getErr != nil {
			return domain.Attempt{}, fmt.Errorf("load existing attempt: %w", getErr)
		}
		return existing, domain.ErrAttemptExists
	}
	if err != nil {
		return domain.Attempt{}, fmt.Errorf("insert attempt: %w", err)
	}
	return attempt.Clone(), nil
}

func (s *AttemptStore) Get(ctx context.Context, attemptID string) (domain.Attempt, error) {
	return scanAttempt(s.pool.QueryRow(ctx, selectAttempt+`WHERE a.id=$1`, attemptID))
}

// Complete writes the scored attempt and its certificate in one transaction.
// Only an in-progress row is updated.
func (s *AttemptStore) Complete(ctx context.Context, attempt domain.Attempt) (domain.Attempt, error) {
	answers, err := json.Marshal(nonNil(attempt.Answers))
	if err != nil {
		return domain.Attempt{}, fmt.Errorf("marshal answers: %w", err)
	}

	err = s.pool.BeginFunc(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE attempts
			 SET status=$2, answers=$3::jsonb, end_time=$4, score=$5, percentage_score=$6, passed=$7,
			     violation_count=GREATEST(violation_count, $9)
			 WHERE id=$1 AND status=$8`,
			attempt.ID, string(domain.AttemptCompleted), string(answers), attempt.EndTime,
			attempt.Score, attempt.PercentageScore, attempt.Passed, string(domain.AttemptInProgress),
			attempt.ViolationCount)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 || attempt.CertificateID == "" {
			return nil
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO certificates (id, attempt_id, quiz_id, user_id, issued_at)
			 SELECT $1::text, id, quiz_id, user_id, $3::timestamptz FROM attempts WHERE id=$2`,
			attempt.CertificateID, attempt.ID, issuedAt(attempt))
		return err
	})
	if err != nil {
		return domain.Attempt{}, fmt.Errorf("complete attempt: %w", err)
	}
	return s.Get(ctx, attempt.ID)
}

// RecordViolations raises the violation count of an in-progress attempt. The
// count never goes down.
func (s *AttemptStore) RecordViolations(ctx context.Context, attemptID string, violations int) (domain.Attempt, error) {
	_, err := s.pool.Exec(ctx,
		`UPDATE attempts SET violation_count=GREATEST(violation_count, $2)
		 WHERE id=$1 AND status=$3`,
		attemptID, violations, string(domain.AttemptInProgress))
	if err != nil {
		return domain.Attempt{}, fmt.Errorf("record violations: %w", err)
	}
	return s.Get(ctx, attemptID)
}

func (s *AttemptStore) Abandon(ctx context.Context, attemptID string, violations int) (domain.Attempt, error) {
	_, err := s.pool.Exec(ctx,
		`UPDATE attempts SET status=$2, violation_count=GREATEST(violation_count, $3), answers='{}'::jsonb
		 WHERE id=$1 AND status=$4`,
		attemptID, string(domain.AttemptAbandoned), violations, string(domain.AttemptInProgress))
	if err != nil {
		return domain.Attempt{}, fmt.Errorf("abandon attempt: %w", err)
	}
	return s.Get(ctx, attemptID)
}

func scanAttempt(row pgx.Row) (domain.Attempt, error) {
	var (
		a       domain.Attempt
		status  string
		answers []byte
		end     *time.Time
	)
	err := row.Scan(&a.ID, &a.QuizID, &a.UserID, &status, &answers, &a.StartTime, &end,
		&a.Score, &a.PercentageScore, &a.Passed, &a.ViolationCount, &a.CertificateID)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Attempt{}, domain.ErrAttemptNotFound
	}
	if err != nil {
		return domain.Attempt{}, fmt.Errorf("scan attempt: %w", err)
	}
	a.Status = domain.AttemptStatus(status)
	a.EndTime = end
	a.Answers = map[int]string{}
	if len(answers) > 0 {
		if err := json.Unmarshal(answers, &a.Answers); err != nil {
			return domain.Attempt{}, fmt.Errorf("unmarshal answers: %w", err)
		}
	}
	return a, nil
}

func nonNil(m map[int]string) map[int]string {
	if m == nil {
		return map[int]string{}
	}
	return m
}

func issuedAt(a domain.Attempt) time.Time {
	if a.EndTime != nil {
		return *a.EndTime
	}
	return time.Now().UTC()
}
