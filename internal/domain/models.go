package domain

import (
	"fmt"
	"time"
)

// QuestionType enumerates the supported question kinds.
type QuestionType string

const (
	QuestionMultipleChoice QuestionType = "multiple-choice"
	QuestionTrueFalse      QuestionType = "true-false"
)

// Option represents a possible answer for a question.
type Option struct {
	Text      string `json:"text"`
	IsCorrect bool   `json:"isCorrect"`
}

// Question models a single-answer question.
type Question struct {
	ID      string       `json:"id"`
	Type    QuestionType `json:"type"`
	Text    string       `json:"text"`
	Options []Option     `json:"options"`
	Points  int          `json:"points"`
}

// CorrectOption returns the text of the option flagged correct.
func (q Question) CorrectOption() (string, bool) {
	for _, opt := range q.Options {
		if opt.IsCorrect {
			return opt.Text, true
		}
	}
	return "", false
}

// QuizDefinition is read-only course content consumed by an assessment session.
type QuizDefinition struct {
	ID                  string     `json:"id"`
	Title               string     `json:"title"`
	DurationMinutes     int        `json:"durationMinutes"`
	PassingScorePercent int        `json:"passingScorePercent"`
	TotalPoints         int        `json:"totalPoints"`
	CertificateEligible bool       `json:"certificateEligible"`
	Questions           []Question `json:"questions"`
}

// Validate checks the structural invariants of the quiz content.
func (q QuizDefinition) Validate() error {
	for i, question := range q.Questions {
		switch question.Type {
		case QuestionMultipleChoice, QuestionTrueFalse:
		default:
			return fmt.Errorf("question %d: unsupported type %q: %w", i, question.Type, ErrInvalidQuiz)
		}
		if len(question.Options) == 0 {
			return fmt.Errorf("question %d: no options: %w", i, ErrInvalidQuiz)
		}
		correct := 0
		for _, opt := range question.Options {
			if opt.IsCorrect {
				correct++
			}
		}
		if correct != 1 {
			return fmt.Errorf("question %d: %d correct options: %w", i, correct, ErrInvalidQuiz)
		}
	}
	return nil
}

// DurationSeconds is the time budget of one session.
func (q QuizDefinition) DurationSeconds() int {
	return q.DurationMinutes * 60
}

// AttemptStatus is the lifecycle status of an Attempt.
type AttemptStatus string

const (
	AttemptInProgress AttemptStatus = "in-progress"
	AttemptCompleted  AttemptStatus = "completed"
	AttemptAbandoned  AttemptStatus = "abandoned"
)

// Attempt is one user's single scored pass at one quiz.
type Attempt struct {
	ID              string         `json:"id"`
	QuizID          string         `json:"quizId"`
	UserID          string         `json:"userId"`
	Status          AttemptStatus  `json:"status"`
	Answers         map[int]string `json:"answers"`
	StartTime       time.Time      `json:"startTime"`
	EndTime         *time.Time     `json:"endTime,omitempty"`
	Score           int            `json:"score"`
	PercentageScore int            `json:"percentageScore"`
	Passed          bool           `json:"passed"`
	ViolationCount  int            `json:"violationCount"`
	CertificateID   string         `json:"certificateId,omitempty"`
}

// Completed reports whether the attempt reached its terminal, immutable status.
func (a Attempt) Completed() bool {
	return a.Status == AttemptCompleted
}

// Clone returns a deep copy so callers never alias the stored record.
func (a Attempt) Clone() Attempt {
	out := a
	out.Answers = make(map[int]string, len(a.Answers))
	for k, v := range a.Answers {
		out.Answers[k] = v
	}
	if a.EndTime != nil {
		end := *a.EndTime
		out.EndTime = &end
	}
	return out
}

// QuestionResult is the per-question outcome shown on the result screen.
type QuestionResult struct {
	QuestionID      string `json:"questionId"`
	Text            string `json:"text"`
	SubmittedAnswer string `json:"submittedAnswer"`
	CorrectAnswer   string `json:"correctAnswer"`
	Correct         bool   `json:"correct"`
}

// ScoreBreakdown is the output of scoring one attempt.
type ScoreBreakdown struct {
	Score               int              `json:"score"`
	TotalPoints         int              `json:"totalPoints"`
	PercentageScore     int              `json:"percentageScore"`
	Passed              bool             `json:"passed"`
	CertificateEligible bool             `json:"certificateEligible"`
	Questions           []QuestionResult `json:"questions"`
}

// EarnsCertificate reports whether any path may produce a certificate id.
func (b ScoreBreakdown) EarnsCertificate() bool {
	return b.Passed && b.CertificateEligible
}

// SubmissionResult is what a finished session hands back to the caller.
type SubmissionResult struct {
	AttemptID         string         `json:"attemptId"`
	CertificateID     string         `json:"certificateId,omitempty"`
	IsServerConfirmed bool           `json:"isServerConfirmed"`
	Breakdown         ScoreBreakdown `json:"breakdown"`
	SubmittedAt       time.Time      `json:"submittedAt"`
}
