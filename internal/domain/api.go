package domain

import "time"

// StartAttemptRequest is the body of POST /attempts/start.
type StartAttemptRequest struct {
	QuizID string `json:"quizId" validate:"required"`
}

// StartAttemptResponse is returned for both fresh and reused attempts. A
// reused attempt carries the violations already recorded against it.
type StartAttemptResponse struct {
	AttemptID       string        `json:"attemptId"`
	StartTime       time.Time     `json:"startTime"`
	DurationMinutes int           `json:"durationMinutes"`
	TotalQuestions  int           `json:"totalQuestions"`
	Status          AttemptStatus `json:"status"`
	ViolationCount  int           `json:"violationCount"`
}

// AnswerEntry is one answer in the primary submit payload.
type AnswerEntry struct {
	QuestionID     string `json:"questionId" validate:"required"`
	SelectedOption string `json:"selectedOption"`
}

// SubmitMetadata carries the client-side score; the server treats it as advisory.
type SubmitMetadata struct {
	Score           int  `json:"score"`
	TotalPoints     int  `json:"totalPoints"`
	PercentageScore int  `json:"percentageScore"`
	Passed          bool `json:"passed"`
	ViolationCount  int  `json:"violationCount" validate:"gte=0"`
}

// SubmitAttemptRequest is the primary body of POST /attempts/{attemptId}/submit.
type SubmitAttemptRequest struct {
	Answers   []AnswerEntry  `json:"answers" validate:"dive"`
	StartTime time.Time      `json:"startTime"`
	EndTime   time.Time      `json:"endTime"`
	Metadata  SubmitMetadata `json:"metadata"`
}

// ReducedSubmitRequest is the secondary body: answers keyed by question index.
type ReducedSubmitRequest struct {
	Answers        map[int]string `json:"answers"`
	EndTime        time.Time      `json:"endTime"`
	ViolationCount int            `json:"violationCount"`
}

// SubmitAttemptResponse is the reply to a submission.
type SubmitAttemptResponse struct {
	AttemptID       string `json:"attemptId"`
	Score           int    `json:"score"`
	PercentageScore int    `json:"percentageScore"`
	Passed          bool   `json:"passed"`
	CertificateID   string `json:"certificateId,omitempty"`
}

// AbandonAttemptRequest reports a locked session.
type AbandonAttemptRequest struct {
	ViolationCount int `json:"violationCount" validate:"gte=0"`
}

// RecordViolationsRequest reports the running violation count of a live session.
type RecordViolationsRequest struct {
	ViolationCount int `json:"violationCount" validate:"gte=0"`
}
