package domain

import "errors"

var (
	// ErrQuizNotFound indicates the quiz content could not be loaded.
	ErrQuizNotFound = errors.New("quiz not found")
	// ErrAttemptNotFound is returned when an attempt id cannot be resolved.
	ErrAttemptNotFound = errors.New("attempt not found")
	// ErrAttemptExists signals the (quiz, user) uniqueness constraint; the existing attempt accompanies it.
	ErrAttemptExists = errors.New("attempt already exists for quiz and user")
	// ErrAttemptClosed is returned when starting a session for a finished attempt.
	ErrAttemptClosed = errors.New("attempt already finished")
	// ErrInvalidQuiz marks quiz content that breaks the one-correct-option rule.
	ErrInvalidQuiz = errors.New("invalid quiz definition")
	// ErrInvalidAnswer marks malformed answer data; scoring treats it as incorrect.
	ErrInvalidAnswer = errors.New("invalid answer")
	// ErrUnauthorized is returned for a missing or invalid bearer token.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden is returned when a user touches somebody else's attempt.
	ErrForbidden = errors.New("forbidden")
	// ErrSessionLocked is returned for operations on a session locked by violations.
	ErrSessionLocked = errors.New("session locked after repeated integrity violations")
	// ErrSessionNotActive is returned when a session is not accepting input.
	ErrSessionNotActive = errors.New("session not in progress")
	// ErrSessionBusy is returned when another live session already holds the attempt.
	ErrSessionBusy = errors.New("attempt already open in another session")
)
