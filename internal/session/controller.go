// Package session runs one proctored assessment session as an explicit state
// machine over the countdown, the integrity monitor and the submission ladder.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"proctored-assessment-service/internal/domain"
	"proctored-assessment-service/internal/integrity"
	"proctored-assessment-service/internal/metrics"
	"proctored-assessment-service/internal/scoring"
)

// DefaultLockThreshold is the violation count that locks a session.
const DefaultLockThreshold = 3

// State is the lifecycle state of a session.
type State string

const (
	StateNotStarted State = "not-started"
	StateInProgress State = "in-progress"
	StateLocked     State = "locked"
	StateSubmitting State = "submitting"
	StateCompleted  State = "completed"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateLocked || s == StateCompleted
}

// QuizSource fetches quiz definitions.
type QuizSource interface {
	GetQuiz(ctx context.Context, quizID string) (domain.QuizDefinition, error)
}

// Submitter is the start/submit side of the attempt backend
// (*submission.Coordinator in production).
type Submitter interface {
	Start(ctx context.Context, quizID string) (domain.StartAttemptResponse, error)
	Submit(ctx context.Context, attempt domain.Attempt, breakdown domain.ScoreBreakdown) (domain.SubmissionResult, error)
	RecordViolations(ctx context.Context, attemptID string, violations int)
	Abandon(ctx context.Context, attemptID string, violations int)
}

// Countdown drives the time budget (*clock.Countdown in production).
type Countdown interface {
	OnTick(fn func(remaining int))
	OnExpire(fn func())
	Start(totalSeconds int)
	Cancel()
}

// Monitor raises integrity violations (*integrity.Monitor in production).
type Monitor interface {
	Start(onViolation func(integrity.Violation)) error
	Stop()
}

// Snapshot is what the passive renderer displays.
type Snapshot struct {
	State            State                    `json:"state"`
	QuizID           string                   `json:"quizId"`
	AttemptID        string                   `json:"attemptId,omitempty"`
	ViolationCount   int                      `json:"violationCount"`
	Warning          string                   `json:"warning,omitempty"`
	RemainingSeconds int                      `json:"remainingSeconds"`
	Answered         int                      `json:"answered"`
	TotalQuestions   int                      `json:"totalQuestions"`
	Result           *domain.SubmissionResult `json:"result,omitempty"`
}

// Option configures a Controller.
type Option func(*Controller)

func WithLockThreshold(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.lockThreshold = n
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(c *Controller) { c.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithClock is test-only for deterministic end times.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// Controller owns the in-memory attempt draft of one session. Every event is
// applied under mu, so the violation counter's increment-then-check and the
// Submitting guard are each a single critical section.
type Controller struct {
	quizID        string
	userID        string
	quizzes       QuizSource
	submitter     Submitter
	countdown     Countdown
	monitor       Monitor
	log           *slog.Logger
	metrics       *metrics.Metrics
	lockThreshold int
	now           func() time.Time

	mu          sync.Mutex
	state       State
	starting    bool
	closed      bool
	quiz        domain.QuizDefinition
	draft       domain.Attempt
	violations  int
	warning     string
	remaining   int
	result      *domain.SubmissionResult
	submitted   chan struct{}
	subscribers map[chan Snapshot]struct{}
}

func NewController(quizID, userID string, quizzes QuizSource, submitter Submitter, countdown Countdown, monitor Monitor, opts ...Option) *Controller {
	c := &Controller{
		quizID:        quizID,
		userID:        userID,
		quizzes:       quizzes,
		submitter:     submitter,
		countdown:     countdown,
		monitor:       monitor,
		log:           slog.Default(),
		lockThreshold: DefaultLockThreshold,
		now:           time.Now,
		state:         StateNotStarted,
		subscribers:   make(map[chan Snapshot]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With(slog.String("quiz", quizID), slog.String("user", userID))
	return c
}

// Start opens the session: it obtains (or reuses) the attempt, then starts the
// countdown and the integrity monitor. A reused attempt keeps the violations
// already recorded against it; one that has used up its allowance is locked
// straight away and Start returns domain.ErrSessionLocked.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateNotStarted || c.starting || c.closed {
		c.mu.Unlock()
		return domain.ErrSessionNotActive
	}
	c.starting = true
	c.mu.Unlock()

	quiz, attempt, err := c.open(ctx)

	c.mu.Lock()
	c.starting = false
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if c.closed {
		c.mu.Unlock()
		return domain.ErrSessionNotActive
	}

	c.quiz = quiz
	c.draft = attempt
	c.violations = attempt.ViolationCount
	c.warning = ""
	c.remaining = quiz.DurationSeconds()

	if c.violations >= c.lockThreshold {
		count := c.violations
		c.state = StateLocked
		c.warning = fmt.Sprintf("Test locked: %d integrity violations were detected.", count)
		c.discardDraftLocked(count)
		c.metrics.Locked()
		c.log.Warn("resumed attempt is over the violation limit", slog.String("attempt", attempt.ID), slog.Int("violations", count))
		c.broadcastLocked()
		c.mu.Unlock()

		c.submitter.Abandon(context.Background(), attempt.ID, count)
		return domain.ErrSessionLocked
	}
	if c.violations > 0 {
		c.warning = fmt.Sprintf("Warning %d of %d carried over. The test locks after %d violations.", c.violations, c.lockThreshold-1, c.lockThreshold)
	}

	c.countdown.OnTick(c.tick)
	c.countdown.OnExpire(c.expire)
	if err := c.monitor.Start(c.violation); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("start integrity monitor: %w", err)
	}
	c.countdown.Start(c.remaining)
	c.state = StateInProgress
	c.metrics.SessionOpened()
	c.log.Info("session started", slog.String("attempt", attempt.ID), slog.Int("seconds", c.remaining), slog.Int("violations", c.violations))
	c.broadcastLocked()
	c.mu.Unlock()
	return nil
}

func (c *Controller) open(ctx context.Context) (domain.QuizDefinition, domain.Attempt, error) {
	quiz, err := c.quizzes.GetQuiz(ctx, c.quizID)
	if err != nil {
		return domain.QuizDefinition{}, domain.Attempt{}, fmt.Errorf("load quiz: %w", err)
	}
	started, err := c.submitter.Start(ctx, c.quizID)
	if err != nil {
		return domain.QuizDefinition{}, domain.Attempt{}, err
	}
	if started.Status != domain.AttemptInProgress {
		return domain.QuizDefinition{}, domain.Attempt{}, fmt.Errorf("attempt %s is %s: %w", started.AttemptID, started.Status, domain.ErrAttemptClosed)
	}
	// The draft is derived from the stored attempt, never aliased to it.
	return quiz, domain.Attempt{
		ID:             started.AttemptID,
		QuizID:         c.quizID,
		UserID:         c.userID,
		Status:         domain.AttemptInProgress,
		Answers:        make(map[int]string),
		StartTime:      started.StartTime,
		ViolationCount: started.ViolationCount,
	}, nil
}

// RecordAnswer stores the selected option text for a question, replacing any
// previous answer. Correctness is not checked here.
func (c *Controller) RecordAnswer(questionIndex int, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.acceptingLocked(); err != nil {
		return err
	}
	if questionIndex < 0 || questionIndex >= len(c.quiz.Questions) {
		return fmt.Errorf("question index %d out of range: %w", questionIndex, domain.ErrInvalidAnswer)
	}
	c.draft.Answers[questionIndex] = value
	c.broadcastLocked()
	return nil
}

// Submit is the manual submit trigger. It shares one guarded entry point with
// clock expiry; a trigger that loses the race waits for and returns the same result.
func (c *Controller) Submit(ctx context.Context) (domain.SubmissionResult, error) {
	return c.submit(ctx, "manual")
}

// Snapshot returns the externally observable state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Subscribe streams snapshots, starting with the current one. Slow readers
// only ever miss stale snapshots. The caller must invoke cancel.
func (c *Controller) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 8)

	c.mu.Lock()
	c.subscribers[ch] = struct{}{}
	ch <- c.snapshotLocked()
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		if _, ok := c.subscribers[ch]; ok {
			delete(c.subscribers, ch)
			close(ch)
		}
		c.mu.Unlock()
	}
	return ch, cancel
}

// Close releases the countdown and monitor when the host goes away (the page
// is closed). The attempt itself is left as stored.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	// Submitting and terminal states settle the gauge themselves.
	active := c.state == StateInProgress
	if active {
		c.metrics.SessionClosed()
	}
	for ch := range c.subscribers {
		delete(c.subscribers, ch)
		close(ch)
	}
	c.mu.Unlock()

	if active {
		c.stopSignals()
	}
}

func (c *Controller) acceptingLocked() error {
	switch {
	case c.state == StateLocked:
		return domain.ErrSessionLocked
	case c.state != StateInProgress || c.closed:
		return domain.ErrSessionNotActive
	}
	return nil
}

func (c *Controller) tick(remaining int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.acceptingLocked() != nil {
		return
	}
	c.remaining = remaining
	c.broadcastLocked()
}

func (c *Controller) expire() {
	if _, err := c.submit(context.Background(), "expired"); err != nil {
		c.log.Debug("expiry did not submit", slog.Any("err", err))
	}
}

func (c *Controller) violation(v integrity.Violation) {
	c.mu.Lock()
	if c.acceptingLocked() != nil {
		c.mu.Unlock()
		return
	}
	c.violations++
	count := c.violations
	c.metrics.Violation(string(v.Kind))

	attemptID := c.draft.ID

	if count < c.lockThreshold {
		c.draft.ViolationCount = count
		c.warning = fmt.Sprintf("Warning %d of %d: %s. The test locks after %d violations.", count, c.lockThreshold-1, v.Message, c.lockThreshold)
		c.log.Warn("integrity violation", slog.String("kind", string(v.Kind)), slog.Int("count", count))
		c.broadcastLocked()
		c.mu.Unlock()

		// The stored count is what a reconnect resumes from.
		c.submitter.RecordViolations(context.Background(), attemptID, count)
		return
	}

	c.state = StateLocked
	c.warning = fmt.Sprintf("Test locked: %s. %d integrity violations were detected.", v.Message, count)
	c.discardDraftLocked(count)
	c.metrics.Locked()
	c.metrics.SessionClosed()
	c.log.Warn("session locked", slog.String("attempt", attemptID), slog.Int("violations", count))
	c.broadcastLocked()
	c.mu.Unlock()

	c.stopSignals()

	c.submitter.Abandon(context.Background(), attemptID, count)
}

func (c *Controller) submit(ctx context.Context, trigger string) (domain.SubmissionResult, error) {
	c.mu.Lock()
	switch {
	case c.state == StateCompleted:
		res := *c.result
		c.mu.Unlock()
		return res, nil
	case c.state == StateSubmitting:
		done := c.submitted
		c.mu.Unlock()
		select {
		case <-done:
			c.mu.Lock()
			res := *c.result
			c.mu.Unlock()
			return res, nil
		case <-ctx.Done():
			return domain.SubmissionResult{}, ctx.Err()
		}
	}
	if err := c.acceptingLocked(); err != nil {
		c.mu.Unlock()
		return domain.SubmissionResult{}, err
	}

	c.state = StateSubmitting
	c.submitted = make(chan struct{})
	end := c.now()
	c.draft.EndTime = &end
	c.draft.ViolationCount = c.violations
	attempt := c.draft.Clone()
	quiz := c.quiz
	c.log.Info("submitting attempt", slog.String("attempt", attempt.ID), slog.String("trigger", trigger))
	c.broadcastLocked()
	c.mu.Unlock()

	c.stopSignals()
	breakdown := scoring.Score(quiz, attempt.Answers)
	res, err := c.submitter.Submit(ctx, attempt, breakdown)
	if err != nil {
		// The user must still reach a result screen.
		c.log.Error("submission failed", slog.String("attempt", attempt.ID), slog.Any("err", err))
		res = domain.SubmissionResult{AttemptID: attempt.ID, Breakdown: breakdown, SubmittedAt: end}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.draft.Status = domain.AttemptCompleted
	c.draft.Score = breakdown.Score
	c.draft.PercentageScore = breakdown.PercentageScore
	c.draft.Passed = breakdown.Passed
	c.draft.CertificateID = res.CertificateID
	c.result = &res
	c.state = StateCompleted
	c.warning = ""
	close(c.submitted)
	c.metrics.SessionClosed()
	c.log.Info("session completed",
		slog.String("attempt", attempt.ID),
		slog.Int("percentage", breakdown.PercentageScore),
		slog.Bool("confirmed", res.IsServerConfirmed))
	c.broadcastLocked()
	return res, nil
}

// discardDraftLocked drops unsaved answers; a locked attempt is never scored.
func (c *Controller) discardDraftLocked(violations int) {
	c.draft.Answers = make(map[int]string)
	c.draft.Status = domain.AttemptAbandoned
	c.draft.ViolationCount = violations
}

// stopSignals stops the countdown and monitor. It must run without mu held:
// Cancel waits for a tick callback, and tick takes mu. Events that slip in
// before the stop are dropped by the state checks.
func (c *Controller) stopSignals() {
	c.countdown.Cancel()
	c.monitor.Stop()
}

func (c *Controller) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:            c.state,
		QuizID:           c.quizID,
		AttemptID:        c.draft.ID,
		ViolationCount:   c.violations,
		Warning:          c.warning,
		RemainingSeconds: c.remaining,
		Answered:         len(c.draft.Answers),
		TotalQuestions:   len(c.quiz.Questions),
	}
	if c.result != nil {
		res := *c.result
		snap.Result = &res
	}
	return snap
}

func (c *Controller) broadcastLocked() {
	snap := c.snapshotLocked()
	for ch := range c.subscribers {
		select {
		case ch <- snap:
		default:
			// Drop the stale snapshot so a slow renderer never blocks the session.
			select {
			case <-ch:
			default:
			}
			ch <- snap
		}
	}
}
