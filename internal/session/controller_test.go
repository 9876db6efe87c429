package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"proctored-assessment-service/internal/domain"
	"proctored-assessment-service/internal/integrity"
	"proctored-assessment-service/internal/submission"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticQuizzes map[string]domain.QuizDefinition

func (s staticQuizzes) GetQuiz(_ context.Context, quizID string) (domain.QuizDefinition, error) {
	quiz, ok := s[quizID]
	if !ok {
		return domain.QuizDefinition{}, domain.ErrQuizNotFound
	}
	return quiz, nil
}

func sampleQuiz(eligible bool) domain.QuizDefinition {
	return domain.QuizDefinition{
		ID:                  "quiz-1",
		Title:               "Basics",
		DurationMinutes:     10,
		PassingScorePercent: 50,
		CertificateEligible: eligible,
		Questions: []domain.Question{
			{ID: "q1", Type: domain.QuestionMultipleChoice, Text: "2 + 2?", Points: 2,
				Options: []domain.Option{{Text: "3"}, {Text: "4", IsCorrect: true}}},
			{ID: "q2", Type: domain.QuestionMultipleChoice, Text: "Capital of France?", Points: 2,
				Options: []domain.Option{{Text: "Paris", IsCorrect: true}, {Text: "Lyon"}}},
		},
	}
}

type fakeCountdown struct {
	mu         sync.Mutex
	onTick     func(int)
	onExpire   func()
	started    int
	startCalls int
	cancels    int
}

func (f *fakeCountdown) OnTick(fn func(int)) {
	f.mu.Lock()
	f.onTick = fn
	f.mu.Unlock()
}

func (f *fakeCountdown) OnExpire(fn func()) {
	f.mu.Lock()
	f.onExpire = fn
	f.mu.Unlock()
}

func (f *fakeCountdown) Start(total int) {
	f.mu.Lock()
	f.started = total
	f.startCalls++
	f.mu.Unlock()
}

func (f *fakeCountdown) Cancel() {
	f.mu.Lock()
	f.cancels++
	f.mu.Unlock()
}

// tick and expire deliver callbacks even after Cancel, like a late timer would.
func (f *fakeCountdown) tick(remaining int) {
	f.mu.Lock()
	fn := f.onTick
	f.mu.Unlock()
	fn(remaining)
}

func (f *fakeCountdown) expire() {
	f.mu.Lock()
	fn := f.onExpire
	f.mu.Unlock()
	fn()
}

func (f *fakeCountdown) cancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels > 0
}

type fakeSubmitter struct {
	mu        sync.Mutex
	startResp domain.StartAttemptResponse
	startErr  error
	submits   int
	abandons  int
	recorded  []int
	release   chan struct{}
	entered   chan struct{}
	breakdown domain.ScoreBreakdown
}

func newFakeSubmitter() *fakeSubmitter {
	return &fakeSubmitter{
		startResp: domain.StartAttemptResponse{AttemptID: "attempt-1", Status: domain.AttemptInProgress, StartTime: time.Unix(1000, 0)},
	}
}

func (f *fakeSubmitter) Start(context.Context, string) (domain.StartAttemptResponse, error) {
	return f.startResp, f.startErr
}

func (f *fakeSubmitter) Submit(_ context.Context, attempt domain.Attempt, breakdown domain.ScoreBreakdown) (domain.SubmissionResult, error) {
	f.mu.Lock()
	f.submits++
	f.breakdown = breakdown
	entered, release := f.entered, f.release
	f.mu.Unlock()
	if entered != nil {
		close(entered)
	}
	if release != nil {
		<-release
	}
	return domain.SubmissionResult{AttemptID: attempt.ID, IsServerConfirmed: true, Breakdown: breakdown}, nil
}

func (f *fakeSubmitter) RecordViolations(_ context.Context, _ string, violations int) {
	f.mu.Lock()
	f.recorded = append(f.recorded, violations)
	f.mu.Unlock()
}

func (f *fakeSubmitter) Abandon(context.Context, string, int) {
	f.mu.Lock()
	f.abandons++
	f.mu.Unlock()
}

func (f *fakeSubmitter) counts() (submits, abandons int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits, f.abandons
}

type harness struct {
	ctrl      *Controller
	countdown *fakeCountdown
	feed      *integrity.Feed
	submitter *fakeSubmitter
}

func newHarness(t *testing.T, submitter Submitter, monitorOpts ...integrity.MonitorOption) *harness {
	t.Helper()
	h := &harness{countdown: &fakeCountdown{}, feed: integrity.NewFeed()}
	if fs, ok := submitter.(*fakeSubmitter); ok {
		h.submitter = fs
	}
	monitor := integrity.NewMonitor(h.feed, monitorOpts...)
	h.ctrl = NewController("quiz-1", "u1", staticQuizzes{"quiz-1": sampleQuiz(true)}, submitter, h.countdown, monitor,
		WithClock(func() time.Time { return time.Unix(2000, 0) }))
	require.NoError(t, h.ctrl.Start(context.Background()))
	return h
}

func TestStartOpensSession(t *testing.T) {
	h := newHarness(t, newFakeSubmitter())

	snap := h.ctrl.Snapshot()
	assert.Equal(t, StateInProgress, snap.State)
	assert.Equal(t, "attempt-1", snap.AttemptID)
	assert.Equal(t, 600, snap.RemainingSeconds)
	assert.Equal(t, 2, snap.TotalQuestions)
	assert.Equal(t, 600, h.countdown.started)

	assert.ErrorIs(t, h.ctrl.Start(context.Background()), domain.ErrSessionNotActive)
}

func TestStartFailsForUnknownQuiz(t *testing.T) {
	ctrl := NewController("missing", "u1", staticQuizzes{}, newFakeSubmitter(), &fakeCountdown{}, integrity.NewMonitor(integrity.NewFeed()))

	err := ctrl.Start(context.Background())
	assert.ErrorIs(t, err, domain.ErrQuizNotFound)
	assert.Equal(t, StateNotStarted, ctrl.Snapshot().State)
}

func TestStartRefusesFinishedAttempt(t *testing.T) {
	sub := newFakeSubmitter()
	sub.startResp.Status = domain.AttemptCompleted
	ctrl := NewController("quiz-1", "u1", staticQuizzes{"quiz-1": sampleQuiz(true)}, sub, &fakeCountdown{}, integrity.NewMonitor(integrity.NewFeed()))

	assert.ErrorIs(t, ctrl.Start(context.Background()), domain.ErrAttemptClosed)
}

func TestRecordAnswerOverwrites(t *testing.T) {
	h := newHarness(t, newFakeSubmitter())

	require.NoError(t, h.ctrl.RecordAnswer(0, "3"))
	require.NoError(t, h.ctrl.RecordAnswer(0, "4"))
	assert.ErrorIs(t, h.ctrl.RecordAnswer(5, "x"), domain.ErrInvalidAnswer)

	_, err := h.ctrl.Submit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "4", h.submitter.breakdown.Questions[0].SubmittedAnswer)
}

func TestTwoViolationsWarnThirdLocks(t *testing.T) {
	h := newHarness(t, newFakeSubmitter())
	require.NoError(t, h.ctrl.RecordAnswer(0, "4"))

	h.feed.Emit(integrity.Signal{Kind: integrity.SignalCopy})
	h.feed.Emit(integrity.Signal{Kind: integrity.SignalContextMenu})
	snap := h.ctrl.Snapshot()
	assert.Equal(t, StateInProgress, snap.State)
	assert.Equal(t, 2, snap.ViolationCount)
	assert.Contains(t, snap.Warning, "Warning 2")

	h.feed.Emit(integrity.Signal{Kind: integrity.SignalPaste})
	snap = h.ctrl.Snapshot()
	assert.Equal(t, StateLocked, snap.State)
	assert.Equal(t, 3, snap.ViolationCount)
	assert.Equal(t, 0, snap.Answered, "unsaved answers are discarded on lock")
	assert.True(t, h.countdown.cancelled())

	// The monitor is stopped; even a forced fourth violation has no effect.
	h.feed.Emit(integrity.Signal{Kind: integrity.SignalCopy})
	h.ctrl.violation(integrity.Violation{Kind: integrity.ViolationClipboard, Message: "late"})
	assert.Equal(t, 3, h.ctrl.Snapshot().ViolationCount)

	h.submitter.mu.Lock()
	assert.Equal(t, []int{1, 2}, h.submitter.recorded, "warnings are recorded, the lock is reported as abandon")
	h.submitter.mu.Unlock()

	assert.ErrorIs(t, h.ctrl.RecordAnswer(1, "Paris"), domain.ErrSessionLocked)
	_, err := h.ctrl.Submit(context.Background())
	assert.ErrorIs(t, err, domain.ErrSessionLocked)

	// Late clock events cannot revive a locked session.
	h.countdown.tick(10)
	h.countdown.expire()
	submits, abandons := h.submitter.counts()
	assert.Equal(t, 0, submits)
	assert.Equal(t, 1, abandons)
	assert.Equal(t, StateLocked, h.ctrl.Snapshot().State)
}

func TestResumedAttemptKeepsViolationCount(t *testing.T) {
	sub := newFakeSubmitter()
	sub.startResp.ViolationCount = 2
	h := newHarness(t, sub)

	snap := h.ctrl.Snapshot()
	assert.Equal(t, StateInProgress, snap.State)
	assert.Equal(t, 2, snap.ViolationCount)
	assert.Contains(t, snap.Warning, "Warning 2")

	h.feed.Emit(integrity.Signal{Kind: integrity.SignalCopy})
	assert.Equal(t, StateLocked, h.ctrl.Snapshot().State)
	assert.Equal(t, 3, h.ctrl.Snapshot().ViolationCount)
	_, abandons := sub.counts()
	assert.Equal(t, 1, abandons)
}

func TestResumedAttemptOverLimitLocksOnStart(t *testing.T) {
	sub := newFakeSubmitter()
	sub.startResp.ViolationCount = 3
	countdown := &fakeCountdown{}
	ctrl := NewController("quiz-1", "u1", staticQuizzes{"quiz-1": sampleQuiz(true)}, sub, countdown, integrity.NewMonitor(integrity.NewFeed()))

	assert.ErrorIs(t, ctrl.Start(context.Background()), domain.ErrSessionLocked)
	assert.Equal(t, StateLocked, ctrl.Snapshot().State)
	assert.Equal(t, 0, countdown.startCalls)
	_, abandons := sub.counts()
	assert.Equal(t, 1, abandons)
	assert.ErrorIs(t, ctrl.RecordAnswer(0, "4"), domain.ErrSessionLocked)
}

func TestSubmitCarriesViolationCount(t *testing.T) {
	api := &countingAPI{}
	h := newHarness(t, submission.NewCoordinator(api, submission.NewMemoryFallbackStore()))
	h.feed.Emit(integrity.Signal{Kind: integrity.SignalCopy})

	_, err := h.ctrl.Submit(context.Background())
	require.NoError(t, err)
	payload, ok := api.payload.(domain.SubmitAttemptRequest)
	require.True(t, ok)
	assert.Equal(t, 1, payload.Metadata.ViolationCount)
}

type countingAPI struct {
	unreachableAPI
	payload any
}

func (a *countingAPI) SubmitAttempt(_ context.Context, attemptID string, payload any) (domain.SubmitAttemptResponse, error) {
	a.payload = payload
	return domain.SubmitAttemptResponse{AttemptID: attemptID}, nil
}

type manualTimer struct {
	fn func()
}

func (m *manualTimer) Stop() bool { return true }

func TestBackToBackViolationsCountSeparately(t *testing.T) {
	var pending *manualTimer
	afterFunc := func(_ time.Duration, fn func()) integrity.Timer {
		pending = &manualTimer{fn: fn}
		return pending
	}
	h := newHarness(t, newFakeSubmitter(), integrity.WithAfterFunc(afterFunc))

	// Focus loss matures, then a disallowed key combo arrives straight after.
	h.feed.Emit(integrity.Signal{Kind: integrity.SignalFocusLost})
	require.NotNil(t, pending)
	pending.fn()
	h.feed.Emit(integrity.Signal{Kind: integrity.SignalKeyDown, Key: "c", Ctrl: true})

	assert.Equal(t, 2, h.ctrl.Snapshot().ViolationCount)
	assert.Equal(t, StateInProgress, h.ctrl.Snapshot().State)
}

func TestConcurrentViolationsNeverOvershootLock(t *testing.T) {
	h := newHarness(t, newFakeSubmitter())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.ctrl.violation(integrity.Violation{Kind: integrity.ViolationClipboard, Message: "copy"})
		}()
	}
	wg.Wait()

	snap := h.ctrl.Snapshot()
	assert.Equal(t, StateLocked, snap.State)
	assert.Equal(t, 3, snap.ViolationCount)
	_, abandons := h.submitter.counts()
	assert.Equal(t, 1, abandons)
}

func TestExpirySubmitsExactlyOnce(t *testing.T) {
	h := newHarness(t, newFakeSubmitter())
	require.NoError(t, h.ctrl.RecordAnswer(0, "4"))
	require.NoError(t, h.ctrl.RecordAnswer(1, "Lyon"))

	h.countdown.tick(1)
	h.countdown.expire()

	snap := h.ctrl.Snapshot()
	require.Equal(t, StateCompleted, snap.State)
	require.NotNil(t, snap.Result)
	assert.Equal(t, 2, snap.Result.Breakdown.Score)
	assert.Equal(t, 4, snap.Result.Breakdown.TotalPoints)
	assert.Equal(t, 50, snap.Result.Breakdown.PercentageScore)
	assert.True(t, snap.Result.Breakdown.Passed)

	// A manual submit after expiry and a late expiry both reuse the result.
	res, err := h.ctrl.Submit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, *snap.Result, res)
	h.countdown.expire()
	h.countdown.tick(0)

	submits, _ := h.submitter.counts()
	assert.Equal(t, 1, submits)
	assert.Equal(t, 1, h.ctrl.Snapshot().RemainingSeconds)
}

func TestManualSubmitRacingExpiryRunsOneCycle(t *testing.T) {
	sub := newFakeSubmitter()
	sub.entered = make(chan struct{})
	sub.release = make(chan struct{})
	h := newHarness(t, sub)

	manual := make(chan domain.SubmissionResult, 1)
	go func() {
		res, err := h.ctrl.Submit(context.Background())
		if err == nil {
			manual <- res
		}
	}()
	<-sub.entered
	assert.Equal(t, StateSubmitting, h.ctrl.Snapshot().State)

	expired := make(chan struct{})
	go func() {
		h.countdown.expire()
		close(expired)
	}()
	// Events during submission are ignored.
	h.feed.Emit(integrity.Signal{Kind: integrity.SignalCopy})
	assert.ErrorIs(t, h.ctrl.RecordAnswer(0, "4"), domain.ErrSessionNotActive)

	close(sub.release)
	<-expired

	select {
	case res := <-manual:
		assert.Equal(t, "attempt-1", res.AttemptID)
	case <-time.After(time.Second):
		require.FailNow(t, "manual submit did not return")
	}
	submits, _ := sub.counts()
	assert.Equal(t, 1, submits)
	assert.Equal(t, 0, h.ctrl.Snapshot().ViolationCount)
}

type unreachableAPI struct{}

var errUnreachable = errors.New("connection refused")

func (unreachableAPI) StartAttempt(context.Context, domain.StartAttemptRequest) (domain.StartAttemptResponse, error) {
	return domain.StartAttemptResponse{AttemptID: "attempt-1", Status: domain.AttemptInProgress}, nil
}

func (unreachableAPI) SubmitAttempt(context.Context, string, any) (domain.SubmitAttemptResponse, error) {
	return domain.SubmitAttemptResponse{}, errUnreachable
}

func (unreachableAPI) RecordViolations(context.Context, string, domain.RecordViolationsRequest) error {
	return errUnreachable
}

func (unreachableAPI) AbandonAttempt(context.Context, string, domain.AbandonAttemptRequest) error {
	return errUnreachable
}

func TestUnreachableBackendStillCompletes(t *testing.T) {
	store := submission.NewMemoryFallbackStore()
	h := newHarness(t, submission.NewCoordinator(unreachableAPI{}, store))
	require.NoError(t, h.ctrl.RecordAnswer(0, "4"))

	res, err := h.ctrl.Submit(context.Background())
	require.NoError(t, err)

	assert.False(t, res.IsServerConfirmed)
	assert.True(t, strings.HasPrefix(res.CertificateID, "LOCAL-"))
	assert.Equal(t, StateCompleted, h.ctrl.Snapshot().State)

	stored, ok, err := store.Get(context.Background(), "attempt-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, res.CertificateID, stored.CertificateID)
}

func TestSubscribeStreamsStateChanges(t *testing.T) {
	h := newHarness(t, newFakeSubmitter())
	updates, cancel := h.ctrl.Subscribe()
	defer cancel()

	initial := <-updates
	assert.Equal(t, StateInProgress, initial.State)

	h.countdown.tick(599)
	snap := <-updates
	assert.Equal(t, 599, snap.RemainingSeconds)

	h.feed.Emit(integrity.Signal{Kind: integrity.SignalCopy})
	snap = <-updates
	assert.Equal(t, 1, snap.ViolationCount)
	assert.NotEmpty(t, snap.Warning)
}

func TestCloseStopsSignals(t *testing.T) {
	h := newHarness(t, newFakeSubmitter())
	updates, _ := h.ctrl.Subscribe()
	<-updates

	h.ctrl.Close()
	h.ctrl.Close()

	assert.True(t, h.countdown.cancelled())
	h.feed.Emit(integrity.Signal{Kind: integrity.SignalCopy})
	assert.Equal(t, 0, h.ctrl.Snapshot().ViolationCount)
	_, open := <-updates
	assert.False(t, open)
}
