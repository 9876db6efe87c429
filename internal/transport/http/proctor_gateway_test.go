package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"proctored-assessment-service/internal/apiclient"
	"proctored-assessment-service/internal/app"
	"proctored-assessment-service/internal/domain"
	"proctored-assessment-service/internal/infra/memory"
	"proctored-assessment-service/internal/session"
	"proctored-assessment-service/internal/submission"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gatewayFixture struct {
	server *httptest.Server
	auth   *Authenticator
}

// newGatewayFixture serves the REST backend and the gateway from one server;
// the gateway's coordinator calls back into it over HTTP.
func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	quizzes := memory.NewQuizRepository(memory.NewStaticQuizLoader(sampleQuizzes()), time.Minute)
	service := app.NewAttemptService(memory.NewAttemptStore(), quizzes, nil, nil)
	auth := NewAuthenticator(testSecret, "test")

	var baseURL string
	gateway := NewProctorGateway(quizzes, auth, memory.NewSessionLease(),
		func(token string) submission.AttemptAPI { return apiclient.New(baseURL, token) },
		submission.NewMemoryFallbackStore(),
		GatewayConfig{LockThreshold: 3, PrimaryTimeout: 5 * time.Second, SecondaryTimeout: 2 * time.Second, LeaseTTL: time.Minute},
		nil, nil)
	gateway.newCountdown = func() session.Countdown { return &idleCountdown{} }

	srv := httptest.NewServer(NewRouter(NewAttemptHandler(service, nil), gateway, auth, nil, nil))
	baseURL = srv.URL
	t.Cleanup(srv.Close)
	return &gatewayFixture{server: srv, auth: auth}
}

func (f *gatewayFixture) dial(t *testing.T, userID string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	token, err := f.auth.Issue(userID, time.Hour)
	require.NoError(t, err)
	u := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/proctor?quizId=quiz-1&token=" + token
	return websocket.DefaultDialer.Dial(u, nil)
}

// attempt reads the stored attempt through the REST endpoint.
func (f *gatewayFixture) attempt(t *testing.T, userID, attemptID string) (domain.Attempt, error) {
	t.Helper()
	token, err := f.auth.Issue(userID, time.Hour)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodGet, f.server.URL+"/attempts/"+attemptID, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return domain.Attempt{}, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return domain.Attempt{}, fmt.Errorf("get attempt: status %d", res.StatusCode)
	}
	var attempt domain.Attempt
	err = json.NewDecoder(res.Body).Decode(&attempt)
	return attempt, err
}

type wsMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(wsMessage) bool) wsMessage {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		var msg wsMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if match(msg) {
			return msg
		}
	}
}

func stateIs(state session.State) func(wsMessage) bool {
	return func(msg wsMessage) bool {
		if msg.Type != "state" {
			return false
		}
		var snap session.Snapshot
		return json.Unmarshal(msg.Payload, &snap) == nil && snap.State == state
	}
}

func send(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"type": typ, "payload": payload}))
}

func TestProctoredSessionSubmitsThroughBackend(t *testing.T) {
	f := newGatewayFixture(t)
	conn, _, err := f.dial(t, "u1")
	require.NoError(t, err)
	defer conn.Close()

	msg := readUntil(t, conn, stateIs(session.StateInProgress))
	var snap session.Snapshot
	require.NoError(t, json.Unmarshal(msg.Payload, &snap))
	require.NotEmpty(t, snap.AttemptID)
	assert.Equal(t, 2, snap.TotalQuestions)

	send(t, conn, "answer", map[string]any{"questionIndex": 0, "value": "4"})
	send(t, conn, "answer", map[string]any{"questionIndex": 1, "value": "Lyon"})
	send(t, conn, "submit", nil)

	msg = readUntil(t, conn, func(m wsMessage) bool { return m.Type == "result" })
	var res domain.SubmissionResult
	require.NoError(t, json.Unmarshal(msg.Payload, &res))
	assert.True(t, res.IsServerConfirmed)
	assert.NotEmpty(t, res.CertificateID)
	assert.False(t, strings.HasPrefix(res.CertificateID, "LOCAL-"))
	assert.Equal(t, 50, res.Breakdown.PercentageScore)

	stored, err := f.attempt(t, "u1", snap.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptCompleted, stored.Status)
	assert.Equal(t, res.CertificateID, stored.CertificateID)
}

func TestThirdViolationLocksAndAbandons(t *testing.T) {
	f := newGatewayFixture(t)
	conn, _, err := f.dial(t, "u1")
	require.NoError(t, err)
	defer conn.Close()

	msg := readUntil(t, conn, stateIs(session.StateInProgress))
	var snap session.Snapshot
	require.NoError(t, json.Unmarshal(msg.Payload, &snap))

	send(t, conn, "answer", map[string]any{"questionIndex": 0, "value": "4"})
	for i := 0; i < 3; i++ {
		send(t, conn, "signal", map[string]any{"kind": "copy"})
	}
	readUntil(t, conn, stateIs(session.StateLocked))

	require.Eventually(t, func() bool {
		stored, err := f.attempt(t, "u1", snap.AttemptID)
		return err == nil && stored.Status == domain.AttemptAbandoned && stored.ViolationCount == 3
	}, 5*time.Second, 20*time.Millisecond)

	// answers after the lock are refused
	send(t, conn, "answer", map[string]any{"questionIndex": 1, "value": "Paris"})
	readUntil(t, conn, func(m wsMessage) bool { return m.Type == "error" })
}

func TestReconnectKeepsViolationCount(t *testing.T) {
	f := newGatewayFixture(t)
	conn, _, err := f.dial(t, "u1")
	require.NoError(t, err)

	msg := readUntil(t, conn, stateIs(session.StateInProgress))
	var first session.Snapshot
	require.NoError(t, json.Unmarshal(msg.Payload, &first))

	send(t, conn, "signal", map[string]any{"kind": "copy"})
	send(t, conn, "signal", map[string]any{"kind": "copy"})
	readUntil(t, conn, func(m wsMessage) bool {
		var snap session.Snapshot
		return m.Type == "state" && json.Unmarshal(m.Payload, &snap) == nil && snap.ViolationCount == 2
	})

	require.Eventually(t, func() bool {
		stored, err := f.attempt(t, "u1", first.AttemptID)
		return err == nil && stored.ViolationCount == 2
	}, 5*time.Second, 20*time.Millisecond)
	conn.Close()

	// the lease is released once the server notices the closed socket
	var again *websocket.Conn
	require.Eventually(t, func() bool {
		c, _, err := f.dial(t, "u1")
		if err != nil {
			return false
		}
		again = c
		return true
	}, 5*time.Second, 20*time.Millisecond)
	defer again.Close()

	msg = readUntil(t, again, stateIs(session.StateInProgress))
	var resumed session.Snapshot
	require.NoError(t, json.Unmarshal(msg.Payload, &resumed))
	assert.Equal(t, first.AttemptID, resumed.AttemptID)
	assert.Equal(t, 2, resumed.ViolationCount)

	send(t, again, "signal", map[string]any{"kind": "copy"})
	readUntil(t, again, stateIs(session.StateLocked))
	require.Eventually(t, func() bool {
		stored, err := f.attempt(t, "u1", first.AttemptID)
		return err == nil && stored.Status == domain.AttemptAbandoned && stored.ViolationCount == 3
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSecondTabIsRefused(t *testing.T) {
	f := newGatewayFixture(t)
	first, _, err := f.dial(t, "u1")
	require.NoError(t, err)
	defer first.Close()
	readUntil(t, first, stateIs(session.StateInProgress))

	_, res, err := f.dial(t, "u1")
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusConflict, res.StatusCode)

	other, _, err := f.dial(t, "u2")
	require.NoError(t, err)
	other.Close()
}

func TestGatewayRequiresToken(t *testing.T) {
	f := newGatewayFixture(t)
	u := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/proctor?quizId=quiz-1"
	_, res, err := websocket.DefaultDialer.Dial(u, nil)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

// idleCountdown never ticks, so tests are not racing the time budget.
type idleCountdown struct{}

func (*idleCountdown) OnTick(func(int)) {}
func (*idleCountdown) OnExpire(func())  {}
func (*idleCountdown) Start(int)        {}
func (*idleCountdown) Cancel()          {}
