package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"proctored-assessment-service/internal/clock"
	"proctored-assessment-service/internal/domain"
	"proctored-assessment-service/internal/integrity"
	"proctored-assessment-service/internal/metrics"
	"proctored-assessment-service/internal/session"
	"proctored-assessment-service/internal/submission"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// SessionLease keeps a single live session per (quiz, user).
type SessionLease interface {
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, owner string) error
}

// GatewayConfig tunes the sessions hosted by the gateway.
type GatewayConfig struct {
	LockThreshold    int
	FocusDebounce    time.Duration
	PrimaryTimeout   time.Duration
	SecondaryTimeout time.Duration
	LeaseTTL         time.Duration
}

// ProctorGateway hosts one session.Controller per websocket connection. The
// browser streams environment signals and answers in; snapshots stream out.
type ProctorGateway struct {
	quizzes  session.QuizSource
	auth     *Authenticator
	lease    SessionLease
	newAPI   func(token string) submission.AttemptAPI
	fallback submission.LocalFallbackStore
	cfg      GatewayConfig
	log      *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	// newCountdown is swapped in tests.
	newCountdown func() session.Countdown
}

func NewProctorGateway(
	quizzes session.QuizSource,
	auth *Authenticator,
	lease SessionLease,
	newAPI func(token string) submission.AttemptAPI,
	fallback submission.LocalFallbackStore,
	cfg GatewayConfig,
	log *slog.Logger,
	m *metrics.Metrics,
) *ProctorGateway {
	if log == nil {
		log = slog.Default()
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = time.Minute
	}
	return &ProctorGateway{
		quizzes:  quizzes,
		auth:     auth,
		lease:    lease,
		newAPI:   newAPI,
		fallback: fallback,
		cfg:      cfg,
		log:      log,
		metrics:  m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		newCountdown: func() session.Countdown { return clock.NewCountdown() },
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type answerPayload struct {
	QuestionIndex int    `json:"questionIndex"`
	Value         string `json:"value"`
}

type outboundMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// ServeWS authenticates, takes the session lease, upgrades and runs the session
// until the socket closes.
func (g *ProctorGateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	quizID := r.URL.Query().Get("quizId")
	if quizID == "" {
		writeError(w, fmt.Errorf("missing quizId: %w", errBadRequest))
		return
	}
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	userID, err := g.auth.UserID(token)
	if err != nil {
		writeError(w, err)
		return
	}

	leaseKey := quizID + "|" + userID
	owner := uuid.NewString()
	ok, err := g.lease.Acquire(r.Context(), leaseKey, owner, g.cfg.LeaseTTL)
	if err != nil {
		g.log.Error("lease acquire failed", slog.String("key", leaseKey), slog.Any("err", err))
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, domain.ErrSessionBusy)
		return
	}
	defer func() {
		if err := g.lease.Release(context.Background(), leaseKey, owner); err != nil {
			g.log.Warn("lease release failed", slog.String("key", leaseKey), slog.Any("err", err))
		}
	}()

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("ws upgrade failed", slog.Any("err", err))
		return
	}
	defer conn.Close()

	log := g.log.With(slog.String("quiz", quizID), slog.String("user", userID))
	feed := integrity.NewFeed()
	monitor := integrity.NewMonitor(feed,
		integrity.WithFocusDebounce(g.cfg.FocusDebounce),
		integrity.WithLogger(log))
	coordinator := submission.NewCoordinator(g.newAPI(token), g.fallback,
		submission.WithTimeouts(g.cfg.PrimaryTimeout, g.cfg.SecondaryTimeout),
		submission.WithLogger(log),
		submission.WithMetrics(g.metrics))
	controller := session.NewController(quizID, userID, g.quizzes, coordinator, g.newCountdown(), monitor,
		session.WithLockThreshold(g.cfg.LockThreshold),
		session.WithLogger(log),
		session.WithMetrics(g.metrics))

	send := make(chan outboundMessage, 16)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for msg := range send {
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				log.Warn("ws write error", slog.Any("err", err))
				return
			}
		}
	}()
	push := func(msg outboundMessage) {
		select {
		case send <- msg:
		case <-writerDone:
		}
	}

	var producers sync.WaitGroup
	defer func() {
		controller.Close()
		producers.Wait()
		close(send)
		<-writerDone
	}()

	if err := controller.Start(r.Context()); err != nil {
		log.Warn("session start failed", slog.Any("err", err))
		if errors.Is(err, domain.ErrSessionLocked) {
			push(outboundMessage{Type: "state", Payload: controller.Snapshot()})
		}
		push(outboundMessage{Type: "error", Payload: errorPayload{Message: err.Error()}})
		return
	}

	renewCtx, stopRenew := context.WithCancel(context.Background())
	defer stopRenew()
	go g.renewLease(renewCtx, leaseKey, owner)

	updates, cancel := controller.Subscribe()
	defer cancel()
	producers.Add(1)
	go func() {
		defer producers.Done()
		resultSent := false
		for snap := range updates {
			push(outboundMessage{Type: "state", Payload: snap})
			if snap.Result != nil && !resultSent {
				resultSent = true
				push(outboundMessage{Type: "result", Payload: snap.Result})
			}
		}
	}()

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		switch inbound.Type {
		case "signal":
			var sig integrity.Signal
			if err := json.Unmarshal(inbound.Payload, &sig); err != nil {
				push(outboundMessage{Type: "error", Payload: errorPayload{Message: "invalid signal payload"}})
				continue
			}
			if sig.At.IsZero() {
				sig.At = time.Now()
			}
			feed.Emit(sig)
		case "answer":
			var payload answerPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
				push(outboundMessage{Type: "error", Payload: errorPayload{Message: "invalid answer payload"}})
				continue
			}
			if err := controller.RecordAnswer(payload.QuestionIndex, payload.Value); err != nil {
				push(outboundMessage{Type: "error", Payload: errorPayload{Message: err.Error()}})
			}
		case "submit":
			producers.Add(1)
			go func() {
				defer producers.Done()
				// A dropped socket must not abort a submission already under way.
				if _, err := controller.Submit(context.WithoutCancel(r.Context())); err != nil {
					push(outboundMessage{Type: "error", Payload: errorPayload{Message: err.Error()}})
				}
			}()
		default:
			push(outboundMessage{Type: "error", Payload: errorPayload{Message: "unsupported message type"}})
		}
	}
}

func (g *ProctorGateway) renewLease(ctx context.Context, key, owner string) {
	ticker := time.NewTicker(g.cfg.LeaseTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ok, err := g.lease.Acquire(ctx, key, owner, g.cfg.LeaseTTL); err != nil || !ok {
				g.log.Warn("lease renewal failed", slog.String("key", key), slog.Bool("held", ok), slog.Any("err", err))
			}
		}
	}
}
