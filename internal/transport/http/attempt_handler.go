package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"proctored-assessment-service/internal/domain"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

// AttemptService is the backend use-case surface (*app.AttemptService).
type AttemptService interface {
	Start(ctx context.Context, quizID, userID string) (domain.StartAttemptResponse, error)
	Get(ctx context.Context, attemptID, userID string) (domain.Attempt, error)
	Submit(ctx context.Context, attemptID, userID string, answers map[int]string, endTime time.Time, violations int) (domain.SubmitAttemptResponse, error)
	SubmitEntries(ctx context.Context, attemptID, userID string, entries []domain.AnswerEntry, endTime time.Time, violations int) (domain.SubmitAttemptResponse, error)
	RecordViolations(ctx context.Context, attemptID, userID string, violations int) (domain.Attempt, error)
	Abandon(ctx context.Context, attemptID, userID string, violations int) (domain.Attempt, error)
}

// AttemptHandler serves the /attempts REST endpoints.
type AttemptHandler struct {
	service  AttemptService
	validate *validator.Validate
	log      *slog.Logger
}

func NewAttemptHandler(service AttemptService, log *slog.Logger) *AttemptHandler {
	if log == nil {
		log = slog.Default()
	}
	return &AttemptHandler{service: service, validate: newValidator(), log: log}
}

// Register mounts the endpoints on an authenticated router.
func (h *AttemptHandler) Register(r *mux.Router) {
	r.HandleFunc("/attempts/start", h.Start).Methods(http.MethodPost)
	r.HandleFunc("/attempts/{attemptId}", h.Get).Methods(http.MethodGet)
	r.HandleFunc("/attempts/{attemptId}/submit", h.Submit).Methods(http.MethodPost)
	r.HandleFunc("/attempts/{attemptId}/violations", h.RecordViolations).Methods(http.MethodPost)
	r.HandleFunc("/attempts/{attemptId}/abandon", h.Abandon).Methods(http.MethodPost)
}

func (h *AttemptHandler) Start(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	var req domain.StartAttemptRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	resp, err := h.service.Start(r.Context(), req.QuizID, userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	// a reused attempt is answered exactly like a fresh one
	writeJSON(w, http.StatusOK, resp)
}

func (h *AttemptHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	attempt, err := h.service.Get(r.Context(), mux.Vars(r)["attemptId"], userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, attempt)
}

// submitBody accepts both the primary shape (answers as a list keyed by
// question id) and the reduced shape (answers as an object keyed by index).
// The reduced shape reports violations at the top level.
type submitBody struct {
	Answers        json.RawMessage       `json:"answers"`
	StartTime      time.Time             `json:"startTime"`
	EndTime        time.Time             `json:"endTime"`
	Metadata       domain.SubmitMetadata `json:"metadata"`
	ViolationCount int                   `json:"violationCount" validate:"gte=0"`
}

func (h *AttemptHandler) Submit(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	attemptID := mux.Vars(r)["attemptId"]

	var body submitBody
	if err := h.decode(w, r, &body); err != nil {
		writeError(w, err)
		return
	}

	var (
		resp domain.SubmitAttemptResponse
		err  error
	)
	raw := bytes.TrimSpace(body.Answers)
	switch {
	case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
		resp, err = h.service.Submit(r.Context(), attemptID, userID, map[int]string{}, body.EndTime,
			max(body.ViolationCount, body.Metadata.ViolationCount))
	case raw[0] == '[':
		req := domain.SubmitAttemptRequest{StartTime: body.StartTime, EndTime: body.EndTime, Metadata: body.Metadata}
		if err := json.Unmarshal(raw, &req.Answers); err != nil {
			writeError(w, fmt.Errorf("answers: %v: %w", err, errBadRequest))
			return
		}
		if err := h.validate.Struct(req); err != nil {
			writeError(w, err)
			return
		}
		resp, err = h.service.SubmitEntries(r.Context(), attemptID, userID, req.Answers, req.EndTime, req.Metadata.ViolationCount)
	case raw[0] == '{':
		reduced := domain.ReducedSubmitRequest{EndTime: body.EndTime, ViolationCount: body.ViolationCount}
		if err := json.Unmarshal(raw, &reduced.Answers); err != nil {
			writeError(w, fmt.Errorf("answers: %v: %w", err, errBadRequest))
			return
		}
		resp, err = h.service.Submit(r.Context(), attemptID, userID, reduced.Answers, reduced.EndTime, reduced.ViolationCount)
	default:
		writeError(w, fmt.Errorf("answers must be a list or an object: %w", errBadRequest))
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *AttemptHandler) RecordViolations(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	var req domain.RecordViolationsRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	attempt, err := h.service.RecordViolations(r.Context(), mux.Vars(r)["attemptId"], userID, req.ViolationCount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, attempt)
}

func (h *AttemptHandler) Abandon(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	var req domain.AbandonAttemptRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	attempt, err := h.service.Abandon(r.Context(), mux.Vars(r)["attemptId"], userID, req.ViolationCount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, attempt)
}

func (h *AttemptHandler) decode(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		return fmt.Errorf("decode body: %v: %w", err, errBadRequest)
	}
	return h.validate.Struct(v)
}

func (h *AttemptHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if statusFor(err) == http.StatusInternalServerError {
		h.log.Error("request failed", slog.String("path", r.URL.Path), slog.Any("err", err))
	}
	writeError(w, err)
}

// newValidator reports JSON field names instead of Go struct names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}
