package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"proctored-assessment-service/internal/domain"

	"github.com/go-playground/validator/v10"
)

type errorBody struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

func statusFor(err error) int {
	var verr validator.ValidationErrors
	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrQuizNotFound), errors.Is(err, domain.ErrAttemptNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAttemptClosed), errors.Is(err, domain.ErrAttemptExists), errors.Is(err, domain.ErrSessionBusy):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidAnswer), errors.Is(err, domain.ErrInvalidQuiz), errors.As(err, &verr), errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

var errBadRequest = errors.New("bad request")

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	body := errorBody{Error: err.Error()}
	var verr validator.ValidationErrors
	if errors.As(err, &verr) {
		body.Error = "validation failed"
		body.Fields = make(map[string]string, len(verr))
		for _, fe := range verr {
			body.Fields[fe.Namespace()] = fe.Tag()
		}
	}
	if status == http.StatusInternalServerError {
		// internals stay in the logs
		body.Error = http.StatusText(status)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
