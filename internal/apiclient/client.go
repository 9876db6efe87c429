// Package apiclient talks to the attempt backend over HTTP.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"proctored-assessment-service/internal/domain"
)

// StatusError is a non-2xx reply from the backend.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Unwrap maps well-known statuses onto domain errors.
func (e *StatusError) Unwrap() error {
	switch e.Code {
	case http.StatusUnauthorized:
		return domain.ErrUnauthorized
	case http.StatusForbidden:
		return domain.ErrForbidden
	case http.StatusConflict:
		return domain.ErrAttemptExists
	case http.StatusNotFound:
		if strings.HasSuffix(e.Path, "/attempts/start") {
			return domain.ErrQuizNotFound
		}
		return domain.ErrAttemptNotFound
	}
	return nil
}

// Client implements submission.AttemptAPI for one authenticated user.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

type Option func(*Client)

// WithHTTPClient overrides the transport (tests, custom TLS).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartAttempt returns the existing attempt together with domain.ErrAttemptExists
// when the backend answers 409 with an attempt body.
func (c *Client) StartAttempt(ctx context.Context, req domain.StartAttemptRequest) (domain.StartAttemptResponse, error) {
	var resp domain.StartAttemptResponse
	err := c.do(ctx, http.MethodPost, "/attempts/start", req, &resp)
	return resp, err
}

// SubmitAttempt posts either the full or the reduced payload; deadlines come from ctx.
func (c *Client) SubmitAttempt(ctx context.Context, attemptID string, payload any) (domain.SubmitAttemptResponse, error) {
	var resp domain.SubmitAttemptResponse
	err := c.do(ctx, http.MethodPost, "/attempts/"+url.PathEscape(attemptID)+"/submit", payload, &resp)
	return resp, err
}

func (c *Client) RecordViolations(ctx context.Context, attemptID string, req domain.RecordViolationsRequest) error {
	return c.do(ctx, http.MethodPost, "/attempts/"+url.PathEscape(attemptID)+"/violations", req, nil)
}

func (c *Client) AbandonAttempt(ctx context.Context, attemptID string, req domain.AbandonAttemptRequest) error {
	return c.do(ctx, http.MethodPost, "/attempts/"+url.PathEscape(attemptID)+"/abandon", req, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		statusErr := &StatusError{Method: method, Path: path, Code: res.StatusCode, Body: strings.TrimSpace(string(raw))}
		// a conflict may carry the existing attempt
		if res.StatusCode == http.StatusConflict && out != nil && len(raw) > 0 {
			_ = json.Unmarshal(raw, out)
		}
		return statusErr
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
