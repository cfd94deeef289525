// Package notify delivers release decisions to a Slack-compatible webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultTimeout    = 10 * time.Second
	defaultMaxElapsed = 30 * time.Second
)

// Sink receives human readable notifications.
type Sink interface {
	Notify(ctx context.Context, text string) error
}

// Slack posts {"text": ...} payloads to an incoming webhook.
type Slack struct {
	url        string
	httpClient *http.Client
	maxElapsed time.Duration
	logger     *slog.Logger
}

// Option customises a Slack sink.
type Option func(*Slack)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Slack) {
		if c != nil {
			s.httpClient = c
		}
	}
}

// WithMaxElapsed bounds the total time spent retrying one notification.
func WithMaxElapsed(d time.Duration) Option {
	return func(s *Slack) {
		if d > 0 {
			s.maxElapsed = d
		}
	}
}

// NewSlack returns a sink for webhookURL. An empty URL yields a sink that
// logs and skips every notification.
func NewSlack(webhookURL string, logger *slog.Logger, opts ...Option) *Slack {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Slack{
		url:        strings.TrimSpace(webhookURL),
		httpClient: &http.Client{Timeout: defaultTimeout},
		maxElapsed: defaultMaxElapsed,
		logger:     logger.With("component", "notify"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StatusError is returned when the webhook answers with a non-2xx status.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("webhook returned status %d", e.Status)
	}
	return fmt.Sprintf("webhook returned status %d: %s", e.Status, e.Body)
}

// Notify posts text. Server errors and transport failures are retried with
// exponential backoff; other client errors are returned immediately.
func (s *Slack) Notify(ctx context.Context, text string) error {
	if s == nil || s.url == "" {
		if s != nil {
			s.logger.Info("slack webhook not configured, skipping alert")
		}
		return nil
	}
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = s.maxElapsed
	attempts := 0
	op := func() error {
		attempts++
		return s.post(ctx, payload)
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		s.logger.Warn("notification failed", "error", err, "attempts", attempts)
		return fmt.Errorf("notify: %w", err)
	}
	s.logger.Info("notification sent", "attempts", attempts)
	return nil
}

func (s *Slack) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	statusErr := &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		return statusErr
	}
	return backoff.Permanent(statusErr)
}
