// Package canary decides, from aggregated cohort telemetry, whether the
// canary release is promoted to stable or rolled back, and applies the
// decision to the release feed.
package canary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/splax/rollout/internal/domain"
)

// ErrUnauthorized is returned when the summary endpoint rejects the
// dashboard token.
var ErrUnauthorized = errors.New("canary: summary endpoint rejected dashboard token")

const (
	defaultFetchTimeout = 15 * time.Second
	defaultFetchElapsed = 30 * time.Second
)

// SummarySource provides the aggregated telemetry summary.
type SummarySource interface {
	Fetch(ctx context.Context) (domain.Summary, error)
}

// APIError represents a non-2xx summary response.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("summary request failed with status %d", e.Status)
	}
	return fmt.Sprintf("summary request failed (%d): %s", e.Status, e.Message)
}

// SummaryClient fetches the summary over HTTP with the dashboard token.
type SummaryClient struct {
	endpoint   string
	token      string
	httpClient *http.Client
	maxElapsed time.Duration
	logger     *slog.Logger
}

// ClientOption customises a SummaryClient.
type ClientOption func(*SummaryClient)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *SummaryClient) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithRetryElapsed bounds the total time spent retrying a fetch.
func WithRetryElapsed(d time.Duration) ClientOption {
	return func(c *SummaryClient) {
		if d > 0 {
			c.maxElapsed = d
		}
	}
}

// NewSummaryClient returns a client for the summary endpoint.
func NewSummaryClient(endpoint, token string, logger *slog.Logger, opts ...ClientOption) (*SummaryClient, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, errors.New("summary url is required")
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid summary url: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &SummaryClient{
		endpoint:   trimmed,
		token:      strings.TrimSpace(token),
		httpClient: &http.Client{Timeout: defaultFetchTimeout},
		maxElapsed: defaultFetchElapsed,
		logger:     logger.With("component", "summary_client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Fetch retrieves the summary. Transport failures and 5xx responses are
// retried; authentication failures return ErrUnauthorized at once.
func (c *SummaryClient) Fetch(ctx context.Context) (domain.Summary, error) {
	var summary domain.Summary
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxElapsedTime = c.maxElapsed
	err := backoff.RetryNotify(func() error {
		s, err := c.do(ctx)
		if err != nil {
			return err
		}
		summary = s
		return nil
	}, backoff.WithContext(bo, ctx), func(err error, wait time.Duration) {
		c.logger.Warn("summary fetch failed, retrying", "error", err, "retry_in", wait)
	})
	if err != nil {
		return domain.Summary{}, err
	}
	return summary, nil
}

func (c *SummaryClient) do(ctx context.Context) (domain.Summary, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return domain.Summary{}, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("X-Dashboard-Token", c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.Summary{}, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		apiErr := APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
		return domain.Summary{}, backoff.Permanent(fmt.Errorf("%w: %v", ErrUnauthorized, apiErr))
	case resp.StatusCode >= http.StatusInternalServerError:
		return domain.Summary{}, APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	case resp.StatusCode >= http.StatusBadRequest:
		return domain.Summary{}, backoff.Permanent(APIError{Status: resp.StatusCode, Message: extractError(resp.Body)})
	}

	var summary domain.Summary
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		return domain.Summary{}, backoff.Permanent(fmt.Errorf("decode summary: %w", err))
	}
	return summary, nil
}

func extractError(body io.Reader) string {
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}
