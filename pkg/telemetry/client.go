// Package telemetry reports anonymous installation health to the ingestion
// service. Nothing in this package returns transport errors to the caller:
// every outcome is described by a Result.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultTimeout     = 5 * time.Second
	maxErrorBodySize   = 4096
	DefaultMinInterval = 10 * time.Minute
	DefaultBufferSize  = 5
)

// ErrUnauthorized indicates the ingestion service rejected the request's credentials.
var ErrUnauthorized = errors.New("telemetry unauthorized")

// ErrInvalidArgument indicates the ingestion service rejected the payload.
var ErrInvalidArgument = errors.New("telemetry invalid argument")

// ErrRateLimited indicates the ingestion service throttled this source.
var ErrRateLimited = errors.New("telemetry rate limited")

// ResultKind classifies the outcome of a send attempt.
type ResultKind string

const (
	ResultSent              ResultKind = "sent"
	ResultBuffered          ResultKind = "buffered"
	ResultDisabled          ResultKind = "disabled"
	ResultThrottled         ResultKind = "throttled"
	ResultNetworkFailure    ResultKind = "network_failure"
	ResultValidationFailure ResultKind = "validation_failure"
	ResultRejected          ResultKind = "rejected"
)

// Result describes what happened to one sample.
type Result struct {
	Kind       ResultKind `json:"kind"`
	StatusCode int        `json:"statusCode,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	Err        error      `json:"-"`
}

// Sent reports whether the ingestion service accepted the sample.
func (r Result) Sent() bool { return r.Kind == ResultSent }

// Status is the host-facing view of the client.
type Status struct {
	Enabled           bool          `json:"enabled"`
	SchemaVersion     int           `json:"schemaVersion"`
	Endpoint          string        `json:"endpoint"`
	BufferSize        int           `json:"bufferSize"`
	LastSent          time.Time     `json:"lastSent,omitempty"`
	TimeUntilNextSend time.Duration `json:"timeUntilNextSend"`
	KillSwitchActive  bool          `json:"killSwitchActive"`
}

// Client sends samples to the ingestion endpoint.
type Client struct {
	endpoint    string
	installID   string
	client      *http.Client
	minInterval time.Duration
	maxBuffer   int
	killSwitch  bool
	logger      *slog.Logger
	now         func() time.Time
	newID       func() string

	mu       sync.Mutex
	disabled bool
	inFlight bool
	lastSent time.Time
	buffer   []Sample

	host hostState
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client. A zero timeout is replaced with the default.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.client = hc
		}
	}
}

// WithInstallID attaches the installation identifier to every request.
func WithInstallID(id string) Option {
	return func(c *Client) { c.installID = strings.TrimSpace(id) }
}

// WithKillSwitch disables the client permanently, as TELEMETRY_ENABLED=false does.
func WithKillSwitch(active bool) Option {
	return func(c *Client) { c.killSwitch = active }
}

// WithMinInterval overrides the minimum spacing between successful sends.
func WithMinInterval(d time.Duration) Option {
	return func(c *Client) {
		if d >= 0 {
			c.minInterval = d
		}
	}
}

// WithMaxBufferSize overrides the buffer flush threshold.
func WithMaxBufferSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxBuffer = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// NewClient creates a telemetry client posting to endpoint.
func NewClient(endpoint string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, errors.New("telemetry endpoint required")
	}
	c := &Client{
		endpoint:    trimmed,
		minInterval: DefaultMinInterval,
		maxBuffer:   DefaultBufferSize,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:         time.Now,
		newID:       func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		c.client = &http.Client{Timeout: defaultTimeout}
	} else if c.client.Timeout == 0 {
		c.client.Timeout = defaultTimeout
	}
	c.logger = c.logger.With("component", "telemetry")
	c.host.init()
	return c, nil
}

// Disable stops all sends until Enable is called.
func (c *Client) Disable() {
	c.mu.Lock()
	c.disabled = true
	c.buffer = nil
	c.mu.Unlock()
}

// Enable resumes sending unless the kill switch is active.
func (c *Client) Enable() {
	c.mu.Lock()
	c.disabled = false
	c.mu.Unlock()
}

// Enabled reports whether samples may be sent.
func (c *Client) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabledLocked()
}

func (c *Client) enabledLocked() bool {
	return !c.killSwitch && !c.disabled
}

// Send posts one sample. Checks run in order: disabled, throttled since the
// last successful send or while another send is in flight, local
// validation, then the request itself.
func (c *Client) Send(ctx context.Context, sample Sample) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("telemetry send panicked", "panic", r)
			res = Result{Kind: ResultNetworkFailure, Reason: fmt.Sprint(r)}
		}
	}()

	c.mu.Lock()
	if !c.enabledLocked() {
		c.mu.Unlock()
		return Result{Kind: ResultDisabled}
	}
	if c.inFlight {
		c.mu.Unlock()
		return Result{Kind: ResultThrottled, Reason: "send in progress"}
	}
	if !c.lastSent.IsZero() && c.now().Sub(c.lastSent) < c.minInterval {
		c.mu.Unlock()
		return Result{Kind: ResultThrottled}
	}
	c.inFlight = true
	c.mu.Unlock()

	sent := false
	defer func() {
		c.mu.Lock()
		c.inFlight = false
		if sent {
			c.lastSent = c.now()
		}
		c.mu.Unlock()
	}()

	if sample.SchemaVersion == 0 {
		sample.SchemaVersion = SchemaVersion
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = c.now().UTC()
	}
	if sample.InstallID == "" {
		sample.InstallID = c.installID
	}
	if reason := validate(sample); reason != "" {
		c.logger.Warn("telemetry sample invalid", "reason", reason)
		return Result{Kind: ResultValidationFailure, Reason: reason}
	}

	res = c.post(ctx, sample)
	sent = res.Sent()
	return res
}

// Buffer queues a sample. When the buffer is full the newest sample is sent
// tagged with the batch size and the buffer is cleared.
func (c *Client) Buffer(ctx context.Context, sample Sample) Result {
	c.mu.Lock()
	if !c.enabledLocked() {
		c.mu.Unlock()
		return Result{Kind: ResultDisabled}
	}
	c.buffer = append(c.buffer, sample)
	if len(c.buffer) < c.maxBuffer {
		c.mu.Unlock()
		return Result{Kind: ResultBuffered}
	}
	size := len(c.buffer)
	newest := c.buffer[size-1]
	c.buffer = nil
	c.mu.Unlock()

	newest.Batch = &Batch{ID: c.newID(), Size: size}
	return c.Send(ctx, newest)
}

// Status reports the client's send state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	var wait time.Duration
	if !c.lastSent.IsZero() {
		if remaining := c.minInterval - c.now().Sub(c.lastSent); remaining > 0 {
			wait = remaining
		}
	}
	return Status{
		Enabled:           c.enabledLocked(),
		SchemaVersion:     SchemaVersion,
		Endpoint:          c.endpoint,
		BufferSize:        len(c.buffer),
		LastSent:          c.lastSent,
		TimeUntilNextSend: wait,
		KillSwitchActive:  c.killSwitch,
	}
}

func (c *Client) post(ctx context.Context, sample Sample) Result {
	body, err := json.Marshal(sample)
	if err != nil {
		return Result{Kind: ResultValidationFailure, Reason: "encode sample", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{Kind: ResultNetworkFailure, Reason: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if sample.InstallID != "" {
		req.Header.Set("X-Install-ID", sample.InstallID)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("telemetry request failed", "error", err)
		return Result{Kind: ResultNetworkFailure, Reason: "send request", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		err := errorForStatus(resp)
		c.logger.Warn("telemetry rejected", "status", resp.StatusCode, "error", err)
		return Result{Kind: ResultRejected, StatusCode: resp.StatusCode, Reason: err.Error(), Err: err}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodySize))
	c.logger.Debug("telemetry sent", "status", resp.StatusCode, "cohort", sample.Cohort)
	return Result{Kind: ResultSent, StatusCode: resp.StatusCode}
}

func errorForStatus(resp *http.Response) error {
	limited := io.LimitReader(resp.Body, maxErrorBodySize)
	buf, _ := io.ReadAll(limited)
	summary := strings.TrimSpace(string(buf))
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(buf, &payload) == nil && payload.Error != "" {
		summary = payload.Error
	}
	if summary == "" {
		summary = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, summary)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrInvalidArgument, summary)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, summary)
	default:
		return fmt.Errorf("telemetry request failed: %s", summary)
	}
}
