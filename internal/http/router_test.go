package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/splax/rollout/internal/domain"
	"github.com/splax/rollout/internal/repository/memory"
	"github.com/splax/rollout/internal/service/ingest"
	"github.com/splax/rollout/internal/ws"
	"github.com/splax/rollout/pkg/kv"
)

const validPayload = `{"schemaVersion":1,"appVersion":"1.4.0","os":"linux","agent":{"status":"online","pingMs":42},"license":{"tier":"pro","offline":false}}`

func newTestRouter(t *testing.T, opts Options) (*Router, *ingest.Service) {
	t.Helper()
	svc := ingest.New(memory.New(0), ingest.NewRegistry(kv.NewMemoryStore(), 0.1, nil), ws.NewHub(), nil, ingest.Options{})
	r := NewRouter(nil, svc, nil, opts)
	t.Cleanup(r.Close)
	return r, svc
}

func postTelemetry(r http.Handler, path, body, installID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if installID != "" {
		req.Header.Set(installIDHeader, installID)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body["error"]
}

func TestTelemetryAccepted(t *testing.T) {
	r, _ := newTestRouter(t, Options{DashboardToken: "secret"})
	for _, path := range []string{"/telemetry", "/api/telemetry"} {
		rec := postTelemetry(r, path, validPayload, "install-1")
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d: %s", path, rec.Code, rec.Body.String())
		}
		var body struct {
			Success   bool   `json:"success"`
			Message   string `json:"message"`
			Timestamp string `json:"timestamp"`
			Cohort    string `json:"cohort"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !body.Success || body.Message != "Telemetry received" || body.Timestamp == "" {
			t.Fatalf("unexpected response %+v", body)
		}
		if body.Cohort != domain.CohortCanary && body.Cohort != domain.CohortStable {
			t.Fatalf("unexpected cohort %q", body.Cohort)
		}
	}
}

func TestTelemetryValidationErrors(t *testing.T) {
	r, _ := newTestRouter(t, Options{})
	cases := []struct {
		name string
		body string
		want string
	}{
		{"invalid json", `{"schemaVersion":`, "invalid JSON body"},
		{"empty object", `{}`, "Missing required field: schemaVersion"},
		{"missing app version", `{"schemaVersion":1,"os":"linux"}`, "Missing required field: appVersion"},
		{"missing license", `{"schemaVersion":1,"appVersion":"1.0.0","os":"linux","agent":{"status":"online"}}`, "Missing required field: license"},
		{"unsupported schema", strings.Replace(validPayload, `"schemaVersion":1`, `"schemaVersion":999`, 1), "Unsupported schemaVersion"},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := postTelemetry(r, "/telemetry", tc.body, "validation-"+string(rune('a'+i)))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if got := decodeError(t, rec); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestTelemetryMethodNotAllowed(t *testing.T) {
	r, _ := newTestRouter(t, Options{})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/telemetry", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func postTelemetryFrom(r http.Handler, remoteAddr string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/telemetry", strings.NewReader(validPayload))
	req.RemoteAddr = remoteAddr
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestTelemetryRateLimitedPerClient(t *testing.T) {
	r, _ := newTestRouter(t, Options{})
	for i := 0; i < defaultRateLimit; i++ {
		if rec := postTelemetry(r, "/telemetry", validPayload, "noisy"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
	}
	rec := postTelemetry(r, "/telemetry", validPayload, "noisy")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
	if got := decodeError(t, rec); got != "Too many telemetry requests, please try again later" {
		t.Fatalf("unexpected error %q", got)
	}
	if rec := postTelemetryFrom(r, "198.51.100.7:4000", nil); rec.Code != http.StatusOK {
		t.Fatalf("other client should not be limited, got %d", rec.Code)
	}
}

func TestTelemetryRateLimitIgnoresClientHeaders(t *testing.T) {
	r, _ := newTestRouter(t, Options{RateLimit: 3})
	limited := 0
	for i := 0; i < 20; i++ {
		rec := postTelemetryFrom(r, "203.0.113.9:5555", map[string]string{
			installIDHeader:   fmt.Sprintf("install-%d", i),
			"X-Forwarded-For": fmt.Sprintf("10.0.0.%d", i),
		})
		if rec.Code == http.StatusTooManyRequests {
			limited++
		}
	}
	if limited != 17 {
		t.Fatalf("expected 17 limited requests, got %d", limited)
	}
}

func TestClientIPHonoursTrustedProxyOnly(t *testing.T) {
	r, _ := newTestRouter(t, Options{TrustedProxies: []string{"10.0.0.0/8", "not-an-ip"}})
	cases := []struct {
		name      string
		remote    string
		forwarded string
		want      string
	}{
		{"direct client", "203.0.113.9:5555", "198.51.100.1", "203.0.113.9"},
		{"via trusted proxy", "10.1.2.3:443", "198.51.100.1", "198.51.100.1"},
		{"spoofed leftmost hop", "10.1.2.3:443", "192.0.2.66, 198.51.100.1, 10.9.9.9", "198.51.100.1"},
		{"proxy without header", "10.1.2.3:443", "", "10.1.2.3"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/telemetry", nil)
			req.RemoteAddr = tc.remote
			if tc.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tc.forwarded)
			}
			if got := r.clientIP(req); got != tc.want {
				t.Fatalf("clientIP = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSummaryRequiresDashboardToken(t *testing.T) {
	r, _ := newTestRouter(t, Options{DashboardToken: "secret"})
	postTelemetry(r, "/telemetry", validPayload, "install-1")

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/telemetry/summary", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/telemetry/summary", nil)
	req.Header.Set("X-Dashboard-Token", "wrong")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/telemetry/summary", nil)
	req.Header.Set("X-Dashboard-Token", "secret")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var summary domain.Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if got := summary.Cohorts.Canary.SampleCount + summary.Cohorts.Stable.SampleCount; got != 1 {
		t.Fatalf("expected 1 sample in summary, got %d", got)
	}
}

func TestSummaryWithoutConfiguredToken(t *testing.T) {
	r, _ := newTestRouter(t, Options{})
	req := httptest.NewRequest(http.MethodGet, "/telemetry/summary", nil)
	req.Header.Set("X-Dashboard-Token", "anything")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestStreamAcceptsQueryToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/telemetry/stream?token=secret", nil)
	if got := dashboardToken(req); got != "secret" {
		t.Fatalf("expected query token on stream path, got %q", got)
	}
	req = httptest.NewRequest(http.MethodGet, "/telemetry/summary?token=secret", nil)
	if got := dashboardToken(req); got != "" {
		t.Fatalf("query token must be ignored off stream paths, got %q", got)
	}
}

type unhealthyService struct {
	*ingest.Service
}

func (unhealthyService) Healthy(context.Context) error { return errors.New("connection refused") }

func TestHealthz(t *testing.T) {
	r, svc := newTestRouter(t, Options{})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	degraded := NewRouter(nil, unhealthyService{svc}, nil, Options{})
	defer degraded.Close()
	rec = httptest.NewRecorder()
	degraded.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["status"] != "degraded" {
		t.Fatalf("expected degraded status, got %v", payload["status"])
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if got := retryAfterSeconds(now.Add(1500*time.Millisecond), now); got != 2 {
		t.Fatalf("expected rounding up to 2, got %d", got)
	}
	if got := retryAfterSeconds(now.Add(-1), now); got != 1 {
		t.Fatalf("expected minimum 1, got %d", got)
	}
}
