package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/splax/rollout/internal/domain"
	"github.com/splax/rollout/internal/repository/memory"
	"github.com/splax/rollout/pkg/kv"
)

const basePayload = `{"schemaVersion":1,"appVersion":"2.1.0","os":"darwin","agent":{"status":"online","pingMs":12},"license":{"tier":"free","offline":true}}`

var fixedNow = time.Date(2024, 6, 3, 9, 30, 0, 0, time.UTC)

func newTestService(t *testing.T, draw float64) (*Service, *memory.Repository) {
	t.Helper()
	repo := memory.New(0)
	registry := NewRegistry(kv.NewMemoryStore(), 0.1, nil)
	registry.random = func() float64 { return draw }
	svc := New(repo, registry, nil, nil, Options{})
	svc.now = func() time.Time { return fixedNow }
	return svc, repo
}

func validationMessage(t *testing.T, err error) string {
	t.Helper()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	return verr.Message
}

func TestDecodePayloadReportsFirstMissingField(t *testing.T) {
	supported := map[int]struct{}{1: {}}
	cases := []struct {
		body string
		want string
	}{
		{`not json`, "invalid JSON body"},
		{`[1,2]`, "invalid JSON body"},
		{`{"appVersion":"1.0.0"}`, "Missing required field: schemaVersion"},
		{`{"schemaVersion":1,"appVersion":"","os":"linux"}`, "Missing required field: appVersion"},
		{`{"schemaVersion":1,"appVersion":"1.0.0","agent":{"status":"online"}}`, "Missing required field: os"},
		{`{"schemaVersion":1,"appVersion":"1.0.0","os":"linux","license":{"tier":"pro"}}`, "Missing required field: agent"},
		{`{"schemaVersion":1,"appVersion":"1.0.0","os":"linux","agent":{"status":"online"},"license":null}`, "Missing required field: license"},
	}
	for _, tc := range cases {
		_, err := decodePayload([]byte(tc.body), supported)
		if got := validationMessage(t, err); got != tc.want {
			t.Fatalf("body %s: expected %q, got %q", tc.body, tc.want, got)
		}
	}
}

func TestDecodePayloadSchemaVersion(t *testing.T) {
	supported := map[int]struct{}{1: {}}
	for _, v := range []string{`999`, `"1"`, `1.5`, `true`} {
		body := strings.Replace(basePayload, `"schemaVersion":1`, `"schemaVersion":`+v, 1)
		_, err := decodePayload([]byte(body), supported)
		if got := validationMessage(t, err); got != "Unsupported schemaVersion" {
			t.Fatalf("schemaVersion %s: got %q", v, got)
		}
	}
	d, err := decodePayload([]byte(basePayload), supported)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.schemaVersion != 1 {
		t.Fatalf("expected schema 1, got %d", d.schemaVersion)
	}
}

func TestSanitizeNormalisesValues(t *testing.T) {
	body := `{"schemaVersion":1,"appVersion":"` + strings.Repeat("é", 40) + `","os":"Plan9",` +
		`"agent":{"status":"sleeping","pingMs":999999},"license":{"tier":"gold","offline":"yes"},` +
		`"cohort":"CANARY","timestamp":"2024-06-03T08:00:00Z","installId":"abc",` +
		`"crash":{"count":2,"safeMode":true,"signature":"deadbeef"},"batch":{"id":"b1","size":3}}`
	d, err := decodePayload([]byte(body), map[int]struct{}{1: {}})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	s := sanitize(d, fixedNow)
	if n := len([]rune(s.AppVersion)); n != maxAppVersionLen {
		t.Fatalf("expected app version truncated to %d runes, got %d", maxAppVersionLen, n)
	}
	if s.OS != "unknown" || s.AgentStatus != "unknown" || s.LicenseTier != "unknown" {
		t.Fatalf("expected unknown for unlisted values, got os=%q agent=%q tier=%q", s.OS, s.AgentStatus, s.LicenseTier)
	}
	if s.AgentPingMs == nil || *s.AgentPingMs != maxPingMs {
		t.Fatalf("expected ping clamped to %d, got %v", maxPingMs, s.AgentPingMs)
	}
	if s.LicenseOffline {
		t.Fatal("non-boolean offline flag must read as false")
	}
	if s.ReportedCohort != domain.CohortCanary {
		t.Fatalf("expected reported cohort canary, got %q", s.ReportedCohort)
	}
	if !s.SampleTime.Equal(time.Date(2024, 6, 3, 8, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected sample time %v", s.SampleTime)
	}
	if s.CrashCount != 2 || !s.SafeMode || s.CrashSignature != "deadbeef" {
		t.Fatalf("unexpected crash fields %+v", s)
	}
	if s.BatchID != "b1" || s.BatchSize != 3 {
		t.Fatalf("unexpected batch fields %q %d", s.BatchID, s.BatchSize)
	}

	neg := strings.Replace(basePayload, `"pingMs":12`, `"pingMs":-40`, 1)
	d, _ = decodePayload([]byte(neg), map[int]struct{}{1: {}})
	s = sanitize(d, fixedNow)
	if s.AgentPingMs == nil || *s.AgentPingMs != 0 {
		t.Fatalf("expected negative ping clamped to 0, got %v", s.AgentPingMs)
	}
	if !s.SampleTime.Equal(fixedNow) {
		t.Fatalf("missing timestamp should default to receive time, got %v", s.SampleTime)
	}
}

func TestIngestAssignsStickyCohort(t *testing.T) {
	svc, repo := newTestService(t, 0.0)
	ctx := context.Background()
	body := strings.Replace(basePayload, `{"schemaVersion"`, `{"installId":"inst-1","schemaVersion"`, 1)

	first, err := svc.Ingest(ctx, []byte(body), "ip:10.0.0.1")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if first.Sample.Cohort != domain.CohortCanary {
		t.Fatalf("expected canary from draw 0.0, got %q", first.Sample.Cohort)
	}
	if first.Sample.InstallID != "inst-1" {
		t.Fatalf("expected payload install id, got %q", first.Sample.InstallID)
	}
	if !first.Sample.ReceivedAt.Equal(fixedNow) {
		t.Fatalf("unexpected receive time %v", first.Sample.ReceivedAt)
	}

	lying := strings.Replace(body, `"schemaVersion":1`, `"schemaVersion":1,"cohort":"stable"`, 1)
	second, err := svc.Ingest(ctx, []byte(lying), "ip:10.0.0.1")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if second.Sample.Cohort != domain.CohortCanary {
		t.Fatalf("stored cohort must win over reported, got %q", second.Sample.Cohort)
	}
	if second.Sample.ReportedCohort != domain.CohortStable {
		t.Fatalf("expected reported cohort kept for audit, got %q", second.Sample.ReportedCohort)
	}
	if n, _ := repo.CountSamples(ctx); n != 2 {
		t.Fatalf("expected 2 stored samples, got %d", n)
	}
}

func TestIngestAdoptsReportedCohortOnFirstSighting(t *testing.T) {
	svc, _ := newTestService(t, 0.99)
	body := strings.Replace(basePayload, `"schemaVersion":1`, `"schemaVersion":1,"cohort":"canary","installId":"inst-2"`, 1)
	got, err := svc.Ingest(context.Background(), []byte(body), "")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if got.Sample.Cohort != domain.CohortCanary {
		t.Fatalf("expected reported canary adopted, got %q", got.Sample.Cohort)
	}
}

func TestIngestInstallIDFallback(t *testing.T) {
	svc, _ := newTestService(t, 0.5)
	ctx := context.Background()
	got, err := svc.Ingest(ctx, []byte(basePayload), "ip:192.0.2.7")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if got.Sample.InstallID != "ip:192.0.2.7" {
		t.Fatalf("expected source identity, got %q", got.Sample.InstallID)
	}
	got, err = svc.Ingest(ctx, []byte(basePayload), "  ")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if got.Sample.InstallID != "anonymous" {
		t.Fatalf("expected anonymous, got %q", got.Sample.InstallID)
	}
	if got.Sample.Cohort != domain.CohortStable {
		t.Fatalf("expected stable from draw 0.5, got %q", got.Sample.Cohort)
	}
}

func TestIngestRejectsInvalidPayload(t *testing.T) {
	svc, repo := newTestService(t, 0.5)
	_, err := svc.Ingest(context.Background(), []byte(`{}`), "x")
	if got := validationMessage(t, err); got != "Missing required field: schemaVersion" {
		t.Fatalf("unexpected message %q", got)
	}
	if n, _ := repo.CountSamples(context.Background()); n != 0 {
		t.Fatalf("rejected payload must not be stored, got %d", n)
	}
}

func storeSample(t *testing.T, repo *memory.Repository, s domain.Sample) {
	t.Helper()
	if s.SchemaVersion == 0 {
		s.SchemaVersion = 1
	}
	if s.OS == "" {
		s.OS = "linux"
	}
	if s.LicenseTier == "" {
		s.LicenseTier = "pro"
	}
	if err := repo.InsertSample(context.Background(), &s); err != nil {
		t.Fatalf("insert: %v", err)
	}
}

func TestSummaryAggregatesWindow(t *testing.T) {
	svc, repo := newTestService(t, 0.5)
	recent := fixedNow.Add(-time.Hour)
	for i, v := range []string{"1.2.0", "1.10.0", "1.9.0", "nightly"} {
		s := domain.Sample{Cohort: domain.CohortCanary, AppVersion: v, AgentStatus: "online", ReceivedAt: recent.Add(time.Duration(i) * time.Minute)}
		if i == 3 {
			s.AgentStatus = "offline"
			s.CrashCount = 1
		}
		storeSample(t, repo, s)
	}
	storeSample(t, repo, domain.Sample{Cohort: domain.CohortStable, AppVersion: "1.1.0", AgentStatus: "online", ReceivedAt: recent})
	storeSample(t, repo, domain.Sample{Cohort: domain.CohortStable, AppVersion: "1.1.0", AgentStatus: "offline", ReceivedAt: recent})
	storeSample(t, repo, domain.Sample{Cohort: domain.CohortStable, AppVersion: "1.0.0", AgentStatus: "offline", CrashCount: 4, ReceivedAt: fixedNow.Add(-25 * time.Hour)})

	summary, err := svc.Summary(context.Background())
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	canary := summary.Cohorts.Canary
	if canary.SampleCount != 4 || canary.AgentOnlineRate != 0.75 || canary.CrashRate != 0.25 {
		t.Fatalf("unexpected canary metrics %+v", canary)
	}
	stable := summary.Cohorts.Stable
	if stable.SampleCount != 2 || stable.AgentOnlineRate != 0.5 || stable.CrashRate != 0 {
		t.Fatalf("unexpected stable metrics %+v", stable)
	}
	if summary.LatestCanaryVersion != "1.10.0" {
		t.Fatalf("expected highest semver 1.10.0, got %q", summary.LatestCanaryVersion)
	}
	if summary.TotalStored != 7 {
		t.Fatalf("expected 7 stored, got %d", summary.TotalStored)
	}
	if summary.Breakdown.ByVersion["1.1.0"] != 2 || summary.Breakdown.ByVersion["1.0.0"] != 0 {
		t.Fatalf("unexpected version breakdown %v", summary.Breakdown.ByVersion)
	}
	if summary.Breakdown.BySchemaVersion["1"] != 6 {
		t.Fatalf("unexpected schema breakdown %v", summary.Breakdown.BySchemaVersion)
	}
	if !summary.Window.To.Equal(fixedNow) || !summary.Window.From.Equal(fixedNow.Add(-24*time.Hour)) {
		t.Fatalf("unexpected window %+v", summary.Window)
	}
}

func TestSummaryEmptyCohorts(t *testing.T) {
	svc, _ := newTestService(t, 0.5)
	summary, err := svc.Summary(context.Background())
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.Cohorts.Canary.SampleCount != 0 || summary.Cohorts.Canary.CrashRate != 0 {
		t.Fatalf("expected zero metrics, got %+v", summary.Cohorts.Canary)
	}
	if summary.LatestCanaryVersion != "" {
		t.Fatalf("expected no canary version, got %q", summary.LatestCanaryVersion)
	}
}

func TestSummaryFallsBackToNonSemverCanary(t *testing.T) {
	svc, repo := newTestService(t, 0.5)
	storeSample(t, repo, domain.Sample{Cohort: domain.CohortCanary, AppVersion: "build-7", ReceivedAt: fixedNow.Add(-2 * time.Hour)})
	storeSample(t, repo, domain.Sample{Cohort: domain.CohortCanary, AppVersion: "build-8", ReceivedAt: fixedNow.Add(-time.Hour)})
	summary, err := svc.Summary(context.Background())
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.LatestCanaryVersion != "build-8" {
		t.Fatalf("expected most recent non-semver version, got %q", summary.LatestCanaryVersion)
	}
}

func TestSweepRemovesExpiredSamples(t *testing.T) {
	svc, repo := newTestService(t, 0.5)
	storeSample(t, repo, domain.Sample{Cohort: domain.CohortStable, ReceivedAt: fixedNow.Add(-31 * 24 * time.Hour)})
	storeSample(t, repo, domain.Sample{Cohort: domain.CohortStable, ReceivedAt: fixedNow.Add(-29 * 24 * time.Hour)})
	svc.sweepOnce(context.Background())
	if n, _ := repo.CountSamples(context.Background()); n != 1 {
		t.Fatalf("expected 1 sample after sweep, got %d", n)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	svc, _ := newTestService(t, 0.5)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
