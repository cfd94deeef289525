package crash

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/splax/rollout/pkg/kv"
)

func sampleEvent(msg string) Event {
	return Event{
		Message:         msg,
		Stack:           "main.go:1",
		Platform:        "linux",
		Arch:            "amd64",
		RuntimeVersions: map[string]string{"go": "go1.24"},
		AppVersion:      "1.2.3",
	}
}

func TestSignatureDeterministic(t *testing.T) {
	a := Signature(sampleEvent("boom"))
	b := Signature(sampleEvent("boom"))
	if a != b {
		t.Fatalf("expected identical signatures, got %s and %s", a, b)
	}
	if len(a) != 16 {
		t.Fatalf("expected 16 hex chars, got %q", a)
	}
	if Signature(sampleEvent("other")) == a {
		t.Fatalf("expected different signature for different message")
	}
}

func TestNormalizeStackDropsVolatileParts(t *testing.T) {
	trace := "goroutine 42 [running]:\n" +
		"main.(*Loader).load(0xc000123450, {0x6b2c40, 0x3})\n" +
		"\t/src/app/loader.go:88 +0x1a5\n" +
		"panic({0x5f6f20?, 0xc000014070?})\n" +
		"\t/usr/local/go/src/runtime/panic.go:770 +0x132\n" +
		"created by main.start in goroutine 1\n" +
		"\t/src/app/main.go:20 +0x66\n"
	want := "main.(*Loader).load\n" +
		"/src/app/loader.go:88\n" +
		"panic\n" +
		"/usr/local/go/src/runtime/panic.go:770\n" +
		"created by main.start\n" +
		"/src/app/main.go:20"
	if got := NormalizeStack(trace); got != want {
		t.Fatalf("unexpected normalised stack:\n%s", got)
	}
	if NormalizeStack("at render (app.js:10:4)") != "at render (app.js:10:4)" {
		t.Fatal("non-Go lines must pass through")
	}
}

func failingInit() {
	panic(errors.New("nil config"))
}

// recoverOnGoroutine runs failingInit on a fresh goroutine and returns the
// stack captured by its recover.
func recoverOnGoroutine() []byte {
	var stack []byte
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if recover() != nil {
				stack = debug.Stack()
			}
		}()
		failingInit()
	}()
	<-done
	return stack
}

func TestSignatureGroupsSamePanicAcrossGoroutines(t *testing.T) {
	first, second := recoverOnGoroutine(), recoverOnGoroutine()
	if string(first) == string(second) {
		t.Fatal("raw stacks are expected to differ by goroutine id")
	}
	cause := errors.New("nil config")
	a := Signature(NewEvent(cause, first, "1.2.3"))
	b := Signature(NewEvent(cause, second, "1.2.3"))
	if a != b {
		t.Fatalf("same crash site produced signatures %s and %s", a, b)
	}
	other := Signature(NewEvent(cause, []byte("goroutine 1 [running]:\nmain.other()\n\t/src/app/other.go:3 +0x1\n"), "1.2.3"))
	if other == a {
		t.Fatal("different crash sites must not share a signature")
	}
}

func TestBundleCreateWritesMetaAndLogs(t *testing.T) {
	reports := t.TempDir()
	logs := t.TempDir()
	for i := 1; i <= 4; i++ {
		name := filepath.Join(logs, "app-"+strconv.Itoa(i)+".log")
		if err := os.WriteFile(name, []byte("line\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	var tail strings.Builder
	for i := 0; i < 150; i++ {
		tail.WriteString("entry " + strconv.Itoa(i) + "\n")
	}
	if err := os.WriteFile(filepath.Join(logs, "app-5.log"), []byte(tail.String()), 0o644); err != nil {
		t.Fatal(err)
	}
	_ = os.WriteFile(filepath.Join(logs, "notes.txt"), []byte("skip"), 0o644)

	b := NewBundles(reports, logs, nil)
	bundle, err := b.Create(sampleEvent("boom"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasPrefix(filepath.Base(bundle.Path), "safe-mode-") || !strings.HasSuffix(bundle.Path, bundle.Signature) {
		t.Fatalf("unexpected bundle path %s", bundle.Path)
	}
	if _, err := os.Stat(filepath.Join(bundle.Path, "meta.json")); err != nil {
		t.Fatalf("meta.json missing: %v", err)
	}
	copied, err := os.ReadDir(filepath.Join(bundle.Path, "logs"))
	if err != nil {
		t.Fatalf("logs dir: %v", err)
	}
	if len(copied) != 3 || copied[0].Name() != "app-3.log" {
		t.Fatalf("expected last three logs, got %v", copied)
	}
	content, err := os.ReadFile(filepath.Join(bundle.Path, "log-tail.txt"))
	if err != nil {
		t.Fatalf("log tail: %v", err)
	}
	lines := strings.Split(string(content), "\n")
	if len(lines) != 100 {
		t.Fatalf("expected 100 tail lines, got %d", len(lines))
	}

	listed, err := b.List()
	if err != nil || len(listed) != 1 || listed[0].Signature != bundle.Signature {
		t.Fatalf("unexpected list %v %v", listed, err)
	}
}

func TestBundleCreateWithoutLogDir(t *testing.T) {
	b := NewBundles(t.TempDir(), filepath.Join(t.TempDir(), "missing"), nil)
	bundle, err := b.Create(sampleEvent("boom"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := os.Stat(filepath.Join(bundle.Path, "log-tail.txt")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected no log tail, got %v", err)
	}
}

func makeBundles(t *testing.T, dir string, sigs ...string) {
	t.Helper()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, sig := range sigs {
		name := bundlePrefix + base.Add(time.Duration(i)*time.Minute).Format(bundleTimeFmt) + "-" + sig
		if err := os.MkdirAll(filepath.Join(dir, name), 0o755); err != nil {
			t.Fatal(err)
		}
	}
}

func TestShouldEnterSafeMode(t *testing.T) {
	cases := []struct {
		name string
		sigs []string
		want bool
	}{
		{"empty", nil, false},
		{"two repeats", []string{"aaaa", "aaaa"}, false},
		{"three repeats", []string{"aaaa", "bbbb", "aaaa", "aaaa"}, true},
		{"repeats outside lookback", []string{"aaaa", "aaaa", "aaaa", "b1", "b2", "b3", "b4", "b5"}, false},
		{"mixed", []string{"a", "b", "c", "a", "b"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			makeBundles(t, dir, tc.sigs...)
			if got := ShouldEnterSafeMode(dir); got != tc.want {
				t.Fatalf("ShouldEnterSafeMode = %v, want %v", got, tc.want)
			}
		})
	}
	if ShouldEnterSafeMode(filepath.Join(t.TempDir(), "nope")) {
		t.Fatalf("missing dir must not trip safe mode")
	}
}

func TestRecoveryManagerTransitions(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	m := NewRecoveryManager(store, nil)
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	if mode, _ := m.Mode(ctx); mode != ModeNormal {
		t.Fatalf("expected normal, got %s", mode)
	}

	for i, want := range []Mode{ModeDegraded, ModeDegraded, ModeSafe} {
		state, err := m.RecordCrash(ctx)
		if err != nil {
			t.Fatalf("record: %v", err)
		}
		if state.CrashCount != i+1 {
			t.Fatalf("expected count %d, got %d", i+1, state.CrashCount)
		}
		if mode, _ := m.Mode(ctx); mode != want {
			t.Fatalf("crash %d: expected %s, got %s", i+1, want, mode)
		}
		now = now.Add(10 * time.Minute)
	}
	if !m.SafeModeRequested(ctx) {
		t.Fatalf("expected safe mode flag to be persisted")
	}

	now = now.Add(2 * time.Hour)
	status, err := m.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Mode != ModeNormal || status.CrashCount != 0 {
		t.Fatalf("expected reset after quiet period, got %+v", status)
	}
	if !status.SafeModeRequested {
		t.Fatalf("safe mode flag survives until cleared")
	}
	if err := m.ClearSafeMode(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if m.SafeModeRequested(ctx) {
		t.Fatalf("expected flag cleared")
	}
}

func TestRecoveryManagerRestartsAfterQuietPeriod(t *testing.T) {
	ctx := context.Background()
	m := NewRecoveryManager(kv.NewMemoryStore(), nil)
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	_, _ = m.RecordCrash(ctx)
	_, _ = m.RecordCrash(ctx)
	now = now.Add(61 * time.Minute)
	state, err := m.RecordCrash(ctx)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if state.CrashCount != 1 || !state.FirstCrashTime.Equal(now) {
		t.Fatalf("expected fresh counter, got %+v", state)
	}
}

func TestHandlerContainsFailuresAndRelaunches(t *testing.T) {
	ctx := context.Background()
	reports := t.TempDir()
	var relaunched atomic.Int32
	done := make(chan struct{})
	h := NewHandler(
		NewRecoveryManager(kv.NewMemoryStore(), nil),
		NewBundles(reports, "", nil),
		"1.0.0",
		nil,
		WithRelaunchDelay(10*time.Millisecond),
		WithRelaunch(func() {
			relaunched.Add(1)
			close(done)
			panic("relaunch failure is contained")
		}),
	)
	defer h.Close()

	func() {
		defer h.Recover(ctx)
		panic(errors.New("kaboom"))
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("relaunch was not scheduled")
	}
	if relaunched.Load() != 1 {
		t.Fatalf("expected one relaunch, got %d", relaunched.Load())
	}
	bundles, err := NewBundles(reports, "", nil).List()
	if err != nil || len(bundles) != 1 {
		t.Fatalf("expected one bundle, got %v %v", bundles, err)
	}
}

func TestHandlerEntersSafeModeOnRepeatedSignature(t *testing.T) {
	ctx := context.Background()
	reports := t.TempDir()
	bundles := NewBundles(reports, "", nil)
	tick := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bundles.now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}
	h := NewHandler(nil, bundles, "1.0.0", nil)

	var out Outcome
	for i := 0; i < 3; i++ {
		out = h.Handle(ctx, "same failure", []byte("stack"))
	}
	if !out.SafeMode {
		t.Fatalf("expected safe mode after three identical crashes, got %+v", out)
	}
}
