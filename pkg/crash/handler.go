package crash

import (
	"context"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// RelaunchDelay is the grace period before the host is asked to restart.
const RelaunchDelay = 2 * time.Second

// Outcome summarises what the handler did for one crash.
type Outcome struct {
	Signature  string `json:"signature"`
	BundlePath string `json:"bundlePath,omitempty"`
	CrashCount int    `json:"crashCount"`
	SafeMode   bool   `json:"safeMode"`
}

// Handler ties the recovery manager and bundle writer together for the
// host's top-level crash hooks.
type Handler struct {
	recovery   *RecoveryManager
	bundles    *Bundles
	appVersion string
	relaunch   func()
	delay      time.Duration
	logger     *slog.Logger

	mu    sync.Mutex
	timer *time.Timer
}

// HandlerOption customises a Handler.
type HandlerOption func(*Handler)

// WithRelaunch sets the function invoked after the grace period.
func WithRelaunch(fn func()) HandlerOption {
	return func(h *Handler) { h.relaunch = fn }
}

// WithRelaunchDelay overrides RelaunchDelay.
func WithRelaunchDelay(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d >= 0 {
			h.delay = d
		}
	}
}

// NewHandler returns a Handler. Either collaborator may be nil.
func NewHandler(recovery *RecoveryManager, bundles *Bundles, appVersion string, logger *slog.Logger, opts ...HandlerOption) *Handler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	h := &Handler{
		recovery:   recovery,
		bundles:    bundles,
		appVersion: appVersion,
		delay:      RelaunchDelay,
		logger:     logger.With("component", "crash_handler"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle records a crash. It never panics and never returns an error; each
// step runs inside its own recover boundary.
func (h *Handler) Handle(ctx context.Context, cause any, stack []byte) Outcome {
	var out Outcome
	var ev Event
	h.step("build event", func() {
		ev = NewEvent(cause, stack, h.appVersion)
		out.Signature = Signature(ev)
	})
	h.step("record crash", func() {
		if h.recovery == nil {
			return
		}
		state, err := h.recovery.RecordCrash(ctx)
		if err != nil {
			h.logger.Error("failed to record crash", "error", err)
		}
		out.CrashCount = state.CrashCount
		out.SafeMode = state.SafeMode
	})
	h.step("write bundle", func() {
		if h.bundles == nil {
			return
		}
		bundle, err := h.bundles.Create(ev)
		if bundle.Path != "" {
			out.BundlePath = bundle.Path
		}
		if err != nil {
			h.logger.Error("crash bundle failed", "error", err)
		}
	})
	h.step("evaluate safe mode", func() {
		if out.SafeMode || h.bundles == nil {
			return
		}
		if ShouldEnterSafeMode(h.bundles.Dir()) {
			out.SafeMode = true
			if h.recovery != nil {
				if err := h.recovery.RequestSafeMode(ctx); err != nil {
					h.logger.Error("failed to request safe mode", "error", err)
				}
			}
		}
	})
	h.step("schedule relaunch", h.scheduleRelaunch)

	h.logger.Error("crash handled",
		"signature", out.Signature,
		"bundle", out.BundlePath,
		"crash_count", out.CrashCount,
		"safe_mode", out.SafeMode,
	)
	return out
}

// Recover is meant to be deferred at the top of a goroutine. It handles a
// panic if one is in flight and swallows it.
func (h *Handler) Recover(ctx context.Context) {
	if r := recover(); r != nil {
		h.Handle(ctx, r, debug.Stack())
	}
}

// Close cancels a pending relaunch.
func (h *Handler) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}

func (h *Handler) scheduleRelaunch() {
	if h.relaunch == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.timer != nil {
		return
	}
	relaunch := h.relaunch
	h.timer = time.AfterFunc(h.delay, func() {
		h.step("relaunch", relaunch)
	})
}

func (h *Handler) step(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("crash handler step panicked", "step", name, "panic", r)
		}
	}()
	fn()
}
