package crash

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/splax/rollout/pkg/kv"
)

// Mode is the recovery state of an installation.
type Mode string

const (
	ModeNormal   Mode = "normal"
	ModeDegraded Mode = "degraded"
	ModeSafe     Mode = "safe_mode"
)

const (
	// QuietPeriod resets the crash counter when no crash occurred within it.
	QuietPeriod = time.Hour

	stateKey    = "crash_recovery"
	safeModeKey = "safe_mode_requested"
)

// State is the persisted crash counter.
type State struct {
	CrashCount     int       `json:"crashCount"`
	FirstCrashTime time.Time `json:"firstCrashTime,omitempty"`
	LastCrashTime  time.Time `json:"lastCrashTime,omitempty"`
	SafeMode       bool      `json:"safeMode"`
}

// Status is the host-facing view of the recovery manager.
type Status struct {
	Mode              Mode      `json:"mode"`
	CrashCount        int       `json:"crashCount"`
	FirstCrashTime    time.Time `json:"firstCrashTime,omitempty"`
	LastCrashTime     time.Time `json:"lastCrashTime,omitempty"`
	SafeModeRequested bool      `json:"safeModeRequested"`
}

// RecoveryManager tracks crash frequency across restarts.
type RecoveryManager struct {
	store  kv.Store
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex
}

// NewRecoveryManager returns a manager persisting into store.
func NewRecoveryManager(store kv.Store, logger *slog.Logger) *RecoveryManager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &RecoveryManager{
		store:  store,
		logger: logger.With("component", "crash_recovery"),
		now:    time.Now,
	}
}

// RecordCrash counts a crash and returns the resulting state. Crossing into
// safe mode persists the safe-mode request for the next launch.
func (m *RecoveryManager) RecordCrash(ctx context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := m.load(ctx)
	if err != nil {
		return State{}, err
	}
	now := m.now().UTC()
	if state.CrashCount == 0 || now.Sub(state.LastCrashTime) > QuietPeriod {
		state = State{CrashCount: 1, FirstCrashTime: now}
	} else {
		state.CrashCount++
	}
	state.LastCrashTime = now
	state.SafeMode = modeOf(state) == ModeSafe

	if err := m.save(ctx, state); err != nil {
		return state, err
	}
	if state.SafeMode {
		if err := m.RequestSafeMode(ctx); err != nil {
			return state, err
		}
		m.logger.Warn("entering safe mode after repeated crashes", "crash_count", state.CrashCount)
	}
	return state, nil
}

// Mode returns the current mode, resetting the counter once the quiet period
// has elapsed since the last crash.
func (m *RecoveryManager) Mode(ctx context.Context) (Mode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, err := m.current(ctx)
	if err != nil {
		return ModeNormal, err
	}
	return modeOf(state), nil
}

// ShouldEnterSafeMode reports whether the counter policy demands safe mode.
func (m *RecoveryManager) ShouldEnterSafeMode(ctx context.Context) bool {
	mode, err := m.Mode(ctx)
	return err == nil && mode == ModeSafe
}

// Reset clears the crash counter.
func (m *RecoveryManager) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.Delete(ctx, stateKey); err != nil && !errors.Is(err, kv.ErrNotFound) {
		return fmt.Errorf("reset crash state: %w", err)
	}
	return nil
}

// RequestSafeMode sets the flag the host reads at next launch.
func (m *RecoveryManager) RequestSafeMode(ctx context.Context) error {
	if err := m.store.Set(ctx, safeModeKey, []byte("true")); err != nil {
		return fmt.Errorf("persist safe mode flag: %w", err)
	}
	return nil
}

// SafeModeRequested reports whether a previous run asked for safe mode.
func (m *RecoveryManager) SafeModeRequested(ctx context.Context) bool {
	raw, err := m.store.Get(ctx, safeModeKey)
	if err != nil {
		return false
	}
	var requested bool
	return json.Unmarshal(raw, &requested) == nil && requested
}

// ClearSafeMode removes the safe-mode request.
func (m *RecoveryManager) ClearSafeMode(ctx context.Context) error {
	if err := m.store.Delete(ctx, safeModeKey); err != nil && !errors.Is(err, kv.ErrNotFound) {
		return fmt.Errorf("clear safe mode flag: %w", err)
	}
	return nil
}

// Status reports the crash counter and safe-mode flag.
func (m *RecoveryManager) Status(ctx context.Context) (Status, error) {
	m.mu.Lock()
	state, err := m.current(ctx)
	m.mu.Unlock()
	if err != nil {
		return Status{}, err
	}
	return Status{
		Mode:              modeOf(state),
		CrashCount:        state.CrashCount,
		FirstCrashTime:    state.FirstCrashTime,
		LastCrashTime:     state.LastCrashTime,
		SafeModeRequested: m.SafeModeRequested(ctx),
	}, nil
}

// current loads the state and applies the quiet-period reset. Callers hold mu.
func (m *RecoveryManager) current(ctx context.Context) (State, error) {
	state, err := m.load(ctx)
	if err != nil {
		return State{}, err
	}
	if state.CrashCount > 0 && m.now().UTC().Sub(state.LastCrashTime) > QuietPeriod {
		if err := m.store.Delete(ctx, stateKey); err != nil && !errors.Is(err, kv.ErrNotFound) {
			m.logger.Warn("failed to reset crash state", "error", err)
		}
		return State{}, nil
	}
	return state, nil
}

func (m *RecoveryManager) load(ctx context.Context) (State, error) {
	raw, err := m.store.Get(ctx, stateKey)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return State{}, nil
		}
		return State{}, fmt.Errorf("read crash state: %w", err)
	}
	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		m.logger.Warn("discarding corrupt crash state", "error", err)
		return State{}, nil
	}
	return state, nil
}

func (m *RecoveryManager) save(ctx context.Context, state State) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode crash state: %w", err)
	}
	if err := m.store.Set(ctx, stateKey, payload); err != nil {
		return fmt.Errorf("persist crash state: %w", err)
	}
	return nil
}

func modeOf(state State) Mode {
	switch {
	case state.CrashCount >= 3 && state.LastCrashTime.Sub(state.FirstCrashTime) <= QuietPeriod:
		return ModeSafe
	case state.CrashCount >= 1:
		return ModeDegraded
	default:
		return ModeNormal
	}
}
