package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/splax/rollout/pkg/cohort"
	"github.com/splax/rollout/pkg/crash"
)

const (
	AgentDebounce     = 2 * time.Second
	HeartbeatInterval = 30 * time.Minute
)

// CohortSource supplies the installation's cohort.
type CohortSource interface {
	GetOrAssign(ctx context.Context) (cohort.Cohort, error)
}

// CrashSource supplies the local crash counter.
type CrashSource interface {
	Status(ctx context.Context) (crash.Status, error)
}

type hostState struct {
	mu            sync.Mutex
	appVersion    string
	os            string
	agent         Agent
	license       License
	lastSignature string
	cohorts       CohortSource
	crashes       CrashSource

	debounce      *time.Timer
	debounceDelay time.Duration
	heartbeat     time.Duration
	stop          context.CancelFunc
	closed        bool
}

func (h *hostState) init() {
	h.os = HostOS()
	h.agent = Agent{Status: AgentOffline}
	h.license = License{Tier: "free"}
	h.debounceDelay = AgentDebounce
	h.heartbeat = HeartbeatInterval
}

// WithHost wires the application version and the local cohort and crash
// sources used by Snapshot. Either source may be nil.
func WithHost(appVersion string, cohorts CohortSource, crashes CrashSource) Option {
	return func(c *Client) {
		c.host.appVersion = appVersion
		c.host.cohorts = cohorts
		c.host.crashes = crashes
	}
}

// WithTriggerIntervals overrides the agent debounce and heartbeat periods.
func WithTriggerIntervals(debounce, heartbeat time.Duration) Option {
	return func(c *Client) {
		if debounce > 0 {
			c.host.debounceDelay = debounce
		}
		if heartbeat > 0 {
			c.host.heartbeat = heartbeat
		}
	}
}

// Snapshot builds a sample from the current host state.
func (c *Client) Snapshot(ctx context.Context) Sample {
	h := &c.host
	h.mu.Lock()
	sample := Sample{
		SchemaVersion: SchemaVersion,
		AppVersion:    h.appVersion,
		OS:            h.os,
		Agent:         h.agent,
		License:       h.license,
		Timestamp:     c.now().UTC(),
		InstallID:     c.installID,
	}
	cohorts, crashes, signature := h.cohorts, h.crashes, h.lastSignature
	h.mu.Unlock()

	if cohorts != nil {
		if assigned, err := cohorts.GetOrAssign(ctx); err == nil {
			sample.Cohort = string(assigned)
		} else {
			c.logger.Warn("cohort unavailable for snapshot", "error", err)
		}
	}
	if crashes != nil {
		if status, err := crashes.Status(ctx); err == nil {
			sample.Crash = &Crash{
				Count:     status.CrashCount,
				SafeMode:  status.Mode == crash.ModeSafe || status.SafeModeRequested,
				Signature: signature,
			}
		}
	}
	return sample
}

// OnAppReady sends a snapshot once the host has finished starting.
func (c *Client) OnAppReady(ctx context.Context) Result {
	return c.Send(ctx, c.Snapshot(ctx))
}

// OnLicenseChange records the new license and sends a snapshot.
func (c *Client) OnLicenseChange(ctx context.Context, license License) Result {
	c.host.mu.Lock()
	c.host.license = license
	c.host.mu.Unlock()
	return c.Send(ctx, c.Snapshot(ctx))
}

// OnCrash records the crash signature for subsequent snapshots.
func (c *Client) OnCrash(out crash.Outcome) {
	c.host.mu.Lock()
	c.host.lastSignature = out.Signature
	c.host.mu.Unlock()
}

// OnAgentStatusChange records the agent state and sends a snapshot once the
// state has been stable for the debounce period.
func (c *Client) OnAgentStatusChange(agent Agent) {
	h := &c.host
	h.mu.Lock()
	defer h.mu.Unlock()
	h.agent = agent
	if h.closed {
		return
	}
	if h.debounce != nil {
		h.debounce.Stop()
	}
	h.debounce = time.AfterFunc(h.debounceDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
		defer cancel()
		res := c.Send(ctx, c.Snapshot(ctx))
		c.logger.Debug("agent status telemetry", "result", res.Kind)
	})
}

// Start sends a heartbeat snapshot every heartbeat interval until ctx is
// cancelled or Close is called.
func (c *Client) Start(ctx context.Context) {
	h := &c.host
	h.mu.Lock()
	if h.closed || h.stop != nil {
		h.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	h.stop = cancel
	interval := h.heartbeat
	h.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sendCtx, cancelSend := context.WithTimeout(ctx, defaultTimeout)
				res := c.Send(sendCtx, c.Snapshot(sendCtx))
				cancelSend()
				c.logger.Debug("heartbeat telemetry", "result", res.Kind)
			}
		}
	}()
}

// Close cancels the pending debounce and the heartbeat.
func (c *Client) Close() {
	h := &c.host
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	if h.debounce != nil {
		h.debounce.Stop()
		h.debounce = nil
	}
	if h.stop != nil {
		h.stop()
		h.stop = nil
	}
}
