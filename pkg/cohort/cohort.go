// Package cohort assigns installations to the canary or stable update
// cohort. Assignment is sticky: once persisted, the cohort only changes
// through an explicit operator override.
package cohort

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/splax/rollout/pkg/kv"
)

// Cohort names the update channel an installation follows.
type Cohort string

const (
	Canary Cohort = "canary"
	Stable Cohort = "stable"
)

// Assignment sources recorded alongside the cohort.
const (
	SourceRandom   = "random"
	SourceOperator = "operator"
	SourceReported = "reported"
	SourceLegacy   = "legacy"
)

const (
	// RecordVersion is the current persisted record layout.
	RecordVersion = 1

	DefaultCanaryPercent = 0.10
	DefaultKey           = "update_cohort"
	DefaultStableFeedURL = "https://downloads.example.com/releases/stable/"
	DefaultCanaryFeedURL = "https://downloads.example.com/releases/canary/"
)

// ErrInvalidCohort is returned when a value is neither canary nor stable.
var ErrInvalidCohort = errors.New(`invalid cohort: must be "canary" or "stable"`)

// Parse validates a cohort name.
func Parse(value string) (Cohort, error) {
	switch Cohort(strings.ToLower(strings.TrimSpace(value))) {
	case Canary:
		return Canary, nil
	case Stable:
		return Stable, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidCohort, value)
	}
}

// Valid reports whether c is a known cohort.
func (c Cohort) Valid() bool {
	return c == Canary || c == Stable
}

// Record is the persisted assignment. Version 0 marks a legacy bare value.
type Record struct {
	Version       int       `json:"version"`
	Cohort        Cohort    `json:"cohort"`
	CanaryPercent float64   `json:"canaryPercent"`
	AssignedAt    time.Time `json:"assignedAt"`
	Source        string    `json:"source"`
}

// Status is the read-only view exposed to the host application.
type Status struct {
	Cohort     Cohort    `json:"cohort"`
	IsCanary   bool      `json:"isCanary"`
	FeedURL    string    `json:"feedUrl"`
	AssignedAt time.Time `json:"assignedAt"`
	Source     string    `json:"source"`
}

// Assigner owns the cohort of a single installation.
type Assigner struct {
	store         kv.Store
	key           string
	canaryPercent float64
	stableFeedURL string
	canaryFeedURL string
	logger        *slog.Logger
	now           func() time.Time

	mu     sync.Mutex
	random func() float64
}

// Option customises an Assigner.
type Option func(*Assigner)

// WithKey overrides the store key holding the record.
func WithKey(key string) Option {
	return func(a *Assigner) {
		if strings.TrimSpace(key) != "" {
			a.key = key
		}
	}
}

// WithCanaryPercent sets the probability of a new installation landing in canary.
func WithCanaryPercent(p float64) Option {
	return func(a *Assigner) {
		if p >= 0 && p <= 1 {
			a.canaryPercent = p
		}
	}
}

// WithFeedURLs overrides the per-cohort update feed locations.
func WithFeedURLs(stable, canary string) Option {
	return func(a *Assigner) {
		if strings.TrimSpace(stable) != "" {
			a.stableFeedURL = stable
		}
		if strings.TrimSpace(canary) != "" {
			a.canaryFeedURL = canary
		}
	}
}

// WithRandom injects the uniform [0,1) source used for the Bernoulli draw.
func WithRandom(fn func() float64) Option {
	return func(a *Assigner) {
		if fn != nil {
			a.random = fn
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Assigner) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Assigner) {
		if now != nil {
			a.now = now
		}
	}
}

// NewAssigner returns an Assigner persisting into store.
func NewAssigner(store kv.Store, opts ...Option) *Assigner {
	a := &Assigner{
		store:         store,
		key:           DefaultKey,
		canaryPercent: DefaultCanaryPercent,
		stableFeedURL: DefaultStableFeedURL,
		canaryFeedURL: DefaultCanaryFeedURL,
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:           time.Now,
		random:        rand.Float64,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "cohort")
	return a
}

// Current returns the persisted record without assigning one. It returns
// kv.ErrNotFound when the installation has not been assigned yet.
func (a *Assigner) Current(ctx context.Context) (Record, error) {
	raw, err := a.store.Get(ctx, a.key)
	if err != nil {
		return Record{}, err
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return Record{}, err
	}
	if rec.Version < RecordVersion {
		rec = a.upgrade(ctx, rec)
	}
	return rec, nil
}

// GetOrAssign returns the sticky cohort, drawing and persisting one on first use.
func (a *Assigner) GetOrAssign(ctx context.Context) (Cohort, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.resolveLocked(ctx, "")
}

// Adopt persists a cohort reported by another party only when no record
// exists yet. The stored cohort is returned either way.
func (a *Assigner) Adopt(ctx context.Context, reported Cohort) (Cohort, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.resolveLocked(ctx, reported)
}

func (a *Assigner) resolveLocked(ctx context.Context, reported Cohort) (Cohort, error) {
	rec, err := a.Current(ctx)
	if err == nil {
		return rec.Cohort, nil
	}
	if !errors.Is(err, kv.ErrNotFound) {
		return "", fmt.Errorf("read cohort: %w", err)
	}
	if reported.Valid() {
		if err := a.persist(ctx, reported, SourceReported); err != nil {
			return "", err
		}
		return reported, nil
	}
	assigned := Stable
	if a.random() < a.canaryPercent {
		assigned = Canary
	}
	if err := a.persist(ctx, assigned, SourceRandom); err != nil {
		return "", err
	}
	a.logger.Info("assigned cohort", "cohort", assigned, "canary_percent", a.canaryPercent)
	return assigned, nil
}

// Switch overwrites the persisted cohort. It is the only path that changes
// an existing assignment.
func (a *Assigner) Switch(ctx context.Context, value string) (Cohort, error) {
	next, err := Parse(value)
	if err != nil {
		return "", err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.persist(ctx, next, SourceOperator); err != nil {
		return "", err
	}
	a.logger.Info("cohort switched by operator", "cohort", next)
	return next, nil
}

// FeedURL maps a cohort to its update feed. It has no side effects.
func (a *Assigner) FeedURL(c Cohort) string {
	if c == Canary {
		return a.canaryFeedURL
	}
	return a.stableFeedURL
}

// Status reports the current assignment for the host application.
func (a *Assigner) Status(ctx context.Context) (Status, error) {
	c, err := a.GetOrAssign(ctx)
	if err != nil {
		return Status{}, err
	}
	rec, err := a.Current(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Cohort:     c,
		IsCanary:   c == Canary,
		FeedURL:    a.FeedURL(c),
		AssignedAt: rec.AssignedAt,
		Source:     rec.Source,
	}, nil
}

func (a *Assigner) persist(ctx context.Context, c Cohort, source string) error {
	rec := Record{
		Version:       RecordVersion,
		Cohort:        c,
		CanaryPercent: a.canaryPercent,
		AssignedAt:    a.now().UTC(),
		Source:        source,
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode cohort: %w", err)
	}
	if err := a.store.Set(ctx, a.key, payload); err != nil {
		return fmt.Errorf("persist cohort: %w", err)
	}
	return nil
}

// upgrade rewrites a legacy record in the current layout, keeping its cohort.
func (a *Assigner) upgrade(ctx context.Context, rec Record) Record {
	rec.Version = RecordVersion
	if rec.Source == "" {
		rec.Source = SourceLegacy
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return rec
	}
	if err := a.store.Set(ctx, a.key, payload); err != nil {
		a.logger.Warn("failed to upgrade legacy cohort record", "error", err)
	}
	return rec
}

func decodeRecord(raw []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(raw, &rec); err == nil && rec.Version > 0 {
		if !rec.Cohort.Valid() {
			return Record{}, fmt.Errorf("%w: stored %q", ErrInvalidCohort, rec.Cohort)
		}
		return rec, nil
	}
	var legacy string
	if err := json.Unmarshal(raw, &legacy); err != nil {
		legacy = string(raw)
	}
	c, err := Parse(legacy)
	if err != nil {
		return Record{}, fmt.Errorf("decode cohort record: %w", err)
	}
	return Record{Version: 0, Cohort: c}, nil
}
