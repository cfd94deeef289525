package canary

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/splax/rollout/internal/domain"
	"github.com/splax/rollout/internal/notify"
	"github.com/splax/rollout/internal/release"
)

// Outcome classifies what a job run did.
type Outcome string

const (
	OutcomeSkipped    Outcome = "skipped"
	OutcomeNoop       Outcome = "noop"
	OutcomeDryRun     Outcome = "dry_run"
	OutcomePromoted   Outcome = "promoted"
	OutcomeRolledBack Outcome = "rolled_back"
)

// Result describes a promotion or rollback run.
type Result struct {
	Outcome Outcome
	Version string
	Target  string
	Reasons []string
}

// Promoter copies the canary feed to the stable channel when the canary is
// healthy. Callers hold the release lock.
type Promoter struct {
	store      *release.Store
	sink       notify.Sink
	thresholds Thresholds
	dryRun     bool
	logger     *slog.Logger
}

// NewPromoter constructs a Promoter.
func NewPromoter(store *release.Store, sink notify.Sink, th Thresholds, dryRun bool, logger *slog.Logger) *Promoter {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Promoter{
		store:      store,
		sink:       sink,
		thresholds: th.withDefaults(),
		dryRun:     dryRun,
		logger:     logger.With("component", "canary_promote"),
	}
}

// Run evaluates summary and promotes the canary version when every gate
// passes. Re-promoting an already published version writes nothing and
// sends nothing.
func (p *Promoter) Run(ctx context.Context, summary domain.Summary) (Result, error) {
	canary, stable := summary.Cohorts.Canary, summary.Cohorts.Stable
	version := strings.TrimSpace(summary.LatestCanaryVersion)
	p.logger.Info("evaluating promotion",
		"version", version,
		"canary_samples", canary.SampleCount,
		"canary_online", canary.AgentOnlineRate,
		"canary_crash", canary.CrashRate,
		"stable_samples", stable.SampleCount,
		"stable_online", stable.AgentOnlineRate,
		"stable_crash", stable.CrashRate,
	)
	if version == "" {
		p.logger.Info("no canary version reported, skipping promotion")
		return Result{Outcome: OutcomeSkipped, Reasons: []string{"no canary version reported"}}, nil
	}

	decision := EvaluatePromotion(canary, stable, p.thresholds)
	if !decision.Eligible {
		p.logger.Info("canary does not meet promotion criteria", "version", version, "reasons", decision.Reasons)
		return Result{Outcome: OutcomeSkipped, Version: version, Reasons: decision.Reasons}, nil
	}

	meta, err := p.store.Metadata(release.Canary)
	if err != nil {
		return Result{}, fmt.Errorf("canary files not found for version %s: %w", version, err)
	}
	if reason := feedMismatch(meta, version); reason != "" {
		p.logger.Warn("canary feed does not hold the reported version, skipping promotion", "version", version, "reason", reason)
		return Result{Outcome: OutcomeSkipped, Version: version, Reasons: []string{reason}}, nil
	}

	planned, err := p.plan(version)
	if err != nil {
		return Result{}, err
	}
	if p.alreadyPublished(planned) {
		p.logger.Info("canary already promoted", "version", version)
		return Result{Outcome: OutcomeNoop, Version: version}, nil
	}

	details := promotionDetails(canary, stable)
	if p.dryRun {
		p.logger.Info("dry run: would promote canary", "version", version)
		p.notify(ctx, fmt.Sprintf("(dry-run) Canary eligible for promotion: would promote %s → stable\n%s", version, details))
		return Result{Outcome: OutcomeDryRun, Version: version}, nil
	}

	if _, err := p.store.WriteChannel(release.Stable, planned); err != nil {
		return Result{}, fmt.Errorf("publish stable: %w", err)
	}
	state, err := p.store.State()
	if err != nil {
		return Result{}, err
	}
	now := p.store.Now()
	state.LatestCanaryVersion = version
	state.LastKnownGoodVersion = version
	state.LastPromotedAt = &now
	if err := p.store.SaveState(state); err != nil {
		return Result{}, fmt.Errorf("save rollout state: %w", err)
	}

	p.logger.Info("promoted canary to stable", "version", version)
	p.notify(ctx, fmt.Sprintf("Promoted canary %s → stable\n%s", version, details))
	return Result{Outcome: OutcomePromoted, Version: version}, nil
}

// plan renders the stable feed files that promoting version would publish.
func (p *Promoter) plan(version string) (map[string][]byte, error) {
	source, err := p.store.ReadChannel(release.Canary)
	if err != nil {
		return nil, fmt.Errorf("canary files not found for version %s: %w", version, err)
	}
	out := make(map[string][]byte, len(source))
	for name, data := range source {
		stamped, err := release.StampFeed(data, release.Stamp{Version: version})
		if err != nil {
			return nil, fmt.Errorf("stamp %s: %w", name, err)
		}
		out[name] = stamped
	}
	return out, nil
}

// feedMismatch explains why the canary feed cannot be promoted as version,
// or returns "" when it can.
func feedMismatch(meta release.Feed, version string) string {
	if meta.Rollback {
		return fmt.Sprintf("canary channel is rolled back to %s", displayVersion(meta.Version))
	}
	if normalizeVersion(meta.Version) != normalizeVersion(version) {
		return fmt.Sprintf("canary feed publishes %s, telemetry reports %s", displayVersion(meta.Version), version)
	}
	return ""
}

func normalizeVersion(v string) string {
	return strings.TrimPrefix(strings.TrimSpace(v), "v")
}

func (p *Promoter) alreadyPublished(planned map[string][]byte) bool {
	for _, name := range release.FeedFiles {
		current, err := p.store.ReadFeed(release.Stable, name)
		if err != nil || !bytes.Equal(current, planned[name]) {
			return false
		}
	}
	return true
}

func (p *Promoter) notify(ctx context.Context, text string) {
	if p.sink == nil {
		return
	}
	if err := p.sink.Notify(ctx, text); err != nil {
		p.logger.Warn("promotion notification failed", "error", err)
	}
}

func promotionDetails(canary, stable domain.CohortMetrics) string {
	return fmt.Sprintf("Canary online: %s vs Stable: %s\nCrash rate - Canary: %s vs Stable: %s\nSamples - Canary: %d vs Stable: %d",
		percent(canary.AgentOnlineRate, 1), percent(stable.AgentOnlineRate, 1),
		percent(canary.CrashRate, 3), percent(stable.CrashRate, 3),
		canary.SampleCount, stable.SampleCount)
}
