package canary

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/splax/rollout/internal/domain"
	"github.com/splax/rollout/internal/notify"
	"github.com/splax/rollout/internal/release"
)

// ErrNoRollbackTarget is returned when no known good version can be found.
var ErrNoRollbackTarget = errors.New("canary: no rollback version available")

const rollbackReason = "crash spike"

// Rollback pins the canary channel back to the last known good release when
// the canary shows a crash spike. Callers hold the release lock.
type Rollback struct {
	store      *release.Store
	sink       notify.Sink
	thresholds Thresholds
	dryRun     bool
	logger     *slog.Logger
}

// NewRollback constructs a Rollback job.
func NewRollback(store *release.Store, sink notify.Sink, th Thresholds, dryRun bool, logger *slog.Logger) *Rollback {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Rollback{
		store:      store,
		sink:       sink,
		thresholds: th.withDefaults(),
		dryRun:     dryRun,
		logger:     logger.With("component", "canary_rollback"),
	}
}

// Run evaluates summary and rolls the canary channel back on a crash spike.
func (r *Rollback) Run(ctx context.Context, summary domain.Summary) (Result, error) {
	canary := summary.Cohorts.Canary
	from := strings.TrimSpace(summary.LatestCanaryVersion)
	r.logger.Info("checking canary crash rate", "version", from, "canary_samples", canary.SampleCount, "canary_crash", canary.CrashRate)

	spike, reason := ShouldRollback(canary, r.thresholds)
	if !spike {
		r.logger.Info("no crash spike detected", "reason", reason)
		return Result{Outcome: OutcomeSkipped, Version: from, Reasons: []string{reason}}, nil
	}
	r.logger.Warn("canary crash spike detected", "version", from, "reason", reason)

	target, err := r.target()
	if err != nil {
		return Result{}, err
	}
	if meta, err := r.store.Metadata(release.Canary); err == nil && meta.Rollback && meta.Version == target {
		r.logger.Info("canary already rolled back", "target", target)
		return Result{Outcome: OutcomeNoop, Version: from, Target: target}, nil
	}

	planned, err := r.plan(target, from)
	if err != nil {
		return Result{}, err
	}
	headline := fmt.Sprintf("Canary crash spike detected (%s). Rolling back %s → %s", percent(canary.CrashRate, 2), displayVersion(from), target)
	if r.dryRun {
		r.logger.Info("dry run: would roll back canary", "from", from, "target", target)
		r.notify(ctx, "(dry-run) "+headline)
		return Result{Outcome: OutcomeDryRun, Version: from, Target: target}, nil
	}

	if _, err := r.store.WriteChannel(release.Canary, planned); err != nil {
		return Result{}, fmt.Errorf("publish canary: %w", err)
	}
	rec := domain.RollbackRecord{
		Version:      target,
		RollbackTime: r.store.Now(),
		Reason:       rollbackReason,
		From:         from,
	}
	if err := r.store.SaveRollbackRecord(rec); err != nil {
		return Result{}, fmt.Errorf("save rollback record: %w", err)
	}
	state, err := r.store.State()
	if err != nil {
		return Result{}, err
	}
	state.LatestCanaryVersion = target
	if state.LastKnownGoodVersion == "" {
		state.LastKnownGoodVersion = target
	}
	state.RollbackHistory = append(state.RollbackHistory, rec)
	if err := r.store.SaveState(state); err != nil {
		return Result{}, fmt.Errorf("save rollout state: %w", err)
	}

	r.logger.Warn("rolled back canary", "from", from, "target", target)
	r.notify(ctx, headline+"\nRolled back canary "+displayVersion(from)+" → "+target)
	return Result{Outcome: OutcomeRolledBack, Version: from, Target: target}, nil
}

// target resolves the rollback version: the recorded last known good
// version, then the last rollback record, then the published stable version.
func (r *Rollback) target() (string, error) {
	state, err := r.store.State()
	if err != nil {
		return "", err
	}
	if v := strings.TrimSpace(state.LastKnownGoodVersion); v != "" {
		return v, nil
	}
	rec, ok, err := r.store.RollbackRecord()
	if err != nil {
		return "", err
	}
	if v := strings.TrimSpace(rec.Version); ok && v != "" {
		return v, nil
	}
	meta, err := r.store.Metadata(release.Stable)
	if err != nil && !errors.Is(err, release.ErrFeedMissing) {
		return "", err
	}
	if v := strings.TrimSpace(meta.Version); v != "" {
		return v, nil
	}
	return "", ErrNoRollbackTarget
}

func (r *Rollback) plan(target, from string) (map[string][]byte, error) {
	source, err := r.store.ReadChannel(release.Stable)
	if err != nil {
		return nil, fmt.Errorf("stable files not found for rollback to %s: %w", target, err)
	}
	out := make(map[string][]byte, len(source))
	for name, data := range source {
		stamped, err := release.StampFeed(data, release.Stamp{Version: target, Rollback: true, RollbackFrom: from})
		if err != nil {
			return nil, fmt.Errorf("stamp %s: %w", name, err)
		}
		out[name] = stamped
	}
	return out, nil
}

func (r *Rollback) notify(ctx context.Context, text string) {
	if r.sink == nil {
		return
	}
	if err := r.sink.Notify(ctx, text); err != nil {
		r.logger.Warn("rollback notification failed", "error", err)
	}
}

func displayVersion(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
