package canary

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/splax/rollout/internal/domain"
	"github.com/splax/rollout/internal/notify"
	"github.com/splax/rollout/internal/release"
)

const defaultLockTimeout = 30 * time.Second

// Config configures a Runner.
type Config struct {
	Thresholds  Thresholds
	DryRun      bool
	LockTimeout time.Duration
}

// Runner executes the jobs one at a time under the release lock. Any failure
// is logged, reported to the sink and returned.
type Runner struct {
	store       *release.Store
	summaries   SummarySource
	sink        notify.Sink
	promoter    *Promoter
	rollback    *Rollback
	lockTimeout time.Duration
	logger      *slog.Logger
}

// NewRunner wires the promotion and rollback jobs around a release store.
func NewRunner(store *release.Store, summaries SummarySource, sink notify.Sink, cfg Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = defaultLockTimeout
	}
	return &Runner{
		store:       store,
		summaries:   summaries,
		sink:        sink,
		promoter:    NewPromoter(store, sink, cfg.Thresholds, cfg.DryRun, logger),
		rollback:    NewRollback(store, sink, cfg.Thresholds, cfg.DryRun, logger),
		lockTimeout: cfg.LockTimeout,
		logger:      logger.With("component", "canary_runner"),
	}
}

// Promote runs the promotion job.
func (r *Runner) Promote(ctx context.Context) (Result, error) {
	var res Result
	err := r.locked(ctx, "promotion", func(summary domain.Summary) error {
		var err error
		res, err = r.promoter.Run(ctx, summary)
		return err
	})
	return res, err
}

// Rollback runs the rollback job.
func (r *Runner) Rollback(ctx context.Context) (Result, error) {
	var res Result
	err := r.locked(ctx, "rollback", func(summary domain.Summary) error {
		var err error
		res, err = r.rollback.Run(ctx, summary)
		return err
	})
	return res, err
}

// Cycle runs rollback and then promotion against one summary under a single
// lock. Promotion is not attempted in a cycle that rolled back.
func (r *Runner) Cycle(ctx context.Context) (rolled, promoted Result, err error) {
	err = r.locked(ctx, "cycle", func(summary domain.Summary) error {
		var err error
		rolled, err = r.rollback.Run(ctx, summary)
		if err != nil {
			return fmt.Errorf("rollback: %w", err)
		}
		if rolled.Outcome == OutcomeRolledBack || rolled.Outcome == OutcomeDryRun {
			promoted = Result{Outcome: OutcomeSkipped, Reasons: []string{"rollback in progress"}}
			return nil
		}
		promoted, err = r.promoter.Run(ctx, summary)
		if err != nil {
			return fmt.Errorf("promotion: %w", err)
		}
		return nil
	})
	return rolled, promoted, err
}

// Status reports the rollout state and the versions currently published.
type Status struct {
	State  domain.RolloutState `json:"state"`
	Stable release.Feed        `json:"stable"`
	Canary release.Feed        `json:"canary"`
}

// Status reads state without taking the lock.
func (r *Runner) Status() (Status, error) {
	state, err := r.store.State()
	if err != nil {
		return Status{}, err
	}
	out := Status{State: state}
	if out.Stable, err = r.store.Metadata(release.Stable); err != nil && !errors.Is(err, release.ErrFeedMissing) {
		return Status{}, err
	}
	if out.Canary, err = r.store.Metadata(release.Canary); err != nil && !errors.Is(err, release.ErrFeedMissing) {
		return Status{}, err
	}
	return out, nil
}

// FailureMessage is the notification text for a failed job.
func FailureMessage(job string, err error) string {
	return fmt.Sprintf("Canary %s failed: %v", job, err)
}

func (r *Runner) locked(ctx context.Context, job string, fn func(domain.Summary) error) (err error) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
		if err != nil {
			r.logger.Error("canary job failed", "job", job, "error", err)
			if r.sink != nil {
				if nerr := r.sink.Notify(ctx, FailureMessage(job, err)); nerr != nil {
					r.logger.Warn("failure notification failed", "error", nerr)
				}
			}
			return
		}
		r.logger.Info("canary job finished", "job", job, "duration_ms", time.Since(start).Milliseconds())
	}()

	lock, err := r.store.Lock(ctx, r.lockTimeout)
	if err != nil {
		return err
	}
	defer func() {
		if uerr := lock.Unlock(); uerr != nil {
			r.logger.Warn("release unlock failed", "error", uerr)
		}
	}()

	summary, err := r.summaries.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("fetch telemetry summary: %w", err)
	}
	return fn(summary)
}
