package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/splax/rollout/internal/canary"
	"github.com/splax/rollout/internal/notify"
	"github.com/splax/rollout/internal/release"
	"github.com/splax/rollout/pkg/config"
	"github.com/splax/rollout/pkg/logger"
)

var buildVersion = "dev"

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to load .env: %v\n", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(config.LoadCanaryConfig()).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(cfg config.CanaryConfig) *cobra.Command {
	var logLevel string
	root := &cobra.Command{
		Use:           "canaryctl",
		Short:         "Promote or roll back the canary release from live telemetry",
		Version:       buildVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&cfg.SummaryURL, "summary-url", cfg.SummaryURL, "telemetry summary endpoint")
	flags.StringVar(&cfg.ReleasesDir, "releases-dir", cfg.ReleasesDir, "release channel root directory")
	flags.StringVar(&cfg.SlackWebhookURL, "slack-webhook", cfg.SlackWebhookURL, "notification webhook URL")
	flags.BoolVar(&cfg.DryRun, "dry-run", cfg.DryRun, "decide and notify without touching feed files")
	flags.IntVar(&cfg.MinSamples, "min-samples", cfg.MinSamples, "minimum canary samples before any decision")
	flags.Float64Var(&cfg.CrashSpike, "crash-spike", cfg.CrashSpike, "canary crash rate that triggers rollback")
	flags.DurationVar(&cfg.LockTimeout, "lock-timeout", cfg.LockTimeout, "how long to wait for the release lock")
	flags.StringVar(&logLevel, "log-level", config.GetString("LOG_LEVEL", "info"), "log level (debug|info|warn|error)")

	// setup builds the runner for job. The sink is built first so that
	// setup failures of batch jobs are notified like run failures.
	setup := func(cmd *cobra.Command, job string) (*canary.Runner, *slog.Logger, error) {
		log := logger.New("canaryctl", logger.ParseLevel(logLevel))
		sink := notify.NewSlack(cfg.SlackWebhookURL, log)
		summaries, err := canary.NewSummaryClient(cfg.SummaryURL, cfg.DashboardToken, log, canary.WithRetryElapsed(cfg.FetchTimeout))
		if err != nil {
			log.Error("canary job setup failed", "job", job, "error", err)
			if nerr := sink.Notify(cmd.Context(), canary.FailureMessage(job, err)); nerr != nil {
				log.Warn("failure notification failed", "error", nerr)
			}
			return nil, nil, err
		}
		store := release.NewStore(cfg.ReleasesDir, log)
		runner := canary.NewRunner(store, summaries, sink, canary.Config{
			Thresholds: canary.Thresholds{
				MinSamples:     cfg.MinSamples,
				OnlineRateDiff: cfg.OnlineRateDiff,
				CrashRateDiff:  cfg.CrashRateDiff,
				CrashSpike:     cfg.CrashSpike,
			},
			DryRun:      cfg.DryRun,
			LockTimeout: cfg.LockTimeout,
		}, log)
		return runner, log, nil
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "promote",
			Short: "Promote the canary to stable when it meets every gate",
			RunE: func(cmd *cobra.Command, _ []string) error {
				runner, log, err := setup(cmd, "promotion")
				if err != nil {
					return report(cmd, err)
				}
				res, err := runner.Promote(cmd.Context())
				if err != nil {
					return report(cmd, err)
				}
				log.Info("promotion finished", "outcome", res.Outcome, "version", res.Version)
				return printJSON(cmd, res)
			},
		},
		&cobra.Command{
			Use:   "rollback",
			Short: "Roll the canary back to the last known good version on a crash spike",
			RunE: func(cmd *cobra.Command, _ []string) error {
				runner, log, err := setup(cmd, "rollback")
				if err != nil {
					return report(cmd, err)
				}
				res, err := runner.Rollback(cmd.Context())
				if err != nil {
					return report(cmd, err)
				}
				log.Info("rollback finished", "outcome", res.Outcome, "target", res.Target)
				return printJSON(cmd, res)
			},
		},
		&cobra.Command{
			Use:   "cycle",
			Short: "Run rollback then promotion under a single lock",
			RunE: func(cmd *cobra.Command, _ []string) error {
				runner, _, err := setup(cmd, "cycle")
				if err != nil {
					return report(cmd, err)
				}
				rolled, promoted, err := runner.Cycle(cmd.Context())
				if err != nil {
					return report(cmd, err)
				}
				return printJSON(cmd, map[string]canary.Result{"rollback": rolled, "promotion": promoted})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show rollout state and published channel versions",
			RunE: func(cmd *cobra.Command, _ []string) error {
				log := logger.New("canaryctl", logger.ParseLevel(logLevel))
				runner := canary.NewRunner(release.NewStore(cfg.ReleasesDir, log), nil, nil, canary.Config{}, log)
				status, err := runner.Status()
				if err != nil {
					return report(cmd, err)
				}
				return printJSON(cmd, status)
			},
		},
	)
	return root
}

func report(cmd *cobra.Command, err error) error {
	fmt.Fprintf(cmd.ErrOrStderr(), "error: %v\n", err)
	return err
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
