package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/splax/rollout/pkg/cohort"
	"github.com/splax/rollout/pkg/config"
	"github.com/splax/rollout/pkg/crash"
	"github.com/splax/rollout/pkg/kv"
	"github.com/splax/rollout/pkg/logger"
	"github.com/splax/rollout/pkg/telemetry"
)

var buildVersion = "dev"

const installIDKey = "install_id"

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to load .env: %v\n", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(config.LoadClientConfig()).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// host bundles the installation-local components every subcommand uses.
type host struct {
	cfg      config.ClientConfig
	log      *slog.Logger
	store    kv.Store
	cohorts  *cohort.Assigner
	recovery *crash.RecoveryManager
	bundles  *crash.Bundles
}

func openHost(cfg config.ClientConfig, log *slog.Logger) (*host, error) {
	store, err := kv.NewFileStore(filepath.Join(cfg.StateDir, "state.json"))
	if err != nil {
		return nil, err
	}
	return &host{
		cfg:   cfg,
		log:   log,
		store: store,
		cohorts: cohort.NewAssigner(store,
			cohort.WithCanaryPercent(cfg.CanaryPercent),
			cohort.WithFeedURLs(cfg.StableFeedURL, cfg.CanaryFeedURL),
			cohort.WithLogger(log),
		),
		recovery: crash.NewRecoveryManager(store, log),
		bundles:  crash.NewBundles(filepath.Join(cfg.StateDir, "crash-reports"), cfg.LogDir, log),
	}, nil
}

// installID returns the persisted installation identifier, creating one on
// first use.
func (h *host) installID(ctx context.Context) (string, error) {
	raw, err := h.store.Get(ctx, installIDKey)
	if err == nil {
		var id string
		if json.Unmarshal(raw, &id) == nil && id != "" {
			return id, nil
		}
	} else if !errors.Is(err, kv.ErrNotFound) {
		return "", err
	}
	id := uuid.NewString()
	payload, _ := json.Marshal(id)
	if err := h.store.Set(ctx, installIDKey, payload); err != nil {
		return "", err
	}
	return id, nil
}

func (h *host) telemetryClient(ctx context.Context) (*telemetry.Client, error) {
	id, err := h.installID(ctx)
	if err != nil {
		return nil, err
	}
	return telemetry.NewClient(h.cfg.Endpoint,
		telemetry.WithInstallID(id),
		telemetry.WithKillSwitch(!h.cfg.TelemetryEnabled),
		telemetry.WithLogger(h.log),
		telemetry.WithHost(h.cfg.AppVersion, h.cohorts, h.recovery),
	)
}

func newRootCmd(cfg config.ClientConfig) *cobra.Command {
	var logLevel string
	root := &cobra.Command{
		Use:           "installctl",
		Short:         "Inspect and manage this installation's rollout state",
		Version:       buildVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "installation state directory")
	root.PersistentFlags().StringVar(&logLevel, "log-level", config.GetString("LOG_LEVEL", "warn"), "log level (debug|info|warn|error)")

	withHost := func(fn func(cmd *cobra.Command, h *host, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			h, err := openHost(cfg, logger.New("installctl", logger.ParseLevel(logLevel)))
			if err == nil {
				err = fn(cmd, h, args)
			}
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "error: %v\n", err)
			}
			return err
		}
	}

	cohortCmd := &cobra.Command{Use: "cohort", Short: "Read or override the update cohort"}
	cohortCmd.AddCommand(
		&cobra.Command{
			Use:   "get",
			Short: "Show the assigned cohort, assigning one if needed",
			RunE: withHost(func(cmd *cobra.Command, h *host, _ []string) error {
				status, err := h.cohorts.Status(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd, status)
			}),
		},
		&cobra.Command{
			Use:   "switch <canary|stable>",
			Short: "Override the cohort for this installation",
			Args:  cobra.ExactArgs(1),
			RunE: withHost(func(cmd *cobra.Command, h *host, args []string) error {
				if _, err := h.cohorts.Switch(cmd.Context(), args[0]); err != nil {
					return err
				}
				status, err := h.cohorts.Status(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd, status)
			}),
		},
	)

	recoveryCmd := &cobra.Command{Use: "recovery", Short: "Crash recovery and safe mode"}
	recoveryCmd.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Show crash counters and the current mode",
			RunE: withHost(func(cmd *cobra.Command, h *host, _ []string) error {
				status, err := h.recovery.Status(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd, status)
			}),
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Reset crash counters and leave safe mode",
			RunE: withHost(func(cmd *cobra.Command, h *host, _ []string) error {
				if err := h.recovery.Reset(cmd.Context()); err != nil {
					return err
				}
				if err := h.recovery.ClearSafeMode(cmd.Context()); err != nil {
					return err
				}
				status, err := h.recovery.Status(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd, status)
			}),
		},
	)

	bundlesCmd := &cobra.Command{Use: "bundles", Short: "Crash diagnostic bundles"}
	bundlesCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List crash bundles, oldest first",
		RunE: withHost(func(cmd *cobra.Command, h *host, _ []string) error {
			list, err := h.bundles.List()
			if err != nil {
				return err
			}
			return printJSON(cmd, list)
		}),
	})

	var message, stackFile string
	var report bool
	crashCmd := &cobra.Command{
		Use:   "crash",
		Short: "Record a crash observed by a supervising process",
		RunE: withHost(func(cmd *cobra.Command, h *host, _ []string) error {
			if strings.TrimSpace(message) == "" {
				return errors.New("--message is required")
			}
			var stack []byte
			if stackFile != "" {
				data, err := os.ReadFile(stackFile)
				if err != nil {
					return fmt.Errorf("read stack file: %w", err)
				}
				stack = data
			} else {
				stack = []byte(message)
			}
			handler := crash.NewHandler(h.recovery, h.bundles, h.cfg.AppVersion, h.log)
			defer handler.Close()
			out := handler.Handle(cmd.Context(), errors.New(message), stack)
			if report {
				client, err := h.telemetryClient(cmd.Context())
				if err != nil {
					return err
				}
				defer client.Close()
				client.OnCrash(out)
				res := client.Send(cmd.Context(), client.Snapshot(cmd.Context()))
				return printJSON(cmd, map[string]any{"crash": out, "telemetry": res})
			}
			return printJSON(cmd, out)
		}),
	}
	crashCmd.Flags().StringVar(&message, "message", "", "crash message")
	crashCmd.Flags().StringVar(&stackFile, "stack-file", "", "file holding the crash stack trace")
	crashCmd.Flags().BoolVar(&report, "report", false, "send a telemetry sample for the crash")

	var agentStatus, licenseTier string
	var licenseOffline bool
	telemetryCmd := &cobra.Command{Use: "telemetry", Short: "Telemetry client"}
	sendCmd := &cobra.Command{
		Use:   "send",
		Short: "Send a telemetry snapshot now",
		RunE: withHost(func(cmd *cobra.Command, h *host, _ []string) error {
			client, err := h.telemetryClient(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()
			client.OnAgentStatusChange(telemetry.Agent{Status: agentStatus})
			res := client.OnLicenseChange(cmd.Context(), telemetry.License{Tier: licenseTier, Offline: licenseOffline})
			if res.Err != nil && res.Reason == "" {
				res.Reason = res.Err.Error()
			}
			return printJSON(cmd, res)
		}),
	}
	sendCmd.Flags().StringVar(&agentStatus, "agent-status", telemetry.AgentOnline, "agent status (online|offline)")
	sendCmd.Flags().StringVar(&licenseTier, "license-tier", "free", "license tier (free|pro|enterprise)")
	sendCmd.Flags().BoolVar(&licenseOffline, "license-offline", false, "license validated offline")
	telemetryCmd.AddCommand(sendCmd, &cobra.Command{
		Use:   "status",
		Short: "Show telemetry client status",
		RunE: withHost(func(cmd *cobra.Command, h *host, _ []string) error {
			client, err := h.telemetryClient(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()
			return printJSON(cmd, client.Status())
		}),
	})

	root.AddCommand(cohortCmd, recoveryCmd, bundlesCmd, crashCmd, telemetryCmd)
	return root
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
