package cmd

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/softstack/batchbot/internal/observability"
	"github.com/softstack/batchbot/pkg/reconcile"
)

var managerCmd = &cobra.Command{
	Use:   "manager",
	Short: "Run the job reconciliation loop",
	Long: `Track submitted jobs against the scheduler queue: release held jobs,
observe launches, classify vanished jobs and report results to the PR.

Example:
  batchbot manager
  batchbot manager --max-iterations 1
  batchbot manager --jobs 12345,12346`,
	RunE: runManager,
}

var (
	managerMaxIterations int
	managerJobs          []string
	managerPollInterval  string
)

func init() {
	rootCmd.AddCommand(managerCmd)

	managerCmd.Flags().IntVar(&managerMaxIterations, "max-iterations", 0, "Iteration budget; negative runs forever (default: config)")
	managerCmd.Flags().StringSliceVar(&managerJobs, "jobs", nil, "Restrict reconciliation to these job ids")
	managerCmd.Flags().StringVar(&managerPollInterval, "poll-interval", "", "Override poll interval, e.g. 30s")
}

func runManager(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, loadedConfig, false)
	if err != nil {
		return err
	}

	mgr := reconcile.New(a.store, a.sched, a.interp, a.notifier, observability.CLILogger.Named("reconcile"))
	mgr.Jobs = managerJobs
	mgr.PollInterval = loadedConfig.Manager.PollInterval
	if managerPollInterval != "" {
		d, err := time.ParseDuration(managerPollInterval)
		if err != nil {
			return err
		}
		mgr.PollInterval = d
	}
	if loadedConfig.Deploy.Enabled && loadedConfig.Deploy.UploadOnFinish {
		mgr.Engine = a.engine
		mgr.Uploader = a.uploader
	}

	maxIterations := loadedConfig.Manager.MaxIterations
	if cmd.Flags().Changed("max-iterations") {
		maxIterations = managerMaxIterations
	}

	observability.CLILogger.Info("manager started",
		zap.Int("max_iterations", maxIterations),
		zap.Duration("poll_interval", mgr.PollInterval),
		zap.Strings("jobs", managerJobs))

	if err := mgr.Run(ctx, maxIterations); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
