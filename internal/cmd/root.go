// Package cmd wires the batchbot command line interface.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/softstack/batchbot/internal/config"
	"github.com/softstack/batchbot/internal/observability"
)

var rootCmd = &cobra.Command{
	Use:   "batchbot",
	Short: "PR-triggered build job coordinator for batch schedulers",
	Long: `batchbot bridges pull-request comments, a batch scheduler and shared
filesystem bookkeeping. Commands like "bot: build" in a PR comment become
held scheduler jobs; the manager loop tracks them to completion and
reports results back to the PR.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}
		if err := observability.Init(cfg.Logging.Level, cfg.Logging.Development); err != nil {
			return err
		}
		loadedConfig = cfg
		return nil
	},
}

var (
	cfgPath  string
	logLevel string

	// loadedConfig is populated by the persistent pre-run for all
	// subcommands.
	loadedConfig *config.Config
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo records build-time version metadata; called from main.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	rootCmd.Version = fmt.Sprintf("%s (commit %s, built %s)", version, commit, buildDate)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "Path to config file (default: batchbot.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override configured log level (debug|info|warn|error)")
}

// Execute runs the CLI.
func Execute() {
	defer observability.Sync()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
