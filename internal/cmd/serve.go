package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/softstack/batchbot/internal/observability"
	"github.com/softstack/batchbot/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook listener",
	Long: `Listen for pull-request comment events over HTTP and feed them to the
event handler. Pair with "batchbot manager" to track the submitted jobs.

Example:
  batchbot serve
  batchbot serve --config /etc/batchbot/batchbot.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, loadedConfig, false)
	if err != nil {
		return err
	}

	srv := server.New(server.Config{
		Addr:            fmt.Sprintf("%s:%d", loadedConfig.Server.Host, loadedConfig.Server.Port),
		ReadTimeout:     loadedConfig.Server.ReadTimeout,
		WriteTimeout:    loadedConfig.Server.WriteTimeout,
		ShutdownTimeout: loadedConfig.Server.ShutdownTimeout,
	}, a.handler, observability.CLILogger.Named("server"))

	return srv.ListenAndServe(ctx)
}
