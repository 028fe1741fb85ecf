package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/softstack/batchbot/pkg/events"
)

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Process one comment event from a file or stdin",
	Long: `Process a single pull-request comment event, as delivered by a webhook
relay or pasted by hand. The event is a JSON object with pr_number,
account, repository and body fields.

Example:
  batchbot event --file event.json
  cat event.json | batchbot event
  batchbot event --file event.json --dry-run`,
	RunE: runEvent,
}

var (
	eventFile   string
	eventDryRun bool
)

func init() {
	rootCmd.AddCommand(eventCmd)

	eventCmd.Flags().StringVarP(&eventFile, "file", "f", "", "Path to event JSON (default: stdin)")
	eventCmd.Flags().BoolVar(&eventDryRun, "dry-run", false, "Do not contact the scheduler or the object store")
}

func runEvent(cmd *cobra.Command, args []string) error {
	var r io.Reader = cmd.InOrStdin()
	if eventFile != "" {
		f, err := os.Open(eventFile)
		if err != nil {
			return fmt.Errorf("open event file: %w", err)
		}
		defer f.Close()
		r = f
	}

	var ev events.Event
	if err := json.NewDecoder(r).Decode(&ev); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.PRNumber <= 0 || ev.Account == "" {
		return fmt.Errorf("event needs pr_number and account")
	}

	a, err := buildApp(cmd.Context(), loadedConfig, eventDryRun)
	if err != nil {
		return err
	}
	return a.handler.Handle(cmd.Context(), ev)
}
