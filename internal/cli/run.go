package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sartap/keel/pkg/lane"
	"github.com/sartap/keel/pkg/runner"
	"github.com/sartap/keel/pkg/store"
)

var (
	runSessionKey string
	runAgentID    string
	runOwnerID    string
	runModel      string
	runGlobalLane bool
	runWaitSecs   int
)

var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Execute a single run",
	Long: `Execute a single run through the full stack: enqueue the prompt on
the session's lane, stream events as NDJSON to stdout and wait for the
terminal state.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runSessionKey, "session", "cli", "session key (conversation lane)")
	runCmd.Flags().StringVar(&runAgentID, "agent", "default", "agent ID")
	runCmd.Flags().StringVar(&runOwnerID, "owner", "", "owner ID for credit charging and owner-only tools")
	runCmd.Flags().StringVar(&runModel, "model", "", "model override")
	runCmd.Flags().BoolVar(&runGlobalLane, "global-lane", false, "schedule on the shared global lane")
	runCmd.Flags().IntVar(&runWaitSecs, "wait", 300, "seconds to wait for the run to settle")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	// Logs go to the file only; stdout carries the NDJSON event stream.
	svcs, err := buildServices(false)
	if err != nil {
		return err
	}
	defer svcs.close()

	model := runModel
	if model == "" {
		model = svcs.cfg.Models.Default
	}

	params := runner.RunParams{
		SessionKey: runSessionKey,
		AgentID:    runAgentID,
		OwnerID:    runOwnerID,
		IsOwner:    runOwnerID != "",
		Prompt:     strings.Join(args, " "),
		Config: runner.RunConfig{
			Model:          model,
			Temperature:    svcs.cfg.Models.Temperature,
			MaxTokens:      svcs.cfg.Models.MaxTokens,
			MaxToolCalls:   svcs.cfg.Runs.MaxToolCalls,
			TimeoutSeconds: svcs.cfg.Runs.TimeoutSeconds,
		},
		Sink: runner.NewNDJSONSink(os.Stdout),
	}

	ticket, err := svcs.scheduler.Enqueue(cmd.Context(), params, lane.EnqueueOptions{
		UseGlobalLane: runGlobalLane,
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue run: %w", err)
	}

	run, err := svcs.scheduler.WaitForRun(cmd.Context(), ticket.RunID,
		time.Duration(runWaitSecs)*time.Second)
	if err != nil {
		return fmt.Errorf("failed to wait for run: %w", err)
	}

	switch run.Status {
	case store.RunStatusCompleted:
		return nil
	case store.RunStatusTimeout:
		return fmt.Errorf("run %s did not settle within %ds", ticket.RunID, runWaitSecs)
	default:
		return fmt.Errorf("run %s finished with status %s: %s", ticket.RunID, run.Status, run.ErrorMessage)
	}
}
