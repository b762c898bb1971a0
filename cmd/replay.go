package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fakeyudi/codetime/internal/offline"
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Send the offline backlog now",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newAgent(defaultAgentOptions())
		if err != nil {
			return err
		}
		defer a.Shutdown()

		result, err := a.Replay(cmd.Context())
		switch {
		case errors.Is(err, offline.ErrNotAuthenticated):
			cmd.Println("Not logged in; backlog kept. Run 'codetime login' first.")
			return nil
		case err != nil:
			return fmt.Errorf("replaying offline backlog: %w", err)
		}
		if result.Sent == 0 {
			cmd.Println("Offline backlog is empty.")
			return nil
		}
		cmd.Printf("Sent %d buffered windows (%s).\n", result.Sent, result.Verdict)
		if result.Skipped > 0 {
			cmd.Printf("Skipped %d unreadable records.\n", result.Skipped)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(replayCmd)
}
