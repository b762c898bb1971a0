package cmd

import (
	"github.com/spf13/cobra"

	"github.com/fakeyudi/codetime/internal/agent"
	"github.com/fakeyudi/codetime/internal/logging"
	"github.com/fakeyudi/codetime/internal/prompt"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show authentication state and the offline backlog",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newAgent(defaultAgentOptions())
		if err != nil {
			return err
		}
		defer a.Shutdown()

		st := a.Status(cmd.Context())
		token := "missing"
		if st.HasToken {
			token = "present"
		}
		cmd.Printf("State: %s\n", st.State)
		cmd.Printf("Device token: %s\n", token)
		if st.Backlog < 0 {
			cmd.Println("Offline backlog: unknown")
		} else {
			cmd.Printf("Offline backlog: %d\n", st.Backlog)
		}
		cmd.Printf("Endpoint: %s\n", GetConfig().APIEndpoint)
		return nil
	},
}

// defaultAgentOptions is used by the one-shot commands, which never prompt.
func defaultAgentOptions() agent.Options {
	return agent.Options{Prompter: prompt.NewLog(logging.NewLogger("prompt"))}
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
