package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fakeyudi/codetime/internal/transport"
)

var loginReset bool

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Open the Code Time login page for this device",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newAgent(defaultAgentOptions())
		if err != nil {
			return err
		}
		defer a.Shutdown()

		if err := a.Login(cmd.Context(), loginReset); err != nil {
			if errors.Is(err, transport.ErrDeactivated) {
				return fmt.Errorf("this account was deactivated; run 'codetime login --reset' to link a new one")
			}
			return fmt.Errorf("opening login page: %w", err)
		}
		cmd.Println("Finish logging in in your browser. A running 'codetime run' picks up the session automatically.")
		return nil
	},
}

func init() {
	loginCmd.Flags().BoolVar(&loginReset, "reset", false, "discard the device token and credential first")
	rootCmd.AddCommand(loginCmd)
}
