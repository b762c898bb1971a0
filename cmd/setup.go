package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fakeyudi/codetime/internal/config"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Configure codetime (re-run anytime to edit settings)",
	// Bypass the normal PersistentPreRunE so setup can repair a broken config.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		var existing *config.Config
		if config.GlobalExists() {
			loaded, err := config.LoadGlobal()
			if err != nil {
				cmd.PrintErrf("  ⚠ Ignoring unreadable config: %v\n", err)
			} else {
				existing = loaded
			}
		}
		return runSetup(cmd, existing)
	},
}

// runSetup runs the interactive setup wizard and saves the global config.
func runSetup(cmd *cobra.Command, existing *config.Config) error {
	out := cmd.OutOrStdout()
	answers, err := config.RunSetup(cmd.InOrStdin(), out, existing)
	if err != nil {
		return fmt.Errorf("setup cancelled: %w", err)
	}

	// Keep settings the wizard does not ask about.
	merged := answers
	if existing != nil {
		m := *existing
		m.APIEndpoint = answers.APIEndpoint
		m.DashboardURL = answers.DashboardURL
		m.TelemetryOn = answers.TelemetryOn
		m.OfflineDSN = answers.OfflineDSN
		m.Workers = answers.Workers
		m.MetricsAddr = answers.MetricsAddr
		merged = &m
	}

	path, err := config.GlobalPath()
	if err != nil {
		return err
	}
	if err := config.SaveGlobal(path, merged); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}
	fmt.Fprintf(out, "  ✓ Config saved to %s\n", path)
	fmt.Fprintln(out, "  Setup complete. Run 'codetime login' to link this device, then 'codetime run'.")
	fmt.Fprintln(out)
	return nil
}

func init() {
	rootCmd.AddCommand(setupCmd)
}
