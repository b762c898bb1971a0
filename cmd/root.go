package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/x/term"
	"github.com/pkg/browser"
	"github.com/spf13/cobra"

	"github.com/fakeyudi/codetime/internal/agent"
	"github.com/fakeyudi/codetime/internal/config"
	"github.com/fakeyudi/codetime/internal/logging"
)

// version is set at build time with -ldflags "-X github.com/fakeyudi/codetime/cmd.version=...".
var version = "dev"

// cfg holds the merged configuration, populated in PersistentPreRunE.
var cfg config.Config

// projectDir is the workspace whose project config is loaded and watched.
var projectDir string

// openURL opens login pages; tests replace it.
var openURL = browser.OpenURL

var rootCmd = &cobra.Command{
	Use:     "codetime",
	Short:   "Collect editing metrics and deliver them to Code Time",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// First-run: no global config → run the setup wizard. Only when
		// stdin is an interactive terminal.
		if cmd.Name() != "setup" && !config.GlobalExists() && term.IsTerminal(os.Stdin.Fd()) {
			fmt.Fprintln(cmd.OutOrStdout())
			fmt.Fprintln(cmd.OutOrStdout(), "  Welcome to codetime! Looks like this is your first time.")
			if err := runSetup(cmd, nil); err != nil {
				return err
			}
		}

		dir := projectDir
		if dir == "" {
			wd, err := os.Getwd()
			if err != nil {
				return err
			}
			dir = wd
		}
		loaded, err := config.Load(dir)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
		projectDir = dir

		logging.Init(logging.Options{
			Level:    cfg.LogLevel,
			Format:   cfg.LogFormat,
			Dir:      filepath.Join(cfg.DataDir, "logs"),
			Disabled: !cfg.Logging(),
		})
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logging.Close()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&projectDir, "dir", "C", "", "workspace directory (default: current directory)")
}

// Execute runs the root command. Exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// GetConfig returns the merged configuration for use by subcommands.
func GetConfig() config.Config {
	return cfg
}

// newAgent builds an agent from the loaded config.
func newAgent(opts agent.Options) (*agent.Agent, error) {
	opts.Version = version
	if opts.Opener == nil {
		opts.Opener = openURL
	}
	return agent.New(GetConfig(), opts)
}
