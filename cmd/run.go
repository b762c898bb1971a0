package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fakeyudi/codetime/internal/agent"
	"github.com/fakeyudi/codetime/internal/editor"
	"github.com/fakeyudi/codetime/internal/logging"
	"github.com/fakeyudi/codetime/internal/prompt"
)

var (
	runStdin       bool
	runNoWatch     bool
	runMetricsAddr string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Collect editing metrics until interrupted",
	Long: `Run the codetime agent. File activity under the workspace directory is
watched with fsnotify; with --stdin an editor plugin can also pipe one JSON
event per line, e.g.

  {"kind":"modified","file":"main.go","size":120,"folder":"/src/api"}

When --stdin is set, end of input stops the agent.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if runMetricsAddr != "" {
			cfg.MetricsAddr = runMetricsAddr
		}
		logger := logging.NewLogger("cmd")

		opts := agent.Options{}
		if runStdin {
			// stdin carries events, so it cannot answer prompts.
			opts.Prompter = prompt.NewLog(logging.NewLogger("prompt"))
		}
		a, err := newAgent(opts)
		if err != nil {
			return err
		}

		if !runNoWatch {
			w, err := editor.NewWatcher(editor.WatcherOptions{
				Dir:            projectDir,
				IgnorePatterns: cfg.IgnorePatterns,
				Logger:         logging.NewLogger("editor"),
			})
			if err != nil {
				a.Shutdown()
				return err
			}
			events := make(chan editor.Event, 256)
			go func() {
				if err := w.Run(ctx, events); err != nil {
					logger.WithError(err).Warn("File watcher stopped")
				}
			}()
			go record(ctx, a, events)
		}

		if runStdin {
			events := make(chan editor.Event)
			go func() {
				defer close(events)
				if err := editor.ReadEvents(ctx, cmd.InOrStdin(), events); err != nil {
					logger.WithError(err).Warn("Reading editor events failed")
				}
			}()
			go func() {
				for ev := range events {
					a.Record(ev)
				}
				logger.Info("Editor event stream closed")
				stop()
			}()
		}

		cmd.Printf("codetime %s collecting in %s\n", version, projectDir)
		return a.Run(ctx)
	},
}

// record feeds watcher events to the agent until ctx is done.
func record(ctx context.Context, a *agent.Agent, events <-chan editor.Event) {
	for {
		select {
		case ev := <-events:
			a.Record(ev)
		case <-ctx.Done():
			return
		}
	}
}

func init() {
	runCmd.Flags().BoolVar(&runStdin, "stdin", false, "read NDJSON editor events from stdin")
	runCmd.Flags().BoolVar(&runNoWatch, "no-watch", false, "do not watch the workspace directory")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	rootCmd.AddCommand(runCmd)
}
