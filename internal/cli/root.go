// Package cli defines the Cobra command tree for the selene CLI.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/selene-sh/selene/internal/config"
	"github.com/selene-sh/selene/internal/paths"
	"github.com/selene-sh/selene/internal/watcher"
)

var (
	// version, commit, date are set via -ldflags at build time.
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// rootCmd is the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "selene",
	Short: "Context lifecycle watcher for long-running agent sessions",
	Long: `Selene watches an agent session's context usage and manages its
lifecycle: archiving transcripts before they are pruned, distilling
archives into durable daily notes, and handing continuity forward when
a session rolls over.

Run 'selene cycle' for a single pass, or 'selene watch' to run the
daemon.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute(v, c, d string) {
	version, commit, date = v, c, d
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(
		newCycleCmd(),
		newWatchCmd(),
		newStopCmd(),
		newDistillCmd(),
		newRecallCmd(),
		newStatusCmd(),
		newIndexCmd(),
		newMCPCmd(),
		newVersionCmd(),
	)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("selene %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

// buildWatcher loads config and layout and wires the full watcher.
// Every subcommand that touches the lifecycle goes through here.
func buildWatcher() (*watcher.Watcher, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	layout, err := paths.Resolve()
	if err != nil {
		return nil, err
	}
	return watcher.New(cfg, layout)
}
