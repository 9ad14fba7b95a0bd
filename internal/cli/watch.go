package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newCycleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cycle",
		Short: "Run exactly one watcher cycle and exit",
		Long: `Run a single lifecycle pass: collect usage, evaluate thresholds,
archive, prune, distill, and sweep retention as the thresholds demand.

Exits non-zero if any attempted stage fails unresolved. Intended for
cron or systemd timers; use 'selene watch' for the resident daemon.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := buildWatcher()
			if err != nil {
				return err
			}
			defer w.Close()

			report, err := w.RunOnce(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Printf("usage: %.1f%% of %d tokens (%s)\n",
				report.Usage.Ratio*100, report.Usage.MaxTokens, report.Usage.Source)
			if report.Archived != nil {
				verb := "archived"
				if report.Archived.Deduped {
					verb = "already archived"
				}
				fmt.Printf("%s: %s\n", verb, report.Archived.Record.ArchivePath)
			}
			if report.Pruned != "" {
				fmt.Printf("pruned: %s\n", report.Pruned)
			}
			for _, rec := range report.Distilled {
				fmt.Printf("distilled: %s (%s)\n", rec.ArchivePath, rec.Provider)
			}
			if m := report.Continuity; m != nil {
				if m.RolloverOK {
					fmt.Printf("rollover: %s -> %s\n", m.OldSessionID, m.NewSessionID)
				} else {
					fmt.Printf("rollover failed: %s\n", m.FailureReason)
				}
			}
			if r := report.Retention; r != nil && r.Deleted > 0 {
				fmt.Printf("retention: deleted %d cold archive(s)\n", r.Deleted)
			}
			for _, note := range report.Notes {
				fmt.Println(note)
			}
			return nil
		},
	}
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Run the resident watcher daemon",
		Long: `Start the long-running watcher. It polls session usage on the
configured interval and, when enabled, reacts to session file writes.
An in-flight cycle always completes before shutdown.

Press Ctrl-C to stop.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := buildWatcher()
			if err != nil {
				return err
			}
			defer w.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return w.RunDaemon(ctx, os.Stdout)
		},
	}
}
