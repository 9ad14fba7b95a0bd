package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDistillCmd() *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "distill <archive-or-session-file>",
		Short: "Distill one archive into the daily note on demand",
		Long: `Distill a single file immediately, bypassing the configured mode
gating. If the path is not yet in the ledger it is archived first, so
the summary always references a preserved copy.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := buildWatcher()
			if err != nil {
				return err
			}
			defer w.Close()

			rec, err := w.ManualDistill(cmd.Context(), args[0], sessionID)
			if err != nil {
				return fmt.Errorf("distill %s: %w", args[0], err)
			}

			fmt.Printf("distilled %s via %s\n", rec.ArchivePath, rec.Provider)
			fmt.Println()
			fmt.Println(rec.Summary)
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "session ID to record on the distilled note")
	return cmd
}
