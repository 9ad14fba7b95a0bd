package cli

import (
	"fmt"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

func newIndexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "index",
		Short: "Backfill the search index from unindexed archives",
		Long: `Re-register every live archive the ledger marks unindexed. Index
registration is retried automatically each cycle; this command forces
the backlog through in one pass, e.g. after the index binary or
database was rebuilt.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := buildWatcher()
			if err != nil {
				return err
			}
			defer w.Close()

			live, err := w.Ledger.Live()
			if err != nil {
				return err
			}

			var backlog []int
			for i, rec := range live {
				if !rec.Indexed {
					backlog = append(backlog, i)
				}
			}
			if len(backlog) == 0 {
				fmt.Println("Index is current; nothing to backfill.")
				return nil
			}

			bar := progressbar.NewOptions(len(backlog),
				progressbar.OptionSetDescription("  Indexing archives"),
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionClearOnFinish(),
			)

			added, failed := 0, 0
			for _, i := range backlog {
				rec := live[i]
				collection := rec.Collection
				if collection == "" {
					collection = w.Cfg.Index.Collection
				}
				if err := w.Index.Add(cmd.Context(), collection, rec.ArchivePath); err != nil {
					failed++
					fmt.Fprintf(os.Stderr, "\n%s: %v\n", rec.ArchivePath, err)
				} else if err := w.Ledger.MarkIndexed(rec.ContentHash, collection); err != nil {
					failed++
					fmt.Fprintf(os.Stderr, "\n%s: %v\n", rec.ArchivePath, err)
				} else {
					added++
				}
				_ = bar.Add(1)
			}
			_ = bar.Finish()

			fmt.Printf("Indexed %d archive(s)", added)
			if failed > 0 {
				fmt.Printf(", %d failed", failed)
			}
			fmt.Println()
			if failed > 0 {
				return fmt.Errorf("index backfill: %d archive(s) failed", failed)
			}
			return nil
		},
	}
}
