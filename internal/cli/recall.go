package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func newRecallCmd() *cobra.Command {
	var collection string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "recall <query...>",
		Short: "Search archived session history",
		Long: `Search the archive index and print matches best-first with snippets.
Finding nothing is a normal outcome and exits zero; only an index
failure exits non-zero.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := buildWatcher()
			if err != nil {
				return err
			}
			defer w.Close()

			result, err := w.Recall(cmd.Context(), strings.Join(args, " "), collection)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			}

			if result.Empty {
				fmt.Println("No results found.")
				return nil
			}
			for i, m := range result.Matches {
				fmt.Printf("%d. %s (score %.3f)\n", i+1, m.ArchivePath, m.Score)
				if m.Snippet != "" {
					fmt.Printf("   %s\n", m.Snippet)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&collection, "collection", "c", "", "index collection to search")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit the result as JSON")
	return cmd
}
