package cli

import (
	"github.com/spf13/cobra"

	"github.com/selene-sh/selene/internal/mcp"
)

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve recall and status over MCP on stdio",
		Long: `Run a Model Context Protocol server exposing read-only 'recall' and
'status' tools, so agent hosts can query archived history directly.
Add selene to the host's MCP server list with this command.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := buildWatcher()
			if err != nil {
				return err
			}
			defer w.Close()

			return mcp.NewServer(w, version).ServeStdio()
		},
	}
}
