package cli

import (
	"fmt"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/selene-sh/selene/internal/paths"
	"github.com/selene-sh/selene/internal/state"
)

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop a running selene daemon",
		Long: `Stop reads the watcher lock breadcrumb and sends the daemon a
termination signal. The daemon finishes its in-flight cycle before
exiting.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			layout, err := paths.Resolve()
			if err != nil {
				return err
			}

			pid, alive := state.Holder(layout.LockFile)
			if pid == 0 {
				fmt.Println("selene: no daemon running")
				return nil
			}
			if !alive {
				fmt.Printf("selene: stale lock from pid %d, nothing to stop\n", pid)
				return nil
			}

			if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
				return fmt.Errorf("stop: signal pid %d: %w", pid, err)
			}
			fmt.Printf("selene: sent SIGTERM to daemon pid %d\n", pid)
			return nil
		},
	}
}
