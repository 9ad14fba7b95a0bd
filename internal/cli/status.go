package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/selene-sh/selene/internal/retention"
	"github.com/selene-sh/selene/internal/state"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the watcher's last observed state",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := buildWatcher()
			if err != nil {
				return err
			}
			defer w.Close()

			st, err := state.Load(w.Layout.StateFile)
			if err != nil {
				return err
			}

			live, err := w.Ledger.Live()
			if err != nil {
				return err
			}

			now := time.Now()
			policy := retention.Policy{
				ActiveDays: w.Cfg.Retention.ActiveDays,
				WarmDays:   w.Cfg.Retention.WarmDays,
			}
			bands := map[retention.Band]int{}
			distilled, indexed := 0, 0
			for _, rec := range live {
				bands[policy.Classify(rec.CreatedAt, now)]++
				if rec.Distilled {
					distilled++
				}
				if rec.Indexed {
					indexed++
				}
			}

			// Machine consumers get stable key=value lines.
			if !term.IsTerminal(int(os.Stdout.Fd())) {
				fmt.Printf("phase=%s\n", st.Phase)
				fmt.Printf("session=%s\n", st.LastSessionID)
				fmt.Printf("usage_ratio=%.4f\n", st.LastUsageRatio)
				fmt.Printf("usage_source=%s\n", st.LastSource)
				fmt.Printf("archives_live=%d\n", len(live))
				fmt.Printf("archives_indexed=%d\n", indexed)
				fmt.Printf("archives_distilled=%d\n", distilled)
				fmt.Printf("pending_distill=%d\n", len(st.PendingDistill))
				if !st.LastHeartbeat.IsZero() {
					fmt.Printf("last_cycle=%s\n", st.LastHeartbeat.UTC().Format(time.RFC3339))
				}
				return nil
			}

			fmt.Printf("\nPhase:    %s\n", st.Phase)
			fmt.Printf("Session:  %s\n", st.LastSessionID)
			fmt.Printf("Usage:    %.1f%% (%s)\n", st.LastUsageRatio*100, st.LastSource)
			if !st.LastHeartbeat.IsZero() {
				fmt.Printf("Cycle:    %s ago\n", now.Sub(st.LastHeartbeat).Round(time.Second))
			}
			fmt.Printf("Archives: %d live (%d indexed, %d distilled)\n", len(live), indexed, distilled)
			fmt.Printf("Bands:    %d active, %d warm, %d cold\n",
				bands[retention.BandActive], bands[retention.BandWarm], bands[retention.BandCold])
			if n := len(st.PendingDistill); n > 0 {
				fmt.Printf("Pending:  %d distillation(s) queued for retry\n", n)
			}
			if st.InCooldown(now) {
				fmt.Printf("Cooldown: until %s\n", st.CooldownUntil.Local().Format("15:04:05"))
			}
			fmt.Println()
			return nil
		},
	}
}
