package watcher

import (
	"time"

	"github.com/selene-sh/selene/internal/config"
	"github.com/selene-sh/selene/internal/state"
)

// TriggerKind tags what caused the watcher to act. Modeled as a tagged
// variant so new trigger sources slot in without structural change.
type TriggerKind string

const (
	TriggerThreshold TriggerKind = "threshold" // usage crossed a tier
	TriggerIdle      TriggerKind = "idle"      // distill idle window elapsed
	TriggerManual    TriggerKind = "manual"    // operator command
	TriggerSchedule  TriggerKind = "schedule"  // cron expression matched
	TriggerEvent     TriggerKind = "event"     // filesystem activity
)

// Trigger is one firing decision.
type Trigger struct {
	Kind TriggerKind
	Tier state.Tier // set for TriggerThreshold
}

// evaluateTiers applies the three ascending thresholds with hysteresis.
//
// A tier fires only while armed. Firing disarms it; it re-arms when
// usage drops below the tier minus the refire margin, or when the tier
// cooldown expires — whichever comes first. This caps each tier at one
// firing per cooldown window under oscillating usage.
//
// The prune tier may additionally fire while disarmed once usage
// reaches the emergency ratio; runaway growth must not wait out a
// cooldown.
//
// The caller must persist the mutated state before executing any side
// effect, so a crash mid-action replays as an idempotent re-entry.
func evaluateTiers(cfg config.Config, st *state.State, ratio float64, now time.Time) []Trigger {
	cooldown := time.Duration(cfg.Watcher.CooldownSecs) * time.Second

	tiers := []struct {
		tier  state.Tier
		level float64
	}{
		{state.TierArchive, cfg.Thresholds.ArchiveRatio},
		{state.TierPrune, cfg.Thresholds.PruneRatio},
		{state.TierDistill, cfg.Thresholds.DistillRatio},
	}

	var fired []Trigger
	for _, t := range tiers {
		if !st.Armed[t.tier] {
			rearmLevel := t.level - cfg.Thresholds.RefireMargin
			last := st.LastFiredAt[t.tier]
			if ratio < rearmLevel || (!last.IsZero() && now.Sub(last) >= cooldown) {
				st.Armed[t.tier] = true
			}
		}

		emergency := t.tier == state.TierPrune && ratio >= cfg.Thresholds.EmergencyRatio

		if ratio < t.level {
			continue
		}
		if !st.Armed[t.tier] && !emergency {
			continue
		}

		st.Armed[t.tier] = false
		st.LastFiredAt[t.tier] = now
		fired = append(fired, Trigger{Kind: TriggerThreshold, Tier: t.tier})
	}
	return fired
}

// hasTier reports whether tier is among the fired triggers.
func hasTier(triggers []Trigger, tier state.Tier) bool {
	for _, t := range triggers {
		if t.Kind == TriggerThreshold && t.Tier == tier {
			return true
		}
	}
	return false
}
