// Package state persists the watcher's state as a single JSON file,
// written atomically. Exactly one State exists per environment; the
// mutating role is guarded by an exclusive advisory lock.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Phase is the watcher's position in the threshold state machine.
type Phase string

const (
	PhaseNormal           Phase = "normal"
	PhaseArchiveTriggered Phase = "archive-triggered"
	PhasePruneTriggered   Phase = "prune-triggered"
	PhaseDistillTriggered Phase = "distill-triggered"
	PhaseCooldown         Phase = "cooldown"
)

// Tier names the three threshold tiers.
type Tier string

const (
	TierArchive Tier = "archive"
	TierPrune   Tier = "prune"
	TierDistill Tier = "distill"
)

// State is the full persisted watcher state. All timing decisions are
// reproducible from this struct plus the config — no in-memory timers.
type State struct {
	SchemaVersion int   `json:"schema_version"`
	Phase         Phase `json:"phase"`

	// LastFiredAt records, per tier, when that tier last fired.
	LastFiredAt map[Tier]time.Time `json:"last_fired_at"`

	// Armed marks tiers eligible to fire. A fired tier re-arms only when
	// usage drops below tier-minus-margin or its cooldown expires.
	Armed map[Tier]bool `json:"armed"`

	// CooldownUntil blocks all destructive tiers after a
	// data-loss-risk failure.
	CooldownUntil time.Time `json:"cooldown_until"`

	// PendingDistill is the queue of archive content hashes awaiting
	// distillation, ordered oldest archive day first.
	PendingDistill []string `json:"pending_distill"`

	LastHeartbeat  time.Time `json:"last_heartbeat"`
	LastSessionID  string    `json:"last_session_id,omitempty"`
	LastUsageRatio float64   `json:"last_usage_ratio"`
	LastSource     string    `json:"last_source,omitempty"`

	// SeenSessionFiles tracks session file mtimes (unix secs) for the
	// event trigger source.
	SeenSessionFiles map[string]int64 `json:"seen_session_files,omitempty"`
}

// New returns the initial state for a first run.
func New() *State {
	return &State{
		SchemaVersion: 1,
		Phase:         PhaseNormal,
		LastFiredAt:   map[Tier]time.Time{},
		Armed:         map[Tier]bool{TierArchive: true, TierPrune: true, TierDistill: true},
	}
}

// Load reads the state file, returning a fresh State when none exists.
func Load(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: read %s: %w", path, err)
	}

	st := New()
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("state: parse %s: %w", path, err)
	}
	if st.LastFiredAt == nil {
		st.LastFiredAt = map[Tier]time.Time{}
	}
	if st.Armed == nil {
		st.Armed = map[Tier]bool{TierArchive: true, TierPrune: true, TierDistill: true}
	}
	return st, nil
}

// Save writes the state atomically (write-to-temp-then-rename) so a
// crash mid-write never corrupts the only copy.
func Save(path string, st *State) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("state: create dir: %w", err)
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("state: marshal: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("state: write temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("state: commit: %w", err)
	}
	return nil
}

// InCooldown reports whether the failure cooldown is still active at now.
func (s *State) InCooldown(now time.Time) bool {
	return now.Before(s.CooldownUntil)
}

// StartCooldown blocks destructive tiers until now+d.
func (s *State) StartCooldown(now time.Time, d time.Duration) {
	s.CooldownUntil = now.Add(d)
	s.Phase = PhaseCooldown
}

// EnqueueDistill appends hash to the pending queue if absent.
func (s *State) EnqueueDistill(hash string) {
	for _, h := range s.PendingDistill {
		if h == hash {
			return
		}
	}
	s.PendingDistill = append(s.PendingDistill, hash)
}

// DequeueDistill removes hash from the pending queue.
func (s *State) DequeueDistill(hash string) {
	kept := s.PendingDistill[:0]
	for _, h := range s.PendingDistill {
		if h != hash {
			kept = append(kept, h)
		}
	}
	s.PendingDistill = kept
}
