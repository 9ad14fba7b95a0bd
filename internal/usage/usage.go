// Package usage reports the live session's context-size ratio. Two
// interchangeable providers exist: the host's own metrics, and a local
// token estimate of the newest session file for hosts that cannot
// report usage.
package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/selene-sh/selene/internal/faults"
)

// Source identifies which provider produced a snapshot.
type Source string

const (
	SourceHost     Source = "host"
	SourceEstimate Source = "estimate"
)

// Snapshot is one observation of session usage.
type Snapshot struct {
	SessionID  string
	UsedTokens uint64
	MaxTokens  uint64
	Ratio      float64 // UsedTokens / MaxTokens, in [0, 1]
	CapturedAt time.Time
	Source     Source
}

// Age returns how old the snapshot is at now.
func (s Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.CapturedAt)
}

// Provider collects a usage snapshot for the active session.
type Provider interface {
	Name() Source
	Collect(ctx context.Context) (Snapshot, error)
}

// CheckFresh rejects snapshots older than the staleness bound. A stale
// snapshot is provider failure, never new data: threshold decisions must
// only consume observations from the current poll window.
func CheckFresh(s Snapshot, now time.Time, bound time.Duration) error {
	if age := s.Age(now); age > bound {
		return fmt.Errorf("usage: snapshot from %s is %s old, staleness bound %s (%w)",
			s.Source, age.Round(time.Second), bound, faults.ErrUnavailable)
	}
	return nil
}

func ratio(used, max uint64) float64 {
	if max == 0 {
		return 0
	}
	r := float64(used) / float64(max)
	if r > 1 {
		r = 1
	}
	return r
}
