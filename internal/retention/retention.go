// Package retention classifies archives into age bands and deletes
// cold, distilled archives. The deletion order puts the least reversible
// step last: index entry, continuity cross-references, and the ledger
// marker are all updated before the file is unlinked, so a failure
// partway through never leaves a reference pointing at a missing file.
package retention

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/selene-sh/selene/internal/continuity"
	"github.com/selene-sh/selene/internal/index"
	"github.com/selene-sh/selene/internal/ledger"
)

// Band is the age classification of an archive.
type Band string

const (
	BandActive Band = "active" // recent, never deleted
	BandWarm   Band = "warm"   // kept, deletion not yet considered
	BandCold   Band = "cold"   // deletion candidate once distilled
)

// Policy holds the band boundaries.
type Policy struct {
	ActiveDays int // active: age <= ActiveDays
	WarmDays   int // warm: ActiveDays < age <= WarmDays; cold beyond
}

// Classify returns the band for an archive created at createdAt.
func (p Policy) Classify(createdAt, now time.Time) Band {
	days := int(now.Sub(createdAt).Hours() / 24)
	switch {
	case days <= p.ActiveDays:
		return BandActive
	case days <= p.WarmDays:
		return BandWarm
	default:
		return BandCold
	}
}

// ErrNotDistilled rejects deletion of an archive without a distillation
// marker, forced or not.
var ErrNotDistilled = fmt.Errorf("retention: archive has no distillation marker")

// Sweeper performs the deletion sweep.
type Sweeper struct {
	Policy        Policy
	Ledger        *ledger.Ledger
	Engine        index.Engine
	ContinuityDir string
	MaxPerSweep   int
}

// Outcome summarizes one sweep.
type Outcome struct {
	Scanned   int
	Deleted   int
	Missing   int // ledger said live but the file was already gone
	Failed    int
	Skipped   int // cold but not distilled — left in place
}

// Candidates returns the cold, distilled, live records, oldest first.
func (s *Sweeper) Candidates(now time.Time) ([]ledger.Record, error) {
	live, err := s.Ledger.Live()
	if err != nil {
		return nil, err
	}
	var out []ledger.Record
	for _, rec := range live {
		if s.Policy.Classify(rec.CreatedAt, now) != BandCold {
			continue
		}
		if !rec.Distilled {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Delete removes one archive in the safe order. Refuses records without
// a distillation marker.
func (s *Sweeper) Delete(ctx context.Context, rec ledger.Record) error {
	if !rec.Distilled {
		return fmt.Errorf("%w: %s", ErrNotDistilled, rec.ArchivePath)
	}

	// 1. Drop the index entry while the file still exists. A removal
	// failure aborts before anything irreversible happens.
	if remover, ok := s.Engine.(index.Remover); ok {
		if err := remover.Remove(ctx, rec.Collection, rec.ArchivePath); err != nil {
			return fmt.Errorf("retention: remove index entry: %w", err)
		}
	}

	// 2. Scrub continuity cross-references.
	if s.ContinuityDir != "" {
		if _, err := continuity.RemoveArchiveRefs(s.ContinuityDir, map[string]bool{rec.ArchivePath: true}); err != nil {
			return fmt.Errorf("retention: scrub continuity refs: %w", err)
		}
	}

	// 3. Durably record the deletion before unlinking, so replay never
	// reports a live record whose file we removed.
	if err := s.Ledger.MarkDeleted(rec.ContentHash); err != nil {
		return err
	}

	// 4. Physical deletion last. A failure here leaves a harmless
	// orphan file; the ledger already considers it gone.
	if err := os.Remove(rec.ArchivePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("retention: unlink %s: %w", rec.ArchivePath, err)
	}

	// Directory-sync engines flush dangling entries after the unlink.
	if resyncer, ok := s.Engine.(index.Resyncer); ok {
		_ = resyncer.Resync(ctx)
	}
	return nil
}

// reconcileMissing handles a live record whose file vanished outside the
// sweeper: index entry, continuity refs, and the ledger marker are
// cleared in the same order Delete uses.
func (s *Sweeper) reconcileMissing(ctx context.Context, rec ledger.Record) error {
	if remover, ok := s.Engine.(index.Remover); ok {
		if err := remover.Remove(ctx, rec.Collection, rec.ArchivePath); err != nil {
			return fmt.Errorf("retention: remove index entry: %w", err)
		}
	}
	if s.ContinuityDir != "" {
		if _, err := continuity.RemoveArchiveRefs(s.ContinuityDir, map[string]bool{rec.ArchivePath: true}); err != nil {
			return fmt.Errorf("retention: scrub continuity refs: %w", err)
		}
	}
	if err := s.Ledger.MarkDeleted(rec.ContentHash); err != nil {
		return err
	}
	if resyncer, ok := s.Engine.(index.Resyncer); ok {
		_ = resyncer.Resync(ctx)
	}
	return nil
}

// Sweep deletes up to MaxPerSweep eligible archives and reports what
// happened. Cold-but-undistilled archives are counted, never touched.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (Outcome, []error) {
	var out Outcome
	var errs []error

	live, err := s.Ledger.Live()
	if err != nil {
		return out, []error{err}
	}

	max := s.MaxPerSweep
	if max <= 0 {
		max = 8
	}

	for _, rec := range live {
		if s.Policy.Classify(rec.CreatedAt, now) != BandCold {
			continue
		}
		out.Scanned++
		if !rec.Distilled {
			out.Skipped++
			continue
		}
		if out.Deleted+out.Missing+out.Failed >= max {
			break
		}

		if _, statErr := os.Stat(rec.ArchivePath); os.IsNotExist(statErr) {
			// File already gone; reconcile everything a normal deletion
			// would touch so no stale index hit survives the dead path.
			if err := s.reconcileMissing(ctx, rec); err != nil {
				out.Failed++
				errs = append(errs, err)
				continue
			}
			out.Missing++
			continue
		}

		if err := s.Delete(ctx, rec); err != nil {
			out.Failed++
			errs = append(errs, err)
			continue
		}
		out.Deleted++
	}
	return out, errs
}
