package watcher

import (
	"os"
	"sort"
	"time"

	"github.com/selene-sh/selene/internal/ledger"
)

// fileExists is swapped in tests.
var fileExists = func(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// selectDistillCandidates picks the archives to distill this cycle:
// live, not yet distilled, snapshot file still present, ordered oldest
// archive day first (ties broken by creation time, then content hash),
// capped at max. The ordering and the cap are pure functions of the
// ledger contents, so repeated runs over a static ledger select the
// same records.
func selectDistillCandidates(records []ledger.Record, max int) []ledger.Record {
	eligible := make([]ledger.Record, 0, len(records))
	for _, rec := range records {
		if rec.Deleted || rec.Distilled {
			continue
		}
		if rec.ArchivePath == "" || !fileExists(rec.ArchivePath) {
			continue
		}
		eligible = append(eligible, rec)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		di := eligible[i].CreatedAt.Truncate(24 * time.Hour)
		dj := eligible[j].CreatedAt.Truncate(24 * time.Hour)
		if !di.Equal(dj) {
			return di.Before(dj)
		}
		if !eligible[i].CreatedAt.Equal(eligible[j].CreatedAt) {
			return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
		}
		return eligible[i].ContentHash < eligible[j].ContentHash
	})

	if max > 0 && len(eligible) > max {
		eligible = eligible[:max]
	}
	return eligible
}

// idleSince returns the creation time of the newest live archive. The
// idle-window gate compares this against now so bursts of archiving
// batch into a single distillation pass.
func idleSince(records []ledger.Record) (time.Time, bool) {
	var newest time.Time
	found := false
	for _, rec := range records {
		if rec.Deleted {
			continue
		}
		if rec.CreatedAt.After(newest) {
			newest = rec.CreatedAt
			found = true
		}
	}
	return newest, found
}
