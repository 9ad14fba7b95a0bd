// Package ledger persists archive metadata as an append-only log of
// mutation events. The current archive state is never stored directly;
// it is derived by replaying the log, which keeps retries after partial
// failure safe — re-appending an event a reader has already folded in
// is harmless, and nothing is ever rewritten in place.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/selene-sh/selene/internal/faults"
)

// Event kinds, in the only order they may legally apply to one archive.
const (
	EventCreated   = "created"
	EventIndexed   = "indexed"
	EventDistilled = "distilled"
	EventDeleted   = "deleted"
)

// Event is one appended ledger line. ContentHash identifies the archive;
// the remaining fields are populated according to Kind.
type Event struct {
	Kind        string    `json:"kind"`
	ContentHash string    `json:"content_hash"`
	SessionID   string    `json:"session_id,omitempty"`
	SourcePath  string    `json:"source_path,omitempty"`
	ArchivePath string    `json:"archive_path,omitempty"`
	Collection  string    `json:"collection,omitempty"`
	At          time.Time `json:"at"`
}

// Record is the replayed current state of one archive.
type Record struct {
	SessionID   string
	SourcePath  string
	ArchivePath string
	ContentHash string
	Collection  string
	CreatedAt   time.Time
	IndexedAt   time.Time
	DistilledAt time.Time
	DeletedAt   time.Time
	Indexed     bool
	Distilled   bool
	Deleted     bool
}

// Ledger reads and appends the event log at a fixed path.
type Ledger struct {
	path string
}

// Open returns a Ledger for path. The file is created on first append.
func Open(path string) *Ledger {
	return &Ledger{path: path}
}

// Path returns the backing file path.
func (l *Ledger) Path() string { return l.path }

// Append writes one event. The event timestamp is set here so appends
// are monotonically ordered by wall-clock append time.
func (l *Ledger) Append(ev Event) error {
	if ev.ContentHash == "" {
		return fmt.Errorf("ledger: append %s event without content hash", ev.Kind)
	}
	ev.At = time.Now().UTC()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("ledger: create dir: %w (%w)", err, faults.ErrDataLossRisk)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("ledger: marshal event: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("ledger: open %s: %w (%w)", l.path, err, faults.ErrDataLossRisk)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("ledger: append event: %w (%w)", err, faults.ErrDataLossRisk)
	}
	return nil
}

// Events returns the raw event sequence in append order.
func (l *Ledger) Events() ([]Event, error) {
	data, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: read %s: %w", l.path, err)
	}

	var events []Event
	lineNo := 0
	start := 0
	for i := 0; i <= len(data); i++ {
		if i != len(data) && data[i] != '\n' {
			continue
		}
		line := data[start:i]
		start = i + 1
		if len(line) == 0 {
			continue
		}
		lineNo++
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("ledger: parse line %d of %s: %w", lineNo, l.path, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// Replay folds the event log into current per-archive records, ordered
// by creation time (oldest first). Events for unknown hashes other than
// "created" are ignored rather than rejected: a crash between a side
// effect and its ledger append can legally leave such orphans.
func (l *Ledger) Replay() ([]Record, error) {
	events, err := l.Events()
	if err != nil {
		return nil, err
	}

	byHash := make(map[string]*Record)
	var order []string

	for _, ev := range events {
		rec, ok := byHash[ev.ContentHash]
		if !ok {
			if ev.Kind != EventCreated {
				continue
			}
			rec = &Record{ContentHash: ev.ContentHash}
			byHash[ev.ContentHash] = rec
			order = append(order, ev.ContentHash)
		}

		switch ev.Kind {
		case EventCreated:
			// Re-archiving identical live content is a no-op; keep the
			// first record. A created event after deletion resurrects
			// the hash with a fresh snapshot.
			if rec.CreatedAt.IsZero() || rec.Deleted {
				*rec = Record{
					ContentHash: ev.ContentHash,
					SessionID:   ev.SessionID,
					SourcePath:  ev.SourcePath,
					ArchivePath: ev.ArchivePath,
					Collection:  ev.Collection,
					CreatedAt:   ev.At,
				}
			}
		case EventIndexed:
			rec.Indexed = true
			rec.IndexedAt = ev.At
			if ev.Collection != "" {
				rec.Collection = ev.Collection
			}
		case EventDistilled:
			rec.Distilled = true
			rec.DistilledAt = ev.At
		case EventDeleted:
			rec.Deleted = true
			rec.DeletedAt = ev.At
		}
	}

	out := make([]Record, 0, len(order))
	for _, hash := range order {
		out = append(out, *byHash[hash])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Live returns replayed records that have not been deleted.
func (l *Ledger) Live() ([]Record, error) {
	all, err := l.Replay()
	if err != nil {
		return nil, err
	}
	live := all[:0:0]
	for _, rec := range all {
		if !rec.Deleted {
			live = append(live, rec)
		}
	}
	return live, nil
}

// Find returns the live record for contentHash, or false.
func (l *Ledger) Find(contentHash string) (Record, bool, error) {
	live, err := l.Live()
	if err != nil {
		return Record{}, false, err
	}
	for _, rec := range live {
		if rec.ContentHash == contentHash {
			return rec, true, nil
		}
	}
	return Record{}, false, nil
}

// FindByArchivePath returns the live record whose snapshot lives at path.
func (l *Ledger) FindByArchivePath(path string) (Record, bool, error) {
	live, err := l.Live()
	if err != nil {
		return Record{}, false, err
	}
	for _, rec := range live {
		if rec.ArchivePath == path {
			return rec, true, nil
		}
	}
	return Record{}, false, nil
}

// MarkIndexed appends an indexed event unless the record already carries
// the flag (idempotent re-entry after a crash).
func (l *Ledger) MarkIndexed(contentHash, collection string) error {
	rec, ok, err := l.Find(contentHash)
	if err != nil {
		return err
	}
	if ok && rec.Indexed {
		return nil
	}
	return l.Append(Event{Kind: EventIndexed, ContentHash: contentHash, Collection: collection})
}

// MarkDistilled appends a distilled event unless already present.
func (l *Ledger) MarkDistilled(contentHash string) error {
	rec, ok, err := l.Find(contentHash)
	if err != nil {
		return err
	}
	if ok && rec.Distilled {
		return nil
	}
	return l.Append(Event{Kind: EventDistilled, ContentHash: contentHash})
}

// MarkDeleted appends a deleted event unless already present.
func (l *Ledger) MarkDeleted(contentHash string) error {
	rec, ok, err := l.Find(contentHash)
	if err != nil {
		return err
	}
	if !ok || rec.Deleted {
		return nil
	}
	return l.Append(Event{Kind: EventDeleted, ContentHash: contentHash})
}
