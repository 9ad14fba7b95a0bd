// Package continuity builds the semantic handoff artifact and drives
// session rollover. Rollover is all-or-nothing: a failed create or a
// failed injection leaves the old session active and persists the map
// with rollover_ok=false — a valid terminal state, visible and
// retry-eligible, never a partial apply.
package continuity

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/selene-sh/selene/internal/distill"
	"github.com/selene-sh/selene/internal/host"
)

// Map is the handoff artifact. Immutable once persisted.
type Map struct {
	OldSessionID   string    `json:"old_session_id"`
	NewSessionID   string    `json:"new_session_id,omitempty"`
	SummaryBullets []string  `json:"summary_bullets"`
	ArchiveRefs    []string  `json:"archive_refs"`
	MemoryRefs     []string  `json:"memory_refs"`
	RolloverOK     bool      `json:"rollover_ok"`
	FailureReason  string    `json:"failure_reason,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Build derives a Map from a distillation record and the daily note it
// was written to.
func Build(rec distill.Record, notePath string) Map {
	return Map{
		OldSessionID:   rec.SessionID,
		SummaryBullets: bullets(rec.Summary, 12),
		ArchiveRefs:    []string{rec.ArchivePath},
		MemoryRefs:     []string{notePath},
		CreatedAt:      time.Now().UTC(),
	}
}

// bullets pulls up to max markdown bullet lines out of a summary.
func bullets(summary string, max int) []string {
	var out []string
	for _, line := range strings.Split(summary, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "- ") {
			continue
		}
		out = append(out, strings.TrimPrefix(trimmed, "- "))
		if len(out) >= max {
			break
		}
	}
	return out
}

// Save persists the map under dir, named by old session and timestamp.
func Save(dir string, m Map) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("continuity: create dir: %w", err)
	}

	name := fmt.Sprintf("%s-%d.json", safeName(m.OldSessionID), m.CreatedAt.Unix())
	path := filepath.Join(dir, name)

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("continuity: marshal map: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("continuity: write map: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("continuity: commit map: %w", err)
	}
	return path, nil
}

// LoadAll returns every persisted map in dir.
func LoadAll(dir string) ([]Map, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("continuity: read dir: %w", err)
	}

	var maps []Map
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		var m Map
		if json.Unmarshal(data, &m) == nil {
			maps = append(maps, m)
		}
	}
	return maps, nil
}

// RemoveArchiveRefs rewrites persisted maps that reference any of the
// given archive paths, dropping the stale refs. Called by retention
// before the file itself is deleted.
func RemoveArchiveRefs(dir string, archivePaths map[string]bool) (int, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("continuity: read dir: %w", err)
	}

	updated := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var m Map
		if json.Unmarshal(data, &m) != nil {
			continue
		}

		kept := m.ArchiveRefs[:0:0]
		for _, ref := range m.ArchiveRefs {
			if !archivePaths[ref] {
				kept = append(kept, ref)
			}
		}
		if len(kept) == len(m.ArchiveRefs) {
			continue
		}
		m.ArchiveRefs = kept

		out, err := json.MarshalIndent(m, "", "  ")
		if err != nil {
			continue
		}
		tmp := path + ".tmp"
		if os.WriteFile(tmp, append(out, '\n'), 0o644) != nil {
			continue
		}
		if os.Rename(tmp, path) == nil {
			updated++
		} else {
			_ = os.Remove(tmp)
		}
	}
	return updated, nil
}

func safeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('-')
		}
	}
	name := strings.Trim(b.String(), "-")
	if name == "" {
		return "session"
	}
	return name
}

// RenderBlock formats the map as the leading context block injected into
// the new session.
func RenderBlock(m Map) string {
	var b strings.Builder
	b.WriteString("## Continuity handoff\n\n")
	fmt.Fprintf(&b, "Continued from session `%s` on %s.\n\n", m.OldSessionID, m.CreatedAt.Format("2006-01-02"))
	if len(m.SummaryBullets) > 0 {
		b.WriteString("Prior context:\n")
		for _, bullet := range m.SummaryBullets {
			fmt.Fprintf(&b, "- %s\n", bullet)
		}
		b.WriteString("\n")
	}
	if len(m.MemoryRefs) > 0 {
		b.WriteString("Durable notes:\n")
		for _, ref := range m.MemoryRefs {
			fmt.Fprintf(&b, "- %s\n", ref)
		}
		b.WriteString("\n")
	}
	if len(m.ArchiveRefs) > 0 {
		b.WriteString("Archived transcripts (recallable):\n")
		for _, ref := range m.ArchiveRefs {
			fmt.Fprintf(&b, "- %s\n", ref)
		}
	}
	return b.String()
}

// Rollover attempts the handoff: create a new session, then inject the
// rendered map. On any failure the map is returned with RolloverOK=false
// and the reason recorded; the caller persists it either way.
func Rollover(ctx context.Context, gateway *host.Gateway, m Map) Map {
	newID, err := gateway.CreateSession(ctx)
	if err != nil {
		m.RolloverOK = false
		m.FailureReason = fmt.Sprintf("create session: %v", err)
		return m
	}

	if err := gateway.InjectContext(ctx, newID, RenderBlock(m)); err != nil {
		// The new session exists but never received the map; we do not
		// link it, so no orphaned handoff can be mistaken for success.
		m.RolloverOK = false
		m.FailureReason = fmt.Sprintf("inject into %s: %v", newID, err)
		return m
	}

	m.NewSessionID = newID
	m.RolloverOK = true
	return m
}
