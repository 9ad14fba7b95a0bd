// Package archive snapshots raw session content into the archive store
// and records it in the ledger. Archiving must succeed before any
// destructive prune or distill step may touch the same data.
package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/selene-sh/selene/internal/faults"
	"github.com/selene-sh/selene/internal/ledger"
)

// Outcome reports what the pipeline did for one source.
type Outcome struct {
	Record  ledger.Record
	Deduped bool // identical content was already archived; no new write
}

// Pipeline snapshots sources into rawDir and appends to the ledger.
type Pipeline struct {
	rawDir string
	led    *ledger.Ledger
}

// NewPipeline returns a Pipeline writing snapshots under rawDir.
func NewPipeline(rawDir string, led *ledger.Ledger) *Pipeline {
	return &Pipeline{rawDir: rawDir, led: led}
}

// HashFile returns the hex sha256 of the file contents.
func HashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("archive: read %s: %w", path, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// slugify reduces a session identifier to a safe file name stem.
func slugify(s string) string {
	var b strings.Builder
	prevDash := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			prevDash = false
		} else if !prevDash && b.Len() > 0 {
			b.WriteByte('-')
			prevDash = true
		}
	}
	return strings.Trim(b.String(), "-")
}

// Archive snapshots the session file at sourcePath. If the ledger already
// holds a live record for identical content the existing record is
// returned unchanged — re-archiving is idempotent by content hash.
//
// A missing source or a failed write is a data-loss-risk failure: the
// caller must hard-stop destructive stages for this cycle.
func (p *Pipeline) Archive(sessionID, sourcePath, collection string) (Outcome, error) {
	raw, err := os.ReadFile(sourcePath)
	if err != nil {
		return Outcome{}, fmt.Errorf("archive: read source %s: %w (%w)", sourcePath, err, faults.ErrDataLossRisk)
	}

	sum := sha256.Sum256(raw)
	hash := hex.EncodeToString(sum[:])

	if rec, ok, findErr := p.led.Find(hash); findErr != nil {
		return Outcome{}, findErr
	} else if ok {
		return Outcome{Record: rec, Deduped: true}, nil
	}

	if err := os.MkdirAll(p.rawDir, 0o755); err != nil {
		return Outcome{}, fmt.Errorf("archive: create %s: %w (%w)", p.rawDir, err, faults.ErrDataLossRisk)
	}

	ext := strings.TrimPrefix(filepath.Ext(sourcePath), ".")
	if ext == "" {
		ext = "jsonl"
	}
	stem := slugify(sessionID)
	if stem == "" {
		stem = "session"
	}
	name := fmt.Sprintf("%s-%d.%s", stem, time.Now().Unix(), ext)
	archivePath := filepath.Join(p.rawDir, name)

	// Write-to-temp-then-rename so a crash never leaves a half-written
	// snapshot that a later cycle could index.
	tmp := archivePath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return Outcome{}, fmt.Errorf("archive: write snapshot: %w (%w)", err, faults.ErrDataLossRisk)
	}
	if err := os.Rename(tmp, archivePath); err != nil {
		_ = os.Remove(tmp)
		return Outcome{}, fmt.Errorf("archive: commit snapshot: %w (%w)", err, faults.ErrDataLossRisk)
	}

	ev := ledger.Event{
		Kind:        ledger.EventCreated,
		ContentHash: hash,
		SessionID:   sessionID,
		SourcePath:  sourcePath,
		ArchivePath: archivePath,
		Collection:  collection,
	}
	if err := p.led.Append(ev); err != nil {
		return Outcome{}, err
	}

	rec, ok, err := p.led.Find(hash)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return Outcome{}, fmt.Errorf("archive: record for %s vanished after append", hash)
	}
	return Outcome{Record: rec}, nil
}

// LatestSessionFile returns the most recently modified session file in
// dir, skipping lock/temp artifacts and the host's own session registry.
func LatestSessionFile(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("archive: read sessions dir %s: %w (%w)", dir, err, faults.ErrDataLossRisk)
	}

	var best string
	var bestMod time.Time
	for _, entry := range entries {
		if entry.IsDir() || !IsSessionFile(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if best == "" || info.ModTime().After(bestMod) {
			best = filepath.Join(dir, entry.Name())
			bestMod = info.ModTime()
		}
	}
	if best == "" {
		return "", fmt.Errorf("archive: no session files in %s (%w)", dir, faults.ErrDataLossRisk)
	}
	return best, nil
}

// IsSessionFile reports whether name looks like a live session transcript.
func IsSessionFile(name string) bool {
	lower := strings.ToLower(name)
	for _, suffix := range []string{".lock", ".tmp", ".swp", ".part"} {
		if strings.HasSuffix(lower, suffix) {
			return false
		}
	}
	if lower == "sessions.json" {
		return false
	}
	return strings.HasSuffix(lower, ".json") || strings.HasSuffix(lower, ".jsonl")
}
