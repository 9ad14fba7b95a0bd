// Package distill compresses an archived session into a structured
// summary. A remote provider is tried first under a bounded timeout;
// a local rule-based extractor is the fallback. A double failure never
// costs the archive — it stays on disk for recall.
package distill

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/selene-sh/selene/internal/faults"
)

// Provider identifies which variant produced a record.
type Provider string

const (
	ProviderRemote Provider = "remote"
	ProviderLocal  Provider = "local"
)

// Anchor points a summary back into the raw archive.
type Anchor struct {
	MessageID string `json:"message_id"`
	Offset    int64  `json:"offset"` // byte offset of the message line in the archive
}

// Record is the durable result of one distillation.
type Record struct {
	ArchivePath string    `json:"archive_path"`
	ContentHash string    `json:"content_hash"`
	SessionID   string    `json:"session_id"`
	ProducedAt  time.Time `json:"produced_at"`
	Provider    Provider  `json:"provider"`
	Summary     string    `json:"summary"`
	Anchors     []Anchor  `json:"message_anchors,omitempty"`

	// ChunkFailures lists remote chunks that produced no summary. The
	// record is still usable; the summary covers the surviving chunks.
	ChunkFailures []string `json:"chunk_failures,omitempty"`
}

// Input carries the archive content into a distiller.
type Input struct {
	SessionID   string
	ArchivePath string
	ContentHash string
	Text        string
}

// Distiller produces a summary for one archive.
type Distiller interface {
	Name() Provider
	Distill(ctx context.Context, in Input) (string, error)
}

// Chain tries remote first, then local. Timeout bounds each remote call;
// the local extractor is synchronous and cheap. Transcripts larger than
// ChunkTokens are split on line boundaries and distilled per chunk.
type Chain struct {
	Remote      Distiller // nil when no remote provider is configured
	Local       Distiller
	Timeout     time.Duration
	ChunkTokens int
}

// Run produces a Record, recording which provider served. An error is
// returned only when every variant failed.
func (c *Chain) Run(ctx context.Context, in Input) (Record, error) {
	now := time.Now().UTC()
	anchors := ExtractAnchors(in.Text)

	if c.Remote != nil {
		summary, failures, err := c.runRemote(ctx, in)
		if err == nil {
			return Record{
				ArchivePath:   in.ArchivePath,
				ContentHash:   in.ContentHash,
				SessionID:     in.SessionID,
				ProducedAt:    now,
				Provider:      ProviderRemote,
				Summary:       summary,
				Anchors:       anchors,
				ChunkFailures: failures,
			}, nil
		}
		// Fall through to local on any remote failure.
	}

	summary, err := c.Local.Distill(ctx, in)
	if err != nil {
		return Record{}, fmt.Errorf("distill: all providers failed for %s: %w", in.ArchivePath, err)
	}
	return Record{
		ArchivePath: in.ArchivePath,
		ContentHash: in.ContentHash,
		SessionID:   in.SessionID,
		ProducedAt:  now,
		Provider:    ProviderLocal,
		Summary:     summary,
		Anchors:     anchors,
	}, nil
}

// runRemote distills in over the remote provider, splitting oversized
// transcripts into chunks so each call stays within the input budget.
// Surviving chunk summaries are concatenated; per-chunk failure reasons
// ride along. An error means no chunk produced anything.
func (c *Chain) runRemote(ctx context.Context, in Input) (string, []string, error) {
	chunks := splitChunks(in.Text, c.ChunkTokens)
	if len(chunks) == 1 {
		summary, err := c.callRemote(ctx, in)
		return summary, nil, err
	}

	var parts []string
	var failures []string
	for i, chunk := range chunks {
		part := in
		part.Text = chunk
		summary, err := c.callRemote(ctx, part)
		if err != nil {
			failures = append(failures, fmt.Sprintf("chunk %d/%d: %v", i+1, len(chunks), err))
			continue
		}
		parts = append(parts, strings.TrimSpace(summary))
	}
	if len(parts) == 0 {
		return "", failures, fmt.Errorf("distill: every chunk failed for %s", in.ArchivePath)
	}
	return strings.Join(parts, "\n\n"), failures, nil
}

func (c *Chain) callRemote(ctx context.Context, in Input) (string, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	return c.Remote.Distill(ctx, in)
}

// splitChunks cuts text on line boundaries into pieces within the token
// budget. A non-positive budget, or text that fits, yields one chunk. A
// single line over the budget is passed through whole; the provider's
// own clamp bounds it.
func splitChunks(text string, maxTokens int) []string {
	if maxTokens <= 0 {
		return []string{text}
	}
	maxBytes := maxTokens * 4
	if len(text) <= maxBytes {
		return []string{text}
	}

	var chunks []string
	var b strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if b.Len() > 0 && b.Len()+len(line)+1 > maxBytes {
			chunks = append(chunks, b.String())
			b.Reset()
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	if b.Len() > 0 {
		chunks = append(chunks, b.String())
	}
	return chunks
}

// ExtractAnchors scans archive JSONL for message identifiers and their
// byte offsets. Lines without an id are skipped; anchors keep the
// archive's own ordering.
func ExtractAnchors(text string) []Anchor {
	var anchors []Anchor
	var offset int64
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		var msg struct {
			ID        string `json:"id"`
			MessageID string `json:"messageId"`
		}
		if json.Unmarshal(line, &msg) == nil {
			id := msg.ID
			if id == "" {
				id = msg.MessageID
			}
			if id != "" {
				anchors = append(anchors, Anchor{MessageID: id, Offset: offset})
			}
		}
		offset += int64(len(line)) + 1
	}
	return anchors
}

// validateSummary enforces the provider output contract: non-empty
// markdown text of plausible length.
func validateSummary(s string) error {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return fmt.Errorf("empty summary (%w)", faults.ErrContractViolation)
	}
	if len(trimmed) < 8 {
		return fmt.Errorf("summary too short to be real output (%w)", faults.ErrContractViolation)
	}
	return nil
}

// clamp truncates the archive text so remote prompts stay within the
// provider's input budget. Four bytes per token is the usual estimate.
func clamp(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return text
	}
	maxBytes := maxTokens * 4
	if len(text) <= maxBytes {
		return text
	}
	return text[:maxBytes]
}

// WriteDailyNote appends the record's summary to the day's markdown
// note under memoryDir and returns the note path.
func WriteDailyNote(memoryDir string, rec Record) (string, error) {
	if err := os.MkdirAll(memoryDir, 0o755); err != nil {
		return "", fmt.Errorf("distill: create memory dir: %w", err)
	}

	path := filepath.Join(memoryDir, rec.ProducedAt.Local().Format("2006-01-02")+".md")

	var b strings.Builder
	fmt.Fprintf(&b, "\n\n### %s\n\n", rec.SessionID)
	fmt.Fprintf(&b, "- archive: %s\n", rec.ArchivePath)
	fmt.Fprintf(&b, "- provider: %s\n", rec.Provider)
	fmt.Fprintf(&b, "- produced_at: %s\n\n", rec.ProducedAt.Format(time.RFC3339))
	b.WriteString(strings.TrimSpace(rec.Summary))
	b.WriteString("\n")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("distill: open note %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.WriteString(b.String()); err != nil {
		return "", fmt.Errorf("distill: append note: %w", err)
	}
	return path, nil
}
