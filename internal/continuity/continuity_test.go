package continuity

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/selene-sh/selene/internal/distill"
	"github.com/selene-sh/selene/internal/host"
)

func sampleRecord() distill.Record {
	return distill.Record{
		SessionID:   "sess-42",
		ArchivePath: "/archives/raw/sess-42-100.jsonl",
		ContentHash: "abc123",
		ProducedAt:  time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC),
		Provider:    distill.ProviderLocal,
		Summary:     "- decided to split the parser\n- next: wire the cache\nplain line\n- third point",
	}
}

func TestBuild(t *testing.T) {
	m := Build(sampleRecord(), "/memory/2026-08-20.md")

	if m.OldSessionID != "sess-42" {
		t.Errorf("old session = %q", m.OldSessionID)
	}
	want := []string{"decided to split the parser", "next: wire the cache", "third point"}
	if len(m.SummaryBullets) != len(want) {
		t.Fatalf("bullets = %v, want %v", m.SummaryBullets, want)
	}
	for i := range want {
		if m.SummaryBullets[i] != want[i] {
			t.Errorf("bullet %d = %q, want %q", i, m.SummaryBullets[i], want[i])
		}
	}
	if len(m.ArchiveRefs) != 1 || m.ArchiveRefs[0] != "/archives/raw/sess-42-100.jsonl" {
		t.Errorf("archive refs = %v", m.ArchiveRefs)
	}
	if len(m.MemoryRefs) != 1 || m.MemoryRefs[0] != "/memory/2026-08-20.md" {
		t.Errorf("memory refs = %v", m.MemoryRefs)
	}
	if m.RolloverOK {
		t.Error("fresh map already claims a successful rollover")
	}
}

func TestSaveAndLoadAll(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "continuity")
	m := Build(sampleRecord(), "/memory/2026-08-20.md")
	m.FailureReason = "create session: host unreachable"

	path, err := Save(dir, m)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if !strings.HasPrefix(filepath.Base(path), "sess-42-") {
		t.Errorf("map file name %q not derived from the session", filepath.Base(path))
	}

	maps, err := LoadAll(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(maps) != 1 {
		t.Fatalf("loaded %d maps, want 1", len(maps))
	}
	got := maps[0]
	if got.OldSessionID != m.OldSessionID || got.FailureReason != m.FailureReason {
		t.Errorf("roundtrip mismatch: %+v", got)
	}
	if got.RolloverOK {
		t.Error("failed rollover loaded as successful")
	}
}

func TestLoadAllMissingDir(t *testing.T) {
	maps, err := LoadAll(filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatalf("load on missing dir: %v", err)
	}
	if maps != nil {
		t.Errorf("got %v, want nil", maps)
	}
}

func TestRemoveArchiveRefs(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "continuity")
	m := Build(sampleRecord(), "/memory/2026-08-20.md")
	m.ArchiveRefs = []string{"/a/keep.jsonl", "/a/drop.jsonl"}
	if _, err := Save(dir, m); err != nil {
		t.Fatal(err)
	}

	updated, err := RemoveArchiveRefs(dir, map[string]bool{"/a/drop.jsonl": true})
	if err != nil {
		t.Fatalf("remove refs: %v", err)
	}
	if updated != 1 {
		t.Errorf("updated = %d, want 1", updated)
	}

	maps, err := LoadAll(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(maps) != 1 || len(maps[0].ArchiveRefs) != 1 || maps[0].ArchiveRefs[0] != "/a/keep.jsonl" {
		t.Errorf("refs after scrub = %v", maps)
	}
}

func TestRemoveArchiveRefsMissingDir(t *testing.T) {
	updated, err := RemoveArchiveRefs(filepath.Join(t.TempDir(), "absent"), map[string]bool{"/x": true})
	if err != nil || updated != 0 {
		t.Errorf("missing dir: updated=%d err=%v", updated, err)
	}
}

func TestRenderBlock(t *testing.T) {
	m := Build(sampleRecord(), "/memory/2026-08-20.md")
	block := RenderBlock(m)

	for _, want := range []string{
		"## Continuity handoff",
		"`sess-42`",
		"- decided to split the parser",
		"- /memory/2026-08-20.md",
		"- /archives/raw/sess-42-100.jsonl",
	} {
		if !strings.Contains(block, want) {
			t.Errorf("block missing %q:\n%s", want, block)
		}
	}
}

func TestRolloverFailureIsTerminalState(t *testing.T) {
	// A gateway pointing at a binary that does not exist fails the
	// create step; the map must come back persistable, not half-linked.
	gateway := host.New(filepath.Join(t.TempDir(), "no-such-host"), "", time.Second)
	m := Build(sampleRecord(), "/memory/2026-08-20.md")

	got := Rollover(context.Background(), gateway, m)
	if got.RolloverOK {
		t.Fatal("rollover against a missing host reported success")
	}
	if got.NewSessionID != "" {
		t.Errorf("failed rollover linked a new session: %q", got.NewSessionID)
	}
	if got.FailureReason == "" {
		t.Error("failure reason not recorded")
	}
}

func TestSafeName(t *testing.T) {
	tests := []struct{ in, want string }{
		{"sess-42", "sess-42"},
		{"a/b c", "a-b-c"},
		{"///", "session"},
	}
	for _, tt := range tests {
		if got := safeName(tt.in); got != tt.want {
			t.Errorf("safeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
