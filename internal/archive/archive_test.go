package archive

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/selene-sh/selene/internal/faults"
	"github.com/selene-sh/selene/internal/ledger"
)

func testPipeline(t *testing.T) (*Pipeline, string) {
	t.Helper()
	dir := t.TempDir()
	led := ledger.Open(filepath.Join(dir, "ledger.jsonl"))
	return NewPipeline(filepath.Join(dir, "raw"), led), dir
}

func writeSource(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestArchiveCreatesSnapshot(t *testing.T) {
	p, dir := testPipeline(t)
	source := writeSource(t, dir, "sess.jsonl", `{"role":"user","text":"hi"}`)

	out, err := p.Archive("Proj Alpha/42", source, "history")
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if out.Deduped {
		t.Error("fresh content reported as deduped")
	}

	data, err := os.ReadFile(out.Record.ArchivePath)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if string(data) != `{"role":"user","text":"hi"}` {
		t.Errorf("snapshot content mismatch: %q", data)
	}

	base := filepath.Base(out.Record.ArchivePath)
	if !strings.HasPrefix(base, "proj-alpha-42-") || !strings.HasSuffix(base, ".jsonl") {
		t.Errorf("snapshot name %q, want slugged stem and source extension", base)
	}
	if out.Record.SessionID != "Proj Alpha/42" || out.Record.Collection != "history" {
		t.Errorf("ledger record fields: %+v", out.Record)
	}
}

func TestArchiveDedupesByContent(t *testing.T) {
	p, dir := testPipeline(t)
	source := writeSource(t, dir, "sess.jsonl", "same bytes")

	first, err := p.Archive("s1", source, "history")
	if err != nil {
		t.Fatalf("first archive: %v", err)
	}
	second, err := p.Archive("s1", source, "history")
	if err != nil {
		t.Fatalf("second archive: %v", err)
	}
	if !second.Deduped {
		t.Error("identical content not deduped")
	}
	if second.Record.ArchivePath != first.Record.ArchivePath {
		t.Errorf("dedupe returned a different snapshot: %q vs %q",
			second.Record.ArchivePath, first.Record.ArchivePath)
	}

	entries, err := os.ReadDir(filepath.Dir(first.Record.ArchivePath))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("raw dir holds %d files, want 1", len(entries))
	}
}

func TestArchiveMissingSourceIsDataLossRisk(t *testing.T) {
	p, dir := testPipeline(t)
	_, err := p.Archive("s1", filepath.Join(dir, "gone.jsonl"), "history")
	if err == nil {
		t.Fatal("archiving a missing source should fail")
	}
	if !faults.DataLossRisk(err) {
		t.Errorf("error %v does not carry the data-loss-risk sentinel", err)
	}
}

func TestLatestSessionFile(t *testing.T) {
	dir := t.TempDir()
	old := writeSource(t, dir, "old.jsonl", "old")
	newest := writeSource(t, dir, "new.jsonl", "new")
	writeSource(t, dir, "sessions.json", "registry")
	writeSource(t, dir, "busy.jsonl.lock", "lock")

	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(old, past, past); err != nil {
		t.Fatal(err)
	}

	got, err := LatestSessionFile(dir)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if got != newest {
		t.Errorf("latest = %q, want %q", got, newest)
	}
}

func TestLatestSessionFileEmptyDir(t *testing.T) {
	_, err := LatestSessionFile(t.TempDir())
	if err == nil {
		t.Fatal("empty dir should fail")
	}
	if !faults.DataLossRisk(err) {
		t.Errorf("error %v does not carry the data-loss-risk sentinel", err)
	}
}

func TestIsSessionFile(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"abc.jsonl", true},
		{"abc.json", true},
		{"ABC.JSONL", true},
		{"sessions.json", false},
		{"abc.jsonl.lock", false},
		{"abc.jsonl.tmp", false},
		{"abc.swp", false},
		{"abc.part", false},
		{"abc.txt", false},
	}
	for _, tt := range tests {
		if got := IsSessionFile(tt.name); got != tt.want {
			t.Errorf("IsSessionFile(%q) = %t, want %t", tt.name, got, tt.want)
		}
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Proj Alpha/42", "proj-alpha-42"},
		{"simple", "simple"},
		{"--weird__name--", "weird-name"},
		{"///", ""},
	}
	for _, tt := range tests {
		if got := slugify(tt.in); got != tt.want {
			t.Errorf("slugify(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
