package audit

import (
	"path/filepath"
	"testing"
)

func TestAppendAndTail(t *testing.T) {
	l := Open(filepath.Join(t.TempDir(), "logs", "audit.jsonl"))

	stages := []string{"usage", "archive", "distill", "retention"}
	for _, stage := range stages {
		if err := l.Append(stage, "ok", "message for "+stage); err != nil {
			t.Fatalf("append %s: %v", stage, err)
		}
	}

	events, err := l.Tail(0)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(events) != len(stages) {
		t.Fatalf("got %d events, want %d", len(events), len(stages))
	}
	for i, stage := range stages {
		if events[i].Stage != stage {
			t.Errorf("event %d stage = %s, want %s (append order lost)", i, events[i].Stage, stage)
		}
		if events[i].At.IsZero() {
			t.Errorf("event %d has no timestamp", i)
		}
	}

	last2, err := l.Tail(2)
	if err != nil {
		t.Fatalf("tail(2): %v", err)
	}
	if len(last2) != 2 || last2[0].Stage != "distill" || last2[1].Stage != "retention" {
		t.Errorf("tail(2) = %+v, want the two newest oldest-first", last2)
	}
}

func TestTailMissingFile(t *testing.T) {
	l := Open(filepath.Join(t.TempDir(), "absent.jsonl"))
	events, err := l.Tail(10)
	if err != nil {
		t.Fatalf("tail on missing file: %v", err)
	}
	if events != nil {
		t.Errorf("got %+v, want nil", events)
	}
}
