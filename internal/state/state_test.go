package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileIsFreshState(t *testing.T) {
	st, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if st.Phase != PhaseNormal {
		t.Errorf("phase = %s, want normal", st.Phase)
	}
	for _, tier := range []Tier{TierArchive, TierPrune, TierDistill} {
		if !st.Armed[tier] {
			t.Errorf("tier %s not armed on first run", tier)
		}
	}
}

func TestSaveLoadRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	now := time.Now().UTC().Truncate(time.Second)

	st := New()
	st.Phase = PhasePruneTriggered
	st.Armed[TierPrune] = false
	st.LastFiredAt[TierPrune] = now
	st.PendingDistill = []string{"h1", "h2"}
	st.LastSessionID = "sess-1"
	st.LastUsageRatio = 0.87

	if err := Save(path, st); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Phase != PhasePruneTriggered || got.LastSessionID != "sess-1" || got.LastUsageRatio != 0.87 {
		t.Errorf("roundtrip mismatch: %+v", got)
	}
	if got.Armed[TierPrune] || !got.Armed[TierArchive] {
		t.Errorf("armed map mismatch: %+v", got.Armed)
	}
	if !got.LastFiredAt[TierPrune].Equal(now) {
		t.Errorf("last fired = %v, want %v", got.LastFiredAt[TierPrune], now)
	}
	if len(got.PendingDistill) != 2 {
		t.Errorf("pending queue = %v", got.PendingDistill)
	}
}

func TestLoadRepairsNilMaps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte(`{"schema_version":1,"phase":"normal"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	st, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if st.Armed == nil || st.LastFiredAt == nil {
		t.Fatal("nil maps not repaired")
	}
	if !st.Armed[TierArchive] {
		t.Error("repaired armed map should default to armed")
	}
}

func TestLoadRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("corrupt state should fail to load")
	}
}

func TestSaveLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	if err := Save(path, New()); err != nil {
		t.Fatalf("save: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "state.json" {
		t.Errorf("dir contents after save: %v", entries)
	}
}

func TestCooldown(t *testing.T) {
	st := New()
	now := time.Now()
	if st.InCooldown(now) {
		t.Error("fresh state already in cooldown")
	}
	st.StartCooldown(now, 5*time.Minute)
	if st.Phase != PhaseCooldown {
		t.Errorf("phase = %s, want cooldown", st.Phase)
	}
	if !st.InCooldown(now.Add(time.Minute)) {
		t.Error("cooldown not active inside the window")
	}
	if st.InCooldown(now.Add(6 * time.Minute)) {
		t.Error("cooldown still active past the window")
	}
}

func TestDistillQueue(t *testing.T) {
	st := New()
	st.EnqueueDistill("h1")
	st.EnqueueDistill("h2")
	st.EnqueueDistill("h1") // duplicate
	if len(st.PendingDistill) != 2 {
		t.Errorf("queue = %v, want two unique entries", st.PendingDistill)
	}
	st.DequeueDistill("h1")
	if len(st.PendingDistill) != 1 || st.PendingDistill[0] != "h2" {
		t.Errorf("queue after dequeue = %v", st.PendingDistill)
	}
	st.DequeueDistill("absent") // no-op
	if len(st.PendingDistill) != 1 {
		t.Errorf("dequeue of absent hash mutated the queue: %v", st.PendingDistill)
	}
}
