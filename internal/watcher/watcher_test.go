package watcher

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/selene-sh/selene/internal/archive"
	"github.com/selene-sh/selene/internal/audit"
	"github.com/selene-sh/selene/internal/config"
	"github.com/selene-sh/selene/internal/continuity"
	"github.com/selene-sh/selene/internal/distill"
	"github.com/selene-sh/selene/internal/host"
	"github.com/selene-sh/selene/internal/index"
	"github.com/selene-sh/selene/internal/ledger"
	"github.com/selene-sh/selene/internal/paths"
	"github.com/selene-sh/selene/internal/retention"
	"github.com/selene-sh/selene/internal/state"
	"github.com/selene-sh/selene/internal/usage"
	"github.com/selene-sh/selene/internal/warn"
)

// fakeEngine records index calls and always succeeds.
type fakeEngine struct {
	added []string
}

func (e *fakeEngine) Add(_ context.Context, _, path string) error {
	e.added = append(e.added, path)
	return nil
}

func (e *fakeEngine) Search(_ context.Context, _, _ string) ([]index.Hit, error) {
	return nil, nil
}

// fixedUsage always reports the same ratio, captured now.
type fixedUsage struct {
	ratio float64
}

func (p *fixedUsage) Name() usage.Source { return usage.SourceHost }

func (p *fixedUsage) Collect(_ context.Context) (usage.Snapshot, error) {
	return usage.Snapshot{
		SessionID:  "sess-1",
		UsedTokens: uint64(p.ratio * 200000),
		MaxTokens:  200000,
		Ratio:      p.ratio,
		CapturedAt: time.Now(),
		Source:     usage.SourceHost,
	}, nil
}

func testWatcher(t *testing.T, ratio float64) (*Watcher, *fakeEngine) {
	t.Helper()
	root := t.TempDir()
	layout := paths.Layout{
		Home:          root,
		ArchivesDir:   filepath.Join(root, "archives"),
		RawDir:        filepath.Join(root, "archives", "raw"),
		LedgerFile:    filepath.Join(root, "archives", "ledger.jsonl"),
		MemoryDir:     filepath.Join(root, "memory"),
		StateDir:      filepath.Join(root, "state"),
		StateFile:     filepath.Join(root, "state", "state.json"),
		LockFile:      filepath.Join(root, "state", "watcher.lock"),
		LogsDir:       filepath.Join(root, "logs"),
		AuditFile:     filepath.Join(root, "logs", "audit.log"),
		ContinuityDir: filepath.Join(root, "continuity"),
		SessionsDir:   filepath.Join(root, "sessions"),
	}
	if err := layout.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(layout.SessionsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	session := filepath.Join(layout.SessionsDir, "sess-1.jsonl")
	if err := os.WriteFile(session, []byte(`{"id":"m1","text":"decided to ship the watcher"}`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Distill.Mode = "manual"
	cfg.Retention.Enabled = false
	// A binary that cannot exist, so host calls fail deterministically.
	cfg.Host.Binary = filepath.Join(root, "no-such-host")

	engine := &fakeEngine{}
	led := ledger.Open(layout.LedgerFile)
	w := &Watcher{
		Cfg:      cfg,
		Layout:   layout,
		Usage:    &fixedUsage{ratio: ratio},
		Ledger:   led,
		Pipeline: archive.NewPipeline(layout.RawDir, led),
		Index:    engine,
		Host:     host.New(cfg.Host.Binary, "", time.Second),
		Distill:  &distill.Chain{Local: &distill.RuleDistiller{}},
		Audit:    audit.Open(layout.AuditFile),
		Sweeper: &retention.Sweeper{
			Policy: retention.Policy{ActiveDays: 7, WarmDays: 30},
			Ledger: led,
			Engine: engine,
		},
	}
	return w, engine
}

func silenceWarnings(t *testing.T) {
	t.Helper()
	orig := warn.Output
	warn.Output = io.Discard
	t.Cleanup(func() { warn.Output = orig })
}

func TestRunCycleBelowThresholds(t *testing.T) {
	silenceWarnings(t)
	w, engine := testWatcher(t, 0.50)

	report, err := w.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if len(report.Triggers) != 0 {
		t.Errorf("triggers fired at 50%%: %v", report.Triggers)
	}
	if report.Archived != nil {
		t.Error("archive ran below the archive threshold")
	}
	if len(engine.added) != 0 {
		t.Errorf("index touched: %v", engine.added)
	}

	st, err := state.Load(w.Layout.StateFile)
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if st.LastHeartbeat.IsZero() || st.LastSessionID != "sess-1" || st.LastUsageRatio != 0.50 {
		t.Errorf("heartbeat not persisted: %+v", st)
	}
	if st.Phase != state.PhaseNormal {
		t.Errorf("phase = %s, want normal", st.Phase)
	}
}

func TestRunCycleArchiveTier(t *testing.T) {
	silenceWarnings(t)
	w, engine := testWatcher(t, 0.81)

	report, err := w.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if !hasTier(report.Triggers, state.TierArchive) {
		t.Fatalf("archive tier did not fire: %v", report.Triggers)
	}
	if hasTier(report.Triggers, state.TierPrune) {
		t.Errorf("prune fired below its threshold: %v", report.Triggers)
	}
	if report.Archived == nil {
		t.Fatal("no archive outcome")
	}
	if !report.Archived.Record.Indexed {
		t.Error("archive not indexed")
	}
	if len(engine.added) != 1 || engine.added[0] != report.Archived.Record.ArchivePath {
		t.Errorf("index calls = %v", engine.added)
	}
	if _, err := os.Stat(report.Archived.Record.ArchivePath); err != nil {
		t.Errorf("snapshot missing: %v", err)
	}

	st, err := state.Load(w.Layout.StateFile)
	if err != nil {
		t.Fatal(err)
	}
	if st.Armed[state.TierArchive] {
		t.Error("archive tier still armed after firing")
	}
}

func TestRunCycleDistillTierEndToEnd(t *testing.T) {
	silenceWarnings(t)
	w, _ := testWatcher(t, 0.92)

	report, err := w.RunCycle(context.Background())
	// The prune stage fails (host binary absent), so the cycle reports
	// an unresolved error — but distillation must still have run.
	if err == nil {
		t.Error("prune against a missing host should surface an error")
	}

	if !hasTier(report.Triggers, state.TierDistill) {
		t.Fatalf("distill tier did not fire: %v", report.Triggers)
	}
	if len(report.Distilled) != 1 {
		t.Fatalf("distilled %d archives, want 1", len(report.Distilled))
	}
	rec := report.Distilled[0]
	if rec.Provider != distill.ProviderLocal {
		t.Errorf("provider = %s, want the local fallback", rec.Provider)
	}

	// Daily note written.
	note := filepath.Join(w.Layout.MemoryDir, rec.ProducedAt.Local().Format("2006-01-02")+".md")
	if _, err := os.Stat(note); err != nil {
		t.Errorf("daily note missing: %v", err)
	}

	// Ledger carries the distilled marker.
	got, ok, err := w.Ledger.Find(rec.ContentHash)
	if err != nil || !ok {
		t.Fatalf("ledger lookup: ok=%t err=%v", ok, err)
	}
	if !got.Distilled {
		t.Error("distilled marker not recorded")
	}

	// Rollover fails against the missing host; the map persists as a
	// failed terminal state, never half-linked.
	if report.Continuity == nil {
		t.Fatal("no continuity map")
	}
	if report.Continuity.RolloverOK || report.Continuity.NewSessionID != "" {
		t.Errorf("continuity claims success against a dead host: %+v", report.Continuity)
	}
	maps, err := continuity.LoadAll(w.Layout.ContinuityDir)
	if err != nil || len(maps) != 1 {
		t.Errorf("persisted maps = %d (err %v), want 1", len(maps), err)
	}
}

func TestRunCycleDataLossHaltsDestructiveStages(t *testing.T) {
	silenceWarnings(t)
	w, _ := testWatcher(t, 0.92)
	// Remove every session file: archiving has nothing to preserve.
	if err := os.RemoveAll(w.Layout.SessionsDir); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(w.Layout.SessionsDir, 0o755); err != nil {
		t.Fatal(err)
	}

	report, err := w.RunCycle(context.Background())
	if err == nil {
		t.Fatal("cycle with unarchivable session should fail")
	}
	if report.Pruned != "" {
		t.Error("prune ran without a committed archive")
	}
	if len(report.Distilled) != 0 {
		t.Error("distill ran despite the data-loss stop")
	}

	st, err := state.Load(w.Layout.StateFile)
	if err != nil {
		t.Fatal(err)
	}
	if !st.InCooldown(time.Now()) {
		t.Error("failure cooldown not started")
	}
}

func TestRunCycleSecondPassIsQuiet(t *testing.T) {
	silenceWarnings(t)
	w, _ := testWatcher(t, 0.81)

	if _, err := w.RunCycle(context.Background()); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	report, err := w.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	// Same ratio, tier disarmed: nothing fires, nothing new is written.
	if len(report.Triggers) != 0 {
		t.Errorf("second cycle fired %v", report.Triggers)
	}

	entries, err := os.ReadDir(w.Layout.RawDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("raw dir holds %d snapshots, want 1", len(entries))
	}
}

// writeCreated appends a created event with an explicit timestamp, which
// Append would overwrite.
func writeCreated(t *testing.T, ledgerFile, hash string, at time.Time) {
	t.Helper()
	line, err := json.Marshal(ledger.Event{
		Kind:        ledger.EventCreated,
		ContentHash: hash,
		SessionID:   "sess-1",
		ArchivePath: filepath.Join(filepath.Dir(ledgerFile), "raw", hash+".jsonl"),
		At:          at,
	})
	if err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(ledgerFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		t.Fatal(err)
	}
}

func TestIdleModeDistillGate(t *testing.T) {
	silenceWarnings(t)
	w, _ := testWatcher(t, 0.10)
	w.Cfg.Distill.Mode = "idle"
	w.Cfg.Distill.IdleSecs = 360
	w.Cfg.Watcher.CooldownSecs = 300

	// Two archives land 10 seconds apart; the window measures from the
	// second one.
	base := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	writeCreated(t, w.Layout.LedgerFile, "h1", base)
	second := base.Add(10 * time.Second)
	writeCreated(t, w.Layout.LedgerFile, "h2", second)

	st, err := state.Load(w.Layout.StateFile)
	if err != nil {
		t.Fatal(err)
	}

	if due, reason := w.distillDue(st, false, base.Add(350*time.Second)); due {
		t.Errorf("distill due while the second archive keeps the window open (%s)", reason)
	}
	if due, _ := w.distillDue(st, false, second.Add(359*time.Second)); due {
		t.Error("distill due one second before the window elapsed")
	}

	at := second.Add(361 * time.Second)
	due, reason := w.distillDue(st, false, at)
	if !due {
		t.Fatalf("distill not due after the idle window: %s", reason)
	}
	if !st.LastFiredAt[state.TierDistill].Equal(at) {
		t.Errorf("fire time not recorded: %v", st.LastFiredAt[state.TierDistill])
	}

	if due, _ := w.distillDue(st, false, at.Add(time.Minute)); due {
		t.Error("distill refired inside the cooldown")
	}
}

func TestScheduleModeDistillGate(t *testing.T) {
	w, _ := testWatcher(t, 0.10)
	w.Cfg.Distill.Mode = "schedule"
	sch, err := cron.ParseStandard("0 3 * * *")
	if err != nil {
		t.Fatal(err)
	}
	w.schedule = sch

	st, err := state.Load(w.Layout.StateFile)
	if err != nil {
		t.Fatal(err)
	}

	// No prior pass: anything past the day's slot is due.
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	if due, _ := w.distillDue(st, false, now); !due {
		t.Fatal("first scheduled pass not due within a day of the cron slot")
	}
	if due, _ := w.distillDue(st, false, now.Add(time.Hour)); due {
		t.Error("scheduled pass refired before the next cron slot")
	}
	if due, _ := w.distillDue(st, false, now.Add(16*time.Hour)); !due {
		t.Error("next day's slot did not fire")
	}
}

// cancelingUsage cancels the daemon's shutdown context from inside a
// cycle and records whether the cycle's own context was affected.
type cancelingUsage struct {
	cancel context.CancelFunc
	sawErr error
}

func (p *cancelingUsage) Name() usage.Source { return usage.SourceHost }

func (p *cancelingUsage) Collect(ctx context.Context) (usage.Snapshot, error) {
	p.cancel()
	p.sawErr = ctx.Err()
	return usage.Snapshot{
		SessionID:  "sess-1",
		UsedTokens: 100,
		MaxTokens:  200000,
		Ratio:      0.0005,
		CapturedAt: time.Now(),
		Source:     usage.SourceHost,
	}, nil
}

func TestDaemonStopLetsCycleFinish(t *testing.T) {
	silenceWarnings(t)
	w, _ := testWatcher(t, 0.10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	prov := &cancelingUsage{cancel: cancel}
	w.Usage = prov

	if err := w.RunDaemon(ctx, nil); err != nil {
		t.Fatalf("daemon: %v", err)
	}
	if prov.sawErr != nil {
		t.Errorf("in-flight cycle saw the shutdown cancellation: %v", prov.sawErr)
	}

	// The cycle ran to completion: the heartbeat landed in the state file.
	st, err := state.Load(w.Layout.StateFile)
	if err != nil {
		t.Fatal(err)
	}
	if st.LastHeartbeat.IsZero() {
		t.Error("cycle did not complete before shutdown")
	}
}

func TestManualDistillUnledgeredPathArchivesFirst(t *testing.T) {
	silenceWarnings(t)
	w, _ := testWatcher(t, 0.10)

	source := filepath.Join(w.Layout.SessionsDir, "sess-1.jsonl")
	rec, err := w.ManualDistill(context.Background(), source, "sess-1")
	if err != nil {
		t.Fatalf("manual distill: %v", err)
	}
	if rec.Provider != distill.ProviderLocal {
		t.Errorf("provider = %s", rec.Provider)
	}

	// The source was archived before distillation touched it.
	live, err := w.Ledger.Live()
	if err != nil {
		t.Fatal(err)
	}
	if len(live) != 1 || !live[0].Distilled {
		t.Errorf("ledger after manual distill = %+v", live)
	}
	if live[0].ArchivePath == source {
		t.Error("distilled the source in place instead of its archive copy")
	}
}
