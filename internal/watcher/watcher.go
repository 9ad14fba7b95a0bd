// Package watcher runs the context lifecycle control loop: poll usage,
// evaluate thresholds, archive, index, prune, distill, hand off, sweep.
// Stages execute sequentially within a cycle because each stage's
// precondition is the previous stage's committed result.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/selene-sh/selene/internal/archive"
	"github.com/selene-sh/selene/internal/audit"
	"github.com/selene-sh/selene/internal/config"
	"github.com/selene-sh/selene/internal/continuity"
	"github.com/selene-sh/selene/internal/distill"
	"github.com/selene-sh/selene/internal/faults"
	"github.com/selene-sh/selene/internal/host"
	"github.com/selene-sh/selene/internal/index"
	"github.com/selene-sh/selene/internal/ledger"
	"github.com/selene-sh/selene/internal/paths"
	"github.com/selene-sh/selene/internal/recall"
	"github.com/selene-sh/selene/internal/retention"
	"github.com/selene-sh/selene/internal/state"
	"github.com/selene-sh/selene/internal/usage"
	"github.com/selene-sh/selene/internal/warn"
)

// Watcher owns one environment's lifecycle. Construct with New.
type Watcher struct {
	Cfg    config.Config
	Layout paths.Layout

	Usage    usage.Provider
	Ledger   *ledger.Ledger
	Pipeline *archive.Pipeline
	Index    index.Engine
	Host     *host.Gateway
	Distill  *distill.Chain
	Audit    *audit.Log
	Sweeper  *retention.Sweeper

	schedule cron.Schedule // non-nil when distill mode is "schedule"
}

// New wires a Watcher from configuration. The index engine is chosen by
// config: the external command engine when a binary is configured, the
// built-in SQLite engine otherwise.
func New(cfg config.Config, layout paths.Layout) (*Watcher, error) {
	if err := layout.EnsureDirs(); err != nil {
		return nil, err
	}

	led := ledger.Open(layout.LedgerFile)
	gateway := host.New(cfg.Host.Binary, cfg.Host.RolloverCmd, time.Duration(cfg.Host.TimeoutSecs)*time.Second)

	var engine index.Engine
	switch cfg.Index.Engine {
	case "command":
		engine = index.NewCommandEngine(cfg.Index.Binary, time.Duration(cfg.Index.TimeoutSecs)*time.Second)
	default:
		dbPath := cfg.Index.DBPath
		if dbPath == "" {
			dbPath = filepath.Join(layout.Home, "index.db")
		}
		sqlEngine, err := index.OpenSQLite(dbPath)
		if err != nil {
			return nil, err
		}
		engine = sqlEngine
	}

	var provider usage.Provider
	hostProvider := &usage.HostProvider{Gateway: gateway}
	estimate := &usage.EstimateProvider{
		SessionsDir: layout.SessionsDir,
		MaxTokens:   uint64(cfg.Usage.MaxContextTokens),
	}
	if cfg.Usage.Provider == "estimate" {
		provider = estimate
	} else {
		provider = &usage.Chain{Primary: hostProvider, Fallback: estimate}
	}

	w := &Watcher{
		Cfg:      cfg,
		Layout:   layout,
		Usage:    provider,
		Ledger:   led,
		Pipeline: archive.NewPipeline(layout.RawDir, led),
		Index:    engine,
		Host:     gateway,
		Distill: distill.NewChain(cfg.Distill.Provider, cfg.Distill.Model,
			cfg.Distill.AnthropicKey, cfg.Distill.OpenAIKey,
			cfg.Distill.MaxInputTokens, cfg.Distill.TimeoutSecs),
		Audit: audit.Open(layout.AuditFile),
		Sweeper: &retention.Sweeper{
			Policy: retention.Policy{
				ActiveDays: cfg.Retention.ActiveDays,
				WarmDays:   cfg.Retention.WarmDays,
			},
			Ledger:        led,
			Engine:        engine,
			ContinuityDir: layout.ContinuityDir,
			MaxPerSweep:   cfg.Retention.SweepMaxPerCycle,
		},
	}

	if cfg.Distill.Mode == "schedule" {
		sched, err := cron.ParseStandard(cfg.Distill.Schedule)
		if err != nil {
			return nil, fmt.Errorf("watcher: distill schedule: %w", err)
		}
		w.schedule = sched
	}
	return w, nil
}

// Close releases engine resources.
func (w *Watcher) Close() error {
	if closer, ok := w.Index.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// Report summarizes one cycle for callers and tests.
type Report struct {
	Usage      usage.Snapshot
	Triggers   []Trigger
	Archived   *archive.Outcome
	Pruned     string
	Distilled  []distill.Record
	Continuity *continuity.Map
	Retention  *retention.Outcome
	Notes      []string
}

func (r *Report) note(format string, args ...any) {
	r.Notes = append(r.Notes, fmt.Sprintf(format, args...))
}

// RunCycle executes exactly one watcher cycle. The caller must hold the
// watcher lock. A nil error means every attempted stage resolved; a
// non-nil error is an unresolved failure (one-shot runs exit non-zero,
// the daemon logs it and resumes).
func (w *Watcher) RunCycle(ctx context.Context) (Report, error) {
	var report Report

	stateFile := w.Layout.StateFile
	st, err := state.Load(stateFile)
	if err != nil {
		return report, err
	}

	now := time.Now()

	snap, err := w.Usage.Collect(ctx)
	if err == nil {
		err = usage.CheckFresh(snap, now, time.Duration(w.Cfg.Watcher.StalenessSecs)*time.Second)
	}
	if err != nil {
		_ = w.Audit.Append("usage", "failed", err.Error())
		return report, fmt.Errorf("watcher: collect usage: %w", err)
	}
	report.Usage = snap

	st.LastHeartbeat = now
	st.LastSessionID = snap.SessionID
	st.LastUsageRatio = snap.Ratio
	st.LastSource = string(snap.Source)

	inFailureCooldown := st.InCooldown(now)

	var triggers []Trigger
	if inFailureCooldown {
		report.note("failure cooldown active until %s; destructive tiers suppressed", st.CooldownUntil.Format(time.RFC3339))
	} else {
		triggers = evaluateTiers(w.Cfg, st, snap.Ratio, now)
	}
	report.Triggers = triggers

	// Persist the firing decisions before any side effect: a crash
	// mid-action recovers by replay, and already-applied flags make the
	// re-entry a no-op.
	if len(triggers) > 0 {
		st.Phase = phaseFor(triggers)
		if err := state.Save(stateFile, st); err != nil {
			return report, err
		}
		_ = w.Audit.Append("watcher", "triggered",
			fmt.Sprintf("ratio=%.4f session=%s tiers=%s", snap.Ratio, snap.SessionID, triggerNames(triggers)))
	}

	var cycleErr error
	dataLoss := false

	needArchive := hasTier(triggers, state.TierArchive) ||
		hasTier(triggers, state.TierPrune) ||
		hasTier(triggers, state.TierDistill)

	if needArchive {
		out, err := w.archiveCurrent(ctx, snap.SessionID)
		if err != nil {
			cycleErr = err
			if faults.DataLossRisk(err) {
				dataLoss = true
			}
			_ = w.Audit.Append("archive", "failed", err.Error())
		} else {
			report.Archived = &out
			status := "ok"
			if !out.Record.Indexed {
				status = "degraded"
			}
			_ = w.Audit.Append("archive", status, fmt.Sprintf(
				"archive=%s indexed=%t deduped=%t", out.Record.ArchivePath, out.Record.Indexed, out.Deduped))
		}
	}

	if dataLoss {
		// Archive-before-destroy is an invariant, not an ordering
		// preference: without a committed archive, prune and distill
		// must not run this cycle.
		st.StartCooldown(now, time.Duration(w.Cfg.Watcher.FailureCooldownSecs)*time.Second)
		report.note("data-loss risk: destructive stages halted for this cycle")
		_ = w.Audit.Append("watcher", "degraded", "data-loss risk: destructive stages halted; cooldown started")
	}

	if hasTier(triggers, state.TierPrune) && !dataLoss {
		summary, err := w.prune(ctx, snap.SessionID, report.Archived)
		if err != nil {
			cycleErr = joinErr(cycleErr, err)
			_ = w.Audit.Append("prune", "failed", err.Error())
		} else {
			report.Pruned = summary
			_ = w.Audit.Append("prune", "ok", summary)
		}
	}

	if !dataLoss {
		distilled, cmap, err := w.runDistillation(ctx, st, triggers, now)
		report.Distilled = distilled
		report.Continuity = cmap
		if err != nil {
			cycleErr = joinErr(cycleErr, err)
		}
	}

	if w.Cfg.Retention.Enabled {
		out, errs := w.Sweeper.Sweep(ctx, now)
		report.Retention = &out
		for _, err := range errs {
			warn.Emit(warn.Event{
				Code: warn.CodeRetentionDeleteFailed, Stage: "retention", Action: "sweep",
				Session: snap.SessionID, Retry: "retry-next-cycle", Reason: "delete-failed", Err: err.Error(),
			})
		}
		if out.Scanned > 0 || out.Failed > 0 {
			status := "ok"
			if out.Failed > 0 {
				status = "degraded"
			}
			_ = w.Audit.Append("retention", status, fmt.Sprintf(
				"scanned=%d deleted=%d missing=%d skipped=%d failed=%d",
				out.Scanned, out.Deleted, out.Missing, out.Skipped, out.Failed))
		}
	}

	if len(triggers) == 0 && !st.InCooldown(now) {
		st.Phase = state.PhaseNormal
	}
	if err := state.Save(stateFile, st); err != nil {
		return report, joinErr(cycleErr, err)
	}
	return report, cycleErr
}

// archiveCurrent snapshots the newest session file and registers it with
// the index. Index failure degrades the record (indexed=false, retried
// later) but never fails the archive itself.
func (w *Watcher) archiveCurrent(ctx context.Context, sessionID string) (archive.Outcome, error) {
	source, err := archive.LatestSessionFile(w.Layout.SessionsDir)
	if err != nil {
		return archive.Outcome{}, err
	}

	out, err := w.Pipeline.Archive(sessionID, source, w.Cfg.Index.Collection)
	if err != nil {
		return archive.Outcome{}, err
	}

	if !out.Record.Indexed {
		if err := w.Index.Add(ctx, w.Cfg.Index.Collection, out.Record.ArchivePath); err != nil {
			warn.Emit(warn.Event{
				Code: warn.CodeIndexFailed, Stage: "index", Action: "archive-index",
				Session: sessionID, Archive: out.Record.ArchivePath, Source: source,
				Retry: "retry-next-cycle", Reason: "index-add-failed", Err: err.Error(),
			})
		} else if err := w.Ledger.MarkIndexed(out.Record.ContentHash, w.Cfg.Index.Collection); err != nil {
			warn.Emit(warn.Event{
				Code: warn.CodeLedgerReadFailed, Stage: "ledger", Action: "mark-indexed",
				Session: sessionID, Archive: out.Record.ArchivePath, Source: source,
				Retry: "retry-next-cycle", Reason: "ledger-append-failed", Err: err.Error(),
			})
		} else {
			out.Record.Indexed = true
		}
	}
	return out, nil
}

// prune invokes the host's compaction. It refuses to run unless this
// cycle committed an archive (fresh or deduped) for the session.
func (w *Watcher) prune(ctx context.Context, sessionID string, archived *archive.Outcome) (string, error) {
	if archived == nil {
		return "", fmt.Errorf("watcher: prune without a committed archive (%w)", faults.ErrDataLossRisk)
	}
	summary, err := w.Host.Compact(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("watcher: compact %s: %w", sessionID, err)
	}
	if summary == "" {
		summary = "compacted"
	}
	return summary, nil
}

// runDistillation gates on the configured mode, selects candidates
// deterministically, runs the provider chain per candidate, and — for a
// threshold-tier distill — attempts the continuity rollover.
func (w *Watcher) runDistillation(ctx context.Context, st *state.State, triggers []Trigger, now time.Time) ([]distill.Record, *continuity.Map, error) {
	tierFired := hasTier(triggers, state.TierDistill)

	due, reason := w.distillDue(st, tierFired, now)
	if !due {
		if reason != "" {
			_ = w.Audit.Append("distill", "skipped", reason)
		}
		return nil, nil, nil
	}

	records, err := w.Ledger.Live()
	if err != nil {
		warn.Emit(warn.Event{
			Code: warn.CodeLedgerReadFailed, Stage: "distill", Action: "select-candidates",
			Retry: "retry-next-cycle", Reason: "ledger-read-failed", Err: err.Error(),
		})
		return nil, nil, err
	}

	candidates := selectDistillCandidates(records, w.Cfg.Distill.MaxPerCycle)
	if len(candidates) == 0 {
		_ = w.Audit.Append("distill", "skipped", "no eligible candidates")
		return nil, nil, nil
	}

	for _, rec := range candidates {
		st.EnqueueDistill(rec.ContentHash)
	}

	var produced []distill.Record
	var lastErr error
	for _, rec := range candidates {
		out, err := w.distillOne(ctx, rec)
		if err != nil {
			lastErr = err
			warn.Emit(warn.Event{
				Code: warn.CodeDistillFailed, Stage: "distill", Action: "produce-summary",
				Session: rec.SessionID, Archive: rec.ArchivePath, Source: rec.SourcePath,
				Retry: "retry-next-cycle", Reason: "all-providers-failed", Err: err.Error(),
			})
			_ = w.Audit.Append("distill", "degraded", fmt.Sprintf("archive=%s error=%v", rec.ArchivePath, err))
			continue
		}
		st.DequeueDistill(rec.ContentHash)
		produced = append(produced, out)
		_ = w.Audit.Append("distill", "ok", fmt.Sprintf(
			"archive=%s provider=%s", rec.ArchivePath, out.Provider))
	}

	// Continuity handoff only under usage pressure: the distill tier
	// means the live session is near its ceiling and needs a fresh one.
	// Idle and scheduled passes are housekeeping; no rollover.
	var cmap *continuity.Map
	if tierFired && len(produced) > 0 {
		last := produced[len(produced)-1]
		notePath, _ := w.notePathFor(last)
		m := continuity.Build(last, notePath)
		m = continuity.Rollover(ctx, w.Host, m)
		if _, err := continuity.Save(w.Layout.ContinuityDir, m); err != nil {
			lastErr = joinErr(lastErr, err)
		}
		if !m.RolloverOK {
			warn.Emit(warn.Event{
				Code: warn.CodeContinuityFailed, Stage: "continuity", Action: "rollover",
				Session: m.OldSessionID, Archive: last.ArchivePath,
				Retry: "retry-next-qualifying-cycle", Reason: "rollover-failed", Err: m.FailureReason,
			})
			_ = w.Audit.Append("continuity", "failed", m.FailureReason)
		} else {
			_ = w.Audit.Append("continuity", "ok", fmt.Sprintf(
				"old=%s new=%s", m.OldSessionID, m.NewSessionID))
		}
		cmap = &m
	}

	return produced, cmap, lastErr
}

// distillOne runs the chain for a single ledger record and commits the
// result: daily note appended, distilled marker in the ledger.
func (w *Watcher) distillOne(ctx context.Context, rec ledger.Record) (distill.Record, error) {
	raw, err := os.ReadFile(rec.ArchivePath)
	if err != nil {
		return distill.Record{}, fmt.Errorf("watcher: read archive %s: %w", rec.ArchivePath, err)
	}

	out, err := w.Distill.Run(ctx, distill.Input{
		SessionID:   rec.SessionID,
		ArchivePath: rec.ArchivePath,
		ContentHash: rec.ContentHash,
		Text:        string(raw),
	})
	if err != nil {
		return distill.Record{}, err
	}
	for _, reason := range out.ChunkFailures {
		warn.Emit(warn.Event{
			Code: warn.CodeDistillChunkFailed, Stage: "distill", Action: "produce-summary",
			Session: rec.SessionID, Archive: rec.ArchivePath, Source: rec.SourcePath,
			Retry: "none", Reason: "partial-summary", Err: reason,
		})
	}

	if _, err := distill.WriteDailyNote(w.Layout.MemoryDir, out); err != nil {
		return distill.Record{}, err
	}
	if err := w.Ledger.MarkDistilled(rec.ContentHash); err != nil {
		return distill.Record{}, err
	}
	return out, nil
}

func (w *Watcher) notePathFor(rec distill.Record) (string, error) {
	return filepath.Join(w.Layout.MemoryDir, rec.ProducedAt.Local().Format("2006-01-02")+".md"), nil
}

// distillDue decides whether a distillation pass may run now. The
// threshold tier always qualifies; otherwise the configured mode gates:
// manual never fires from the loop, idle requires the idle window with
// no newer archive, schedule requires the cron expression to have
// matched since the last pass.
func (w *Watcher) distillDue(st *state.State, tierFired bool, now time.Time) (bool, string) {
	if tierFired {
		return true, ""
	}

	switch w.Cfg.Distill.Mode {
	case "manual":
		return false, ""

	case "idle":
		cooldown := time.Duration(w.Cfg.Watcher.CooldownSecs) * time.Second
		if last := st.LastFiredAt[state.TierDistill]; !last.IsZero() && now.Sub(last) < cooldown {
			return false, fmt.Sprintf("cooldown: %s since last distill", now.Sub(last).Round(time.Second))
		}
		records, err := w.Ledger.Live()
		if err != nil {
			warn.Emit(warn.Event{
				Code: warn.CodeLedgerReadFailed, Stage: "distill", Action: "idle-gate",
				Retry: "retry-next-cycle", Reason: "ledger-read-failed", Err: err.Error(),
			})
			return false, "ledger read failed"
		}
		newest, ok := idleSince(records)
		if !ok {
			return false, "no archives"
		}
		idleFor := now.Sub(newest)
		required := time.Duration(w.Cfg.Distill.IdleSecs) * time.Second
		if idleFor < required {
			return false, fmt.Sprintf("not idle: %s of %s", idleFor.Round(time.Second), required)
		}
		st.LastFiredAt[state.TierDistill] = now
		return true, ""

	case "schedule":
		baseline := st.LastFiredAt[state.TierDistill]
		if baseline.IsZero() {
			baseline = now.Add(-24 * time.Hour)
		}
		if next := w.schedule.Next(baseline); !next.After(now) {
			st.LastFiredAt[state.TierDistill] = now
			return true, ""
		}
		return false, ""
	}
	return false, ""
}

// ManualDistill distills one archive on operator demand, bypassing mode
// gating but honoring every safety rule (ledger-backed, marker
// idempotence).
func (w *Watcher) ManualDistill(ctx context.Context, archivePath, sessionID string) (distill.Record, error) {
	rec, ok, err := w.Ledger.FindByArchivePath(archivePath)
	if err != nil {
		return distill.Record{}, err
	}
	if !ok {
		// Archive the file first so the no-archive-no-destroy invariant
		// holds even for operator-supplied paths.
		out, err := w.Pipeline.Archive(sessionID, archivePath, w.Cfg.Index.Collection)
		if err != nil {
			return distill.Record{}, err
		}
		rec = out.Record
	}
	if sessionID != "" {
		rec.SessionID = sessionID
	}
	return w.distillOne(ctx, rec)
}

// Recall answers a retrieval query using the configured index engine.
func (w *Watcher) Recall(ctx context.Context, query, collection string) (recall.Result, error) {
	if collection == "" {
		collection = w.Cfg.Index.Collection
	}
	engine := &recall.Engine{Index: w.Index}
	return engine.Recall(ctx, query, collection)
}

func phaseFor(triggers []Trigger) state.Phase {
	switch {
	case hasTier(triggers, state.TierDistill):
		return state.PhaseDistillTriggered
	case hasTier(triggers, state.TierPrune):
		return state.PhasePruneTriggered
	case hasTier(triggers, state.TierArchive):
		return state.PhaseArchiveTriggered
	}
	return state.PhaseNormal
}

func joinErr(a, b error) error {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	default:
		return fmt.Errorf("%v; %w", a, b)
	}
}
