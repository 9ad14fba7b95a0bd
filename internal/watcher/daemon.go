package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/selene-sh/selene/internal/state"
	"github.com/selene-sh/selene/internal/warn"
)

// RunOnce acquires the watcher lock, runs a single cycle, and releases.
// It is the one-shot entrypoint: any unresolved stage failure is the
// returned error.
func (w *Watcher) RunOnce(ctx context.Context) (Report, error) {
	lock := state.NewLock(w.Layout.LockFile)
	if err := lock.Acquire(ctx, 5*time.Second); err != nil {
		return Report{}, fmt.Errorf("watcher: acquire lock: %w", err)
	}
	defer lock.Release()
	return w.RunCycle(ctx)
}

// RunDaemon polls until ctx is canceled. The lock is held for the whole
// daemon lifetime so a concurrent one-shot run cannot interleave. Cycle
// failures are logged and the loop continues; an in-flight cycle always
// completes before shutdown.
func (w *Watcher) RunDaemon(ctx context.Context, out *os.File) error {
	lock := state.NewLock(w.Layout.LockFile)
	if err := lock.Acquire(ctx, 5*time.Second); err != nil {
		return fmt.Errorf("watcher: acquire lock: %w", err)
	}
	defer lock.Release()

	interval := time.Duration(w.Cfg.Watcher.PollIntervalSecs) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	events, stopEvents, err := w.eventSource()
	if err != nil {
		// Degraded but running: polling alone still satisfies the loop.
		warn.Emit(warn.Event{
			Code: warn.CodeIndexFailed, Stage: "daemon", Action: "watch-sessions",
			Retry: "polling-only", Reason: "fsnotify-unavailable", Err: err.Error(),
		})
	}
	if stopEvents != nil {
		defer stopEvents()
	}

	if out != nil {
		fmt.Fprintf(out, "selene: watching %s every %s\n", w.Layout.SessionsDir, interval)
	}

	// Cycles run on a context detached from the shutdown signal: a stop
	// request gates the loop only, so an in-flight cycle (including any
	// destructive prune subprocess) always runs to completion.
	cycleCtx := context.WithoutCancel(ctx)
	cycle := func() {
		report, err := w.RunCycle(cycleCtx)
		if err != nil && out != nil {
			fmt.Fprintf(out, "selene: cycle error: %v\n", err)
		}
		if out != nil && len(report.Triggers) > 0 {
			fmt.Fprintf(out, "selene: ratio=%.3f fired=%s\n", report.Usage.Ratio, triggerNames(report.Triggers))
		}
	}

	cycle()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cycle()
		case _, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			cycle()
		}
	}
}

// eventSource watches the sessions directory and emits one debounced
// signal per write burst. Returns a nil channel when events are
// disabled in config.
func (w *Watcher) eventSource() (<-chan struct{}, func(), error) {
	if !w.Cfg.Events.Enabled {
		return nil, nil, nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, err
	}
	if err := fw.Add(w.Layout.SessionsDir); err != nil {
		fw.Close()
		return nil, nil, err
	}

	debounce := time.Duration(w.Cfg.Events.DebounceMs) * time.Millisecond
	out := make(chan struct{}, 1)
	done := make(chan struct{})

	go func() {
		defer close(out)
		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-done:
				return
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(debounce)
					fire = timer.C
				} else {
					timer.Reset(debounce)
				}
			case <-fire:
				timer = nil
				fire = nil
				select {
				case out <- struct{}{}:
				default:
				}
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				if err != nil && !errors.Is(err, fsnotify.ErrEventOverflow) {
					return
				}
			}
		}
	}()

	stop := func() {
		close(done)
		fw.Close()
	}
	return out, stop, nil
}

func triggerNames(triggers []Trigger) string {
	names := make([]string, 0, len(triggers))
	for _, t := range triggers {
		names = append(names, string(t.Tier))
	}
	return strings.Join(names, ",")
}
