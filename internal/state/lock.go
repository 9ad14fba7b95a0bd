package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Lock is an exclusive advisory file lock guarding the watcher's
// mutating role. One-shot and daemon invocations share it, so two
// watcher processes can never mutate the same environment concurrently.
type Lock struct {
	path string
	file *os.File
}

// NewLock returns a Lock at path without acquiring it.
func NewLock(path string) *Lock {
	return &Lock{path: path}
}

// Acquire takes the lock, retrying until timeout. A lock file held by a
// dead process (stale after a crash) is detected by PID liveness and
// reclaimed; flock itself releases on process exit, so staleness only
// matters for the human-readable PID breadcrumb.
func (l *Lock) Acquire(ctx context.Context, timeout time.Duration) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("state: create lock dir: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		file, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o600)
		if err != nil {
			return fmt.Errorf("state: open lock file: %w", err)
		}

		err = syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			_ = file.Truncate(0)
			_, _ = file.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
			l.file = file
			return nil
		}
		file.Close()

		if holder, alive := l.holder(); !alive && holder != 0 {
			// Breadcrumb from a dead process; the kernel already dropped
			// its flock, so the next iteration will win. Nothing to do.
			_ = holder
		}

		if time.Now().After(deadline) {
			holder, _ := l.holder()
			return fmt.Errorf("state: watcher lock %s held by pid %d (timeout %s)", l.path, holder, timeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// holder reads the breadcrumb PID and reports whether it is alive.
func (l *Lock) holder() (int, bool) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	// Signal 0 probes existence without delivering anything.
	if err := syscall.Kill(pid, 0); err != nil {
		return pid, false
	}
	return pid, true
}

// Holder reports the PID recorded in the lock breadcrumb at path and
// whether that process is alive. A zero PID means no breadcrumb.
func Holder(path string) (int, bool) {
	l := &Lock{path: path}
	return l.holder()
}

// Release drops the lock. Safe to call twice.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("state: unlock: %w", err)
	}
	return closeErr
}
