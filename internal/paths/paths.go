// Package paths resolves the on-disk layout of the selene data directory.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// Layout holds every path selene reads or writes. All fields are absolute.
type Layout struct {
	Home          string // root data dir, default ~/.selene
	ArchivesDir   string // raw session snapshots
	RawDir        string // ArchivesDir/raw
	LedgerFile    string // append-only archive ledger
	MemoryDir     string // daily distilled notes
	StateDir      string
	StateFile     string // watcher state JSON
	LockFile      string // exclusive watcher lock
	LogsDir       string
	AuditFile     string // line-delimited audit events
	ContinuityDir string // continuity maps, one JSON per rollover attempt
	SessionsDir   string // live host session files (read-only for us)
}

// envOr returns the value of var if set and non-empty, else fallback.
func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

// Resolve builds the Layout from SELENE_HOME (or ~/.selene) with
// per-directory environment overrides.
func Resolve() (Layout, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Layout{}, fmt.Errorf("paths: resolve home dir: %w", err)
	}

	root := envOr("SELENE_HOME", filepath.Join(home, ".selene"))
	archives := envOr("SELENE_ARCHIVES_DIR", filepath.Join(root, "archives"))
	stateDir := filepath.Join(root, "state")
	logsDir := envOr("SELENE_LOGS_DIR", filepath.Join(root, "logs"))

	return Layout{
		Home:          root,
		ArchivesDir:   archives,
		RawDir:        filepath.Join(archives, "raw"),
		LedgerFile:    filepath.Join(archives, "ledger.jsonl"),
		MemoryDir:     envOr("SELENE_MEMORY_DIR", filepath.Join(root, "memory")),
		StateDir:      stateDir,
		StateFile:     filepath.Join(stateDir, "state.json"),
		LockFile:      filepath.Join(stateDir, "watcher.lock"),
		LogsDir:       logsDir,
		AuditFile:     filepath.Join(logsDir, "audit.log"),
		ContinuityDir: filepath.Join(root, "continuity"),
		SessionsDir:   envOr("SELENE_SESSIONS_DIR", filepath.Join(home, ".config", "agent", "sessions")),
	}, nil
}

// EnsureDirs creates every directory in the layout that selene owns.
// The sessions dir belongs to the host and is never created here.
func (l Layout) EnsureDirs() error {
	for _, dir := range []string{l.Home, l.ArchivesDir, l.RawDir, l.MemoryDir, l.StateDir, l.LogsDir, l.ContinuityDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("paths: create %s: %w", dir, err)
		}
	}
	return nil
}
