package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/selene-sh/selene/internal/faults"
)

// CommandEngine wraps an external index binary. The contract is:
//
//	<bin> collection add <path> --name <collection>
//	<bin> update                       (when the collection already exists)
//	<bin> search <collection> <query> --json
//
// The binary's internals are opaque; only exit status and JSON output
// are interpreted.
type CommandEngine struct {
	Binary  string
	Timeout time.Duration
}

// NewCommandEngine returns a CommandEngine for the given binary.
func NewCommandEngine(binary string, timeout time.Duration) *CommandEngine {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CommandEngine{Binary: binary, Timeout: timeout}
}

func (e *CommandEngine) run(ctx context.Context, args ...string) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// Add registers path with the engine. A name conflict ("already exists")
// falls through to an incremental update, matching the engine contract.
func (e *CommandEngine) Add(ctx context.Context, collection, path string) error {
	stdout, stderr, err := e.run(ctx, "collection", "add", path, "--name", collection)
	if err == nil {
		return nil
	}

	combined := strings.ToLower(stdout + "\n" + stderr)
	if strings.Contains(combined, "already exists") {
		if _, stderr2, err2 := e.run(ctx, "update"); err2 != nil {
			return fmt.Errorf("index: %s update: %s: %w (%w)", e.Binary, strings.TrimSpace(stderr2), err2, faults.ErrUnavailable)
		}
		return nil
	}

	return fmt.Errorf("index: %s collection add: %s: %w (%w)", e.Binary, strings.TrimSpace(stderr), err, faults.ErrUnavailable)
}

// Resync runs the engine's incremental update so its corpus reflects
// files added or removed outside of Add.
func (e *CommandEngine) Resync(ctx context.Context) error {
	if _, stderr, err := e.run(ctx, "update"); err != nil {
		return fmt.Errorf("index: %s update: %s: %w (%w)", e.Binary, strings.TrimSpace(stderr), err, faults.ErrUnavailable)
	}
	return nil
}

// Search queries the engine and parses its JSON hit list. Output may be
// either a bare array or an object with a "results" array; unknown
// shapes are contract violations.
func (e *CommandEngine) Search(ctx context.Context, collection, query string) ([]Hit, error) {
	stdout, stderr, err := e.run(ctx, "search", collection, query, "--json")
	if err != nil {
		return nil, fmt.Errorf("index: %s search: %s: %w (%w)", e.Binary, strings.TrimSpace(stderr), err, faults.ErrUnavailable)
	}
	hits, err := parseHits(stdout)
	if err != nil {
		return nil, fmt.Errorf("index: %s search output: %w (%w)", e.Binary, err, faults.ErrContractViolation)
	}
	return hits, nil
}

// rawHit tolerates the field aliases different engine versions emit.
type rawHit struct {
	Path    string  `json:"path"`
	Source  string  `json:"source"`
	Snippet string  `json:"snippet"`
	Text    string  `json:"text"`
	Score   float64 `json:"score"`
}

func parseHits(raw string) ([]Hit, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}

	var items []rawHit
	if err := json.Unmarshal([]byte(trimmed), &items); err != nil {
		var wrapper struct {
			Results []rawHit `json:"results"`
		}
		if err2 := json.Unmarshal([]byte(trimmed), &wrapper); err2 != nil {
			return nil, fmt.Errorf("unrecognized hit payload: %w", err)
		}
		items = wrapper.Results
	}

	hits := make([]Hit, 0, len(items))
	for _, item := range items {
		hit := Hit{ArchivePath: item.Path, Snippet: item.Snippet, Score: item.Score}
		if hit.ArchivePath == "" {
			hit.ArchivePath = item.Source
		}
		if hit.Snippet == "" {
			hit.Snippet = item.Text
		}
		hits = append(hits, hit)
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	return hits, nil
}
