// Package recall answers retrieval queries against the archive index.
// Zero matches is a value, not an error; an engine failure is an error,
// never an empty result. The two are never conflated.
package recall

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/selene-sh/selene/internal/index"
)

// Match is one rehydration-ready hit.
type Match struct {
	ArchivePath string  `json:"archive_path"`
	Snippet     string  `json:"snippet"`
	Score       float64 `json:"score"`
}

// Result is the canonical recall payload. Empty=true with no matches is
// the "no match" value; it carries no error.
type Result struct {
	Query       string    `json:"query"`
	Collection  string    `json:"collection"`
	Matches     []Match   `json:"matches"`
	Empty       bool      `json:"empty"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Engine runs recall queries against an index engine.
type Engine struct {
	Index index.Engine
}

// Recall searches collection for query. Engine failure is surfaced as an
// error; zero hits come back as {Empty: true, Matches: []}.
func (e *Engine) Recall(ctx context.Context, query, collection string) (Result, error) {
	hits, err := e.Index.Search(ctx, collection, query)
	if err != nil {
		return Result{}, fmt.Errorf("recall: search %q in %s: %w", query, collection, err)
	}

	matches := make([]Match, 0, len(hits))
	seen := make(map[string]bool, len(hits))
	for _, hit := range hits {
		if hit.ArchivePath != "" && seen[hit.ArchivePath] {
			continue
		}
		seen[hit.ArchivePath] = true
		matches = append(matches, Match{
			ArchivePath: hit.ArchivePath,
			Snippet:     hit.Snippet,
			Score:       hit.Score,
		})
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })

	return Result{
		Query:       query,
		Collection:  collection,
		Matches:     matches,
		Empty:       len(matches) == 0,
		GeneratedAt: time.Now().UTC(),
	}, nil
}
