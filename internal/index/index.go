// Package index registers archives with a search engine and queries it.
// Two engines are supported: an external command-line engine consumed as
// a black box, and a local SQLite FTS5 engine for hosts without one.
package index

import "context"

// Hit is one ranked search result.
type Hit struct {
	ArchivePath string  `json:"path"`
	Snippet     string  `json:"snippet"`
	Score       float64 `json:"score"`
}

// Engine is the search/index capability. Both operations are fallible
// and retryable; an Add failure leaves the archive unindexed but intact.
type Engine interface {
	// Add registers the archive file at path under collection.
	Add(ctx context.Context, collection, path string) error

	// Search returns ranked hits for query within collection. Zero hits
	// with a nil error is a valid outcome, distinct from engine failure.
	Search(ctx context.Context, collection, query string) ([]Hit, error)
}

// Remover is implemented by engines that can drop a single entry before
// its backing file is deleted.
type Remover interface {
	Remove(ctx context.Context, collection, path string) error
}

// Resyncer is implemented by engines that rescan their source directory;
// retention calls it after physical deletion to flush dangling entries.
type Resyncer interface {
	Resync(ctx context.Context) error
}
