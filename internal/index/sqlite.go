package index

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/selene-sh/selene/internal/faults"
)

// SQLiteEngine is the built-in full-text engine, used when no external
// index binary is configured. It keeps one FTS5 row per archive file,
// keyed by (collection, path), so re-adding an archive replaces its row.
type SQLiteEngine struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the engine database at path.
func OpenSQLite(path string) (*SQLiteEngine, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("index: create db dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("index: open sqlite: %w", err)
	}

	// Single writer, multiple readers.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE VIRTUAL TABLE IF NOT EXISTS archive_fts
		USING fts5(collection, path, body, tokenize='porter unicode61')`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("index: create fts table: %w", err)
	}

	return &SQLiteEngine{db: db}, nil
}

// Close releases the database handle.
func (e *SQLiteEngine) Close() error { return e.db.Close() }

// Add ingests the archive file body, replacing any previous row for the
// same collection and path.
func (e *SQLiteEngine) Add(ctx context.Context, collection, path string) error {
	body, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("index: read archive %s: %w (%w)", path, err, faults.ErrUnavailable)
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: begin: %w (%w)", err, faults.ErrUnavailable)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM archive_fts WHERE collection = ? AND path = ?`, collection, path); err != nil {
		return fmt.Errorf("index: clear row: %w (%w)", err, faults.ErrUnavailable)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO archive_fts (collection, path, body) VALUES (?, ?, ?)`,
		collection, path, string(body)); err != nil {
		return fmt.Errorf("index: insert row: %w (%w)", err, faults.ErrUnavailable)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("index: commit: %w (%w)", err, faults.ErrUnavailable)
	}
	return nil
}

// Remove drops the row for path so retention never leaves an index
// entry pointing at a deleted file.
func (e *SQLiteEngine) Remove(ctx context.Context, collection, path string) error {
	if _, err := e.db.ExecContext(ctx,
		`DELETE FROM archive_fts WHERE collection = ? AND path = ?`, collection, path); err != nil {
		return fmt.Errorf("index: remove row: %w (%w)", err, faults.ErrUnavailable)
	}
	return nil
}

// Search runs an FTS5 match and returns bm25-ranked hits with snippets.
func (e *SQLiteEngine) Search(ctx context.Context, collection, query string) ([]Hit, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}

	rows, err := e.db.QueryContext(ctx, `
		SELECT path,
		       snippet(archive_fts, 2, '', '', '…', 24),
		       bm25(archive_fts)
		FROM archive_fts
		WHERE collection = ? AND archive_fts MATCH ?
		ORDER BY bm25(archive_fts)
		LIMIT 20`, collection, match)
	if err != nil {
		return nil, fmt.Errorf("index: fts query: %w (%w)", err, faults.ErrUnavailable)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var hit Hit
		var rank float64
		if err := rows.Scan(&hit.ArchivePath, &hit.Snippet, &rank); err != nil {
			return nil, fmt.Errorf("index: scan hit: %w", err)
		}
		// bm25 returns lower-is-better; invert so callers sort descending.
		hit.Score = -rank
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("index: iterate hits: %w (%w)", err, faults.ErrUnavailable)
	}
	return hits, nil
}

// ftsQuery turns free text into a conjunction of quoted terms so user
// input can never be interpreted as FTS5 syntax.
func ftsQuery(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		quoted = append(quoted, `"`+strings.ReplaceAll(f, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, " ")
}
