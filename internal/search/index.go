// Package search maintains a SQLite FTS5 full-text index over the node
// documents, for free-text lookup across titles and content.
//
// The index is derived state: the HTML documents stay the source of
// truth, and Rebuild regenerates the whole index from a loaded store.
// Losing or deleting the index file loses nothing.
package search

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/knotworklabs/knotwork/internal/graph"
	"github.com/knotworklabs/knotwork/internal/model"
)

// IndexFilename is the index database file kept alongside the documents.
const IndexFilename = ".knotwork-index.db"

// Index is the full-text index over node records.
type Index struct {
	db *sql.DB
}

// Result is one search hit, best matches first.
type Result struct {
	ID      string
	Title   string
	Status  string
	Snippet string
	Rank    float64
}

// Open opens (or creates) the index database inside the given document
// directory, applies pragmas, and ensures the schema exists.
func Open(dir string) (*Index, error) {
	db, err := sql.Open("sqlite", filepath.Join(dir, IndexFilename))
	if err != nil {
		return nil, fmt.Errorf("search: open index: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("search: pragma %q: %w", p, err)
		}
	}

	schema := `
		CREATE VIRTUAL TABLE IF NOT EXISTS nodes_fts USING fts5(
			id UNINDEXED,
			title,
			body,
			type,
			status UNINDEXED,
			updated UNINDEXED
		);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("search: create schema: %w", err)
	}
	return &Index{db: db}, nil
}

// Close closes the underlying database connection.
func (ix *Index) Close() error {
	return ix.db.Close()
}

// Put indexes a node, replacing any previous entry for its id.
func (ix *Index) Put(n *model.Node) error {
	tx, err := ix.db.Begin()
	if err != nil {
		return fmt.Errorf("search: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM nodes_fts WHERE id = ?`, n.ID); err != nil {
		return fmt.Errorf("search: delete stale entry: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO nodes_fts (id, title, body, type, status, updated) VALUES (?, ?, ?, ?, ?, ?)`,
		n.ID, n.Title, n.Content, n.Type, string(n.Status), n.Updated.Format("2006-01-02 15:04:05"),
	); err != nil {
		return fmt.Errorf("search: insert entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("search: commit: %w", err)
	}
	return nil
}

// Delete removes a node from the index. Removing an unindexed id is a
// no-op.
func (ix *Index) Delete(id string) error {
	if _, err := ix.db.Exec(`DELETE FROM nodes_fts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("search: delete entry: %w", err)
	}
	return nil
}

// Rebuild regenerates the whole index from the store's loaded nodes and
// returns how many were indexed.
func (ix *Index) Rebuild(store *graph.Store) (int, error) {
	nodes := store.Filter(func(*model.Node) bool { return true })

	tx, err := ix.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("search: begin rebuild: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM nodes_fts`); err != nil {
		return 0, fmt.Errorf("search: clear index: %w", err)
	}
	for _, n := range nodes {
		if _, err := tx.Exec(
			`INSERT INTO nodes_fts (id, title, body, type, status, updated) VALUES (?, ?, ?, ?, ?, ?)`,
			n.ID, n.Title, n.Content, n.Type, string(n.Status), n.Updated.Format("2006-01-02 15:04:05"),
		); err != nil {
			return 0, fmt.Errorf("search: index %s: %w", n.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("search: commit rebuild: %w", err)
	}
	return len(nodes), nil
}

// Search runs a full-text query over titles, content, and types,
// best-ranked first. An empty query returns the most recently updated
// entries instead.
func (ix *Index) Search(query string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 20
	}
	if strings.TrimSpace(query) == "" {
		return ix.recent(limit)
	}

	rows, err := ix.db.Query(`
		SELECT id, title, status, snippet(nodes_fts, 2, '', '', '…', 12), rank
		FROM nodes_fts
		WHERE nodes_fts MATCH ?
		ORDER BY rank
		LIMIT ?
	`, sanitizeFTS(query), limit)
	if err != nil {
		return nil, fmt.Errorf("search: query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Title, &r.Status, &r.Snippet, &r.Rank); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func (ix *Index) recent(limit int) ([]Result, error) {
	rows, err := ix.db.Query(`
		SELECT id, title, status
		FROM nodes_fts
		ORDER BY updated DESC, id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("search: recent: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Title, &r.Status); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// sanitizeFTS wraps each word in quotes for safe FTS5 queries.
// "fix auth bug" → `"fix" "auth" "bug"`
func sanitizeFTS(query string) string {
	words := strings.Fields(query)
	for i, w := range words {
		w = strings.Trim(w, `"`)
		words[i] = `"` + w + `"`
	}
	return strings.Join(words, " ")
}
