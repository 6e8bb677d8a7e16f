// Package persistence archives every agent invocation — prompt, transcript,
// token counts — in a per-project SQLite database. The run state file holds
// only what resume needs; the archive holds what post-mortems need.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Archive is the SQLite-backed session archive.
type Archive struct {
	db *sql.DB
}

// Open creates or opens the archive at dbPath, enabling WAL mode and a
// busy timeout. Parent directories are created as needed.
func Open(ctx context.Context, dbPath string) (*Archive, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating archive directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	return initArchive(ctx, db)
}

// OpenMemory creates an in-memory archive for tests. Shared cache lets
// multiple connections see the same database.
func OpenMemory(ctx context.Context) (*Archive, error) {
	db, err := sql.Open("sqlite", "file::memory:?mode=memory&cache=shared")
	if err != nil {
		return nil, fmt.Errorf("opening memory archive: %w", err)
	}
	return initArchive(ctx, db)
}

func initArchive(ctx context.Context, db *sql.DB) (*Archive, error) {
	// modernc.org/sqlite ignores _foreign_keys in the connection string.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	db.SetMaxOpenConns(2)

	a := &Archive{db: db}
	if err := a.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return a, nil
}

// Close closes the database connection.
func (a *Archive) Close() error {
	return a.db.Close()
}
