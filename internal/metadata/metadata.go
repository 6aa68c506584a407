package metadata

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Filename of the metadata database inside the data directory.
const Filename = "metadata.db"

// Schema applied on every open. Statements are idempotent.
const schema = `
	CREATE TABLE IF NOT EXISTS layers (
		digest TEXT PRIMARY KEY,
		size INTEGER NOT NULL,
		refs INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS images (
		id TEXT PRIMARY KEY,
		config BLOB NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tags (
		name TEXT NOT NULL,
		tag TEXT NOT NULL,
		image_id TEXT NOT NULL REFERENCES images(id),
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (name, tag)
	);
`

// Opens (creating if needed) the metadata database at path and applies
// the schema.
func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create metadata dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open metadata db: %w", err)
	}

	// One connection: sqlite has a single writer anyway, and a shared
	// connection keeps transactions from deadlocking each other.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply metadata schema: %w", err)
	}

	return db, nil
}
