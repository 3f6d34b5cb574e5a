package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	// Pure Go SQLite driver (no CGO, easier cross-compilation)
	_ "modernc.org/sqlite"
)

// Store is the durable sqlite projection of a name catalog: the full name
// set plus the incremental-refresh cursor. A single refresher writes at a
// time; readers only ever see the in-memory snapshot, so the store needs no
// read path beyond startup.
type Store struct {
	db   *sql.DB
	path string
}

// NewStore opens (or creates) the snapshot database at path. The file is
// created with mode 0600 and WAL mode enabled.
func NewStore(ctx context.Context, path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating snapshot dir %s: %w", dir, err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot db %s: %w", path, err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, path: path}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := os.Chmod(path, 0o600); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting snapshot permissions: %w", err)
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS names (
    name TEXT PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("initialising snapshot schema: %w", err)
	}
	return nil
}

// Load reads the full name set and cursor.
func (s *Store) Load(ctx context.Context) (names []string, cursor string, err error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM names ORDER BY name`)
	if err != nil {
		return nil, "", fmt.Errorf("loading snapshot names: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, "", err
		}
		names = append(names, n)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	err = s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'cursor'`).Scan(&cursor)
	if err == sql.ErrNoRows {
		err = nil
	}
	return names, cursor, err
}

// Save replaces the durable name set and cursor in one transaction, so a
// reader opening the file never sees a half-built index.
func (s *Store) Save(ctx context.Context, names []string, cursor string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM names`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO names (name) VALUES (?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, n := range names {
		if _, err := stmt.ExecContext(ctx, n); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES ('cursor', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, cursor); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES ('last_update', datetime('now'))
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`); err != nil {
		return err
	}
	return tx.Commit()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
