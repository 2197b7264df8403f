package artifact

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const artifactSchema = `
CREATE TABLE IF NOT EXISTS artifacts (
	ref TEXT PRIMARY KEY,
	data BLOB NOT NULL,
	size INTEGER NOT NULL,
	created_at TEXT NOT NULL
)`

// SQLStore keeps artifacts in an SQLite database so they survive the
// process and can be shared between tasks on the same host.
type SQLStore struct {
	conn *sql.DB
	path string
	now  func() time.Time
}

// OpenSQLStore opens or creates an artifact database at path.
func OpenSQLStore(path string) (*SQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open artifact database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec(artifactSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create artifacts table: %w", err)
	}

	return &SQLStore{conn: conn, path: path, now: time.Now}, nil
}

// Path returns the database file path.
func (s *SQLStore) Path() string {
	return s.path
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.conn.Close()
}

// Put stores data. Storing bytes that already exist is a no-op.
func (s *SQLStore) Put(ctx context.Context, data []byte) (Ref, error) {
	ref := RefFor(data)
	if data == nil {
		data = []byte{}
	}
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO artifacts (ref, data, size, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(ref) DO NOTHING`,
		string(ref), data, len(data), s.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("put artifact: %w", err)
	}
	return ref, nil
}

// Get returns the bytes stored under ref.
func (s *SQLStore) Get(ctx context.Context, ref Ref) ([]byte, error) {
	if !ref.Valid() {
		return nil, fmt.Errorf("get %q: %w", ref, ErrInvalidRef)
	}

	var data []byte
	err := s.conn.QueryRowContext(ctx, `SELECT data FROM artifacts WHERE ref = ?`, string(ref)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get %s: %w", ref, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	return data, nil
}
