// Package state records runs, node states and delegations so a finished or
// interrupted run can be inspected later. SQLite is the default backend;
// PostgreSQL is available for shared deployments.
package state

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Supported drivers. DriverSQLiteCGO selects the cgo SQLite binding and
// reads the same files as DriverSQLite.
const (
	DriverSQLite    = "sqlite"
	DriverSQLiteCGO = "sqlite3"
	DriverPostgres  = "postgres"
)

// DB wraps a database connection with loom-specific operations.
type DB struct {
	conn   *sql.DB
	driver string
	path   string
	mu     sync.RWMutex
	now    func() time.Time
}

// Open opens an SQLite database at the given path.
// It creates the parent directories if they don't exist.
// WAL mode is enabled for concurrent reads.
func Open(path string) (*DB, error) {
	return openSQLite(DriverSQLite, path)
}

func openSQLite(driver, path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	return &DB{conn: conn, driver: driver, path: path, now: time.Now}, nil
}

// OpenPostgres connects to PostgreSQL with a lib/pq connection string and
// verifies the connection.
func OpenPostgres(connStr string) (*DB, error) {
	conn, err := sql.Open(DriverPostgres, connStr)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &DB{conn: conn, driver: DriverPostgres, now: time.Now}, nil
}

// OpenDriver opens a database for the named driver. For the sqlite drivers
// the DSN is a file path.
func OpenDriver(driver, dsn string) (*DB, error) {
	switch driver {
	case "", DriverSQLite:
		return Open(dsn)
	case DriverSQLiteCGO:
		return openSQLite(DriverSQLiteCGO, dsn)
	case DriverPostgres:
		return OpenPostgres(dsn)
	default:
		return nil, fmt.Errorf("unknown state driver %q", driver)
	}
}

// Close closes the database connection.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Close()
}

// Path returns the path to the database file. Empty for postgres.
func (db *DB) Path() string {
	return db.path
}

// Driver returns the database driver name.
func (db *DB) Driver() string {
	return db.driver
}

// Migrate applies all pending schema migrations.
func (db *DB) Migrate() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var currentVersion int
	row := db.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Runs},
		{2, migrationV2NodeStates},
		{3, migrationV3Delegations},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := db.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}
		if _, err := tx.Exec(db.rebind("INSERT INTO schema_version (version, applied_at) VALUES (?, ?)"),
			m.version, formatTime(db.now())); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}

	return nil
}

const migrationV1Runs = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	goal TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL DEFAULT 'running',
	error TEXT NOT NULL DEFAULT '',
	dag_id TEXT NOT NULL DEFAULT '',
	snapshot TEXT NOT NULL DEFAULT '',
	pid INTEGER NOT NULL DEFAULT 0,
	started_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	finished_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
`

const migrationV2NodeStates = `
CREATE TABLE IF NOT EXISTS node_states (
	run_id TEXT NOT NULL,
	dag_id TEXT NOT NULL,
	node_id TEXT NOT NULL,
	state TEXT NOT NULL,
	phase INTEGER NOT NULL DEFAULT 0,
	class TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	result_ref TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL,
	PRIMARY KEY (run_id, dag_id, node_id)
);

CREATE INDEX IF NOT EXISTS idx_node_states_state ON node_states(state);
`

const migrationV3Delegations = `
CREATE TABLE IF NOT EXISTS delegations (
	id TEXT PRIMARY KEY,
	parent_id TEXT NOT NULL,
	child_id TEXT NOT NULL,
	objective TEXT NOT NULL,
	phase TEXT NOT NULL,
	round INTEGER NOT NULL DEFAULT 1,
	quality_passed INTEGER NOT NULL DEFAULT 0,
	feedback TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	data TEXT NOT NULL,
	deadline TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_delegations_parent_id ON delegations(parent_id);
CREATE INDEX IF NOT EXISTS idx_delegations_phase ON delegations(phase);
`

// rebind rewrites ? placeholders as $n for postgres.
func (db *DB) rebind(query string) string {
	if db.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Exec executes a query that doesn't return rows.
func (db *DB) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.ExecContext(ctx, db.rebind(query), args...)
}

// Query executes a query that returns rows.
func (db *DB) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.conn.QueryContext(ctx, db.rebind(query), args...)
}

// QueryRow executes a query that returns at most one row.
func (db *DB) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.conn.QueryRowContext(ctx, db.rebind(query), args...)
}

// Transaction runs fn within a transaction. Queries inside fn must be
// passed through Rebind.
func (db *DB) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Rebind adapts a ?-placeholder query to the database's driver.
func (db *DB) Rebind(query string) string {
	return db.rebind(query)
}

// timeLayout keeps a fixed width so stored times sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// formatTime formats a time.Time for storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime parses a stored time string.
func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// parseNullableTime parses a nullable stored time string.
func parseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil
	}
	return &t
}
