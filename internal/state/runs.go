package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ShayCichocki/loom/pkg/models"
)

// ErrNotFound is returned when a run or delegation does not exist.
var ErrNotFound = errors.New("not found")

// Run states as recorded by the control loop. Values match loop.State.
const (
	RunRunning     = "running"
	RunCompleted   = "completed"
	RunTerminated  = "terminated"
	RunInterrupted = "interrupted"
)

// Run is one control loop's recorded history.
type Run struct {
	ID         string
	Goal       string
	State      string
	Error      string
	DagID      string
	PID        int
	StartedAt  time.Time
	UpdatedAt  time.Time
	FinishedAt *time.Time
}

// Finished reports whether the run reached a terminal state.
func (r Run) Finished() bool {
	return r.State == RunCompleted || r.State == RunTerminated || r.State == RunInterrupted
}

// IsChildRun reports whether id names a delegated child loop. Child IDs
// extend their parent's ID with a slash.
func IsChildRun(id string) bool {
	return strings.Contains(id, "/")
}

// NodeRecord is a node's last recorded state within a run.
type NodeRecord struct {
	RunID     string
	DagID     string
	NodeID    string
	State     models.NodeState
	Phase     int
	Class     models.CapabilityClass
	Error     string
	ResultRef string
	UpdatedAt time.Time
}

// RecordSnapshot stores snap as the run's latest snapshot and upserts its
// node states. The run row is created on first use.
func (db *DB) RecordSnapshot(ctx context.Context, runID string, snap models.ExecutionSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	now := formatTime(db.now())

	return db.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, db.Rebind(`
			INSERT INTO runs (id, goal, state, dag_id, snapshot, pid, started_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				goal = CASE WHEN excluded.goal = '' THEN runs.goal ELSE excluded.goal END,
				dag_id = excluded.dag_id,
				snapshot = excluded.snapshot,
				updated_at = excluded.updated_at
		`), runID, snap.Goal, RunRunning, snap.DagID, string(data), os.Getpid(), now, now)
		if err != nil {
			return fmt.Errorf("upsert run %s: %w", runID, err)
		}

		for _, n := range snap.Nodes {
			_, err := tx.ExecContext(ctx, db.Rebind(`
				INSERT INTO node_states (run_id, dag_id, node_id, state, phase, class, error, result_ref, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (run_id, dag_id, node_id) DO UPDATE SET
					state = excluded.state,
					error = excluded.error,
					result_ref = excluded.result_ref,
					updated_at = excluded.updated_at
			`), runID, snap.DagID, n.ID, string(n.State), n.Phase, string(n.Class), n.Error, n.ResultRef, now)
			if err != nil {
				return fmt.Errorf("upsert node %s/%s: %w", snap.DagID, n.ID, err)
			}
		}
		return nil
	})
}

// FinishRun records a run's terminal state.
func (db *DB) FinishRun(ctx context.Context, runID, state, errMsg string) error {
	now := formatTime(db.now())
	res, err := db.Exec(ctx, `
		UPDATE runs SET state = ?, error = ?, updated_at = ?, finished_at = ? WHERE id = ?
	`, state, errMsg, now, now, runID)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		// The loop ended before recording anything.
		_, err = db.Exec(ctx, `
			INSERT INTO runs (id, state, error, pid, started_at, updated_at, finished_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, runID, state, errMsg, os.Getpid(), now, now, now)
		if err != nil {
			return fmt.Errorf("insert finished run %s: %w", runID, err)
		}
	}
	return nil
}

const runColumns = `id, goal, state, error, dag_id, pid, started_at, updated_at, finished_at`

func scanRun(row interface{ Scan(...any) error }) (*Run, error) {
	var r Run
	var started, updated string
	var finished sql.NullString
	if err := row.Scan(&r.ID, &r.Goal, &r.State, &r.Error, &r.DagID, &r.PID, &started, &updated, &finished); err != nil {
		return nil, err
	}
	var err error
	if r.StartedAt, err = parseTime(started); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if r.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	r.FinishedAt = parseNullableTime(finished)
	return &r, nil
}

// GetRun returns a run by ID.
func (db *DB) GetRun(ctx context.Context, id string) (*Run, error) {
	r, err := scanRun(db.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns up to limit runs, newest first. A non-empty state filters.
func (db *DB) ListRuns(ctx context.Context, state string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + runColumns + ` FROM runs`
	args := []any{}
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, state)
	}
	query += ` ORDER BY started_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// LatestSnapshot returns the last snapshot recorded for a run.
func (db *DB) LatestSnapshot(ctx context.Context, runID string) (models.ExecutionSnapshot, error) {
	var data string
	err := db.QueryRow(ctx, `SELECT snapshot FROM runs WHERE id = ?`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ExecutionSnapshot{}, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return models.ExecutionSnapshot{}, fmt.Errorf("get snapshot: %w", err)
	}
	var snap models.ExecutionSnapshot
	if data == "" {
		return snap, nil
	}
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return models.ExecutionSnapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

// NodeStates returns every node recorded for a run, across all its DAGs,
// in node order within each DAG.
func (db *DB) NodeStates(ctx context.Context, runID string) ([]NodeRecord, error) {
	rows, err := db.Query(ctx, `
		SELECT run_id, dag_id, node_id, state, phase, class, error, result_ref, updated_at
		FROM node_states WHERE run_id = ? ORDER BY dag_id, phase, node_id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list node states: %w", err)
	}
	defer rows.Close()

	var out []NodeRecord
	for rows.Next() {
		var n NodeRecord
		var state, class, updated string
		if err := rows.Scan(&n.RunID, &n.DagID, &n.NodeID, &state, &n.Phase, &class, &n.Error, &n.ResultRef, &updated); err != nil {
			return nil, fmt.Errorf("scan node state: %w", err)
		}
		n.State = models.NodeState(state)
		n.Class = models.CapabilityClass(class)
		if n.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, fmt.Errorf("parse updated_at: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// PurgeOldRuns deletes finished runs that started before olderThan ago,
// with their node states. Returns the number of runs deleted.
func (db *DB) PurgeOldRuns(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := formatTime(db.now().Add(-olderThan))
	var count int64
	err := db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, db.Rebind(`
			DELETE FROM node_states WHERE run_id IN (
				SELECT id FROM runs WHERE started_at < ? AND finished_at IS NOT NULL
			)`), cutoff); err != nil {
			return fmt.Errorf("purge node states: %w", err)
		}
		res, err := tx.ExecContext(ctx, db.Rebind(
			`DELETE FROM runs WHERE started_at < ? AND finished_at IS NOT NULL`), cutoff)
		if err != nil {
			return fmt.Errorf("purge runs: %w", err)
		}
		count, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		return nil
	})
	return count, err
}
