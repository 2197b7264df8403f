package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ShayCichocki/loom/pkg/models"
)

// SaveDelegation upserts a delegation record.
func (db *DB) SaveDelegation(ctx context.Context, st models.DelegationState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal delegation: %w", err)
	}
	passed := 0
	if st.QualityPassed {
		passed = 1
	}
	updated := st.UpdatedAt
	if updated.IsZero() {
		updated = db.now()
	}

	_, err = db.Exec(ctx, `
		INSERT INTO delegations (id, parent_id, child_id, objective, phase, round, quality_passed, feedback, error, data, deadline, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			phase = excluded.phase,
			round = excluded.round,
			quality_passed = excluded.quality_passed,
			feedback = excluded.feedback,
			error = excluded.error,
			data = excluded.data,
			updated_at = excluded.updated_at
	`, st.ID, st.ParentID, st.ChildID, st.Objective, string(st.Phase), st.Round, passed,
		st.Feedback, st.Error, string(data), formatTime(st.Deadline), formatTime(updated))
	if err != nil {
		return fmt.Errorf("save delegation %s: %w", st.ID, err)
	}
	return nil
}

// GetDelegation returns a delegation by ID.
func (db *DB) GetDelegation(ctx context.Context, id string) (*models.DelegationState, error) {
	var data string
	err := db.QueryRow(ctx, `SELECT data FROM delegations WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("delegation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get delegation: %w", err)
	}
	var st models.DelegationState
	if err := json.Unmarshal([]byte(data), &st); err != nil {
		return nil, fmt.Errorf("decode delegation %s: %w", id, err)
	}
	return &st, nil
}

// ListDelegations returns the delegations made by parentID, oldest update
// first. An empty parentID lists all of them.
func (db *DB) ListDelegations(ctx context.Context, parentID string) ([]models.DelegationState, error) {
	query := `SELECT data FROM delegations`
	var args []any
	if parentID != "" {
		query += ` WHERE parent_id = ?`
		args = append(args, parentID)
	}
	query += ` ORDER BY updated_at, id`

	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list delegations: %w", err)
	}
	defer rows.Close()

	var out []models.DelegationState
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan delegation: %w", err)
		}
		var st models.DelegationState
		if err := json.Unmarshal([]byte(data), &st); err != nil {
			return nil, fmt.Errorf("decode delegation: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
