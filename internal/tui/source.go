package tui

import (
	"context"
	"errors"
	"fmt"

	"github.com/ShayCichocki/loom/internal/state"
	"github.com/ShayCichocki/loom/pkg/models"
)

// Source supplies the run state on every refresh.
type Source interface {
	Poll(ctx context.Context) (RunState, error)
}

// RunReader is the part of the state database the TUI reads.
type RunReader interface {
	GetRun(ctx context.Context, id string) (*state.Run, error)
	ListRuns(ctx context.Context, runState string, limit int) ([]state.Run, error)
	LatestSnapshot(ctx context.Context, runID string) (models.ExecutionSnapshot, error)
	ListDelegations(ctx context.Context, parentID string) ([]models.DelegationState, error)
}

// followWindow is how many recent runs are searched for a top-level run.
const followWindow = 50

// ErrNoRuns is returned when following the latest run and none exist.
var ErrNoRuns = errors.New("no runs recorded")

// DBSource reads a run from the state database. An empty RunID follows
// the most recently started run.
type DBSource struct {
	DB    RunReader
	RunID string
}

// Poll implements Source.
func (s *DBSource) Poll(ctx context.Context) (RunState, error) {
	id := s.RunID
	if id == "" {
		runs, err := s.DB.ListRuns(ctx, "", followWindow)
		if err != nil {
			return RunState{}, err
		}
		for _, r := range runs {
			if !state.IsChildRun(r.ID) {
				id = r.ID
				break
			}
		}
		if id == "" {
			return RunState{}, ErrNoRuns
		}
	}

	run, err := s.DB.GetRun(ctx, id)
	if err != nil {
		return RunState{}, err
	}
	snap, err := s.DB.LatestSnapshot(ctx, id)
	if err != nil {
		return RunState{}, err
	}
	dels, err := s.DB.ListDelegations(ctx, id)
	if err != nil {
		return RunState{}, fmt.Errorf("delegations: %w", err)
	}

	return RunState{
		RunID:       run.ID,
		Goal:        run.Goal,
		State:       run.State,
		Error:       run.Error,
		Snapshot:    snap,
		Delegations: dels,
		UpdatedAt:   run.UpdatedAt,
	}, nil
}
