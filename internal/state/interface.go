package state

import (
	"context"
	"io"

	"github.com/ShayCichocki/loom/internal/delegation"
	"github.com/ShayCichocki/loom/internal/loop"
	"github.com/ShayCichocki/loom/pkg/models"
)

// RunStore handles run and snapshot persistence.
type RunStore interface {
	RecordSnapshot(ctx context.Context, runID string, snap models.ExecutionSnapshot) error
	FinishRun(ctx context.Context, runID, state, errMsg string) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, state string, limit int) ([]Run, error)
	LatestSnapshot(ctx context.Context, runID string) (models.ExecutionSnapshot, error)
	NodeStates(ctx context.Context, runID string) ([]NodeRecord, error)
}

// DelegationStore handles delegation persistence.
type DelegationStore interface {
	SaveDelegation(ctx context.Context, st models.DelegationState) error
	GetDelegation(ctx context.Context, id string) (*models.DelegationState, error)
	ListDelegations(ctx context.Context, parentID string) ([]models.DelegationState, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	Migrate() error
}

// StateStore is the full persistence surface used by the CLI.
type StateStore interface {
	io.Closer
	Migrator
	RunStore
	DelegationStore
}

// Compile-time verification that DB implements all interfaces, including
// the hooks the loop and the delegation coordinator record through.
var (
	_ StateStore       = (*DB)(nil)
	_ loop.Recorder    = (*DB)(nil)
	_ delegation.Store = (*DB)(nil)
)
