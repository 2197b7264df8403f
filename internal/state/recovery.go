package state

import (
	"context"
	"fmt"
	"log"
	"os"
	"syscall"
	"time"
)

// InterruptedRun describes a run that never recorded a terminal state and
// whose process is gone.
type InterruptedRun struct {
	RunID        string
	Goal         string
	PID          int
	StartedAt    time.Time
	LastActivity time.Time
}

// RecoveryManager detects runs left open by a crashed or killed process.
type RecoveryManager struct {
	db *DB
	// alive reports whether a process still exists.
	alive func(pid int) bool
}

// NewRecoveryManager creates a new RecoveryManager with the given database.
func NewRecoveryManager(db *DB) *RecoveryManager {
	return &RecoveryManager{db: db, alive: isProcessAlive}
}

// CheckForInterrupted lists running runs whose owning process has exited.
// Runs owned by the current process are never reported.
func (rm *RecoveryManager) CheckForInterrupted(ctx context.Context) ([]InterruptedRun, error) {
	runs, err := rm.db.ListRuns(ctx, RunRunning, 1000)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	self := os.Getpid()
	var out []InterruptedRun
	for _, r := range runs {
		if r.PID == self || rm.alive(r.PID) {
			continue
		}
		out = append(out, InterruptedRun{
			RunID:        r.ID,
			Goal:         r.Goal,
			PID:          r.PID,
			StartedAt:    r.StartedAt,
			LastActivity: r.UpdatedAt,
		})
	}
	return out, nil
}

// MarkInterrupted closes every interrupted run so status views stop
// reporting it as live. Returns the runs it closed.
func (rm *RecoveryManager) MarkInterrupted(ctx context.Context) ([]InterruptedRun, error) {
	runs, err := rm.CheckForInterrupted(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range runs {
		msg := fmt.Sprintf("process %d exited without finishing", r.PID)
		if err := rm.db.FinishRun(ctx, r.RunID, RunInterrupted, msg); err != nil {
			return nil, fmt.Errorf("mark %s interrupted: %w", r.RunID, err)
		}
		log.Printf("[state] marked run %s interrupted (last activity %s)", r.RunID, r.LastActivity.Format(time.RFC3339))
	}
	return runs, nil
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 checks for existence without delivering anything.
	return process.Signal(syscall.Signal(0)) == nil
}
