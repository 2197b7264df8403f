package loop

import (
	"errors"
	"fmt"
)

var (
	// ErrStopped is the outcome error of a loop terminated by Stop.
	ErrStopped = errors.New("loop stopped")
	// ErrReplanLimit is wrapped by PlanningFailure when the loop asked for
	// more replans than its policy allows.
	ErrReplanLimit = errors.New("replan limit reached")
	// ErrNoAlternativePlan is returned by planners that cannot offer
	// anything beyond the plan they already gave.
	ErrNoAlternativePlan = errors.New("no alternative plan")
	// ErrNoPlanner is returned when a loop is built without a planner.
	ErrNoPlanner = errors.New("no plan synthesizer configured")
)

// PlanningFailure is terminal for the owning loop. It is returned when the
// planner fails on its initial attempt and its single retry, or when the
// replan budget is spent.
type PlanningFailure struct {
	// Attempts is the number of planner calls made for the failed plan.
	Attempts int
	// Err is the last planner or admission error.
	Err error
}

func (e *PlanningFailure) Error() string {
	if errors.Is(e.Err, ErrReplanLimit) {
		return fmt.Sprintf("planning failed: %v", e.Err)
	}
	return fmt.Sprintf("planning failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *PlanningFailure) Unwrap() error { return e.Err }
