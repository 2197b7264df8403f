package delegation

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownDelegation is returned for IDs the coordinator never issued.
	ErrUnknownDelegation = errors.New("unknown delegation")
	// ErrDelegationDeadline is returned when a child did not report in time.
	ErrDelegationDeadline = errors.New("delegation deadline exceeded")
	// ErrDelegationClosed is returned for operations on a finished delegation.
	ErrDelegationClosed = errors.New("delegation already finished")
	// ErrRoundsExhausted is the sentinel wrapped by DelegationExhausted.
	ErrRoundsExhausted = errors.New("review rounds exhausted")
	// ErrNotAccepted is returned when conflict resolution is asked about an
	// output that has not been accepted.
	ErrNotAccepted = errors.New("delegation output not accepted")
	// ErrChildFailed wraps a child's own failure.
	ErrChildFailed = errors.New("child failed")
	// ErrNoRunner is returned when a coordinator has no way to start children.
	ErrNoRunner = errors.New("no child runner configured")
)

// DelegationExhausted is returned when a child's output failed the quality
// gate on every allowed round. The delegation is REJECTED and escalated.
type DelegationExhausted struct {
	DelegationID string
	Rounds       int
	LastScore    float64
	Feedback     string
}

func (e *DelegationExhausted) Error() string {
	return fmt.Sprintf("delegation %s rejected after %d rounds (last score %.2f): %s",
		e.DelegationID, e.Rounds, e.LastScore, e.Feedback)
}

func (e *DelegationExhausted) Unwrap() error { return ErrRoundsExhausted }
