package graph

import (
	"errors"
	"fmt"
)

var (
	// ErrCycleDetected indicates a circular dependency.
	ErrCycleDetected = errors.New("circular dependency detected")
	// ErrUnknownDependency indicates an input that names no declared node.
	ErrUnknownDependency = errors.New("dependency references undeclared node")
	// ErrDuplicateNode indicates two nodes with the same ID.
	ErrDuplicateNode = errors.New("duplicate node id")
	// ErrInvalidNode indicates a node that fails its own validation.
	ErrInvalidNode = errors.New("invalid node")
	// ErrEmptyGraph indicates a description with no nodes.
	ErrEmptyGraph = errors.New("graph has no nodes")

	// ErrVersionConflict indicates the graph changed since the caller read it.
	ErrVersionConflict = errors.New("graph version changed")
	// ErrStartedTarget indicates an edge into a node that has already consumed its inputs.
	ErrStartedTarget = errors.New("edge targets a node that already started")
)

// MalformedGraphError is returned when a description is rejected at admission.
type MalformedGraphError struct {
	// NodeID is the offending node, when one can be named.
	NodeID string
	// Detail is extra context such as the missing dependency.
	Detail string
	// Err is one of the sentinel errors above.
	Err error
}

func (e *MalformedGraphError) Error() string {
	msg := "malformed graph"
	if e.NodeID != "" {
		msg += fmt.Sprintf(": node %s", e.NodeID)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *MalformedGraphError) Unwrap() error { return e.Err }

// InjectionConflictError is returned when a live mutation is refused.
// The caller should re-read the graph and retry.
type InjectionConflictError struct {
	// Expected is the version the caller presented.
	Expected uint64
	// Actual is the version the graph had.
	Actual uint64
	// NodeID is the offending node, when one can be named.
	NodeID string
	// Err is the cause.
	Err error
}

func (e *InjectionConflictError) Error() string {
	if errors.Is(e.Err, ErrVersionConflict) {
		return fmt.Sprintf("injection conflict: expected version %d, graph is at %d", e.Expected, e.Actual)
	}
	if e.NodeID != "" {
		return fmt.Sprintf("injection conflict: node %s: %v", e.NodeID, e.Err)
	}
	return fmt.Sprintf("injection conflict: %v", e.Err)
}

func (e *InjectionConflictError) Unwrap() error { return e.Err }
