package executor

import (
	"errors"
	"fmt"
	"time"

	"github.com/ShayCichocki/loom/pkg/models"
)

var (
	// ErrHandleClosed is returned for operations on a released handle.
	ErrHandleClosed = errors.New("execution handle released")
	// ErrUnknownNode is returned when a node ID is not in the graph.
	ErrUnknownNode = errors.New("unknown node")
	// ErrTimeout is the sentinel wrapped by TimeoutError.
	ErrTimeout = errors.New("node deadline exceeded")
	// ErrUpstreamFailed is recorded on nodes skipped because an input died.
	ErrUpstreamFailed = errors.New("upstream node did not succeed")
)

// NodeExecutionFailure records a capability-level failure of one node.
type NodeExecutionFailure struct {
	NodeID string
	Kind   models.CapabilityKind
	Err    error
}

func (e *NodeExecutionFailure) Error() string {
	return fmt.Sprintf("node %s (%s) failed: %v", e.NodeID, e.Kind, e.Err)
}

func (e *NodeExecutionFailure) Unwrap() error { return e.Err }

// TimeoutError records a node that outlived its deadline. It propagates
// exactly like a NodeExecutionFailure.
type TimeoutError struct {
	NodeID  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("node %s exceeded its %s deadline", e.NodeID, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }
