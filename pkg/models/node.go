package models

import (
	"fmt"
	"time"
)

// NodeState represents the execution state of a node.
type NodeState string

const (
	// NodeStatePending indicates the node's inputs are not yet satisfied.
	NodeStatePending NodeState = "pending"
	// NodeStateReady indicates all inputs are resolved and the node awaits a slot.
	NodeStateReady NodeState = "ready"
	// NodeStateRunning indicates the node has been dispatched.
	NodeStateRunning NodeState = "running"
	// NodeStateSucceeded indicates the node produced its result.
	NodeStateSucceeded NodeState = "succeeded"
	// NodeStateFailed indicates the capability failed or the deadline passed.
	NodeStateFailed NodeState = "failed"
	// NodeStateCancelled indicates the node was cancelled by a branch cancellation.
	NodeStateCancelled NodeState = "cancelled"
	// NodeStateSkipped indicates an ancestor failed or was cancelled.
	NodeStateSkipped NodeState = "skipped"
)

// Valid returns true if the state is a known value.
func (s NodeState) Valid() bool {
	switch s {
	case NodeStatePending, NodeStateReady, NodeStateRunning, NodeStateSucceeded,
		NodeStateFailed, NodeStateCancelled, NodeStateSkipped:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the node has finished for good.
func (s NodeState) IsTerminal() bool {
	switch s {
	case NodeStateSucceeded, NodeStateFailed, NodeStateCancelled, NodeStateSkipped:
		return true
	default:
		return false
	}
}

// IsDead reports whether the node finished without a usable result.
func (s NodeState) IsDead() bool {
	return s.IsTerminal() && s != NodeStateSucceeded
}

// IsStarted reports whether the node has been dispatched or finished.
func (s NodeState) IsStarted() bool {
	return s == NodeStateRunning || s.IsTerminal()
}

// CanTransition reports whether the executor may move a node from s to next.
func (s NodeState) CanTransition(next NodeState) bool {
	switch s {
	case NodeStatePending:
		return next == NodeStateReady || next == NodeStateSkipped || next == NodeStateCancelled
	case NodeStateReady:
		// Back to pending when an injected edge adds an unmet input.
		return next == NodeStateRunning || next == NodeStatePending ||
			next == NodeStateSkipped || next == NodeStateCancelled
	case NodeStateRunning:
		return next == NodeStateSucceeded || next == NodeStateFailed || next == NodeStateCancelled
	default:
		return false
	}
}

// CapabilityClass groups capabilities that share a concurrency limit.
type CapabilityClass string

const (
	// ClassLocal is for cheap in-process or local computation.
	ClassLocal CapabilityClass = "local"
	// ClassRemote is for expensive calls to remote services or child units.
	ClassRemote CapabilityClass = "remote"
)

// CapabilityKind names a known capability.
type CapabilityKind string

const (
	// CapabilityShell runs a shell command.
	CapabilityShell CapabilityKind = "shell"
	// CapabilityEcho renders a template as the node result.
	CapabilityEcho CapabilityKind = "echo"
	// CapabilityMerge concatenates the node's inputs.
	CapabilityMerge CapabilityKind = "merge"
	// CapabilityDelegate hands a sub-objective to a child unit.
	CapabilityDelegate CapabilityKind = "delegate"
	// CapabilityReconcile settles two delegated sibling outputs.
	CapabilityReconcile CapabilityKind = "reconcile"
)

// Valid returns true if the kind is a known value.
func (k CapabilityKind) Valid() bool {
	switch k {
	case CapabilityShell, CapabilityEcho, CapabilityMerge, CapabilityDelegate, CapabilityReconcile:
		return true
	default:
		return false
	}
}

// DefaultClass returns the concurrency class used when a node declares none.
func (k CapabilityKind) DefaultClass() CapabilityClass {
	if k == CapabilityDelegate {
		return ClassRemote
	}
	return ClassLocal
}

// CapabilityRef is the untyped capability reference found in a plan.
// Args values may contain {{name}} placeholders.
type CapabilityRef struct {
	// Kind selects the capability.
	Kind CapabilityKind `json:"kind" yaml:"kind"`
	// Args are the capability arguments before placeholder resolution.
	Args map[string]string `json:"args,omitempty" yaml:"args,omitempty"`
}

// Node is a single schedulable unit of work.
type Node struct {
	// ID is unique within a DAG.
	ID string `json:"id" yaml:"id"`
	// DependsOn lists node IDs whose outputs this node consumes.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	// Fallbacks maps a dependency ID to an alternative node whose output
	// is used when the dependency fails.
	Fallbacks map[string]string `json:"fallbacks,omitempty" yaml:"fallbacks,omitempty"`
	// Artifacts maps placeholder names to external artifact references.
	Artifacts map[string]string `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`
	// Capability is what the node invokes.
	Capability CapabilityRef `json:"capability" yaml:"capability"`
	// Phase is an ordering hint among simultaneously ready nodes.
	Phase int `json:"phase,omitempty" yaml:"phase,omitempty"`
	// Class overrides the capability's default concurrency class.
	Class CapabilityClass `json:"class,omitempty" yaml:"class,omitempty"`
	// Timeout overrides the executor's default node deadline.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// Quality ranks this node's output when it is cited as evidence.
	Quality int `json:"quality,omitempty" yaml:"quality,omitempty"`
}

// EffectiveClass returns the declared class or the capability default.
func (n Node) EffectiveClass() CapabilityClass {
	if n.Class != "" {
		return n.Class
	}
	return n.Capability.Kind.DefaultClass()
}

// Upstream returns every node ID this node has an edge from, dependencies
// first and fallbacks after, without duplicates.
func (n Node) Upstream() []string {
	seen := make(map[string]bool, len(n.DependsOn)+len(n.Fallbacks))
	out := make([]string, 0, len(n.DependsOn)+len(n.Fallbacks))
	for _, dep := range n.DependsOn {
		if !seen[dep] {
			seen[dep] = true
			out = append(out, dep)
		}
	}
	for _, dep := range n.DependsOn {
		if fb, ok := n.Fallbacks[dep]; ok && !seen[fb] {
			seen[fb] = true
			out = append(out, fb)
		}
	}
	return out
}

// Validate checks the node in isolation.
func (n Node) Validate() error {
	if n.ID == "" {
		return fmt.Errorf("node has empty id")
	}
	if !n.Capability.Kind.Valid() {
		return fmt.Errorf("node %s: unknown capability kind %q", n.ID, n.Capability.Kind)
	}
	if n.Timeout < 0 {
		return fmt.Errorf("node %s: negative timeout", n.ID)
	}
	for dep, fb := range n.Fallbacks {
		found := false
		for _, d := range n.DependsOn {
			if d == dep {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("node %s: fallback declared for %s which is not a dependency", n.ID, dep)
		}
		if fb == n.ID || fb == dep {
			return fmt.Errorf("node %s: fallback for %s must name a different node", n.ID, dep)
		}
	}
	return nil
}
