package models

import "time"

// NodeStatus is the point-in-time view of one node.
type NodeStatus struct {
	// ID is the node ID.
	ID string `json:"id"`
	// State is the node's state when the snapshot was taken.
	State NodeState `json:"state"`
	// Phase is the node's phase hint.
	Phase int `json:"phase"`
	// Class is the node's effective capability class.
	Class CapabilityClass `json:"class"`
	// Error describes the failure for failed nodes.
	Error string `json:"error,omitempty"`
	// ResultRef is the artifact reference when the result was stored out of band.
	ResultRef string `json:"result_ref,omitempty"`
	// StartedAt is when the node was dispatched.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// FinishedAt is when the node reached a terminal state.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// ExecutionSnapshot is a read-only view of a DAG execution.
type ExecutionSnapshot struct {
	// DagID identifies the execution.
	DagID string `json:"dag_id"`
	// Goal is the plan's goal.
	Goal string `json:"goal,omitempty"`
	// Version is the graph version. Injection must present the current value.
	Version uint64 `json:"version"`
	// Nodes are in declaration order.
	Nodes []NodeStatus `json:"nodes"`
	// FreeSlots is how many more nodes the executor would dispatch right now.
	FreeSlots int `json:"free_slots"`
	// TakenAt is when the snapshot was taken.
	TakenAt time.Time `json:"taken_at"`
}

// Count returns the number of nodes in the given state.
func (s ExecutionSnapshot) Count(state NodeState) int {
	n := 0
	for _, ns := range s.Nodes {
		if ns.State == state {
			n++
		}
	}
	return n
}

// State returns the state of the node with the given ID.
func (s ExecutionSnapshot) State(id string) (NodeState, bool) {
	for _, ns := range s.Nodes {
		if ns.ID == id {
			return ns.State, true
		}
	}
	return "", false
}

// AllResolved reports whether every node is terminal.
func (s ExecutionSnapshot) AllResolved() bool {
	for _, ns := range s.Nodes {
		if !ns.State.IsTerminal() {
			return false
		}
	}
	return true
}

// AllSucceeded reports whether every node succeeded.
func (s ExecutionSnapshot) AllSucceeded() bool {
	for _, ns := range s.Nodes {
		if ns.State != NodeStateSucceeded {
			return false
		}
	}
	return len(s.Nodes) > 0
}

// Open returns the IDs of nodes that are not yet terminal.
func (s ExecutionSnapshot) Open() []string {
	var ids []string
	for _, ns := range s.Nodes {
		if !ns.State.IsTerminal() {
			ids = append(ids, ns.ID)
		}
	}
	return ids
}
