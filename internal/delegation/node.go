package delegation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ShayCichocki/loom/internal/capability"
)

// ErrConflictEscalated fails a reconcile node whose inputs could not be
// settled without the supervisor.
var ErrConflictEscalated = errors.New("sibling outputs conflict; escalated")

// NodeHandler runs delegate and reconcile capabilities for a parent DAG.
// A delegate call delegates the node's objective, supervises it to a
// verdict, and returns the accepted output; a rejected delegation fails
// the node. A reconcile call settles two delegate nodes it depends on.
type NodeHandler struct {
	coord *Coordinator

	mu     sync.Mutex
	byNode map[string]string
}

// NewNodeHandler creates a handler backed by coord.
func NewNodeHandler(coord *Coordinator) *NodeHandler {
	return &NodeHandler{coord: coord, byNode: make(map[string]string)}
}

// Execute implements capability.Executor.
func (h *NodeHandler) Execute(ctx context.Context, call capability.Call) (capability.Result, error) {
	switch c := call.Capability.(type) {
	case capability.Delegate:
		return h.delegate(ctx, call, c)
	case capability.Reconcile:
		return h.reconcile(call)
	default:
		return capability.Result{}, fmt.Errorf("delegate handler got %s: %w", call.Capability.Kind(), capability.ErrInvalidArgs)
	}
}

func (h *NodeHandler) delegate(ctx context.Context, call capability.Call, d capability.Delegate) (capability.Result, error) {
	var opts []DelegateOption
	if len(call.Inputs) > 0 {
		parts := make([]string, 0, len(call.Inputs))
		for _, in := range call.Inputs {
			parts = append(parts, fmt.Sprintf("[%s]\n%s", in.NodeID, strings.TrimRight(string(in.Output), "\n")))
		}
		opts = append(opts, WithContext(strings.Join(parts, "\n")))
	}
	if d.Plan != "" {
		opts = append(opts, WithPlan(d.Plan))
	}

	st, err := h.coord.Delegate(ctx, d.Objective, d.Criteria, opts...)
	if err != nil {
		return capability.Result{}, err
	}
	h.mu.Lock()
	h.byNode[nodeKey(call.DagID, call.NodeID)] = st.ID
	h.mu.Unlock()

	final, err := h.coord.Supervise(ctx, st.ID)
	if err != nil {
		return capability.Result{}, err
	}
	return capability.Result{Output: []byte(final.Output), Evidence: final.Evidence}, nil
}

func (h *NodeHandler) reconcile(call capability.Call) (capability.Result, error) {
	if len(call.Inputs) != 2 {
		return capability.Result{}, fmt.Errorf("reconcile %s needs 2 inputs, got %d: %w", call.NodeID, len(call.Inputs), capability.ErrInvalidArgs)
	}
	var ids [2]string
	h.mu.Lock()
	for i, in := range call.Inputs {
		ids[i] = h.byNode[nodeKey(call.DagID, in.From)]
	}
	h.mu.Unlock()
	for i, id := range ids {
		if id == "" {
			return capability.Result{}, fmt.Errorf("reconcile %s: input %s is not a delegated node: %w",
				call.NodeID, call.Inputs[i].From, capability.ErrInvalidArgs)
		}
	}

	res, err := h.coord.ResolveConflict(ids[0], ids[1])
	if err != nil {
		return capability.Result{}, err
	}
	if res.Kind == ResolveEscalate {
		return capability.Result{}, fmt.Errorf("reconcile %s: %w: %s", call.NodeID, ErrConflictEscalated, res.Reason)
	}
	return capability.Result{Output: []byte(res.Output), Evidence: res.Evidence}, nil
}

func nodeKey(dagID, nodeID string) string {
	return dagID + "/" + nodeID
}
