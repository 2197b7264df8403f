package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ShayCichocki/loom/internal/artifact"
	"github.com/ShayCichocki/loom/internal/buffer"
	"github.com/ShayCichocki/loom/internal/capability"
	"github.com/ShayCichocki/loom/internal/graph"
	"github.com/ShayCichocki/loom/internal/logging"
	"github.com/ShayCichocki/loom/pkg/models"
)

// NodeResult describes one node touched by RunReadyNodes.
type NodeResult struct {
	NodeID string
	State  models.NodeState
	Err    error
}

// Handle is one admitted DAG. All mutation goes through its mutex.
type Handle struct {
	// ID identifies the execution.
	ID string

	exec *Executor

	mu     sync.Mutex
	dag    *graph.DAG
	goal   string
	vars   map[string]string
	nodes  map[string]*nodeRun
	closed bool
	notify chan struct{}
}

type nodeRun struct {
	node       models.Node
	capability capability.Capability
	class      models.CapabilityClass
	state      models.NodeState
	remaining  int
	// resolvedBy maps each dependency to the node whose output satisfies it.
	resolvedBy map[string]string
	err        error
	resultRef  artifact.Ref
	evidence   []models.Evidence
	discard    bool
	started    time.Time
	finished   time.Time
	timer      *time.Timer
}

type prepareError struct {
	kind error
	msg  string
}

func (e *prepareError) Error() string { return e.msg }

// prepareLocked parses a node's capability and checks that every
// placeholder names a declared input.
func (h *Handle) prepareLocked(n models.Node) (*nodeRun, error) {
	c, err := capability.Parse(n.Capability)
	if err != nil {
		return nil, &prepareError{kind: graph.ErrInvalidNode, msg: err.Error()}
	}

	declared := make(map[string]bool)
	for _, dep := range n.DependsOn {
		declared[dep] = true
	}
	for name := range n.Artifacts {
		declared[name] = true
	}
	for name := range h.vars {
		declared[name] = true
	}
	var undeclared []string
	for _, name := range capability.Placeholders(c) {
		if !declared[name] {
			undeclared = append(undeclared, name)
		}
	}
	if len(undeclared) > 0 {
		return nil, &prepareError{
			kind: graph.ErrUnknownDependency,
			msg:  fmt.Sprintf("placeholders reference undeclared inputs: %s", strings.Join(undeclared, ", ")),
		}
	}

	return &nodeRun{
		node:       n,
		capability: c,
		class:      n.EffectiveClass(),
		state:      models.NodeStatePending,
		resolvedBy: make(map[string]string),
	}, nil
}

// changedLocked wakes anyone waiting on Changed.
func (h *Handle) changedLocked() {
	close(h.notify)
	h.notify = make(chan struct{})
}

// Changed returns a channel closed at the next state change.
func (h *Handle) Changed() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.notify
}

// WaitResolved blocks until every node is terminal or ctx is done.
// It does not dispatch; the owner must keep calling RunReadyNodes.
func (h *Handle) WaitResolved(ctx context.Context) (models.ExecutionSnapshot, error) {
	for {
		changed := h.Changed()
		snap := h.Status()
		if snap.AllResolved() {
			return snap, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return snap, ctx.Err()
		}
	}
}

// Goal returns the goal the DAG was admitted with.
func (h *Handle) Goal() string {
	return h.goal
}

// evaluateLocked recomputes which inputs of a not-yet-started node are
// satisfied and moves it between pending, ready and skipped. A dependency
// is satisfied by its own success, or by its fallback's success once the
// dependency is dead.
func (h *Handle) evaluateLocked(id string) {
	nr := h.nodes[id]
	if nr == nil || nr.state.IsStarted() {
		return
	}

	n, _ := h.dag.Node(id)
	nr.node = n
	remaining := 0
	for _, dep := range n.DependsOn {
		depRun := h.nodes[dep]
		switch {
		case depRun.state == models.NodeStateSucceeded:
			nr.resolvedBy[dep] = dep
		case depRun.state.IsDead():
			fb, ok := n.Fallbacks[dep]
			if !ok {
				h.skipLocked(id, fmt.Errorf("%w: %s is %s", ErrUpstreamFailed, dep, depRun.state))
				return
			}
			fbRun := h.nodes[fb]
			switch {
			case fbRun.state == models.NodeStateSucceeded:
				nr.resolvedBy[dep] = fb
			case fbRun.state.IsDead():
				h.skipLocked(id, fmt.Errorf("%w: %s is %s and fallback %s is %s", ErrUpstreamFailed, dep, depRun.state, fb, fbRun.state))
				return
			default:
				delete(nr.resolvedBy, dep)
				remaining++
			}
		default:
			delete(nr.resolvedBy, dep)
			remaining++
		}
	}
	nr.remaining = remaining

	switch {
	case remaining == 0 && nr.state == models.NodeStatePending:
		nr.state = models.NodeStateReady
		logging.Debugf("[executor] %s/%s ready", h.ID, id)
	case remaining > 0 && nr.state == models.NodeStateReady:
		nr.state = models.NodeStatePending
	}
}

// skipLocked marks a node skipped and re-evaluates its dependents.
func (h *Handle) skipLocked(id string, cause error) {
	nr := h.nodes[id]
	nr.state = models.NodeStateSkipped
	nr.err = cause
	nr.finished = h.exec.now()
	logging.Debugf("[executor] %s/%s skipped: %v", h.ID, id, cause)
	h.propagateLocked(id)
}

// propagateLocked re-evaluates the dependents of a node that reached a
// terminal state.
func (h *Handle) propagateLocked(id string) {
	for _, dep := range h.dag.Dependents(id) {
		h.evaluateLocked(dep)
	}
}

// RunReadyNodes dispatches every ready node that can get a slot, in phase
// then declaration order, and returns without waiting for any of them.
func (h *Handle) RunReadyNodes(ctx context.Context) ([]NodeResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHandleClosed
	}

	ready := h.readyOrderLocked()
	var dispatched []NodeResult
	for _, id := range ready {
		nr := h.nodes[id]
		ok, full := h.exec.acquire(nr.class)
		if full {
			break
		}
		if !ok {
			continue
		}
		h.dispatchLocked(ctx, id, nr)
		dispatched = append(dispatched, NodeResult{NodeID: id, State: nr.state})
	}

	if len(dispatched) > 0 {
		h.changedLocked()
		logging.Debugf("[executor] %s dispatched %d of %d ready nodes", h.ID, len(dispatched), len(ready))
	}
	return dispatched, nil
}

// readyOrderLocked returns ready node IDs ordered by phase, then declaration.
func (h *Handle) readyOrderLocked() []string {
	order := h.dag.Order()
	index := make(map[string]int, len(order))
	var ready []string
	for i, id := range order {
		index[id] = i
		if h.nodes[id].state == models.NodeStateReady {
			ready = append(ready, id)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		a, b := h.nodes[ready[i]].node, h.nodes[ready[j]].node
		if a.Phase != b.Phase {
			return a.Phase < b.Phase
		}
		return index[ready[i]] < index[ready[j]]
	})
	return ready
}

// pendingInput is a dependency's result captured at dispatch time.
type pendingInput struct {
	dep    string
	from   string
	result buffer.Result
}

func (h *Handle) dispatchLocked(ctx context.Context, id string, nr *nodeRun) {
	timeout := h.exec.timeoutFor(nr.node)
	nr.state = models.NodeStateRunning
	nr.started = h.exec.now()

	// Capture inputs now; fetching artifact bodies happens off the lock.
	inputs := make([]pendingInput, 0, len(nr.node.DependsOn))
	for _, dep := range nr.node.DependsOn {
		from := nr.resolvedBy[dep]
		res, _ := h.exec.buf.Result(buffer.Key{DagID: h.ID, NodeID: from})
		inputs = append(inputs, pendingInput{dep: dep, from: from, result: res})
	}
	vars := make(map[string]string, len(h.vars))
	for k, v := range h.vars {
		vars[k] = v
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	nr.timer = time.AfterFunc(timeout, func() { h.expire(id, timeout) })

	node, c, class := nr.node, nr.capability, nr.class
	h.exec.wg.Add(1)
	go func() {
		defer h.exec.wg.Done()
		defer cancel()
		defer h.exec.release(class)

		deadline, _ := callCtx.Deadline()
		res, ref, err := h.invoke(callCtx, id, node, c, inputs, vars, deadline)
		if err == nil && !time.Now().Before(deadline) {
			err = &TimeoutError{NodeID: id, Timeout: timeout}
		}
		if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			err = &TimeoutError{NodeID: id, Timeout: timeout}
		}
		h.complete(id, res, ref, err)
	}()
}

// invoke resolves placeholders and runs the capability.
func (h *Handle) invoke(ctx context.Context, id string, n models.Node, c capability.Capability,
	inputs []pendingInput, vars map[string]string, deadline time.Time) (capability.Result, artifact.Ref, error) {

	outputs := make(map[string]string, len(inputs))
	callInputs := make([]capability.Input, 0, len(inputs))
	for _, in := range inputs {
		data := in.result.Output
		if !in.result.Inline() {
			b, err := h.exec.fetch(ctx, in.result.Ref)
			if err != nil {
				return capability.Result{}, "", fmt.Errorf("load input %s: %w", in.dep, err)
			}
			data = b
		}
		outputs[in.dep] = string(data)
		callInputs = append(callInputs, capability.Input{NodeID: in.dep, From: in.from, Output: data})
	}

	artifacts := make(map[string]string, len(n.Artifacts))
	for name, ref := range n.Artifacts {
		b, err := h.exec.fetch(ctx, artifact.Ref(ref))
		if err != nil {
			return capability.Result{}, "", fmt.Errorf("load artifact %s: %w", name, err)
		}
		artifacts[name] = string(b)
	}

	resolved, err := capability.Resolve(c, capability.MapLookup(outputs, artifacts, vars))
	if err != nil {
		return capability.Result{}, "", err
	}

	res, err := h.exec.caps.Execute(ctx, capability.Call{
		DagID:      h.ID,
		NodeID:     id,
		Capability: resolved,
		Inputs:     callInputs,
		Deadline:   deadline,
	})
	if err != nil {
		return res, "", err
	}

	if h.exec.store != nil && len(res.Output) > h.exec.policy.InlineResultLimit {
		ref, err := h.exec.store.Put(ctx, res.Output)
		if err != nil {
			return res, "", fmt.Errorf("store result: %w", err)
		}
		return res, ref, nil
	}
	return res, "", nil
}

func (e *Executor) fetch(ctx context.Context, ref artifact.Ref) ([]byte, error) {
	if e.store == nil {
		return nil, fmt.Errorf("no artifact store for %s", ref)
	}
	return e.store.Get(ctx, ref)
}

// complete records the outcome of a dispatched call. Outcomes for nodes no
// longer running, because they timed out or were cancelled, are discarded.
func (h *Handle) complete(id string, res capability.Result, ref artifact.Ref, callErr error) {
	var events []models.ObservationEvent

	h.mu.Lock()
	nr := h.nodes[id]
	if nr.timer != nil {
		nr.timer.Stop()
	}

	switch {
	case nr.state != models.NodeStateRunning:
		logging.Debugf("[executor] %s/%s late result discarded (state=%s)", h.ID, id, nr.state)
	case nr.discard || h.closed:
		nr.state = models.NodeStateCancelled
		nr.finished = h.exec.now()
		logging.Debugf("[executor] %s/%s finished after cancellation, result discarded", h.ID, id)
		h.propagateLocked(id)
		events = append(events, h.completionEventLocked(id, nr))
	case callErr != nil:
		nr.state = models.NodeStateFailed
		nr.err = failure(id, nr.node.Capability.Kind, callErr)
		nr.finished = h.exec.now()
		h.propagateLocked(id)
		events = append(events, h.completionEventLocked(id, nr))
		var ue *capability.UnavailableError
		if errors.As(callErr, &ue) {
			ev := models.NewObservationEvent(models.EventCapabilityUnavailable, h.exec.name, ue.Error())
			ev.DagID, ev.NodeID = h.ID, id
			events = append(events, ev)
		}
	default:
		result := buffer.Result{Ref: ref}
		if ref == "" {
			result.Output = res.Output
		}
		if err := h.exec.buf.SetResult(buffer.Key{DagID: h.ID, NodeID: id}, result); err != nil {
			log.Printf("[executor] warning: %v", err)
		}
		nr.state = models.NodeStateSucceeded
		nr.resultRef = ref
		nr.evidence = res.Evidence
		nr.finished = h.exec.now()
		h.propagateLocked(id)
		events = append(events, h.completionEventLocked(id, nr))
	}
	h.changedLocked()
	h.mu.Unlock()

	for _, ev := range events {
		h.exec.post(ev)
	}
}

// expire fails a node that is still running at its deadline.
func (h *Handle) expire(id string, timeout time.Duration) {
	h.mu.Lock()
	nr := h.nodes[id]
	if nr.state != models.NodeStateRunning {
		h.mu.Unlock()
		return
	}
	if nr.discard {
		nr.state = models.NodeStateCancelled
	} else {
		nr.state = models.NodeStateFailed
		nr.err = &TimeoutError{NodeID: id, Timeout: timeout}
	}
	nr.finished = h.exec.now()
	logging.Debugf("[executor] %s/%s deadline of %s exceeded", h.ID, id, timeout)
	h.propagateLocked(id)
	ev := h.completionEventLocked(id, nr)
	h.changedLocked()
	h.mu.Unlock()

	h.exec.post(ev)
}

func failure(id string, kind models.CapabilityKind, err error) error {
	var te *TimeoutError
	if errors.As(err, &te) {
		return te
	}
	return &NodeExecutionFailure{NodeID: id, Kind: kind, Err: err}
}

func (h *Handle) completionEventLocked(id string, nr *nodeRun) models.ObservationEvent {
	msg := ""
	if nr.err != nil {
		msg = nr.err.Error()
	}
	return models.NodeCompletedEvent(h.exec.name, h.ID, id, nr.state, msg)
}

// CancelBranch cancels a node and every descendant that has not started.
// Running nodes in the branch finish, but their results are discarded.
func (h *Handle) CancelBranch(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	nr, ok := h.nodes[id]
	if !ok {
		return fmt.Errorf("cancel %s: %w", id, ErrUnknownNode)
	}

	now := h.exec.now()
	if !nr.state.IsTerminal() {
		if nr.state == models.NodeStateRunning {
			nr.discard = true
		}
		nr.state = models.NodeStateCancelled
		nr.finished = now
	}

	for _, d := range h.dag.Descendants(id) {
		dr := h.nodes[d]
		switch {
		case dr.state == models.NodeStateRunning:
			dr.discard = true
		case !dr.state.IsStarted():
			dr.state = models.NodeStateSkipped
			dr.err = fmt.Errorf("%w: branch %s cancelled", ErrUpstreamFailed, id)
			dr.finished = now
		}
	}
	// Nodes outside the branch may hold a fallback on it.
	h.propagateLocked(id)
	for _, d := range h.dag.Descendants(id) {
		h.propagateLocked(d)
	}

	h.dag.Bump()
	h.changedLocked()
	logging.Debugf("[executor] %s cancelled branch at %s", h.ID, id)
	return nil
}

// Inject adds nodes and edges to the live DAG. expectedVersion must be the
// version from the caller's latest Status; otherwise the call fails with a
// version conflict and the caller should re-read and retry.
func (h *Handle) Inject(nodes []models.Node, edges []models.Edge, expectedVersion uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHandleClosed
	}

	// Placeholders may name inputs added by the injected edges.
	extra := make(map[string][]string)
	for _, e := range edges {
		extra[e.To] = append(extra[e.To], e.From)
	}
	for _, n := range nodes {
		candidate := n.Clone()
		candidate.DependsOn = append(candidate.DependsOn, extra[n.ID]...)
		if _, err := h.prepareLocked(candidate); err != nil {
			return &graph.MalformedGraphError{NodeID: n.ID, Detail: err.Error(), Err: errorKind(err)}
		}
	}

	started := func(id string) bool {
		nr, ok := h.nodes[id]
		return ok && nr.state.IsStarted()
	}
	if _, err := h.dag.Extend(nodes, edges, expectedVersion, started); err != nil {
		return err
	}

	for _, n := range nodes {
		stored, _ := h.dag.Node(n.ID)
		nr, err := h.prepareLocked(stored)
		if err != nil {
			return &graph.MalformedGraphError{NodeID: n.ID, Detail: err.Error(), Err: errorKind(err)}
		}
		h.nodes[n.ID] = nr
	}
	for _, n := range nodes {
		h.evaluateLocked(n.ID)
	}
	for _, e := range edges {
		h.evaluateLocked(e.To)
	}

	h.changedLocked()
	logging.Debugf("[executor] %s injected %d nodes, %d edges", h.ID, len(nodes), len(edges))
	return nil
}

// Status returns a point-in-time view of the DAG.
func (h *Handle) Status() models.ExecutionSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	snap := models.ExecutionSnapshot{
		DagID:   h.ID,
		Goal:    h.goal,
		Version: h.dag.Version(),
		TakenAt: h.exec.now(),
	}
	var readyClasses []models.CapabilityClass
	for _, id := range h.readyOrderLocked() {
		readyClasses = append(readyClasses, h.nodes[id].class)
	}
	for _, id := range h.dag.Order() {
		nr := h.nodes[id]
		ns := models.NodeStatus{
			ID:        id,
			State:     nr.state,
			Phase:     nr.node.Phase,
			Class:     nr.class,
			ResultRef: string(nr.resultRef),
		}
		if nr.err != nil {
			ns.Error = nr.err.Error()
		}
		if !nr.started.IsZero() {
			t := nr.started
			ns.StartedAt = &t
		}
		if !nr.finished.IsZero() {
			t := nr.finished
			ns.FinishedAt = &t
		}
		snap.Nodes = append(snap.Nodes, ns)
	}
	if !h.closed {
		snap.FreeSlots = h.exec.dispatchable(readyClasses)
	}
	return snap
}

// Status returns the snapshot of h. It satisfies StatusReader.
func (e *Executor) Status(h *Handle) models.ExecutionSnapshot {
	return h.Status()
}

// NodeError returns the recorded error of a node.
func (h *Handle) NodeError(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if nr, ok := h.nodes[id]; ok {
		return nr.err
	}
	return fmt.Errorf("%s: %w", id, ErrUnknownNode)
}

// Release marks the handle superseded and drops its results from the
// buffer. Calls still in flight finish with their results discarded.
func (e *Executor) Release(h *Handle) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.changedLocked()
	h.mu.Unlock()

	n := e.buf.Forget(h.ID)
	logging.Debugf("[executor] released %s, dropped %d results", h.ID, n)
}

// Output is a succeeded node's result.
type Output struct {
	NodeID string
	Data   []byte
}

// Outputs returns the results of the DAG's succeeded sink nodes in
// declaration order, loading out-of-band results from the artifact store.
func (h *Handle) Outputs(ctx context.Context) ([]Output, error) {
	h.mu.Lock()
	var keys []string
	for _, id := range h.dag.Sinks() {
		if h.nodes[id].state == models.NodeStateSucceeded {
			keys = append(keys, id)
		}
	}
	h.mu.Unlock()

	out := make([]Output, 0, len(keys))
	for _, id := range keys {
		res, ok := h.exec.buf.Result(buffer.Key{DagID: h.ID, NodeID: id})
		if !ok {
			continue
		}
		data := res.Output
		if !res.Inline() {
			b, err := h.exec.fetch(ctx, res.Ref)
			if err != nil {
				return nil, fmt.Errorf("load output %s: %w", id, err)
			}
			data = b
		}
		out = append(out, Output{NodeID: id, Data: data})
	}
	return out, nil
}

// Evidence returns what the DAG's succeeded nodes can cite: evidence the
// capabilities reported, out-of-band results, and declared artifact inputs.
// Each is ranked by its node's Quality unless the capability ranked it.
func (h *Handle) Evidence() []models.Evidence {
	h.mu.Lock()
	defer h.mu.Unlock()

	seen := make(map[string]bool)
	var out []models.Evidence
	add := func(ev models.Evidence) {
		if ev.Ref == "" || seen[ev.Ref] {
			return
		}
		seen[ev.Ref] = true
		out = append(out, ev)
	}
	for _, id := range h.dag.Order() {
		nr := h.nodes[id]
		if nr.state != models.NodeStateSucceeded {
			continue
		}
		for _, ev := range nr.evidence {
			add(ev)
		}
		if nr.resultRef != "" {
			add(models.Evidence{Ref: string(nr.resultRef), Source: id, Quality: nr.node.Quality})
		}
		names := make([]string, 0, len(nr.node.Artifacts))
		for name := range nr.node.Artifacts {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			add(models.Evidence{Ref: nr.node.Artifacts[name], Source: id, Quality: nr.node.Quality})
		}
	}
	return out
}
