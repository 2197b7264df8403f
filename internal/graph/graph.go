// Package graph holds the structure of a plan: its nodes, the edges between
// them and the version counter that guards live mutation. Execution state
// is kept by the executor, not here.
package graph

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ShayCichocki/loom/pkg/models"
)

// DAG is a validated, acyclic set of nodes and their data dependencies.
type DAG struct {
	mu sync.RWMutex
	// order lists node IDs in declaration order.
	order []string
	// nodes maps node ID to the node definition.
	nodes map[string]models.Node
	// upstream maps node ID to the nodes it consumes from.
	upstream map[string][]string
	// downstream maps node ID to the nodes that consume from it.
	downstream map[string][]string
	// version increments on every structural change.
	version uint64
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// Build validates desc and constructs a DAG from it. Nothing is returned
// unless the whole description is valid.
func Build(desc *models.DagDescription) (*DAG, error) {
	return BuildWithLog(desc, nil)
}

// BuildWithLog is Build with a debug logging function.
func BuildWithLog(desc *models.DagDescription, logFn func(format string, args ...interface{})) (*DAG, error) {
	g := &DAG{
		nodes:      make(map[string]models.Node),
		upstream:   make(map[string][]string),
		downstream: make(map[string][]string),
		debugLog:   func(format string, args ...interface{}) {},
	}
	if logFn != nil {
		g.debugLog = logFn
	}

	if desc == nil || len(desc.Nodes) == 0 {
		return nil, &MalformedGraphError{Err: ErrEmptyGraph}
	}

	g.debugLog("[graph.Build] building graph from %d nodes", len(desc.Nodes))

	// First pass: register nodes.
	for _, n := range desc.Nodes {
		if err := n.Validate(); err != nil {
			return nil, &MalformedGraphError{NodeID: n.ID, Detail: err.Error(), Err: ErrInvalidNode}
		}
		if _, exists := g.nodes[n.ID]; exists {
			return nil, &MalformedGraphError{NodeID: n.ID, Err: ErrDuplicateNode}
		}
		g.nodes[n.ID] = n.Clone()
		g.order = append(g.order, n.ID)
	}

	// Second pass: fold extra edges into DependsOn, then wire edges.
	for _, e := range desc.Edges {
		if err := g.addEdgeLocked(e); err != nil {
			return nil, err
		}
	}
	for _, id := range g.order {
		if err := g.wireLocked(id); err != nil {
			return nil, err
		}
	}

	if cyc := g.findCycleLocked(); cyc != "" {
		return nil, &MalformedGraphError{NodeID: cyc, Err: ErrCycleDetected}
	}

	g.version = 1
	g.debugLog("[graph.Build] built graph with %d nodes", len(g.nodes))
	return g, nil
}

// SetDebugLog sets the debug logging function.
func (g *DAG) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		g.debugLog = fn
	}
}

// addEdgeLocked records an extra edge as a dependency of its target.
func (g *DAG) addEdgeLocked(e models.Edge) error {
	to, ok := g.nodes[e.To]
	if !ok {
		return &MalformedGraphError{NodeID: e.To, Detail: "edge target", Err: ErrUnknownDependency}
	}
	for _, dep := range to.DependsOn {
		if dep == e.From {
			return nil
		}
	}
	to.DependsOn = append(append([]string(nil), to.DependsOn...), e.From)
	g.nodes[e.To] = to
	return nil
}

// wireLocked builds the upstream and downstream lists for one node.
func (g *DAG) wireLocked(id string) error {
	n := g.nodes[id]
	for _, art := range n.Artifacts {
		if art == "" {
			return &MalformedGraphError{NodeID: id, Detail: "empty artifact reference", Err: ErrUnknownDependency}
		}
	}
	ups := n.Upstream()
	for _, up := range ups {
		if _, exists := g.nodes[up]; !exists {
			return &MalformedGraphError{NodeID: id, Detail: fmt.Sprintf("depends on %s", up), Err: ErrUnknownDependency}
		}
		g.downstream[up] = append(g.downstream[up], id)
	}
	g.upstream[id] = ups
	return nil
}

// findCycleLocked returns a node on a cycle, or "" when the graph is acyclic.
// Uses depth-first search with colouring to detect back edges.
func (g *DAG) findCycleLocked() string {
	// 0 = unvisited, 1 = in progress, 2 = done.
	colors := make(map[string]int, len(g.nodes))

	var visit func(id string) string
	visit = func(id string) string {
		colors[id] = 1
		for _, up := range g.upstream[id] {
			switch colors[up] {
			case 1:
				return up
			case 0:
				if c := visit(up); c != "" {
					return c
				}
			}
		}
		colors[id] = 2
		return ""
	}

	for _, id := range g.order {
		if colors[id] == 0 {
			if c := visit(id); c != "" {
				return c
			}
		}
	}
	return ""
}

// Version returns the current structural version.
func (g *DAG) Version() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.version
}

// Bump increments the version and returns the new value.
func (g *DAG) Bump() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.version++
	return g.version
}

// Size returns the number of nodes.
func (g *DAG) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Node returns the node with the given ID.
func (g *DAG) Node(id string) (models.Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	return n, ok
}

// Order returns node IDs in declaration order.
func (g *DAG) Order() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.order...)
}

// Upstream returns the IDs the given node consumes from, fallbacks included.
func (g *DAG) Upstream(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.upstream[id]...)
}

// Dependents returns the IDs of nodes that consume from the given node.
func (g *DAG) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.downstream[id]...)
}

// Sinks returns the nodes nothing consumes from, in declaration order.
func (g *DAG) Sinks() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []string
	for _, id := range g.order {
		if len(g.downstream[id]) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// Descendants returns every node reachable downstream of id, in
// declaration order. The node itself is not included.
func (g *DAG) Descendants(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := make(map[string]bool)
	queue := append([]string(nil), g.downstream[id]...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		queue = append(queue, g.downstream[cur]...)
	}

	out := make([]string, 0, len(seen))
	for _, n := range g.order {
		if seen[n] {
			out = append(out, n)
		}
	}
	return out
}

// Extend adds nodes and edges to a live graph.
//
// expected must equal the current version. started reports whether a node
// has already been dispatched; edges into such nodes are refused because
// the node has consumed its inputs. On any error the graph is unchanged.
// On success the version is incremented and the new version returned.
func (g *DAG) Extend(nodes []models.Node, edges []models.Edge, expected uint64, started func(id string) bool) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if expected != g.version {
		return 0, &InjectionConflictError{Expected: expected, Actual: g.version, Err: ErrVersionConflict}
	}

	// Validate against a scratch copy so a rejected injection leaves no trace.
	scratch := &DAG{
		order:      append([]string(nil), g.order...),
		nodes:      make(map[string]models.Node, len(g.nodes)+len(nodes)),
		upstream:   make(map[string][]string, len(g.nodes)+len(nodes)),
		downstream: make(map[string][]string, len(g.nodes)+len(nodes)),
		debugLog:   g.debugLog,
	}
	for id, n := range g.nodes {
		scratch.nodes[id] = n
	}

	fresh := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if err := n.Validate(); err != nil {
			return 0, &InjectionConflictError{NodeID: n.ID, Err: fmt.Errorf("%w: %v", ErrInvalidNode, err)}
		}
		if _, exists := scratch.nodes[n.ID]; exists {
			return 0, &InjectionConflictError{NodeID: n.ID, Err: ErrDuplicateNode}
		}
		scratch.nodes[n.ID] = n.Clone()
		scratch.order = append(scratch.order, n.ID)
		fresh[n.ID] = true
	}

	for _, e := range edges {
		if !fresh[e.To] && started != nil && started(e.To) {
			return 0, &InjectionConflictError{NodeID: e.To, Err: ErrStartedTarget}
		}
		if err := scratch.addEdgeLocked(e); err != nil {
			return 0, &InjectionConflictError{NodeID: e.To, Err: ErrUnknownDependency}
		}
	}

	for _, id := range scratch.order {
		if err := scratch.wireLocked(id); err != nil {
			var mg *MalformedGraphError
			if errors.As(err, &mg) {
				return 0, &InjectionConflictError{NodeID: mg.NodeID, Err: mg.Err}
			}
			return 0, &InjectionConflictError{Err: err}
		}
	}

	if cyc := scratch.findCycleLocked(); cyc != "" {
		return 0, &InjectionConflictError{NodeID: cyc, Err: ErrCycleDetected}
	}

	g.order = scratch.order
	g.nodes = scratch.nodes
	g.upstream = scratch.upstream
	g.downstream = scratch.downstream
	g.version++

	g.debugLog("[graph.Extend] added %d nodes and %d edges, version now %d", len(nodes), len(edges), g.version)
	return g.version, nil
}
