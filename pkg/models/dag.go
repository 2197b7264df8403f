package models

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Edge is an extra data dependency: To consumes the output of From.
type Edge struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

// DagDescription is a plan as produced by a planner or loaded from a file.
type DagDescription struct {
	// Goal is the objective the plan serves.
	Goal string `json:"goal,omitempty" yaml:"goal,omitempty"`
	// Nodes are in declaration order, which breaks scheduling ties.
	Nodes []Node `json:"nodes" yaml:"nodes"`
	// Edges are dependencies in addition to each node's DependsOn.
	Edges []Edge `json:"edges,omitempty" yaml:"edges,omitempty"`
	// Variables resolve {{name}} placeholders not bound to an upstream node.
	Variables map[string]string `json:"variables,omitempty" yaml:"variables,omitempty"`
}

// ParseDagDescription decodes a YAML plan. Unknown fields are rejected.
func ParseDagDescription(data []byte) (*DagDescription, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var desc DagDescription
	if err := dec.Decode(&desc); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	if len(desc.Nodes) == 0 {
		return nil, fmt.Errorf("parse plan: no nodes")
	}
	return &desc, nil
}

// LoadDagDescription reads and decodes a YAML plan file.
func LoadDagDescription(path string) (*DagDescription, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan %s: %w", path, err)
	}
	return ParseDagDescription(data)
}

// YAML renders the description in the same format ParseDagDescription reads.
func (d *DagDescription) YAML() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(d); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Clone returns a deep copy of the description.
func (d *DagDescription) Clone() *DagDescription {
	if d == nil {
		return nil
	}
	out := &DagDescription{
		Goal:  d.Goal,
		Nodes: make([]Node, len(d.Nodes)),
		Edges: append([]Edge(nil), d.Edges...),
	}
	for i, n := range d.Nodes {
		out.Nodes[i] = n.Clone()
	}
	if d.Variables != nil {
		out.Variables = make(map[string]string, len(d.Variables))
		for k, v := range d.Variables {
			out.Variables[k] = v
		}
	}
	return out
}

// Clone returns a deep copy of the node.
func (n Node) Clone() Node {
	out := n
	out.DependsOn = append([]string(nil), n.DependsOn...)
	out.Fallbacks = cloneMap(n.Fallbacks)
	out.Artifacts = cloneMap(n.Artifacts)
	out.Capability.Args = cloneMap(n.Capability.Args)
	return out
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
