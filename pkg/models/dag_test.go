package models

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const samplePlan = `
goal: summarize releases
variables:
  repo: loom
nodes:
  - id: fetch-a
    capability:
      kind: shell
      args:
        command: "git -C {{repo}} log -1"
    timeout: 30s
  - id: fetch-b
    phase: 1
    capability:
      kind: echo
      args:
        text: "static notes"
  - id: merge
    depends_on: [fetch-a, fetch-b]
    fallbacks:
      fetch-b: fetch-a
    capability:
      kind: merge
edges:
  - from: fetch-a
    to: fetch-b
`

func TestParseDagDescription(t *testing.T) {
	desc, err := ParseDagDescription([]byte(samplePlan))
	if err != nil {
		t.Fatalf("ParseDagDescription() error = %v", err)
	}

	if desc.Goal != "summarize releases" {
		t.Errorf("Goal = %q, want %q", desc.Goal, "summarize releases")
	}
	if len(desc.Nodes) != 3 {
		t.Fatalf("len(Nodes) = %d, want 3", len(desc.Nodes))
	}
	if desc.Nodes[0].Timeout != 30*time.Second {
		t.Errorf("Nodes[0].Timeout = %v, want 30s", desc.Nodes[0].Timeout)
	}
	if desc.Nodes[1].Phase != 1 {
		t.Errorf("Nodes[1].Phase = %d, want 1", desc.Nodes[1].Phase)
	}
	if got := desc.Nodes[2].Fallbacks["fetch-b"]; got != "fetch-a" {
		t.Errorf("merge fallback = %q, want fetch-a", got)
	}
	if len(desc.Edges) != 1 || desc.Edges[0].To != "fetch-b" {
		t.Errorf("Edges = %+v, want one edge to fetch-b", desc.Edges)
	}
	if desc.Variables["repo"] != "loom" {
		t.Errorf("Variables[repo] = %q, want loom", desc.Variables["repo"])
	}
}

func TestParseDagDescription_Rejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty", ""},
		{"no nodes", "goal: nothing\nnodes: []\n"},
		{"unknown field", "nodes:\n  - id: a\n    capabilty: {kind: echo}\n"},
		{"bad duration", "nodes:\n  - id: a\n    timeout: soon\n    capability: {kind: echo}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseDagDescription([]byte(tt.data)); err == nil {
				t.Error("ParseDagDescription() error = nil, want error")
			}
		})
	}
}

func TestLoadDagDescription(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	if err := os.WriteFile(path, []byte(samplePlan), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	desc, err := LoadDagDescription(path)
	if err != nil {
		t.Fatalf("LoadDagDescription() error = %v", err)
	}
	if len(desc.Nodes) != 3 {
		t.Errorf("len(Nodes) = %d, want 3", len(desc.Nodes))
	}

	if _, err := LoadDagDescription(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadDagDescription(missing) error = nil, want error")
	}
}

func TestDagDescription_YAMLIsReadable(t *testing.T) {
	desc, err := ParseDagDescription([]byte(samplePlan))
	if err != nil {
		t.Fatalf("ParseDagDescription() error = %v", err)
	}

	out, err := desc.YAML()
	if err != nil {
		t.Fatalf("YAML() error = %v", err)
	}

	again, err := ParseDagDescription(out)
	if err != nil {
		t.Fatalf("re-parse error = %v\n%s", err, out)
	}
	if again.Nodes[0].Timeout != 30*time.Second {
		t.Errorf("timeout after re-parse = %v, want 30s", again.Nodes[0].Timeout)
	}
}

func TestDagDescription_Clone(t *testing.T) {
	desc, err := ParseDagDescription([]byte(samplePlan))
	if err != nil {
		t.Fatalf("ParseDagDescription() error = %v", err)
	}

	clone := desc.Clone()
	clone.Nodes[2].DependsOn[0] = "changed"
	clone.Nodes[0].Capability.Args["command"] = "changed"
	clone.Variables["repo"] = "changed"

	if desc.Nodes[2].DependsOn[0] != "fetch-a" {
		t.Error("Clone shares DependsOn with original")
	}
	if desc.Nodes[0].Capability.Args["command"] == "changed" {
		t.Error("Clone shares capability args with original")
	}
	if desc.Variables["repo"] != "loom" {
		t.Error("Clone shares variables with original")
	}
}

func TestExecutionSnapshot_Helpers(t *testing.T) {
	snap := ExecutionSnapshot{
		Nodes: []NodeStatus{
			{ID: "a", State: NodeStateSucceeded},
			{ID: "b", State: NodeStateFailed},
			{ID: "c", State: NodeStatePending},
		},
	}

	if snap.AllResolved() {
		t.Error("AllResolved() = true with a pending node")
	}
	if got := snap.Count(NodeStateFailed); got != 1 {
		t.Errorf("Count(failed) = %d, want 1", got)
	}
	if st, ok := snap.State("b"); !ok || st != NodeStateFailed {
		t.Errorf("State(b) = %q, %v; want failed, true", st, ok)
	}
	if open := snap.Open(); len(open) != 1 || open[0] != "c" {
		t.Errorf("Open() = %v, want [c]", open)
	}

	snap.Nodes[2].State = NodeStateSkipped
	if !snap.AllResolved() {
		t.Error("AllResolved() = false with every node terminal")
	}
	if snap.AllSucceeded() {
		t.Error("AllSucceeded() = true with a failed node")
	}
	if (ExecutionSnapshot{}).AllSucceeded() {
		t.Error("AllSucceeded() = true for an empty snapshot")
	}
}
