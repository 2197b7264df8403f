package models

import (
	"reflect"
	"testing"
)

func TestNodeState_Valid(t *testing.T) {
	tests := []struct {
		name  string
		state NodeState
		want  bool
	}{
		{"pending is valid", NodeStatePending, true},
		{"ready is valid", NodeStateReady, true},
		{"running is valid", NodeStateRunning, true},
		{"succeeded is valid", NodeStateSucceeded, true},
		{"failed is valid", NodeStateFailed, true},
		{"cancelled is valid", NodeStateCancelled, true},
		{"skipped is valid", NodeStateSkipped, true},
		{"empty string is invalid", NodeState(""), false},
		{"uppercase is invalid", NodeState("PENDING"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.Valid(); got != tt.want {
				t.Errorf("NodeState(%q).Valid() = %v, want %v", tt.state, got, tt.want)
			}
		})
	}
}

func TestNodeState_CanTransition(t *testing.T) {
	tests := []struct {
		from, to NodeState
		want     bool
	}{
		{NodeStatePending, NodeStateReady, true},
		{NodeStatePending, NodeStateRunning, false},
		{NodeStatePending, NodeStateSkipped, true},
		{NodeStateReady, NodeStateRunning, true},
		{NodeStateReady, NodeStateCancelled, true},
		{NodeStateRunning, NodeStateSucceeded, true},
		{NodeStateRunning, NodeStateFailed, true},
		{NodeStateRunning, NodeStateSkipped, false},
		{NodeStateSucceeded, NodeStateRunning, false},
		{NodeStateSucceeded, NodeStateFailed, false},
		{NodeStateFailed, NodeStateReady, false},
		{NodeStateSkipped, NodeStateReady, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Errorf("%s.CanTransition(%s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestNodeState_IsDead(t *testing.T) {
	if NodeStateSucceeded.IsDead() {
		t.Error("succeeded should not be dead")
	}
	if NodeStateRunning.IsDead() {
		t.Error("running should not be dead")
	}
	for _, s := range []NodeState{NodeStateFailed, NodeStateSkipped, NodeStateCancelled} {
		if !s.IsDead() {
			t.Errorf("%s should be dead", s)
		}
	}
}

func TestNode_EffectiveClass(t *testing.T) {
	n := Node{ID: "a", Capability: CapabilityRef{Kind: CapabilityShell}}
	if got := n.EffectiveClass(); got != ClassLocal {
		t.Errorf("shell default class = %q, want %q", got, ClassLocal)
	}

	n.Capability.Kind = CapabilityDelegate
	if got := n.EffectiveClass(); got != ClassRemote {
		t.Errorf("delegate default class = %q, want %q", got, ClassRemote)
	}

	n.Class = "gpu"
	if got := n.EffectiveClass(); got != "gpu" {
		t.Errorf("declared class = %q, want gpu", got)
	}
}

func TestNode_Upstream(t *testing.T) {
	n := Node{
		ID:        "c",
		DependsOn: []string{"a", "b", "a"},
		Fallbacks: map[string]string{"b": "b2"},
	}

	want := []string{"a", "b", "b2"}
	if got := n.Upstream(); !reflect.DeepEqual(got, want) {
		t.Errorf("Upstream() = %v, want %v", got, want)
	}
}

func TestNode_Validate(t *testing.T) {
	echo := CapabilityRef{Kind: CapabilityEcho}

	tests := []struct {
		name    string
		node    Node
		wantErr bool
	}{
		{"valid", Node{ID: "a", Capability: echo}, false},
		{"empty id", Node{Capability: echo}, true},
		{"unknown kind", Node{ID: "a", Capability: CapabilityRef{Kind: "scrape"}}, true},
		{"negative timeout", Node{ID: "a", Capability: echo, Timeout: -1}, true},
		{"fallback for non dependency", Node{ID: "a", Capability: echo, Fallbacks: map[string]string{"x": "y"}}, true},
		{"fallback to self", Node{ID: "a", Capability: echo, DependsOn: []string{"b"}, Fallbacks: map[string]string{"b": "a"}}, true},
		{"valid fallback", Node{ID: "a", Capability: echo, DependsOn: []string{"b"}, Fallbacks: map[string]string{"b": "c"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.node.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDelegationPhase_CanTransition(t *testing.T) {
	tests := []struct {
		from, to DelegationPhase
		want     bool
	}{
		{PhaseAssigned, PhaseInProgress, true},
		{PhaseInProgress, PhaseUnderReview, true},
		{PhaseUnderReview, PhaseAccepted, true},
		{PhaseUnderReview, PhaseRevisionRequested, true},
		{PhaseRevisionRequested, PhaseInProgress, true},
		{PhaseInProgress, PhaseRejected, true},
		{PhaseAssigned, PhaseAccepted, false},
		{PhaseInProgress, PhaseAccepted, false},
		{PhaseAccepted, PhaseRejected, false},
		{PhaseRejected, PhaseInProgress, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Errorf("%s.CanTransition(%s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestObservationEvent_Blocking(t *testing.T) {
	tests := []struct {
		name string
		ev   ObservationEvent
		want bool
	}{
		{"capability unavailable", ObservationEvent{Kind: EventCapabilityUnavailable}, true},
		{"fatal external error", ObservationEvent{Kind: EventExternalError, Fatal: true}, true},
		{"recoverable external error", ObservationEvent{Kind: EventExternalError}, false},
		{"node completed", ObservationEvent{Kind: EventNodeCompleted, State: NodeStateFailed}, false},
		{"pressure", PressureEvent("host", 2), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ev.Blocking(); got != tt.want {
				t.Errorf("Blocking() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewObservationEvent_AssignsIdentity(t *testing.T) {
	a := NewObservationEvent(EventUserMessage, "cli", "hello")
	b := NewObservationEvent(EventUserMessage, "cli", "hello")

	if a.ID == "" || a.ID == b.ID {
		t.Errorf("event IDs should be unique and non-empty: %q %q", a.ID, b.ID)
	}
	if a.Timestamp.IsZero() {
		t.Error("Timestamp should be set")
	}
}
