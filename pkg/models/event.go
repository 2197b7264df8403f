package models

import (
	"time"

	"github.com/google/uuid"
)

// EventKind classifies an observation.
type EventKind string

const (
	// EventUserMessage is input from a user or caller.
	EventUserMessage EventKind = "user_message"
	// EventNodeCompleted reports a dispatched node reaching a terminal state.
	EventNodeCompleted EventKind = "node_completed"
	// EventExternalError reports a failure outside any single node.
	EventExternalError EventKind = "external_error"
	// EventResourcePressure reports a change in host resource pressure.
	EventResourcePressure EventKind = "resource_pressure"
	// EventDelegationUpdate reports a change in a child delegation.
	EventDelegationUpdate EventKind = "delegation_update"
	// EventCapabilityUnavailable reports a capability that can no longer be used.
	EventCapabilityUnavailable EventKind = "capability_unavailable"
)

// Valid returns true if the kind is a known value.
func (k EventKind) Valid() bool {
	switch k {
	case EventUserMessage, EventNodeCompleted, EventExternalError,
		EventResourcePressure, EventDelegationUpdate, EventCapabilityUnavailable:
		return true
	default:
		return false
	}
}

// ObservationEvent is an immutable record of something that happened.
// It is passed by value so holders cannot mutate each other's copies.
type ObservationEvent struct {
	// ID uniquely identifies the event.
	ID string `json:"id"`
	// Kind classifies the event.
	Kind EventKind `json:"kind"`
	// Source names the component or participant that produced it.
	Source string `json:"source"`
	// Timestamp is when the event was created.
	Timestamp time.Time `json:"timestamp"`
	// DagID is set for node events.
	DagID string `json:"dag_id,omitempty"`
	// NodeID is set for node events.
	NodeID string `json:"node_id,omitempty"`
	// State is the node's terminal state for node events.
	State NodeState `json:"state,omitempty"`
	// Message is a human-readable description.
	Message string `json:"message,omitempty"`
	// Fatal marks external errors the current plan cannot recover from.
	Fatal bool `json:"fatal,omitempty"`
	// Level is the pressure level for resource pressure events. Zero means none.
	Level int `json:"level,omitempty"`
}

// NewObservationEvent creates a timestamped event with a fresh ID.
func NewObservationEvent(kind EventKind, source, message string) ObservationEvent {
	return ObservationEvent{
		ID:        uuid.New().String(),
		Kind:      kind,
		Source:    source,
		Timestamp: time.Now(),
		Message:   message,
	}
}

// NodeCompletedEvent creates the event posted when a dispatched node finishes.
func NodeCompletedEvent(source, dagID, nodeID string, state NodeState, message string) ObservationEvent {
	ev := NewObservationEvent(EventNodeCompleted, source, message)
	ev.DagID = dagID
	ev.NodeID = nodeID
	ev.State = state
	return ev
}

// PressureEvent creates a resource pressure event at the given level.
func PressureEvent(source string, level int) ObservationEvent {
	ev := NewObservationEvent(EventResourcePressure, source, "")
	ev.Level = level
	return ev
}

// Blocking reports whether the event makes the current plan unusable.
func (e ObservationEvent) Blocking() bool {
	switch e.Kind {
	case EventCapabilityUnavailable:
		return true
	case EventExternalError:
		return e.Fatal
	default:
		return false
	}
}
