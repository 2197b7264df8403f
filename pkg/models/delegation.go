package models

import "time"

// DelegationPhase is the review state of a delegated sub-objective.
type DelegationPhase string

const (
	// PhaseAssigned indicates the child has been created and sent its assignment.
	PhaseAssigned DelegationPhase = "assigned"
	// PhaseInProgress indicates the child is working.
	PhaseInProgress DelegationPhase = "in_progress"
	// PhaseUnderReview indicates the parent is scoring the child's output.
	PhaseUnderReview DelegationPhase = "under_review"
	// PhaseRevisionRequested indicates the child was sent feedback to act on.
	PhaseRevisionRequested DelegationPhase = "revision_requested"
	// PhaseAccepted indicates the output passed the quality gate.
	PhaseAccepted DelegationPhase = "accepted"
	// PhaseRejected indicates the delegation failed or ran out of rounds.
	PhaseRejected DelegationPhase = "rejected"
)

// Valid returns true if the phase is a known value.
func (p DelegationPhase) Valid() bool {
	switch p {
	case PhaseAssigned, PhaseInProgress, PhaseUnderReview,
		PhaseRevisionRequested, PhaseAccepted, PhaseRejected:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the delegation is finished.
func (p DelegationPhase) IsTerminal() bool {
	return p == PhaseAccepted || p == PhaseRejected
}

// CanTransition reports whether a delegation may move from p to next.
// Any non-terminal phase may move to rejected.
func (p DelegationPhase) CanTransition(next DelegationPhase) bool {
	if next == PhaseRejected {
		return !p.IsTerminal()
	}
	switch p {
	case PhaseAssigned:
		return next == PhaseInProgress
	case PhaseInProgress:
		return next == PhaseUnderReview
	case PhaseUnderReview:
		return next == PhaseAccepted || next == PhaseRevisionRequested
	case PhaseRevisionRequested:
		return next == PhaseInProgress
	default:
		return false
	}
}

// Evidence is an artifact a child cites in support of its output.
type Evidence struct {
	// Ref is the artifact reference.
	Ref string `json:"ref"`
	// Source names where the artifact came from.
	Source string `json:"source,omitempty"`
	// Quality ranks the source. Higher is more trustworthy.
	Quality int `json:"quality"`
}

// DelegationState is the parent's record of one child.
type DelegationState struct {
	// ID identifies the delegation.
	ID string `json:"id"`
	// ParentID is the delegating participant.
	ParentID string `json:"parent_id"`
	// ChildID is the participant doing the work.
	ChildID string `json:"child_id"`
	// Objective is the assigned sub-objective.
	Objective string `json:"objective"`
	// Constraints accompany the objective and double as review criteria.
	Constraints []string `json:"constraints,omitempty"`
	// Phase is the current review phase.
	Phase DelegationPhase `json:"phase"`
	// Round is the current review round, starting at 1.
	Round int `json:"round"`
	// Feedback is the most recent reviewer feedback.
	Feedback string `json:"feedback,omitempty"`
	// QualityPassed records that the output passed the gate at least once.
	QualityPassed bool `json:"quality_passed"`
	// Deadline is when the child must have reported.
	Deadline time.Time `json:"deadline"`
	// Output is the most recent output the child reported.
	Output string `json:"output,omitempty"`
	// Evidence supports Output.
	Evidence []Evidence `json:"evidence,omitempty"`
	// Error is set when the delegation failed.
	Error string `json:"error,omitempty"`
	// UpdatedAt is when the record last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a copy that shares no slices with s.
func (s DelegationState) Clone() DelegationState {
	out := s
	out.Constraints = append([]string(nil), s.Constraints...)
	out.Evidence = append([]Evidence(nil), s.Evidence...)
	return out
}
