package delegation

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ShayCichocki/loom/pkg/models"
)

// ResolutionKind is how two sibling outputs were reconciled.
type ResolutionKind string

const (
	// ResolvePreferA keeps the first output; its sources clearly outrank.
	ResolvePreferA ResolutionKind = "prefer_a"
	// ResolvePreferB keeps the second output.
	ResolvePreferB ResolutionKind = "prefer_b"
	// ResolveMerge combines both outputs; they share evidence.
	ResolveMerge ResolutionKind = "merge"
	// ResolveEscalate hands the decision to the supervisor.
	ResolveEscalate ResolutionKind = "escalate"
)

// Resolution is the outcome of ResolveConflict.
type Resolution struct {
	Kind ResolutionKind
	// Output is the reconciled output. Empty on escalation.
	Output string
	// Evidence backs Output.
	Evidence []models.Evidence
	// Shared lists evidence refs both siblings cite.
	Shared []string
	// QualityA and QualityB are the mean source quality of each side.
	QualityA float64
	QualityB float64
	Reason   string
}

// ResolveConflict reconciles the accepted outputs of two sibling
// delegations. A side whose mean source quality leads by at least the
// policy's dominance margin wins outright. Otherwise overlapping evidence
// means the outputs are compatible and they are merged. With neither, the
// decision is escalated to the supervisor.
func (c *Coordinator) ResolveConflict(aID, bID string) (Resolution, error) {
	a, err := c.State(aID)
	if err != nil {
		return Resolution{}, err
	}
	b, err := c.State(bID)
	if err != nil {
		return Resolution{}, err
	}
	for _, st := range []models.DelegationState{a, b} {
		if st.Phase != models.PhaseAccepted {
			return Resolution{}, fmt.Errorf("%s is %s: %w", st.ID, st.Phase, ErrNotAccepted)
		}
	}

	res := Resolution{
		QualityA: meanQuality(a.Evidence),
		QualityB: meanQuality(b.Evidence),
		Shared:   sharedRefs(a.Evidence, b.Evidence),
	}
	margin := c.policy.DominanceMargin

	switch {
	case res.QualityA-res.QualityB >= margin && len(a.Evidence) > 0:
		res.Kind = ResolvePreferA
		res.Output = a.Output
		res.Evidence = a.Evidence
		res.Reason = fmt.Sprintf("%s sources outrank %s (%.2f vs %.2f)", a.ID, b.ID, res.QualityA, res.QualityB)
	case res.QualityB-res.QualityA >= margin && len(b.Evidence) > 0:
		res.Kind = ResolvePreferB
		res.Output = b.Output
		res.Evidence = b.Evidence
		res.Reason = fmt.Sprintf("%s sources outrank %s (%.2f vs %.2f)", b.ID, a.ID, res.QualityB, res.QualityA)
	case len(res.Shared) > 0:
		res.Kind = ResolveMerge
		res.Output = strings.TrimRight(a.Output, "\n") + "\n" + strings.TrimRight(b.Output, "\n")
		res.Evidence = mergeEvidence(a.Evidence, b.Evidence)
		res.Reason = fmt.Sprintf("%d shared source(s)", len(res.Shared))
	default:
		res.Kind = ResolveEscalate
		res.Reason = "no shared evidence and no dominant source"
		payload := fmt.Sprintf("conflicting outputs for %q and %q: %s", a.Objective, b.Objective, res.Reason)
		if err := c.escalate(context.Background(), a.ID+","+b.ID, payload, a.ID, b.ID); err != nil {
			res.Reason += " (escalation not delivered)"
		}
	}
	return res, nil
}

func meanQuality(ev []models.Evidence) float64 {
	if len(ev) == 0 {
		return 0
	}
	total := 0
	for _, e := range ev {
		total += e.Quality
	}
	return float64(total) / float64(len(ev))
}

func sharedRefs(a, b []models.Evidence) []string {
	seen := make(map[string]bool, len(a))
	for _, e := range a {
		seen[e.Ref] = true
	}
	var shared []string
	for _, e := range b {
		if seen[e.Ref] {
			shared = append(shared, e.Ref)
			delete(seen, e.Ref)
		}
	}
	sort.Strings(shared)
	return shared
}

// mergeEvidence unions both sides, keeping the higher quality for a ref.
func mergeEvidence(a, b []models.Evidence) []models.Evidence {
	byRef := make(map[string]models.Evidence, len(a)+len(b))
	var order []string
	for _, e := range append(append([]models.Evidence(nil), a...), b...) {
		prev, ok := byRef[e.Ref]
		if !ok {
			order = append(order, e.Ref)
		}
		if !ok || e.Quality > prev.Quality {
			byRef[e.Ref] = e
		}
	}
	out := make([]models.Evidence, 0, len(order))
	for _, ref := range order {
		out = append(out, byRef[ref])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Quality > out[j].Quality })
	return out
}
