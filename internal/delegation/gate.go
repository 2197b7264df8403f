package delegation

import (
	"context"
	"fmt"
	"strings"
)

// ScoreCard is a quality gate's verdict on one output.
type ScoreCard struct {
	// Score is in [0, 1].
	Score float64
	// Passed reports whether Score met the gate's threshold.
	Passed bool
	// Feedback tells the child what to change.
	Feedback string
}

// QualityGate scores a child's output against the delegation's criteria.
type QualityGate interface {
	Score(ctx context.Context, output string, criteria []string) (ScoreCard, error)
}

// GateFunc adapts a function to QualityGate.
type GateFunc func(ctx context.Context, output string, criteria []string) (ScoreCard, error)

// Score calls f.
func (f GateFunc) Score(ctx context.Context, output string, criteria []string) (ScoreCard, error) {
	return f(ctx, output, criteria)
}

// CriteriaGate scores an output by the fraction of criteria it mentions,
// case-insensitively. An output with no criteria passes when non-empty.
type CriteriaGate struct {
	Threshold float64
}

// Score implements QualityGate.
func (g CriteriaGate) Score(ctx context.Context, output string, criteria []string) (ScoreCard, error) {
	if strings.TrimSpace(output) == "" {
		return ScoreCard{Score: 0, Feedback: "output is empty"}, nil
	}
	if len(criteria) == 0 {
		return ScoreCard{Score: 1, Passed: true}, nil
	}

	lower := strings.ToLower(output)
	var missing []string
	for _, c := range criteria {
		if !strings.Contains(lower, strings.ToLower(c)) {
			missing = append(missing, c)
		}
	}
	score := float64(len(criteria)-len(missing)) / float64(len(criteria))
	card := ScoreCard{Score: score, Passed: score >= g.Threshold}
	if len(missing) > 0 {
		card.Feedback = fmt.Sprintf("address: %s", strings.Join(missing, "; "))
	}
	return card, nil
}
