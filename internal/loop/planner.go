package loop

import (
	"context"
	"sync"

	"github.com/ShayCichocki/loom/pkg/models"
)

// PlanSynthesizer produces a DAG for a goal from the loop's current view.
// It is called for the initial plan and for every replan.
type PlanSynthesizer interface {
	SynthesizePlan(ctx context.Context, state OrientedState, goal string) (*models.DagDescription, error)
}

// PlannerFunc adapts a function to PlanSynthesizer.
type PlannerFunc func(ctx context.Context, state OrientedState, goal string) (*models.DagDescription, error)

// SynthesizePlan calls f.
func (f PlannerFunc) SynthesizePlan(ctx context.Context, state OrientedState, goal string) (*models.DagDescription, error) {
	return f(ctx, state, goal)
}

// StaticPlanner hands out a fixed plan once. Any later request, which means
// the plan did not reach the goal, fails with ErrNoAlternativePlan.
type StaticPlanner struct {
	mu   sync.Mutex
	desc *models.DagDescription
	used bool
}

// NewStaticPlanner creates a planner for desc.
func NewStaticPlanner(desc *models.DagDescription) *StaticPlanner {
	return &StaticPlanner{desc: desc}
}

// SynthesizePlan returns a copy of the plan on the first call.
func (p *StaticPlanner) SynthesizePlan(ctx context.Context, state OrientedState, goal string) (*models.DagDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.used || p.desc == nil {
		return nil, ErrNoAlternativePlan
	}
	p.used = true
	d := p.desc.Clone()
	if d.Goal == "" {
		d.Goal = goal
	}
	return d, nil
}
