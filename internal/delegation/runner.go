package delegation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ShayCichocki/loom/internal/artifact"
	"github.com/ShayCichocki/loom/internal/capability"
	"github.com/ShayCichocki/loom/internal/channel"
	"github.com/ShayCichocki/loom/internal/executor"
	"github.com/ShayCichocki/loom/internal/loop"
	"github.com/ShayCichocki/loom/internal/policy"
	"github.com/ShayCichocki/loom/pkg/models"
)

// PlannerFactory returns the planner a child loop uses for an assignment.
type PlannerFactory func(a Assignment) (loop.PlanSynthesizer, error)

// LoopRunner runs each assignment in its own executor and control loop.
// Children share the parent's capabilities and artifact store but nothing
// else.
//
// With a Gate set, each child gets its own Coordinator on Channel, so
// delegate nodes in a child's plan are delegated by the child and
// escalate to the child's parent.
type LoopRunner struct {
	Caps     *capability.Registry
	Policy   *policy.Config
	Store    artifact.Store
	Recorder loop.Recorder
	// PlanFor supplies a planner when the assignment carries no plan file.
	PlanFor PlannerFactory

	Gate        QualityGate
	Channel     *channel.Channel
	Delegations Store
	// Sink also receives the child coordinators' delegation_update events.
	Sink Sink
}

// Run implements Runner. The child's output is its sink nodes' results
// joined by newlines.
func (r *LoopRunner) Run(ctx context.Context, a Assignment) (Report, error) {
	planner, err := r.planner(a)
	if err != nil {
		return Report{}, err
	}

	p := r.Policy
	if p == nil {
		p = policy.Default()
	}

	var l *loop.Loop
	caps := r.Caps
	if r.Gate != nil {
		sub := r.coordinator(a, p, SinkFunc(func(ev models.ObservationEvent) { l.Post(ev) }))
		defer sub.Wait()
		caps = r.Caps.Clone()
		handler := NewNodeHandler(sub)
		caps.Register(models.CapabilityDelegate, handler)
		caps.Register(models.CapabilityReconcile, handler)
	}

	opts := []executor.Option{executor.WithName(a.ChildID)}
	if r.Store != nil {
		opts = append(opts, executor.WithArtifactStore(r.Store))
	}
	exec := executor.New(caps, p.Executor, opts...)

	loopOpts := []loop.Option{loop.WithID(fmt.Sprintf("%s-r%d", a.ChildID, a.Round))}
	if r.Recorder != nil {
		loopOpts = append(loopOpts, loop.WithRecorder(r.Recorder))
	}
	l = loop.New(a.Objective, exec, planner, p.Loop, loopOpts...)

	outcome, err := l.Run(ctx)
	h := l.Handle()
	if h != nil {
		defer exec.Release(h)
	}
	if err != nil {
		return Report{}, err
	}
	if outcome.State != loop.StateCompleted || h == nil {
		return Report{}, fmt.Errorf("child loop ended %s", outcome.State)
	}

	outputs, err := h.Outputs(ctx)
	if err != nil {
		return Report{}, err
	}
	parts := make([]string, 0, len(outputs))
	for _, o := range outputs {
		parts = append(parts, strings.TrimRight(string(o.Data), "\n"))
	}
	return Report{Output: strings.Join(parts, "\n"), Evidence: h.Evidence()}, nil
}

// coordinator builds the child's own coordinator. Its events go to the
// child loop and to r.Sink.
func (r *LoopRunner) coordinator(a Assignment, p *policy.Config, toLoop Sink) *Coordinator {
	opts := []Option{WithSink(Sinks{toLoop, r.Sink})}
	if a.ParentID != "" {
		opts = append(opts, WithSupervisor(a.ParentID))
	}
	if r.Delegations != nil {
		opts = append(opts, WithStore(r.Delegations))
	}
	return NewCoordinator(a.ChildID, r, r.Gate, r.Channel, p.Delegation, opts...)
}

func (r *LoopRunner) planner(a Assignment) (loop.PlanSynthesizer, error) {
	if a.Plan == "" {
		if r.PlanFor == nil {
			return nil, loop.ErrNoPlanner
		}
		return r.PlanFor(a)
	}
	desc, err := models.LoadDagDescription(a.Plan)
	if err != nil {
		return nil, err
	}
	if desc.Variables == nil {
		desc.Variables = make(map[string]string)
	}
	for k, v := range AssignmentVariables(a) {
		if _, set := desc.Variables[k]; !set {
			desc.Variables[k] = v
		}
	}
	return loop.NewStaticPlanner(desc), nil
}

// AssignmentVariables exposes an assignment to plan placeholders.
func AssignmentVariables(a Assignment) map[string]string {
	return map[string]string{
		"objective":       a.Objective,
		"constraints":     strings.Join(a.Constraints, "; "),
		"context":         a.Context,
		"feedback":        a.Feedback,
		"previous_output": a.PreviousOutput,
		"round":           strconv.Itoa(a.Round),
	}
}

// IsPlanningFailure reports whether a child failed because its loop could
// not produce a workable plan.
func IsPlanningFailure(err error) bool {
	var pf *loop.PlanningFailure
	return errors.As(err, &pf)
}
