package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/loom/internal/capability"
	"github.com/ShayCichocki/loom/internal/executor"
	"github.com/ShayCichocki/loom/internal/policy"
	"github.com/ShayCichocki/loom/pkg/models"
)

// shell fails nodes whose command is "fail" and holds nodes whose command
// is "hold" until ctx ends or release is closed.
type shell struct {
	release chan struct{}
}

func (s *shell) Execute(ctx context.Context, call capability.Call) (capability.Result, error) {
	cmd := call.Capability.(capability.Shell).Command
	switch cmd {
	case "fail":
		return capability.Result{}, fmt.Errorf("%s failed", call.NodeID)
	case "hold":
		select {
		case <-s.release:
		case <-ctx.Done():
			return capability.Result{}, ctx.Err()
		}
	}
	return capability.Result{Output: []byte(call.NodeID)}, nil
}

func node(id, command string, deps ...string) models.Node {
	return models.Node{
		ID:         id,
		DependsOn:  deps,
		Capability: models.CapabilityRef{Kind: models.CapabilityShell, Args: map[string]string{"command": command}},
	}
}

func plan(nodes ...models.Node) *models.DagDescription {
	return &models.DagDescription{Goal: "test goal", Nodes: nodes}
}

// scriptedPlanner returns its responses in order, repeating the last one.
type scriptedPlanner struct {
	mu        sync.Mutex
	responses []func() (*models.DagDescription, error)
	calls     int
	states    []OrientedState
}

func (p *scriptedPlanner) SynthesizePlan(ctx context.Context, st OrientedState, goal string) (*models.DagDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.calls
	if i >= len(p.responses) {
		i = len(p.responses) - 1
	}
	p.calls++
	p.states = append(p.states, st)
	return p.responses[i]()
}

func (p *scriptedPlanner) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func returns(d *models.DagDescription) func() (*models.DagDescription, error) {
	return func() (*models.DagDescription, error) { return d.Clone(), nil }
}

func fails(msg string) func() (*models.DagDescription, error) {
	return func() (*models.DagDescription, error) { return nil, errors.New(msg) }
}

type memRecorder struct {
	mu        sync.Mutex
	snapshots int
	state     string
	errMsg    string
}

func (r *memRecorder) RecordSnapshot(ctx context.Context, runID string, snap models.ExecutionSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots++
	return nil
}

func (r *memRecorder) FinishRun(ctx context.Context, runID, state, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state, r.errMsg = state, errMsg
	return nil
}

func testPolicy() policy.LoopPolicy {
	p := policy.Default().Loop
	p.PollTimeout = 10 * time.Millisecond
	p.PlanRetryBackoff = time.Millisecond
	return p
}

type harness struct {
	loop  *Loop
	exec  *executor.Executor
	shell *shell
}

func newHarness(t *testing.T, planner PlanSynthesizer, lp policy.LoopPolicy, opts ...Option) *harness {
	t.Helper()
	sh := &shell{release: make(chan struct{})}
	reg := capability.NewLocalRegistry()
	reg.Register(models.CapabilityShell, sh)
	ep := policy.Default().Executor
	ep.NodeTimeout = 5 * time.Second
	exec := executor.New(reg, ep, executor.WithThrottle(executor.StepThrottle{Floor: 1}))
	t.Cleanup(func() {
		select {
		case <-sh.release:
		default:
			close(sh.release)
		}
		exec.Wait()
	})
	return &harness{loop: New("test goal", exec, planner, lp, opts...), exec: exec, shell: sh}
}

func run(t *testing.T, l *Loop) (Outcome, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return l.Run(ctx)
}

func TestLoop_CompletesPlan(t *testing.T) {
	rec := &memRecorder{}
	p := NewStaticPlanner(plan(node("a", "ok"), node("b", "ok"), node("c", "ok", "a", "b")))
	h := newHarness(t, p, testPolicy(), WithRecorder(rec))

	out, err := run(t, h.loop)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, out.State)
	assert.True(t, out.Snapshot.AllSucceeded())
	assert.Equal(t, 0, out.Replans)

	select {
	case <-h.loop.Done():
	default:
		t.Errorf("Done() not closed after completion")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Greater(t, rec.snapshots, 0)
	assert.Equal(t, "completed", rec.state)
}

func TestLoop_PlannerRetriedOnce(t *testing.T) {
	p := &scriptedPlanner{responses: []func() (*models.DagDescription, error){
		fails("flaky"),
		returns(plan(node("a", "ok"))),
	}}
	h := newHarness(t, p, testPolicy())

	out, err := run(t, h.loop)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, out.State)
	assert.Equal(t, 2, p.count())
}

func TestLoop_PlanningFailure(t *testing.T) {
	p := &scriptedPlanner{responses: []func() (*models.DagDescription, error){fails("no idea")}}
	h := newHarness(t, p, testPolicy())

	out, err := run(t, h.loop)
	var pf *PlanningFailure
	require.ErrorAs(t, err, &pf)
	assert.Equal(t, 2, pf.Attempts)
	assert.Equal(t, StateTerminated, out.State)
	assert.Equal(t, 2, p.count(), "one attempt plus exactly one retry")
}

func TestLoop_MalformedPlanCountsAsAttempt(t *testing.T) {
	p := &scriptedPlanner{responses: []func() (*models.DagDescription, error){
		returns(plan(node("a", "ok", "b"), node("b", "ok", "a"))),
		returns(plan(node("a", "ok"))),
	}}
	h := newHarness(t, p, testPolicy())

	out, err := run(t, h.loop)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, out.State)
	assert.Equal(t, 2, p.count())
}

func TestLoop_NodeFailureReplans(t *testing.T) {
	first := plan(node("a", "ok"), node("b", "fail"), node("c", "ok", "a", "b"))
	second := plan(node("a2", "ok"))
	p := &scriptedPlanner{responses: []func() (*models.DagDescription, error){returns(first), returns(second)}}
	h := newHarness(t, p, testPolicy())

	out, err := run(t, h.loop)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, out.State)
	assert.Equal(t, 1, out.Replans)

	p.mu.Lock()
	defer p.mu.Unlock()
	require.Len(t, p.states, 2)
	replanState := p.states[1]
	assert.True(t, replanState.HasPlan)
	assert.Equal(t, []string{"b"}, replanState.Failed)
	state, _ := replanState.Snapshot.State("c")
	assert.Equal(t, models.NodeStateSkipped, state)
}

func TestLoop_ReplanLimit(t *testing.T) {
	lp := testPolicy()
	lp.MaxReplans = 1
	p := &scriptedPlanner{responses: []func() (*models.DagDescription, error){returns(plan(node("a", "fail")))}}
	h := newHarness(t, p, lp)

	out, err := run(t, h.loop)
	assert.ErrorIs(t, err, ErrReplanLimit)
	var pf *PlanningFailure
	assert.ErrorAs(t, err, &pf)
	assert.Equal(t, StateTerminated, out.State)
	assert.Equal(t, 1, out.Replans)
	assert.Equal(t, 2, p.count())
}

func TestLoop_StaticPlannerCannotReplan(t *testing.T) {
	h := newHarness(t, NewStaticPlanner(plan(node("a", "fail"))), testPolicy())

	out, err := run(t, h.loop)
	assert.ErrorIs(t, err, ErrNoAlternativePlan)
	assert.Equal(t, StateTerminated, out.State)
	state, _ := out.Snapshot.State("a")
	assert.Equal(t, models.NodeStateFailed, state, "failed node stays visible")
}

func TestLoop_TickPhases(t *testing.T) {
	first := plan(node("slow", "hold"), node("after", "ok", "slow"))
	second := plan(node("other", "ok"))
	p := &scriptedPlanner{responses: []func() (*models.DagDescription, error){returns(first), returns(second)}}
	h := newHarness(t, p, testPolicy())
	ctx := context.Background()

	d, err := h.loop.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, DecisionReplan, d, "first tick plans")
	old := h.loop.Handle()
	require.NotNil(t, old)

	d, err = h.loop.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, DecisionContinue, d)
	st, _ := old.Status().State("slow")
	assert.Equal(t, models.NodeStateRunning, st)

	d, err = h.loop.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, DecisionPark, d, "everything in flight")

	// An event from a DAG the loop does not own is ignored.
	stale := models.NewObservationEvent(models.EventCapabilityUnavailable, "elsewhere", "gone")
	stale.DagID = "dag-stale"
	h.loop.Post(stale)
	d, err = h.loop.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, DecisionPark, d)

	fatal := models.NewObservationEvent(models.EventExternalError, "monitor", "upstream API revoked")
	fatal.Fatal = true
	fatal.DagID = old.ID
	h.loop.Post(fatal)
	d, err = h.loop.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, DecisionReplan, d)

	current := h.loop.Handle()
	require.NotNil(t, current)
	assert.NotEqual(t, old.ID, current.ID)

	snap := old.Status()
	st, _ = snap.State("slow")
	assert.Equal(t, models.NodeStateCancelled, st)
	st, _ = snap.State("after")
	assert.Equal(t, models.NodeStateSkipped, st)
	_, err = old.RunReadyNodes(ctx)
	assert.ErrorIs(t, err, executor.ErrHandleClosed)

	out, err := run(t, h.loop)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, out.State)
}

func TestLoop_ResourcePressure(t *testing.T) {
	var nodes []models.Node
	for i := 0; i < 4; i++ {
		nodes = append(nodes, node(fmt.Sprintf("n%d", i), "hold"))
	}
	h := newHarness(t, NewStaticPlanner(plan(nodes...)), testPolicy())
	ctx := context.Background()

	_, err := h.loop.Tick(ctx)
	require.NoError(t, err)
	h.loop.Post(models.PressureEvent("host", 1))
	d, err := h.loop.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, DecisionContinue, d)
	assert.Equal(t, 2, h.exec.Running(), "step throttle halves the limit at pressure 1")

	h.loop.Post(models.PressureEvent("host", 0))
	d, err = h.loop.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, DecisionContinue, d)
	assert.Equal(t, 4, h.exec.Running())
}

func TestLoop_Stop(t *testing.T) {
	h := newHarness(t, NewStaticPlanner(plan(node("slow", "hold"))), testPolicy())

	errCh := make(chan error, 1)
	go func() {
		_, err := run(t, h.loop)
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		hd := h.loop.Handle()
		if hd == nil {
			return false
		}
		st, _ := hd.Status().State("slow")
		return st == models.NodeStateRunning
	}, 5*time.Second, 5*time.Millisecond)

	h.loop.Stop()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}

	out := h.loop.Outcome()
	assert.Equal(t, StateTerminated, out.State)
	st, _ := out.Snapshot.State("slow")
	assert.Equal(t, models.NodeStateCancelled, st)
}

func TestLoop_PauseHoldsTick(t *testing.T) {
	h := newHarness(t, NewStaticPlanner(plan(node("a", "ok"))), testPolicy())
	h.loop.Pause()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.loop.Tick(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, h.loop.Handle(), "paused loop must not plan")

	h.loop.Resume()
	out, err := run(t, h.loop)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, out.State)
}

func TestLoop_CustomGoalCheck(t *testing.T) {
	// Accept a partial result: the goal only needs "a".
	check := func(snap models.ExecutionSnapshot) bool {
		st, _ := snap.State("a")
		return st == models.NodeStateSucceeded
	}
	h := newHarness(t, NewStaticPlanner(plan(node("a", "ok"), node("b", "fail"))), testPolicy(), WithGoalCheck(check))

	out, err := run(t, h.loop)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, out.State)
}

func TestLoop_Emitter(t *testing.T) {
	em := NewEventEmitter(64)
	h := newHarness(t, NewStaticPlanner(plan(node("a", "ok"))), testPolicy(), WithEmitter(em), WithID("loop-test"))

	_, err := run(t, h.loop)
	require.NoError(t, err)

	var types []LoopEventType
	for len(em.Events()) > 0 {
		ev := <-em.Events()
		assert.Equal(t, "loop-test", ev.LoopID)
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, EventPlanAdmitted)
	assert.Contains(t, types, EventCompleted)
}

func TestEventQueue_Drain(t *testing.T) {
	q := newEventQueue()
	for i := 0; i < 5; i++ {
		q.push(models.NewObservationEvent(models.EventUserMessage, "user", fmt.Sprint(i)))
	}

	got := q.drain(context.Background(), 3, 0)
	require.Len(t, got, 3)
	assert.Equal(t, "0", got[0].Message)
	assert.Equal(t, 2, q.len())

	got = q.drain(context.Background(), 10, 0)
	assert.Len(t, got, 2)

	start := time.Now()
	got = q.drain(context.Background(), 10, 20*time.Millisecond)
	assert.Empty(t, got)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	go func() {
		time.Sleep(5 * time.Millisecond)
		q.push(models.NewObservationEvent(models.EventUserMessage, "user", "late"))
	}()
	got = q.drain(context.Background(), 10, time.Second)
	require.Len(t, got, 1)
	assert.Equal(t, "late", got[0].Message)
}

func TestEventEmitter_Drops(t *testing.T) {
	em := NewEventEmitter(1)
	em.Emit(LoopEvent{Type: EventDecision})
	em.Emit(LoopEvent{Type: EventDecision})
	assert.Equal(t, uint64(1), em.DroppedCount())
}

func TestStaticPlanner(t *testing.T) {
	desc := &models.DagDescription{Nodes: []models.Node{node("a", "ok")}}
	p := NewStaticPlanner(desc)

	got, err := p.SynthesizePlan(context.Background(), OrientedState{}, "fallback goal")
	require.NoError(t, err)
	assert.Equal(t, "fallback goal", got.Goal)
	assert.Empty(t, desc.Goal, "planner hands out copies")

	_, err = p.SynthesizePlan(context.Background(), OrientedState{}, "fallback goal")
	assert.ErrorIs(t, err, ErrNoAlternativePlan)
}
