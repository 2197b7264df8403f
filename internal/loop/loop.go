// Package loop drives a DAG executor with an observe/orient/decide/act cycle.
//
// Each Tick drains pending events (Observe), folds them into an
// OrientedState (Orient), picks one of CONTINUE, REPLAN, COMPLETE or PARK
// (Decide), and carries it out (Act). A tick never waits on a node: node
// completions arrive as events posted by the executor. The loop only
// suspends while parked, waiting up to PollTimeout for the next event.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/loom/internal/executor"
	"github.com/ShayCichocki/loom/internal/logging"
	"github.com/ShayCichocki/loom/internal/policy"
	"github.com/ShayCichocki/loom/pkg/models"
)

// State is the lifecycle state of a loop.
type State string

const (
	// StateIdle indicates the loop has not ticked yet.
	StateIdle State = "idle"
	// StateRunning indicates the loop is ticking.
	StateRunning State = "running"
	// StateCompleted indicates the goal was reached.
	StateCompleted State = "completed"
	// StateTerminated indicates the loop stopped on an error or on request.
	StateTerminated State = "terminated"
)

// IsTerminal reports whether the loop will tick no more.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateTerminated
}

// Decision is the outcome of the Decide phase.
type Decision string

const (
	// DecisionContinue dispatches ready nodes.
	DecisionContinue Decision = "continue"
	// DecisionReplan asks the planner for a new DAG.
	DecisionReplan Decision = "replan"
	// DecisionComplete finishes the loop.
	DecisionComplete Decision = "complete"
	// DecisionPark waits for more events.
	DecisionPark Decision = "park"
	// DecisionNone is returned by ticks on a finished loop.
	DecisionNone Decision = ""
)

// OrientedState is the loop's synthesis of one tick. It is handed to the
// planner and is not kept beyond the tick.
type OrientedState struct {
	// Goal is the loop's objective.
	Goal string
	// Events are the events observed this tick.
	Events []models.ObservationEvent
	// History is the recent, time-ordered event history.
	History []models.ObservationEvent
	// HasPlan is false before the first plan is admitted.
	HasPlan bool
	// Snapshot is the current DAG's state when HasPlan is true.
	Snapshot models.ExecutionSnapshot
	// Failed lists nodes of the current DAG that failed.
	Failed []string
	// Blocked is set when the current plan cannot proceed.
	Blocked bool
	// Reason explains Blocked.
	Reason string
}

// GoalCheck decides whether a fully resolved DAG satisfied the goal.
type GoalCheck func(snap models.ExecutionSnapshot) bool

// Recorder persists snapshots and outcomes for monitoring.
type Recorder interface {
	RecordSnapshot(ctx context.Context, runID string, snap models.ExecutionSnapshot) error
	FinishRun(ctx context.Context, runID string, state string, errMsg string) error
}

// Outcome is a loop's result.
type Outcome struct {
	State    State
	Err      error
	Snapshot models.ExecutionSnapshot
	Replans  int
	Ticks    int
}

// Loop owns one executor and the DAG currently running on it.
type Loop struct {
	id        string
	goal      string
	exec      *executor.Executor
	planner   PlanSynthesizer
	policy    policy.LoopPolicy
	goalCheck GoalCheck
	recorder  Recorder
	emitter   *EventEmitter
	pause     *PauseController
	queue     *eventQueue
	sleep     func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	state    State
	handle   *executor.Handle
	last     Decision
	replans  int
	ticks    int
	err      error
	snapshot models.ExecutionSnapshot
	done     chan struct{}
}

// Option customizes a Loop during construction.
type Option func(*Loop)

// WithGoalCheck replaces the default goal check, which requires every node
// to have succeeded.
func WithGoalCheck(fn GoalCheck) Option {
	return func(l *Loop) { l.goalCheck = fn }
}

// WithRecorder records a snapshot after every tick that changed something.
func WithRecorder(r Recorder) Option {
	return func(l *Loop) { l.recorder = r }
}

// WithEmitter sets where lifecycle events are emitted.
func WithEmitter(e *EventEmitter) Option {
	return func(l *Loop) { l.emitter = e }
}

// WithPauseController shares a pause controller with the caller.
func WithPauseController(p *PauseController) Option {
	return func(l *Loop) { l.pause = p }
}

// WithID overrides the generated loop ID.
func WithID(id string) Option {
	return func(l *Loop) { l.id = id }
}

// New creates a loop for goal. The loop installs itself as exec's event sink.
func New(goal string, exec *executor.Executor, planner PlanSynthesizer, p policy.LoopPolicy, opts ...Option) *Loop {
	if p.MaxDrain < 1 {
		p.MaxDrain = 1
	}
	l := &Loop{
		id:        "loop-" + uuid.New().String()[:8],
		goal:      goal,
		exec:      exec,
		planner:   planner,
		policy:    p,
		goalCheck: models.ExecutionSnapshot.AllSucceeded,
		pause:     NewPauseController(),
		queue:     newEventQueue(),
		sleep:     sleepCtx,
		state:     StateIdle,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	exec.SetSink(l)
	return l
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ID returns the loop's identifier.
func (l *Loop) ID() string {
	return l.id
}

// Goal returns the loop's objective.
func (l *Loop) Goal() string {
	return l.goal
}

// Post queues an event for the next Observe. It never blocks.
func (l *Loop) Post(ev models.ObservationEvent) {
	l.queue.push(ev)
}

// Handle returns the DAG currently owned by the loop, or nil before the
// first plan.
func (l *Loop) Handle() *executor.Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handle
}

// State returns the loop's lifecycle state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Pause holds the loop before its next tick.
func (l *Loop) Pause() { l.pause.Pause() }

// Resume releases a paused loop.
func (l *Loop) Resume() { l.pause.Resume() }

// Stop terminates the loop. Open nodes are cancelled; in-flight calls
// finish with their results discarded.
func (l *Loop) Stop() {
	l.terminate(context.Background(), ErrStopped)
	l.pause.Stop()
	l.queue.wake()
}

// Done is closed when the loop reaches a terminal state.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Outcome returns the loop's current or final result.
func (l *Loop) Outcome() Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Outcome{
		State:    l.state,
		Err:      l.err,
		Snapshot: l.snapshot,
		Replans:  l.replans,
		Ticks:    l.ticks,
	}
}

// Run ticks until the loop completes, terminates, or ctx ends.
func (l *Loop) Run(ctx context.Context) (Outcome, error) {
	for {
		if _, err := l.Tick(ctx); err != nil {
			l.terminate(context.Background(), err)
			out := l.Outcome()
			return out, out.Err
		}
		if l.State().IsTerminal() {
			out := l.Outcome()
			return out, out.Err
		}
		if ctx.Err() != nil {
			l.terminate(context.Background(), ctx.Err())
			out := l.Outcome()
			return out, out.Err
		}
	}
}

// Tick runs one observe/orient/decide/act cycle. It returns an error only
// when the tick itself could not run; a loop that terminates during the
// tick reports that through Outcome.
func (l *Loop) Tick(ctx context.Context) (Decision, error) {
	if err := l.pause.WaitIfPaused(ctx); err != nil {
		if errors.Is(err, ErrStopped) {
			return DecisionNone, nil
		}
		return DecisionNone, err
	}

	l.mu.Lock()
	if l.state.IsTerminal() {
		l.mu.Unlock()
		return DecisionNone, nil
	}
	l.state = StateRunning
	l.ticks++
	wait := time.Duration(0)
	if l.last == DecisionPark {
		wait = l.policy.PollTimeout
	}
	l.mu.Unlock()

	events := l.observe(ctx, wait)
	if l.State().IsTerminal() {
		return DecisionNone, nil
	}
	oriented := l.orient(events)
	decision := l.decide(oriented)

	if oriented.Blocked {
		l.emit(LoopEvent{Type: EventBlocked, DagID: oriented.Snapshot.DagID, Message: oriented.Reason})
	}
	if decision != DecisionPark {
		logging.Debugf("[loop] %s tick %d: %s (events=%d blocked=%v)", l.id, l.ticks, decision, len(events), oriented.Blocked)
		l.emit(LoopEvent{Type: EventDecision, DagID: oriented.Snapshot.DagID, Decision: decision, Message: oriented.Reason})
	}

	if err := l.act(ctx, decision, oriented); err != nil {
		return decision, err
	}

	l.mu.Lock()
	l.last = decision
	l.mu.Unlock()

	if len(events) > 0 || decision != DecisionPark {
		l.record(ctx)
	}
	return decision, nil
}

// observe drains up to MaxDrain events and appends them to history.
func (l *Loop) observe(ctx context.Context, wait time.Duration) []models.ObservationEvent {
	events := l.queue.drain(ctx, l.policy.MaxDrain, wait)
	if len(events) > 0 {
		l.exec.Buffer().Append(events...)
	}
	return events
}

// orient folds this tick's events into an OrientedState. Events from DAGs
// the loop no longer owns stay in history but do not block.
func (l *Loop) orient(events []models.ObservationEvent) OrientedState {
	l.mu.Lock()
	h := l.handle
	l.mu.Unlock()

	for _, ev := range events {
		if ev.Kind == models.EventResourcePressure {
			l.exec.ReportPressure(ev.Level)
		}
	}

	st := OrientedState{
		Goal:    l.goal,
		Events:  events,
		History: l.exec.Buffer().Recent(),
		HasPlan: h != nil,
	}
	if h != nil {
		st.Snapshot = h.Status()
		for _, ns := range st.Snapshot.Nodes {
			if ns.State == models.NodeStateFailed {
				st.Failed = append(st.Failed, ns.ID)
			}
		}
	}

	for _, ev := range events {
		if !ev.Blocking() {
			continue
		}
		if ev.DagID != "" && (h == nil || ev.DagID != h.ID) {
			logging.Debugf("[loop] %s ignoring %s from superseded %s", l.id, ev.Kind, ev.DagID)
			continue
		}
		if !st.Blocked {
			st.Blocked = true
			st.Reason = fmt.Sprintf("%s from %s: %s", ev.Kind, ev.Source, ev.Message)
		}
	}
	return st
}

func (l *Loop) decide(st OrientedState) Decision {
	switch {
	case !st.HasPlan:
		return DecisionReplan
	case st.Blocked:
		return DecisionReplan
	case st.Snapshot.Count(models.NodeStateReady) > 0 && st.Snapshot.FreeSlots > 0:
		return DecisionContinue
	case st.Snapshot.AllResolved():
		if l.goalCheck(st.Snapshot) {
			return DecisionComplete
		}
		return DecisionReplan
	default:
		return DecisionPark
	}
}

func (l *Loop) act(ctx context.Context, decision Decision, st OrientedState) error {
	switch decision {
	case DecisionContinue:
		h := l.Handle()
		if _, err := h.RunReadyNodes(ctx); err != nil && !errors.Is(err, executor.ErrHandleClosed) {
			return fmt.Errorf("run ready nodes: %w", err)
		}
	case DecisionReplan:
		l.replan(ctx, st)
	case DecisionComplete:
		l.mu.Lock()
		if !l.state.IsTerminal() {
			l.state = StateCompleted
			l.snapshot = st.Snapshot
			close(l.done)
		}
		l.mu.Unlock()
		log.Printf("[loop] %s completed goal %q after %d ticks", l.id, l.goal, l.ticks)
		l.emit(LoopEvent{Type: EventCompleted, DagID: st.Snapshot.DagID})
		l.finish(ctx, StateCompleted, nil)
	case DecisionPark:
	}
	return nil
}

// replan asks the planner for a new DAG, retrying once, and hands
// ownership to it. The superseded DAG's open nodes are cancelled.
func (l *Loop) replan(ctx context.Context, st OrientedState) {
	if l.planner == nil {
		l.terminate(ctx, &PlanningFailure{Err: ErrNoPlanner})
		return
	}

	l.mu.Lock()
	if st.HasPlan {
		if l.replans >= l.policy.MaxReplans {
			l.mu.Unlock()
			l.terminate(ctx, &PlanningFailure{Attempts: 0, Err: fmt.Errorf("%w (%d)", ErrReplanLimit, l.policy.MaxReplans)})
			return
		}
		l.replans++
	}
	l.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		if attempt == 2 {
			l.emit(LoopEvent{Type: EventPlanRetry, Message: lastErr.Error(), Error: lastErr})
			if err := l.sleep(ctx, l.policy.PlanRetryBackoff); err != nil {
				l.terminate(ctx, err)
				return
			}
		}

		desc, err := l.planner.SynthesizePlan(ctx, st, l.goal)
		if err != nil {
			lastErr = err
			logging.Debugf("[loop] %s planner attempt %d failed: %v", l.id, attempt, err)
			continue
		}
		if desc == nil {
			lastErr = errors.New("planner returned no plan")
			continue
		}
		if desc.Goal == "" {
			desc.Goal = l.goal
		}
		h, err := l.exec.Admit(desc)
		if err != nil {
			lastErr = fmt.Errorf("admit plan: %w", err)
			logging.Debugf("[loop] %s plan attempt %d rejected: %v", l.id, attempt, err)
			continue
		}

		l.mu.Lock()
		if l.state.IsTerminal() {
			l.mu.Unlock()
			l.exec.Release(h)
			return
		}
		old := l.handle
		l.handle = h
		l.mu.Unlock()

		if old != nil {
			l.supersede(old)
		}
		logging.Debugf("[loop] %s admitted %s (%d nodes)", l.id, h.ID, len(desc.Nodes))
		l.emit(LoopEvent{Type: EventPlanAdmitted, DagID: h.ID, Message: fmt.Sprintf("%d nodes", len(desc.Nodes))})
		return
	}

	l.terminate(ctx, &PlanningFailure{Attempts: 2, Err: lastErr})
}

// supersede cancels the still-open nodes of a replaced DAG and releases it.
func (l *Loop) supersede(old *executor.Handle) {
	for _, id := range old.Status().Open() {
		if err := old.CancelBranch(id); err != nil {
			log.Printf("[loop] warning: cancel %s/%s: %v", old.ID, id, err)
		}
	}
	l.exec.Release(old)
}

// terminate moves the loop to TERMINATED with err and cancels open work.
func (l *Loop) terminate(ctx context.Context, err error) {
	l.mu.Lock()
	if l.state.IsTerminal() {
		l.mu.Unlock()
		return
	}
	l.state = StateTerminated
	l.err = err
	h := l.handle
	l.mu.Unlock()

	if h != nil {
		for _, id := range h.Status().Open() {
			_ = h.CancelBranch(id)
		}
		l.mu.Lock()
		l.snapshot = h.Status()
		l.mu.Unlock()
	}
	close(l.done)

	log.Printf("[loop] %s terminated: %v", l.id, err)
	l.emit(LoopEvent{Type: EventTerminated, Error: err, Message: err.Error()})
	l.finish(ctx, StateTerminated, err)
}

func (l *Loop) record(ctx context.Context) {
	h := l.Handle()
	if h == nil {
		return
	}
	snap := h.Status()
	l.exec.Buffer().SetSnapshot(snap)
	l.mu.Lock()
	if !l.state.IsTerminal() {
		l.snapshot = snap
	}
	l.mu.Unlock()

	if l.recorder == nil {
		return
	}
	if err := l.recorder.RecordSnapshot(ctx, l.id, snap); err != nil {
		log.Printf("[loop] warning: record snapshot: %v", err)
	}
}

func (l *Loop) finish(ctx context.Context, state State, err error) {
	if l.recorder == nil {
		return
	}
	l.record(context.WithoutCancel(ctx))
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	if rerr := l.recorder.FinishRun(context.WithoutCancel(ctx), l.id, string(state), msg); rerr != nil {
		log.Printf("[loop] warning: record outcome: %v", rerr)
	}
}

func (l *Loop) emit(ev LoopEvent) {
	if l.emitter == nil {
		return
	}
	ev.LoopID = l.id
	ev.Timestamp = time.Now()
	l.emitter.Emit(ev)
}
