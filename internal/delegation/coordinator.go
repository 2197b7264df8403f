// Package delegation hands sub-objectives from a parent to child execution
// units and reviews what comes back.
//
// Each delegation moves through ASSIGNED, IN_PROGRESS, UNDER_REVIEW and
// optionally REVISION_REQUESTED before ending ACCEPTED or REJECTED. Output
// is accepted only after passing the quality gate; the round counter is
// bounded by policy and running out of rounds rejects and escalates.
package delegation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/loom/internal/channel"
	"github.com/ShayCichocki/loom/internal/logging"
	"github.com/ShayCichocki/loom/internal/policy"
	"github.com/ShayCichocki/loom/pkg/models"
)

// Assignment is what a child is asked to do in one round.
type Assignment struct {
	DelegationID string
	// ParentID is the delegating participant.
	ParentID    string
	ChildID     string
	Objective   string
	Constraints []string
	// Context is material the parent passes along, such as upstream outputs.
	Context string
	// Plan is an optional path to a plan file the child runs.
	Plan     string
	Round    int
	Feedback string
	// PreviousOutput is the output the feedback refers to.
	PreviousOutput string
	Deadline       time.Time
}

// Report is a child's answer to an assignment.
type Report struct {
	Output   string
	Evidence []models.Evidence
}

// Runner executes an assignment in a fresh child context.
type Runner interface {
	Run(ctx context.Context, a Assignment) (Report, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, a Assignment) (Report, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, a Assignment) (Report, error) {
	return f(ctx, a)
}

// Sink receives delegation_update events, typically the parent's loop.
type Sink interface {
	Post(ev models.ObservationEvent)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev models.ObservationEvent)

// Post calls f.
func (f SinkFunc) Post(ev models.ObservationEvent) { f(ev) }

// Sinks posts every event to each sink in turn. Nil entries are skipped.
type Sinks []Sink

// Post implements Sink.
func (s Sinks) Post(ev models.ObservationEvent) {
	for _, sink := range s {
		if sink != nil {
			sink.Post(ev)
		}
	}
}

// Store persists delegation records.
type Store interface {
	SaveDelegation(ctx context.Context, st models.DelegationState) error
}

// Verdict is the result of one review.
type Verdict string

const (
	// VerdictAccept means the output passed the gate.
	VerdictAccept Verdict = "accept"
	// VerdictRevise means feedback was sent and the child is working again.
	VerdictRevise Verdict = "revise"
	// VerdictReject means the delegation ended without an accepted output.
	VerdictReject Verdict = "reject"
)

// ReviewOutcome describes one collect-and-review pass.
type ReviewOutcome struct {
	Verdict  Verdict
	Round    int
	Score    float64
	Feedback string
}

// DelegateOption customizes a single delegation.
type DelegateOption func(*Assignment)

// WithContext passes material the child should work from.
func WithContext(text string) DelegateOption {
	return func(a *Assignment) { a.Context = text }
}

// WithPlan gives the child a plan file to run.
func WithPlan(plan string) DelegateOption {
	return func(a *Assignment) { a.Plan = plan }
}

type childResult struct {
	round  int
	report Report
	err    error
}

type record struct {
	state      models.DelegationState
	assignment Assignment
	ctx        context.Context
	cancel     context.CancelFunc
	results    chan childResult
}

// Coordinator manages the children of one parent participant.
type Coordinator struct {
	id         string
	supervisor string
	runner     Runner
	gate       QualityGate
	channel    *channel.Channel
	policy     policy.DelegationPolicy
	sink       Sink
	store      Store
	now        func() time.Time

	mu      sync.Mutex
	records map[string]*record
	wg      sync.WaitGroup
}

// Option customizes a Coordinator during construction.
type Option func(*Coordinator)

// WithSupervisor names the participant escalations are sent to.
func WithSupervisor(id string) Option {
	return func(c *Coordinator) { c.supervisor = id }
}

// WithSink sets where delegation_update events are posted.
func WithSink(s Sink) Option {
	return func(c *Coordinator) { c.sink = s }
}

// WithStore persists every state change.
func WithStore(s Store) Option {
	return func(c *Coordinator) { c.store = s }
}

// WithClock overrides the clock used for deadlines and timestamps.
func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) { c.now = clock }
}

// NewCoordinator creates a coordinator for the parent participant id.
func NewCoordinator(id string, runner Runner, gate QualityGate, ch *channel.Channel, p policy.DelegationPolicy, opts ...Option) *Coordinator {
	if p.MaxRounds < 1 {
		p.MaxRounds = 1
	}
	c := &Coordinator{
		id:         id,
		supervisor: "supervisor",
		runner:     runner,
		gate:       gate,
		channel:    ch,
		policy:     p,
		now:        time.Now,
		records:    make(map[string]*record),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ID returns the parent participant ID.
func (c *Coordinator) ID() string {
	return c.id
}

// Delegate creates a child for objective, sends it a DOWN assignment and
// starts it. ctx bounds the child's whole life, across review rounds.
func (c *Coordinator) Delegate(ctx context.Context, objective string, constraints []string, opts ...DelegateOption) (models.DelegationState, error) {
	if c.runner == nil {
		return models.DelegationState{}, ErrNoRunner
	}

	short := uuid.New().String()[:8]
	id := "del-" + short
	childID := c.id + "/child-" + short
	deadline := c.now().Add(c.policy.Deadline)

	a := Assignment{
		DelegationID: id,
		ParentID:     c.id,
		ChildID:      childID,
		Objective:    objective,
		Constraints:  append([]string(nil), constraints...),
		Round:        1,
		Deadline:     deadline,
	}
	for _, opt := range opts {
		opt(&a)
	}

	// Nothing is registered until the parent has paid for the assignment.
	if err := c.assign(a); err != nil {
		return models.DelegationState{}, err
	}

	childCtx, cancel := context.WithDeadline(ctx, deadline)
	rec := &record{
		state: models.DelegationState{
			ID:          id,
			ParentID:    c.id,
			ChildID:     childID,
			Objective:   objective,
			Constraints: a.Constraints,
			Phase:       models.PhaseAssigned,
			Round:       1,
			Deadline:    deadline,
			UpdatedAt:   c.now(),
		},
		assignment: a,
		ctx:        childCtx,
		cancel:     cancel,
		results:    make(chan childResult, 1),
	}

	c.mu.Lock()
	c.records[id] = rec
	snap := rec.state.Clone()
	c.mu.Unlock()
	c.changed(ctx, snap)

	st, err := c.start(id)
	if err != nil {
		return models.DelegationState{}, err
	}
	logging.Debugf("[delegation] %s assigned to %s: %q", id, childID, objective)
	return st, nil
}

// assign sends a's DOWN request. A parent out of budget may not delegate.
func (c *Coordinator) assign(a Assignment) error {
	if c.channel == nil {
		return nil
	}
	_, err := c.channel.Send(models.Message{
		From:      c.id,
		To:        a.ChildID,
		Direction: models.DirectionDown,
		Type:      models.MessageRequest,
		Subject:   a.DelegationID,
		Payload:   assignmentPayload(a),
	})
	if errors.Is(err, channel.ErrBudgetExceeded) {
		return fmt.Errorf("delegate %q from %s: %w", a.Objective, c.id, err)
	}
	if err != nil {
		log.Printf("[delegation] warning: assignment %s to %s not sent: %v", a.DelegationID, a.ChildID, err)
	}
	return nil
}

// start moves a delegation to IN_PROGRESS and runs its current assignment.
func (c *Coordinator) start(id string) (models.DelegationState, error) {
	c.mu.Lock()
	rec, ok := c.records[id]
	if !ok {
		c.mu.Unlock()
		return models.DelegationState{}, fmt.Errorf("%s: %w", id, ErrUnknownDelegation)
	}
	if !rec.state.Phase.CanTransition(models.PhaseInProgress) {
		c.mu.Unlock()
		return models.DelegationState{}, fmt.Errorf("%s: cannot start from %s", id, rec.state.Phase)
	}
	rec.state.Phase = models.PhaseInProgress
	rec.state.UpdatedAt = c.now()
	a := rec.assignment
	ctx := rec.ctx
	snap := rec.state.Clone()
	c.mu.Unlock()
	c.changed(ctx, snap)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		report, err := c.runner.Run(ctx, a)
		c.reportUp(a, err)
		rec.results <- childResult{round: a.Round, report: report, err: err}
	}()
	return snap, nil
}

// reportUp sends the child's completion status to the parent. A refused
// send leaves the child silent; the parent still gets the result.
func (c *Coordinator) reportUp(a Assignment, err error) {
	payload := fmt.Sprintf("round %d complete", a.Round)
	if err != nil {
		payload = fmt.Sprintf("round %d failed: %v", a.Round, err)
	}
	c.send(models.Message{
		From:      a.ChildID,
		To:        c.id,
		Direction: models.DirectionUp,
		Type:      models.MessageStatus,
		Subject:   a.DelegationID,
		Payload:   payload,
	})
}

// Await blocks until the child reports for the current round. Past the
// delegation deadline the delegation is rejected with ErrDelegationDeadline.
func (c *Coordinator) Await(ctx context.Context, id string) (Report, error) {
	c.mu.Lock()
	rec, ok := c.records[id]
	c.mu.Unlock()
	if !ok {
		return Report{}, fmt.Errorf("%s: %w", id, ErrUnknownDelegation)
	}

	var res childResult
	select {
	case res = <-rec.results:
	default:
		select {
		case res = <-rec.results:
		case <-rec.ctx.Done():
			if ctx.Err() != nil {
				return Report{}, ctx.Err()
			}
			return Report{}, c.expire(ctx, id)
		case <-ctx.Done():
			return Report{}, ctx.Err()
		}
	}

	if res.err != nil {
		if errors.Is(res.err, context.DeadlineExceeded) && rec.ctx.Err() != nil {
			return Report{}, c.expire(ctx, id)
		}
		err := fmt.Errorf("%w: %s round %d: %v", ErrChildFailed, id, res.round, res.err)
		c.fail(ctx, id, err)
		return Report{}, err
	}
	return res.report, nil
}

// expire rejects a delegation whose child missed the deadline and tells
// the supervisor.
func (c *Coordinator) expire(ctx context.Context, id string) error {
	err := fmt.Errorf("%s: %w", id, ErrDelegationDeadline)
	c.fail(ctx, id, err)
	c.send(models.Message{
		From:      c.id,
		To:        c.supervisor,
		Direction: models.DirectionUp,
		Type:      models.MessageStatus,
		Subject:   id,
		Payload:   err.Error(),
	})
	return err
}

// CollectAndReview waits for the child's report and runs the quality gate
// on it. A pass accepts. A fail with rounds left sends feedback DOWN and
// restarts the child; a fail on the last round rejects, escalates UP, and
// returns a *DelegationExhausted.
func (c *Coordinator) CollectAndReview(ctx context.Context, id string) (ReviewOutcome, error) {
	c.mu.Lock()
	rec, ok := c.records[id]
	var phase models.DelegationPhase
	if ok {
		phase = rec.state.Phase
	}
	c.mu.Unlock()
	if !ok {
		return ReviewOutcome{}, fmt.Errorf("%s: %w", id, ErrUnknownDelegation)
	}
	if phase.IsTerminal() {
		return ReviewOutcome{}, fmt.Errorf("%s is %s: %w", id, phase, ErrDelegationClosed)
	}

	report, err := c.Await(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			return ReviewOutcome{}, err
		}
		return ReviewOutcome{Verdict: VerdictReject, Round: c.round(id)}, err
	}

	c.mu.Lock()
	rec.state.Phase = models.PhaseUnderReview
	rec.state.Output = report.Output
	rec.state.Evidence = append([]models.Evidence(nil), report.Evidence...)
	rec.state.UpdatedAt = c.now()
	criteria := rec.state.Constraints
	round := rec.state.Round
	snap := rec.state.Clone()
	c.mu.Unlock()
	c.changed(ctx, snap)

	card, err := c.gate.Score(ctx, report.Output, criteria)
	if err != nil {
		err = fmt.Errorf("score %s round %d: %w", id, round, err)
		c.fail(ctx, id, err)
		return ReviewOutcome{Verdict: VerdictReject, Round: round}, err
	}
	logging.Debugf("[delegation] %s round %d scored %.2f passed=%v", id, round, card.Score, card.Passed)

	outcome := ReviewOutcome{Round: round, Score: card.Score, Feedback: card.Feedback}
	switch {
	case card.Passed:
		c.accept(ctx, id)
		outcome.Verdict = VerdictAccept
		return outcome, nil

	case round >= c.policy.MaxRounds:
		exhausted := &DelegationExhausted{DelegationID: id, Rounds: round, LastScore: card.Score, Feedback: card.Feedback}
		c.fail(ctx, id, exhausted)
		c.escalate(ctx, id, escalationPayload(snap, card), id)
		outcome.Verdict = VerdictReject
		return outcome, exhausted

	default:
		if err := c.requestRevision(ctx, id, card.Feedback); err != nil {
			return outcome, err
		}
		outcome.Verdict = VerdictRevise
		outcome.Round = round + 1
		return outcome, nil
	}
}

// Supervise reviews a delegation until it is accepted or rejected.
func (c *Coordinator) Supervise(ctx context.Context, id string) (models.DelegationState, error) {
	for {
		outcome, err := c.CollectAndReview(ctx, id)
		if err != nil {
			st, _ := c.State(id)
			return st, err
		}
		if outcome.Verdict == VerdictAccept {
			return c.State(id)
		}
	}
}

func (c *Coordinator) accept(ctx context.Context, id string) {
	c.mu.Lock()
	rec := c.records[id]
	rec.state.Phase = models.PhaseAccepted
	rec.state.QualityPassed = true
	rec.state.UpdatedAt = c.now()
	rec.cancel()
	snap := rec.state.Clone()
	c.mu.Unlock()
	c.changed(ctx, snap)
	logging.Debugf("[delegation] %s accepted in round %d", id, snap.Round)
}

func (c *Coordinator) requestRevision(ctx context.Context, id, feedback string) error {
	c.mu.Lock()
	rec := c.records[id]
	rec.state.Round++
	rec.state.Phase = models.PhaseRevisionRequested
	rec.state.Feedback = feedback
	rec.state.UpdatedAt = c.now()
	rec.assignment.Round = rec.state.Round
	rec.assignment.Feedback = feedback
	rec.assignment.PreviousOutput = rec.state.Output
	a := rec.assignment
	snap := rec.state.Clone()
	c.mu.Unlock()
	c.changed(ctx, snap)

	c.send(models.Message{
		From:      c.id,
		To:        a.ChildID,
		Direction: models.DirectionDown,
		Type:      models.MessageRequest,
		Subject:   id,
		Payload:   fmt.Sprintf("revise (round %d of %d): %s", a.Round, c.policy.MaxRounds, feedback),
	})

	_, err := c.start(id)
	return err
}

// fail rejects a delegation with err.
func (c *Coordinator) fail(ctx context.Context, id string, err error) {
	c.mu.Lock()
	rec := c.records[id]
	if rec.state.Phase.IsTerminal() {
		c.mu.Unlock()
		return
	}
	rec.state.Phase = models.PhaseRejected
	rec.state.Error = err.Error()
	rec.state.UpdatedAt = c.now()
	rec.cancel()
	snap := rec.state.Clone()
	c.mu.Unlock()
	c.changed(ctx, snap)
	log.Printf("[delegation] %s rejected: %v", id, err)
}

// State returns a copy of a delegation's record.
func (c *Coordinator) State(id string) (models.DelegationState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[id]
	if !ok {
		return models.DelegationState{}, fmt.Errorf("%s: %w", id, ErrUnknownDelegation)
	}
	return rec.state.Clone(), nil
}

// States returns copies of every delegation record.
func (c *Coordinator) States() []models.DelegationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.DelegationState, 0, len(c.records))
	for _, rec := range c.records {
		out = append(out, rec.state.Clone())
	}
	return out
}

func (c *Coordinator) round(id string) int {
	st, _ := c.State(id)
	return st.Round
}

// Wait blocks until every started child has returned.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) changed(ctx context.Context, st models.DelegationState) {
	if c.store != nil {
		if err := c.store.SaveDelegation(context.WithoutCancel(ctx), st); err != nil {
			log.Printf("[delegation] warning: save %s: %v", st.ID, err)
		}
	}
	if c.sink != nil {
		ev := models.NewObservationEvent(models.EventDelegationUpdate, c.id,
			fmt.Sprintf("%s %s round %d", st.ID, st.Phase, st.Round))
		c.sink.Post(ev)
	}
}

// escalate sends an ESCALATION up to the supervisor. One that cannot be
// delivered is noted on every named delegation and logged.
func (c *Coordinator) escalate(ctx context.Context, subject, payload string, ids ...string) error {
	if c.channel == nil {
		return nil
	}
	_, err := c.channel.Send(models.Message{
		From:      c.id,
		To:        c.supervisor,
		Direction: models.DirectionUp,
		Type:      models.MessageEscalation,
		Subject:   subject,
		Payload:   payload,
	})
	if err == nil {
		return nil
	}
	log.Printf("[delegation] warning: escalation %s from %s to %s not delivered: %v", subject, c.id, c.supervisor, err)
	for _, id := range ids {
		c.note(ctx, id, "escalation not delivered: "+err.Error())
	}
	return err
}

// note appends msg to a delegation's error text.
func (c *Coordinator) note(ctx context.Context, id, msg string) {
	c.mu.Lock()
	rec, ok := c.records[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	if rec.state.Error != "" {
		rec.state.Error += "; "
	}
	rec.state.Error += msg
	rec.state.UpdatedAt = c.now()
	snap := rec.state.Clone()
	c.mu.Unlock()
	c.changed(ctx, snap)
}

// send sends msg and degrades to silence when the sender is out of
// budget.
func (c *Coordinator) send(msg models.Message) {
	if c.channel == nil {
		return
	}
	if _, err := c.channel.Send(msg); err != nil {
		if errors.Is(err, channel.ErrBudgetExceeded) {
			logging.Debugf("[delegation] %s silent: %v", msg.From, err)
			return
		}
		log.Printf("[delegation] warning: send %s %s from %s: %v", msg.Direction, msg.Type, msg.From, err)
	}
}

func assignmentPayload(a Assignment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "objective: %s\n", a.Objective)
	if len(a.Constraints) > 0 {
		fmt.Fprintf(&b, "constraints: %s\n", strings.Join(a.Constraints, "; "))
	}
	fmt.Fprintf(&b, "deadline: %s", a.Deadline.Format(time.RFC3339))
	return b.String()
}

func escalationPayload(st models.DelegationState, card ScoreCard) string {
	return fmt.Sprintf("objective %q rejected after %d rounds (score %.2f): %s",
		st.Objective, st.Round, card.Score, card.Feedback)
}
