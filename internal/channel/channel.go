// Package channel carries messages between delegation participants.
//
// Every participant sends against a finite per-task budget. Once the budget
// is spent, Send returns a *BudgetExceededError and delivers nothing, so
// callers can fall back to a non-communicative mode. Delivery is
// at-least-once for the lifetime of the process; nothing is persisted.
package channel

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/loom/internal/logging"
	"github.com/ShayCichocki/loom/internal/policy"
	"github.com/ShayCichocki/loom/pkg/models"
)

// Broadcast addresses a message to every subscriber except the sender.
const Broadcast = "*"

var (
	// ErrBudgetExceeded is the sentinel wrapped by BudgetExceededError.
	ErrBudgetExceeded = errors.New("communication budget exceeded")
	// ErrInvalidMessage is returned for messages missing a sender, direction or type.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("channel closed")
)

// BudgetExceededError reports a send refused for lack of budget.
type BudgetExceededError struct {
	Participant string
	Budget      int
	Used        int
	Cost        int
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("participant %s: cost %d exceeds remaining budget (%d of %d used)",
		e.Participant, e.Cost, e.Used, e.Budget)
}

func (e *BudgetExceededError) Unwrap() error { return ErrBudgetExceeded }

// Ack confirms an accepted message.
type Ack struct {
	// MessageID is the ID assigned to the message.
	MessageID string
	// Delivered is the number of subscriptions that received it.
	Delivered int
	// Remaining is the sender's budget left after the charge.
	Remaining int
}

// BudgetStatus represents the current state of a participant's budget.
type BudgetStatus int

const (
	// BudgetOK indicates usage is below the warning threshold.
	BudgetOK BudgetStatus = iota
	// BudgetWarning indicates usage is at or above the warning threshold.
	BudgetWarning
	// BudgetExhausted indicates nothing more can be sent.
	BudgetExhausted
)

// String returns a human-readable representation of the budget status.
func (s BudgetStatus) String() string {
	switch s {
	case BudgetOK:
		return "OK"
	case BudgetWarning:
		return "Warning"
	case BudgetExhausted:
		return "Exhausted"
	default:
		return "Unknown"
	}
}

type allowance struct {
	budget int
	used   int
}

// Channel routes messages to subscriptions and enforces budgets.
type Channel struct {
	mu      sync.Mutex
	policy  policy.ChannelPolicy
	budgets map[string]*allowance
	subs    []*Subscription
	closed  bool
	now     func() time.Time
}

// Option customizes a Channel during construction.
type Option func(*Channel)

// WithClock overrides the clock used to stamp messages.
func WithClock(clock func() time.Time) Option {
	return func(c *Channel) { c.now = clock }
}

// New creates a channel. Participants without an explicit budget get
// p.Budget on their first send.
func New(p policy.ChannelPolicy, opts ...Option) *Channel {
	if p.DefaultCost < 1 {
		p.DefaultCost = 1
	}
	c := &Channel{
		policy:  p,
		budgets: make(map[string]*allowance),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetBudget gives participant a budget, keeping what it has already used.
func (c *Channel) SetBudget(participant string, budget int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.allowanceLocked(participant).budget = budget
}

// SetPolicy replaces the policy. Existing allowances keep their budgets.
func (c *Channel) SetPolicy(p policy.ChannelPolicy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p.DefaultCost < 1 {
		p.DefaultCost = 1
	}
	c.policy = p
}

func (c *Channel) allowanceLocked(participant string) *allowance {
	a, ok := c.budgets[participant]
	if !ok {
		a = &allowance{budget: c.policy.Budget}
		c.budgets[participant] = a
	}
	return a
}

// Send charges the sender and delivers msg to every matching subscription.
// When the charge does not fit the sender's remaining budget, nothing is
// delivered and a *BudgetExceededError is returned. Only ESCALATION
// messages may spend the policy's escalation reserve.
func (c *Channel) Send(msg models.Message) (Ack, error) {
	if msg.From == "" || !msg.Direction.Valid() || !msg.Type.Valid() {
		return Ack{}, fmt.Errorf("%w: from=%q direction=%q type=%q", ErrInvalidMessage, msg.From, msg.Direction, msg.Type)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return Ack{}, ErrClosed
	}

	cost := msg.Cost
	if cost <= 0 {
		cost = c.policy.DefaultCost
	}
	a := c.allowanceLocked(msg.From)
	limit := a.budget
	if msg.Type != models.MessageEscalation {
		limit -= c.policy.EscalationReserve
	}
	if a.used+cost > limit {
		logging.Debugf("[channel] %s over budget: %d+%d > %d, %s %s refused",
			msg.From, a.used, cost, a.budget, msg.Direction, msg.Type)
		return Ack{}, &BudgetExceededError{Participant: msg.From, Budget: a.budget, Used: a.used, Cost: cost}
	}
	a.used += cost

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	msg.Cost = cost
	msg.SentAt = c.now()

	delivered := 0
	for _, sub := range c.subs {
		if sub.accepts(msg) {
			sub.push(msg)
			delivered++
		}
	}

	logging.Debugf("[channel] %s -> %s %s/%s subject=%s delivered=%d remaining=%d",
		msg.From, msg.To, msg.Direction, msg.Type, msg.Subject, delivered, a.budget-a.used)
	return Ack{MessageID: msg.ID, Delivered: delivered, Remaining: a.budget - a.used}, nil
}

// Subscribe registers interest in messages addressed to participant that
// also satisfy pred. A nil pred accepts everything addressed to participant.
func (c *Channel) Subscribe(participant string, pred Predicate) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()

	sub := &Subscription{
		ID:          uuid.New().String(),
		Participant: participant,
		pred:        pred,
		notify:      make(chan struct{}, 1),
	}
	c.subs = append(c.subs, sub)
	return sub
}

// Unsubscribe stops delivery to sub. Queued messages can still be drained.
func (c *Channel) Unsubscribe(sub *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, s := range c.subs {
		if s == sub {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			return
		}
	}
}

// Drain returns and clears the messages queued on sub, oldest first.
func (c *Channel) Drain(sub *Subscription) []models.Message {
	return sub.Drain()
}

// Remaining returns participant's unspent budget.
func (c *Channel) Remaining(participant string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	a := c.allowanceLocked(participant)
	return a.budget - a.used
}

// Usage returns the used amount, the budget, and the used fraction (0.0-1.0).
func (c *Channel) Usage(participant string) (used, budget int, percentage float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	a := c.allowanceLocked(participant)
	used, budget = a.used, a.budget
	if budget > 0 {
		percentage = float64(used) / float64(budget)
	} else {
		percentage = 1.0
	}
	return used, budget, percentage
}

// CheckBudget returns the budget status of participant.
// Returns:
//   - BudgetOK: usage below the warning threshold
//   - BudgetWarning: usage at or above the threshold
//   - BudgetExhausted: not even the default cost fits
func (c *Channel) CheckBudget(participant string) BudgetStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	a := c.allowanceLocked(participant)
	if a.budget-a.used < c.policy.DefaultCost {
		return BudgetExhausted
	}
	if float64(a.used)/float64(a.budget) >= c.policy.WarningThreshold {
		return BudgetWarning
	}
	return BudgetOK
}

// Reset clears every participant's usage. Used between tasks.
func (c *Channel) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range c.budgets {
		a.used = 0
	}
}

// Close refuses further sends.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}
