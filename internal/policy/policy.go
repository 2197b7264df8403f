// Package policy defines the tunable parameters of the orchestration core.
// Limits, timeouts, review bounds and budgets live here so the executor,
// control loop, delegation coordinator and message channel never carry
// magic numbers of their own.
package policy

import "time"

// Config contains all policy parameters.
type Config struct {
	// Executor policies
	Executor ExecutorPolicy

	// Control loop policies
	Loop LoopPolicy

	// Delegation policies
	Delegation DelegationPolicy

	// Message channel policies
	Channel ChannelPolicy

	// Throttle policies
	Throttle ThrottlePolicy
}

// ExecutorPolicy controls DAG dispatch.
type ExecutorPolicy struct {
	// MaxConcurrency is the global number of nodes that may run at once.
	MaxConcurrency int

	// ClassLimits caps concurrent nodes per capability class.
	// Classes without an entry are bounded only by MaxConcurrency.
	ClassLimits map[string]int

	// NodeTimeout is the deadline applied to nodes that declare none.
	NodeTimeout time.Duration

	// InlineResultLimit is the largest result, in bytes, kept in the context
	// buffer by value. Larger results go to the artifact store.
	InlineResultLimit int
}

// LoopPolicy controls the observe/orient/decide/act loop.
type LoopPolicy struct {
	// PollTimeout bounds how long Observe waits for the first event when parked.
	PollTimeout time.Duration

	// MaxDrain is the maximum number of events consumed per tick.
	MaxDrain int

	// PlanRetryBackoff is the delay before the single planner retry.
	PlanRetryBackoff time.Duration

	// MaxReplans bounds how many replans a loop may request after its first plan.
	MaxReplans int

	// HistorySize is the number of observations kept in the context buffer.
	HistorySize int

	// HistoryWindow is how long observations stay in the context buffer.
	HistoryWindow time.Duration
}

// DelegationPolicy controls parent/child review.
type DelegationPolicy struct {
	// MaxRounds is the number of review rounds before a delegation is rejected.
	MaxRounds int

	// Deadline is the time a child has to report before it counts as failed.
	Deadline time.Duration

	// PassThreshold is the minimum quality score accepted by score-based gates.
	PassThreshold float64

	// DominanceMargin is the source-quality lead needed to prefer one sibling
	// over another during conflict resolution.
	DominanceMargin float64
}

// ChannelPolicy controls message budgets.
type ChannelPolicy struct {
	// Budget is the per-participant allowance for one task.
	Budget int

	// DefaultCost is charged for messages that declare no cost.
	DefaultCost int

	// WarningThreshold is the used fraction at which a budget reports a warning.
	WarningThreshold float64

	// EscalationReserve is the part of every budget only ESCALATION
	// messages may spend.
	EscalationReserve int
}

// ThrottlePolicy controls concurrency reduction under resource pressure.
type ThrottlePolicy struct {
	// Mode selects the throttle implementation: "static" or "step".
	Mode string

	// Floor is the lowest concurrency a throttle may reduce to.
	Floor int
}

// Default returns the default policy configuration.
func Default() *Config {
	return &Config{
		Executor: ExecutorPolicy{
			MaxConcurrency:    4,
			ClassLimits:       map[string]int{"remote": 2},
			NodeTimeout:       5 * time.Minute,
			InlineResultLimit: 64 * 1024,
		},
		Loop: LoopPolicy{
			PollTimeout:      250 * time.Millisecond,
			MaxDrain:         64,
			PlanRetryBackoff: 500 * time.Millisecond,
			MaxReplans:       3,
			HistorySize:      256,
			HistoryWindow:    10 * time.Minute,
		},
		Delegation: DelegationPolicy{
			MaxRounds:       3,
			Deadline:        15 * time.Minute,
			PassThreshold:   0.7,
			DominanceMargin: 1.0,
		},
		Channel: ChannelPolicy{
			Budget:            50,
			DefaultCost:       1,
			WarningThreshold:  0.80,
			EscalationReserve: 1,
		},
		Throttle: ThrottlePolicy{
			Mode:  "static",
			Floor: 1,
		},
	}
}

// Validate clamps out-of-range values back to their defaults.
func (c *Config) Validate() error {
	d := Default()
	if c.Executor.MaxConcurrency < 1 {
		c.Executor.MaxConcurrency = d.Executor.MaxConcurrency
	}
	for class, limit := range c.Executor.ClassLimits {
		if limit < 1 {
			delete(c.Executor.ClassLimits, class)
		}
	}
	if c.Executor.NodeTimeout <= 0 {
		c.Executor.NodeTimeout = d.Executor.NodeTimeout
	}
	if c.Executor.InlineResultLimit < 1 {
		c.Executor.InlineResultLimit = d.Executor.InlineResultLimit
	}
	if c.Loop.PollTimeout < time.Millisecond {
		c.Loop.PollTimeout = d.Loop.PollTimeout
	}
	if c.Loop.MaxDrain < 1 {
		c.Loop.MaxDrain = d.Loop.MaxDrain
	}
	if c.Loop.PlanRetryBackoff < 0 {
		c.Loop.PlanRetryBackoff = d.Loop.PlanRetryBackoff
	}
	if c.Loop.MaxReplans < 0 {
		c.Loop.MaxReplans = d.Loop.MaxReplans
	}
	if c.Loop.HistorySize < 1 {
		c.Loop.HistorySize = d.Loop.HistorySize
	}
	if c.Loop.HistoryWindow <= 0 {
		c.Loop.HistoryWindow = d.Loop.HistoryWindow
	}
	if c.Delegation.MaxRounds < 1 {
		c.Delegation.MaxRounds = d.Delegation.MaxRounds
	}
	if c.Delegation.Deadline <= 0 {
		c.Delegation.Deadline = d.Delegation.Deadline
	}
	if c.Delegation.PassThreshold <= 0 || c.Delegation.PassThreshold > 1 {
		c.Delegation.PassThreshold = d.Delegation.PassThreshold
	}
	if c.Delegation.DominanceMargin < 0 {
		c.Delegation.DominanceMargin = d.Delegation.DominanceMargin
	}
	if c.Channel.Budget < 0 {
		c.Channel.Budget = d.Channel.Budget
	}
	if c.Channel.DefaultCost < 1 {
		c.Channel.DefaultCost = d.Channel.DefaultCost
	}
	if c.Channel.WarningThreshold <= 0 || c.Channel.WarningThreshold >= 1 {
		c.Channel.WarningThreshold = d.Channel.WarningThreshold
	}
	if c.Channel.EscalationReserve < 0 {
		c.Channel.EscalationReserve = 0
	}
	if c.Throttle.Mode != "static" && c.Throttle.Mode != "step" {
		c.Throttle.Mode = d.Throttle.Mode
	}
	if c.Throttle.Floor < 1 {
		c.Throttle.Floor = d.Throttle.Floor
	}
	return nil
}
