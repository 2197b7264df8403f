package policy

import (
	"testing"
	"time"
)

func TestDefault_Values(t *testing.T) {
	c := Default()

	if c.Executor.MaxConcurrency != 4 {
		t.Errorf("Executor.MaxConcurrency = %d, want 4", c.Executor.MaxConcurrency)
	}
	if c.Delegation.MaxRounds != 3 {
		t.Errorf("Delegation.MaxRounds = %d, want 3", c.Delegation.MaxRounds)
	}
	if c.Channel.WarningThreshold != 0.80 {
		t.Errorf("Channel.WarningThreshold = %v, want 0.80", c.Channel.WarningThreshold)
	}
	if c.Throttle.Mode != "static" {
		t.Errorf("Throttle.Mode = %q, want %q", c.Throttle.Mode, "static")
	}
	if c.Channel.EscalationReserve != 1 {
		t.Errorf("Channel.EscalationReserve = %d, want 1", c.Channel.EscalationReserve)
	}
}

func TestValidate_ClampsInvalidValues(t *testing.T) {
	c := &Config{
		Executor: ExecutorPolicy{
			MaxConcurrency: 0,
			ClassLimits:    map[string]int{"remote": 0, "local": 3},
			NodeTimeout:    -time.Second,
		},
		Loop: LoopPolicy{
			PollTimeout: 0,
			MaxDrain:    -1,
			MaxReplans:  -4,
		},
		Delegation: DelegationPolicy{
			MaxRounds:     0,
			PassThreshold: 1.5,
		},
		Channel: ChannelPolicy{
			Budget:           -1,
			DefaultCost:      0,
			WarningThreshold: 2,
		},
		Throttle: ThrottlePolicy{Mode: "exponential", Floor: 0},
	}

	if err := c.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	d := Default()
	if c.Executor.MaxConcurrency != d.Executor.MaxConcurrency {
		t.Errorf("MaxConcurrency = %d, want %d", c.Executor.MaxConcurrency, d.Executor.MaxConcurrency)
	}
	if _, ok := c.Executor.ClassLimits["remote"]; ok {
		t.Error("non-positive class limit should be removed")
	}
	if c.Executor.ClassLimits["local"] != 3 {
		t.Errorf("ClassLimits[local] = %d, want 3", c.Executor.ClassLimits["local"])
	}
	if c.Executor.NodeTimeout != d.Executor.NodeTimeout {
		t.Errorf("NodeTimeout = %v, want %v", c.Executor.NodeTimeout, d.Executor.NodeTimeout)
	}
	if c.Loop.MaxDrain != d.Loop.MaxDrain {
		t.Errorf("MaxDrain = %d, want %d", c.Loop.MaxDrain, d.Loop.MaxDrain)
	}
	if c.Loop.MaxReplans != d.Loop.MaxReplans {
		t.Errorf("MaxReplans = %d, want %d", c.Loop.MaxReplans, d.Loop.MaxReplans)
	}
	if c.Delegation.MaxRounds != 3 {
		t.Errorf("MaxRounds = %d, want 3", c.Delegation.MaxRounds)
	}
	if c.Delegation.PassThreshold != d.Delegation.PassThreshold {
		t.Errorf("PassThreshold = %v, want %v", c.Delegation.PassThreshold, d.Delegation.PassThreshold)
	}
	if c.Channel.Budget != d.Channel.Budget {
		t.Errorf("Budget = %d, want %d", c.Channel.Budget, d.Channel.Budget)
	}
	if c.Channel.DefaultCost != 1 {
		t.Errorf("DefaultCost = %d, want 1", c.Channel.DefaultCost)
	}
	if c.Throttle.Mode != "static" {
		t.Errorf("Throttle.Mode = %q, want static", c.Throttle.Mode)
	}
	if c.Throttle.Floor != 1 {
		t.Errorf("Throttle.Floor = %d, want 1", c.Throttle.Floor)
	}
}

func TestValidate_KeepsValidValues(t *testing.T) {
	c := Default()
	c.Executor.MaxConcurrency = 16
	c.Delegation.MaxRounds = 2
	c.Channel.Budget = 0
	c.Throttle.Mode = "step"

	if err := c.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if c.Executor.MaxConcurrency != 16 {
		t.Errorf("MaxConcurrency = %d, want 16", c.Executor.MaxConcurrency)
	}
	if c.Delegation.MaxRounds != 2 {
		t.Errorf("MaxRounds = %d, want 2", c.Delegation.MaxRounds)
	}
	if c.Channel.Budget != 0 {
		t.Errorf("Budget = %d, want 0 (a zero budget is valid)", c.Channel.Budget)
	}
	if c.Throttle.Mode != "step" {
		t.Errorf("Throttle.Mode = %q, want step", c.Throttle.Mode)
	}
}
