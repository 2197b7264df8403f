package executor

import "github.com/ShayCichocki/loom/internal/policy"

// Throttle decides the effective global concurrency under resource pressure.
// Pressure levels are reported by whatever watches the host; zero means none.
type Throttle interface {
	Limit(base, pressure int) int
}

// StaticThrottle ignores pressure.
type StaticThrottle struct{}

// Limit returns base.
func (StaticThrottle) Limit(base, pressure int) int {
	return base
}

// StepThrottle halves concurrency for each pressure level, never going
// below Floor.
type StepThrottle struct {
	Floor int
}

// Limit returns base shifted right by pressure, clamped to Floor.
func (t StepThrottle) Limit(base, pressure int) int {
	floor := t.Floor
	if floor < 1 {
		floor = 1
	}
	if pressure <= 0 {
		return base
	}
	if pressure > 30 {
		pressure = 30
	}
	limit := base >> uint(pressure)
	if limit < floor {
		limit = floor
	}
	if limit > base {
		limit = base
	}
	return limit
}

// NewThrottle builds the throttle named by the policy.
func NewThrottle(p policy.ThrottlePolicy) Throttle {
	if p.Mode == "step" {
		return StepThrottle{Floor: p.Floor}
	}
	return StaticThrottle{}
}
