package scheduler

import (
	"time"

	"github.com/jaakkos/pilot/internal/policy"
)

// Scale actions.
const (
	ScaleUp   = "scale_up"
	ScaleDown = "scale_down"
	Hold      = "hold"
)

// PoolInputs is the observed state the autoscaler decides from.
type PoolInputs struct {
	QueueDepth      int
	ActiveAgents    int
	IdleAgents      int
	BudgetExhausted bool
	CPUPct          float64
	MemoryPct       float64
	// LastBusy is the most recent time any agent was non-idle.
	LastBusy time.Time
}

// ScaleDecision is one autoscaler verdict.
type ScaleDecision struct {
	Action string `json:"action"`
	Target int    `json:"target"`
	Reason string `json:"reason"`
}

// Autoscaler sizes the agent pool within policy bounds. Scale-down
// conditions are evaluated before any scale-up.
type Autoscaler struct {
	pol *policy.Policy
	now func() time.Time
}

// NewAutoscaler returns an autoscaler bound to policy.
func NewAutoscaler(pol *policy.Policy) *Autoscaler {
	return &Autoscaler{pol: pol, now: time.Now}
}

// SetClock overrides the time source for tests.
func (a *Autoscaler) SetClock(now func() time.Time) { a.now = now }

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

// Decide returns the next pool action for the observed inputs.
func (a *Autoscaler) Decide(in PoolInputs) ScaleDecision {
	pool := a.pol.Config().Pool
	total := in.ActiveAgents + in.IdleAgents

	down := func(reason string) ScaleDecision {
		return ScaleDecision{Action: ScaleDown, Target: clamp(total-1, pool.Min, pool.Max), Reason: reason}
	}
	up := func(reason string) ScaleDecision {
		return ScaleDecision{Action: ScaleUp, Target: clamp(total+1, pool.Min, pool.Max), Reason: reason}
	}
	hold := func(reason string) ScaleDecision {
		return ScaleDecision{Action: Hold, Target: clamp(total, pool.Min, pool.Max), Reason: reason}
	}

	if in.BudgetExhausted {
		if total > pool.Min {
			return down("budget exhausted")
		}
		return hold("budget exhausted, at pool minimum")
	}
	if in.CPUPct >= pool.CPUPressurePct || in.MemoryPct >= pool.MemoryPressurePct {
		if total > pool.Min {
			return down("resource pressure")
		}
		return hold("resource pressure, at pool minimum")
	}
	cooldown := time.Duration(pool.IdleCooldownSecs) * time.Second
	if in.QueueDepth == 0 && in.ActiveAgents == 0 && !in.LastBusy.IsZero() &&
		a.now().Sub(in.LastBusy) >= cooldown && total > pool.Min {
		return down("idle cooldown elapsed")
	}

	if total >= pool.Max {
		return hold("at pool maximum")
	}
	if total == 0 && in.QueueDepth > 0 {
		return up("pending tasks with no agents")
	}
	if total > 0 && float64(in.QueueDepth)/float64(total) >= pool.QueueRatioScaleUp {
		return up("queue ratio above threshold")
	}
	if total > 0 && in.QueueDepth > 0 &&
		float64(in.IdleAgents)/float64(total) <= pool.IdleFractionScaleU {
		return up("pool saturated with pending tasks")
	}
	return hold("steady")
}
