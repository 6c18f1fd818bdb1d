package scheduler

import (
	"testing"
	"time"

	"github.com/jaakkos/pilot/internal/policy"
)

func testAutoscaler(t *testing.T, cfg *policy.Config) *Autoscaler {
	t.Helper()
	if cfg == nil {
		cfg = policy.DefaultConfig()
	}
	return NewAutoscaler(policy.New(cfg))
}

func TestDecide(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name       string
		in         PoolInputs
		wantAction string
		wantTarget int
	}{
		{
			name:       "budget exhausted scales down",
			in:         PoolInputs{QueueDepth: 5, ActiveAgents: 3, BudgetExhausted: true},
			wantAction: ScaleDown,
			wantTarget: 2,
		},
		{
			name:       "budget exhausted at pool minimum holds",
			in:         PoolInputs{QueueDepth: 5, ActiveAgents: 1, BudgetExhausted: true},
			wantAction: Hold,
			wantTarget: 1,
		},
		{
			name:       "cpu pressure beats queue demand",
			in:         PoolInputs{QueueDepth: 10, ActiveAgents: 4, CPUPct: 95},
			wantAction: ScaleDown,
			wantTarget: 3,
		},
		{
			name:       "memory pressure scales down",
			in:         PoolInputs{ActiveAgents: 2, MemoryPct: 92},
			wantAction: ScaleDown,
			wantTarget: 1,
		},
		{
			name:       "idle cooldown elapsed scales down",
			in:         PoolInputs{IdleAgents: 2, LastBusy: now.Add(-time.Hour)},
			wantAction: ScaleDown,
			wantTarget: 1,
		},
		{
			name:       "idle but within cooldown holds",
			in:         PoolInputs{IdleAgents: 2, LastBusy: now.Add(-time.Minute)},
			wantAction: Hold,
			wantTarget: 2,
		},
		{
			name:       "pending tasks with empty pool scales up",
			in:         PoolInputs{QueueDepth: 3},
			wantAction: ScaleUp,
			wantTarget: 1,
		},
		{
			name:       "queue ratio above threshold scales up",
			in:         PoolInputs{QueueDepth: 4, ActiveAgents: 2},
			wantAction: ScaleUp,
			wantTarget: 3,
		},
		{
			name:       "saturated pool with backlog scales up",
			in:         PoolInputs{QueueDepth: 1, ActiveAgents: 3},
			wantAction: ScaleUp,
			wantTarget: 4,
		},
		{
			name:       "at pool maximum holds",
			in:         PoolInputs{QueueDepth: 20, ActiveAgents: 6},
			wantAction: Hold,
			wantTarget: 6,
		},
		{
			name:       "steady state holds",
			in:         PoolInputs{ActiveAgents: 1, IdleAgents: 1, LastBusy: now},
			wantAction: Hold,
			wantTarget: 2,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := testAutoscaler(t, nil)
			a.SetClock(func() time.Time { return now })
			got := a.Decide(tc.in)
			if got.Action != tc.wantAction {
				t.Errorf("action = %q (%s), want %q", got.Action, got.Reason, tc.wantAction)
			}
			if got.Target != tc.wantTarget {
				t.Errorf("target = %d (%s), want %d", got.Target, got.Reason, tc.wantTarget)
			}
		})
	}
}

func TestDecide_RespectsConfiguredBounds(t *testing.T) {
	cfg := policy.DefaultConfig()
	cfg.Pool.Min = 2
	cfg.Pool.Max = 3
	a := testAutoscaler(t, cfg)

	// Down from the minimum clamps, so budget exhaustion holds instead.
	got := a.Decide(PoolInputs{ActiveAgents: 2, BudgetExhausted: true})
	if got.Action != Hold || got.Target != 2 {
		t.Errorf("decision at min = %+v, want hold at 2", got)
	}

	got = a.Decide(PoolInputs{QueueDepth: 30, ActiveAgents: 3})
	if got.Action != Hold || got.Target != 3 {
		t.Errorf("decision at max = %+v, want hold at 3", got)
	}
}
