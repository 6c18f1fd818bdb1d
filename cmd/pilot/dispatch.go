package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jaakkos/pilot/internal/decompose"
	"github.com/jaakkos/pilot/internal/domain"
	"github.com/jaakkos/pilot/internal/registry"
	"github.com/jaakkos/pilot/internal/runtime"
	"github.com/jaakkos/pilot/internal/scheduler"
)

const (
	dispatchEvery = 30 * time.Second
	// An assigned task that is still unclaimed after this long goes back
	// into the dispatch pool.
	assignmentGrace = 10 * time.Minute
)

// dispatcher feeds ready tracker tasks to the fleet and resizes the pool.
type dispatcher struct {
	a        *app
	sched    *scheduler.Scheduler
	scaler   *scheduler.Autoscaler
	procs    *runtime.Manager
	pending  map[string]time.Time // task id -> assigned at
	split    map[string]bool      // task ids already offered for decomposition
	lastBusy time.Time
}

func newDispatcher(a *app) *dispatcher {
	var aff scheduler.AffinityReader
	if a.memory != nil {
		aff = a.memory
	}
	return &dispatcher{
		a:        a,
		sched:    scheduler.New(a.pol, a.costs, aff, a.leases, a.logger),
		scaler:   scheduler.NewAutoscaler(a.pol),
		procs:    runtime.NewManager(a.logger),
		pending:  map[string]time.Time{},
		split:    map[string]bool{},
		lastBusy: time.Now(),
	}
}

func (d *dispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(dispatchEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.a.pol.Refresh()
			d.sweep(ctx)
		}
	}
}

// sweep runs one dispatch pass: schedule ready tasks onto live sessions,
// then let the autoscaler resize the pool around what is left.
func (d *dispatcher) sweep(ctx context.Context) {
	tasks, err := d.a.tracker.Ready()
	if err != nil {
		d.a.logger.Printf("Dispatch: tracker: %v", err)
		return
	}
	sessions, err := d.a.registry.ActiveSessions("")
	if err != nil {
		d.a.logger.Printf("Dispatch: sessions: %v", err)
		return
	}

	now := time.Now()
	var queue []domain.Task
	for _, t := range tasks {
		if d.a.leases.IsTaskClaimed(t.ID) {
			delete(d.pending, t.ID)
			continue
		}
		if at, ok := d.pending[t.ID]; ok && now.Sub(at) < assignmentGrace {
			continue
		}
		if d.decomposeTask(&t) {
			continue
		}
		queue = append(queue, t)
	}

	active, idle := 0, 0
	var agents []scheduler.Candidate
	for _, s := range sessions {
		if s.Role == domain.RolePM {
			continue
		}
		c := scheduler.Candidate{SessionID: s.ID, Role: s.Role}
		if s.ClaimedTask != "" {
			c.ActiveTasks = 1
			active++
		} else {
			idle++
		}
		agents = append(agents, c)
	}
	if active > 0 {
		d.lastBusy = now
	}

	res := d.sched.Schedule(queue, agents)
	for _, asn := range res.Assignments {
		if _, err := d.a.bus.Send(domain.Message{
			From: "dispatcher", To: asn.Agent.SessionID,
			Type: domain.TypeNotify, Topic: domain.TopicTaskAssigned,
			Priority: domain.PriorityNormal,
			Payload: map[string]any{
				"task_id": asn.Task.ID,
				"title":   asn.Task.Title,
				"labels":  asn.Task.Labels,
				"score":   asn.Score,
			},
		}); err != nil {
			d.a.logger.Printf("Dispatch: assign %s: %v", asn.Task.ID, err)
			continue
		}
		d.pending[asn.Task.ID] = now
		d.a.events.Emit("task_dispatched", asn.Agent.SessionID, map[string]any{
			"task_id": asn.Task.ID, "score": asn.Score,
		})
	}

	d.resize(ctx, len(res.Unassigned), active, idle)
}

// decomposeTask splits an oversized ticket into subtask tickets before it
// reaches the scheduler. Returns true when the parent was replaced by its
// subtasks and must not be dispatched this pass. Each ticket is offered at
// most once per dispatcher lifetime.
func (d *dispatcher) decomposeTask(t *domain.Task) bool {
	if d.split[t.ID] {
		return false
	}
	d.split[t.ID] = true

	res, err := decompose.DecomposeTask(t, d.a.pol.WorkspaceRoot())
	if err != nil {
		d.a.logger.Printf("Dispatch: decompose %s: %v", t.ID, err)
		return false
	}
	if !res.Decomposed {
		return false
	}

	ids := make([]string, 0, len(res.Subtasks))
	for i, sub := range res.Subtasks {
		desc := sub.Description
		if len(sub.Dependencies) > 0 {
			var after []string
			for _, dep := range sub.Dependencies {
				after = append(after, res.Subtasks[dep].Title)
			}
			desc = fmt.Sprintf("After: %s\n\n%s", strings.Join(after, "; "), desc)
		}
		id, err := d.a.tracker.Create(sub.Title, desc, append(sub.Labels, "subtask:"+t.ID))
		if err != nil {
			d.a.logger.Printf("Dispatch: file subtask %d of %s: %v", i, t.ID, err)
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return false
	}
	if err := d.a.tracker.Update(t.ID, "decomposed"); err != nil {
		d.a.logger.Printf("Dispatch: mark %s decomposed: %v", t.ID, err)
	}
	d.a.events.Emit("task_decomposed", "", map[string]any{
		"task_id":  t.ID,
		"reason":   res.Reason,
		"domain":   res.Domain.Domain,
		"subtasks": ids,
		"layers":   len(res.DAG.Layers),
	})
	d.a.logger.Printf("Dispatch: split %s into %d subtasks (%s)", t.ID, len(ids), res.Reason)
	return true
}

// resize applies one autoscaler verdict. Scale-down only touches
// processes this dispatcher spawned, never externally started assistants.
func (d *dispatcher) resize(ctx context.Context, queueDepth, active, idle int) {
	daily, _ := d.a.costs.DailyCost()
	exhausted := false
	if daily != nil {
		block := d.a.pol.Config().Budget.PerDay.BlockTokens
		exhausted = block > 0 && daily.TotalTokens >= block
	}

	decision := d.scaler.Decide(scheduler.PoolInputs{
		QueueDepth:      queueDepth,
		ActiveAgents:    active,
		IdleAgents:      idle,
		BudgetExhausted: exhausted,
		LastBusy:        d.lastBusy,
	})
	switch decision.Action {
	case scheduler.ScaleUp:
		d.spawnAgent(ctx, decision.Reason)
	case scheduler.ScaleDown:
		running := d.procs.Running()
		if len(running) == 0 {
			return
		}
		victim := running[0] // newest first
		if err := d.procs.Stop(victim.SessionID); err != nil {
			d.a.logger.Printf("Dispatch: scale down %s: %v", victim.SessionID, err)
			return
		}
		d.a.events.Emit("pool_scaled_down", victim.SessionID, map[string]any{"reason": decision.Reason})
	}
}

func (d *dispatcher) spawnAgent(ctx context.Context, reason string) {
	argv := agentCommand()
	if len(argv) == 0 {
		d.a.logger.Printf("Dispatch: scale up wanted (%s) but PILOT_AGENT_CMD is unset", reason)
		return
	}
	sid := registry.NewSessionID(time.Now())
	_, err := d.procs.Spawn(ctx, runtime.SpawnSpec{
		SessionID: sid,
		Command:   argv,
		WorkDir:   d.a.pol.WorkspaceRoot(),
		Env:       map[string]string{registry.EnvSessionID: sid},
		LogDir:    filepath.Join(d.a.pol.StateDir(), "agent-logs"),
	})
	if err != nil {
		d.a.logger.Printf("Dispatch: spawn: %v", err)
		return
	}
	d.a.events.Emit("pool_scaled_up", sid, map[string]any{"reason": reason})
}

// agentCommand reads the assistant argv from PILOT_AGENT_CMD.
func agentCommand() []string {
	raw := strings.TrimSpace(os.Getenv("PILOT_AGENT_CMD"))
	if raw == "" {
		return nil
	}
	return strings.Fields(raw)
}
