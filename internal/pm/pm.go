// Package pm is the manager loop: cooperative periodic scans over the
// shared state for agent health, budget breaches, scope drift, dead
// sessions, PR status, and the external channel inbox.
package pm

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jaakkos/pilot/internal/board"
	"github.com/jaakkos/pilot/internal/bus"
	"github.com/jaakkos/pilot/internal/channel"
	"github.com/jaakkos/pilot/internal/cost"
	"github.com/jaakkos/pilot/internal/domain"
	"github.com/jaakkos/pilot/internal/eventlog"
	"github.com/jaakkos/pilot/internal/lease"
	"github.com/jaakkos/pilot/internal/policy"
	"github.com/jaakkos/pilot/internal/recovery"
	"github.com/jaakkos/pilot/internal/registry"
)

// Scan names, used as interval keys and in results.
const (
	ScanHealth    = "health"
	ScanCost      = "cost"
	ScanDrift     = "drift"
	ScanRecovery  = "recovery"
	ScanPRStatus  = "pr_status"
	ScanChannel   = "channel"
	ScanApprovals = "approvals"
)

// idleNudgeAfter is how long a live session may sit without a claim
// before the health scan nudges it.
const idleNudgeAfter = 10 * time.Minute

// ChannelDrainer is the external-channel handler hook.
type ChannelDrainer interface {
	Drain() (int, error)
}

// ApprovalBridge surfaces pending decisions on the external channel. The
// channel handler implements it.
type ApprovalBridge interface {
	RegisterApproval(a channel.Approval) (channel.Approval, error)
	PendingApprovals() ([]channel.Approval, error)
	NotifyOperator(text string)
}

// PRStatusRefresher is the optional PR collaborator hook.
type PRStatusRefresher interface {
	RefreshStatuses() error
}

// ScanResult is one scan's outcome in a sweep.
type ScanResult struct {
	Scan   string `json:"scan"`
	Acted  int    `json:"acted"`
	Detail string `json:"detail,omitempty"`
	Err    error  `json:"-"`
}

// Loop runs the PM scans.
type Loop struct {
	sessionID string
	pol       *policy.Policy
	reg       *registry.Registry
	leases    *lease.Manager
	bus       *bus.Bus
	board     *board.Publisher
	costs     *cost.Tracker
	recovery  *recovery.Engine
	channel   ChannelDrainer
	approvals ApprovalBridge
	prStatus  PRStatusRefresher
	events    *eventlog.Log
	logger    *log.Logger
	now       func() time.Time

	intervals map[string]time.Duration
	lastRun   map[string]time.Time
	running   bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// Deps bundles the PM loop's collaborators. Channel, Approvals, and
// PRStatus are optional.
type Deps struct {
	Policy    *policy.Policy
	Registry  *registry.Registry
	Leases    *lease.Manager
	Bus       *bus.Bus
	Board     *board.Publisher
	Costs     *cost.Tracker
	Recovery  *recovery.Engine
	Channel   ChannelDrainer
	Approvals ApprovalBridge
	PRStatus  PRStatusRefresher
	Events    *eventlog.Log
	Logger    *log.Logger
}

// New builds a PM loop.
func New(d Deps) *Loop {
	return &Loop{
		pol:       d.Policy,
		reg:       d.Registry,
		leases:    d.Leases,
		bus:       d.Bus,
		board:     d.Board,
		costs:     d.Costs,
		recovery:  d.Recovery,
		channel:   d.Channel,
		approvals: d.Approvals,
		prStatus:  d.PRStatus,
		events:    d.Events,
		logger:    d.Logger,
		now:       time.Now,
		intervals: map[string]time.Duration{
			ScanHealth:    time.Minute,
			ScanCost:      time.Minute,
			ScanDrift:     2 * time.Minute,
			ScanRecovery:  time.Minute,
			ScanPRStatus:  5 * time.Minute,
			ScanChannel:   5 * time.Second,
			ScanApprovals: 5 * time.Second,
		},
		lastRun: map[string]time.Time{},
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// SetClock overrides the time source for tests.
func (l *Loop) SetClock(now func() time.Time) { l.now = now }

// SetInterval adjusts one scan's minimum interval.
func (l *Loop) SetInterval(scan string, d time.Duration) { l.intervals[scan] = d }

// Initialize records the PM's own session id and marks the loop running.
func (l *Loop) Initialize(pmSessionID string) {
	l.sessionID = pmSessionID
	l.running = true
	l.events.Emit("pm_initialized", pmSessionID, nil)
}

// Stop shuts the loop down after the current sweep finishes.
func (l *Loop) Stop(reason string) {
	if !l.running {
		return
	}
	l.running = false
	l.events.Emit("pm_stopped", l.sessionID, map[string]any{"reason": reason})
	close(l.stopCh)
}

// Run sweeps until stopped or the context is cancelled.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.doneCh)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.RunPeriodicScans()
		}
	}
}

// RunPeriodicScans dispatches every due scan sequentially and returns the
// aggregate results.
func (l *Loop) RunPeriodicScans() []ScanResult {
	if !l.running {
		return nil
	}
	type scan struct {
		name string
		fn   func() ScanResult
	}
	scans := []scan{
		{ScanChannel, l.scanChannel},
		{ScanApprovals, l.scanApprovals},
		{ScanRecovery, l.scanRecovery},
		{ScanHealth, l.scanHealth},
		{ScanCost, l.scanCost},
		{ScanDrift, l.scanDrift},
		{ScanPRStatus, l.scanPRStatus},
	}
	var results []ScanResult
	now := l.now()
	for _, s := range scans {
		if now.Sub(l.lastRun[s.name]) < l.intervals[s.name] {
			continue
		}
		l.lastRun[s.name] = now
		res := s.fn()
		if res.Err != nil {
			l.logger.Printf("PM: %s scan: %v", s.name, res.Err)
		}
		results = append(results, res)
	}
	// The ack retry sweep rides along with every pass.
	if rep, err := l.bus.ProcessAckTimeouts(); err == nil && (rep.Retried+rep.DeadLettered) > 0 {
		l.logger.Printf("PM: ack sweep retried=%d dead=%d escalated=%d",
			rep.Retried, rep.DeadLettered, rep.Escalated)
	}
	return results
}

// scanHealth nudges live sessions that sit idle without a claim.
func (l *Loop) scanHealth() ScanResult {
	res := ScanResult{Scan: ScanHealth}
	sessions, err := l.reg.ActiveSessions(l.sessionID)
	if err != nil {
		res.Err = err
		return res
	}
	now := l.now()
	for _, s := range sessions {
		if s.ClaimedTask != "" {
			continue
		}
		// Only nudge sessions that are demonstrably alive; stale ones are
		// the recovery scan's problem.
		if now.Sub(s.Heartbeat) > l.pol.StaleAfter() {
			continue
		}
		if now.Sub(s.StartedAt) < idleNudgeAfter {
			continue
		}
		if _, err := l.bus.Send(domain.Message{
			From: l.sessionID, To: s.ID, Type: domain.TypeNotify,
			Topic: "pm.nudge", Priority: domain.PriorityNormal,
			Payload: map[string]any{"reason": "no claimed task", "idle_since": s.StartedAt},
		}); err == nil {
			res.Acted++
		}
	}
	return res
}

// scanCost sweeps budgets for every claiming session: warnings notify,
// blocks halt.
func (l *Loop) scanCost() ScanResult {
	res := ScanResult{Scan: ScanCost}
	sessions, err := l.reg.ActiveSessions(l.sessionID)
	if err != nil {
		res.Err = err
		return res
	}
	for _, s := range sessions {
		if s.ClaimedTask == "" {
			continue
		}
		check, err := l.costs.CheckBudget(s.ID, s.ClaimedTask)
		if err != nil {
			res.Err = err
			continue
		}
		switch check.Status {
		case cost.BudgetWarning:
			if _, err := l.bus.Send(domain.Message{
				From: l.sessionID, To: s.ID, Type: domain.TypeNotify,
				Topic: "budget.warning", Priority: domain.PriorityNormal,
				Payload: map[string]any{"reason": check.Reason},
			}); err == nil {
				res.Acted++
			}
		case cost.BudgetExceeded:
			if _, err := l.bus.Send(domain.Message{
				From: l.sessionID, To: s.ID, Type: domain.TypeNotify,
				Topic: "budget.halt", Priority: domain.PriorityBlocking,
				Payload: map[string]any{"reason": check.Reason, "fatal": check.Fatal},
			}); err == nil {
				res.Acted++
			}
		}
	}
	return res
}

// scanDrift compares the files an agent touched against the areas it
// locked; touching a foreign area is drift.
func (l *Loop) scanDrift() ScanResult {
	res := ScanResult{Scan: ScanDrift}
	snaps, err := l.board.StatusBoard()
	if err != nil {
		res.Err = err
		return res
	}
	for _, snap := range snaps {
		if snap.TaskID == "" || len(snap.FilesModified) == 0 {
			continue
		}
		sess, err := l.reg.Store().Load(snap.SessionID)
		if err != nil || sess == nil || len(sess.LockedAreas) == 0 {
			continue
		}
		locked := map[string]bool{}
		for _, a := range sess.LockedAreas {
			locked[a] = true
		}
		var drifted []string
		for _, f := range snap.FilesModified {
			area := l.leases.AreaForPath(f)
			if area != "" && !locked[area] {
				drifted = append(drifted, f)
			}
		}
		if len(drifted) == 0 {
			continue
		}
		if _, err := l.bus.Send(domain.Message{
			From: l.sessionID, To: snap.SessionID, Type: domain.TypeNotify,
			Topic: "scope.drift", Priority: domain.PriorityBlocking,
			Payload: map[string]any{"task_id": snap.TaskID, "files": drifted},
		}); err == nil {
			res.Acted++
		}
	}
	return res
}

// scanRecovery ends dead sessions and runs the recovery engine on them.
func (l *Loop) scanRecovery() ScanResult {
	res := ScanResult{Scan: ScanRecovery}
	sessions, err := l.reg.Store().List()
	if err != nil {
		res.Err = err
		return res
	}
	now := l.now()
	for _, s := range sessions {
		if s.Status != domain.SessionActive || s.ID == l.sessionID {
			continue
		}
		if now.Sub(s.Heartbeat) <= l.pol.StaleAfter() {
			continue
		}
		if l.reg.IsAlive(s.ID) {
			continue
		}
		assessment, _, err := l.recovery.Run(s.ID, l.sessionID)
		if err != nil {
			res.Err = err
			continue
		}
		if err := l.reg.End(s.ID, "recovered_"+assessment.Strategy); err != nil {
			res.Err = err
			continue
		}
		l.events.Emit("recovery_"+assessment.Strategy, s.ID, map[string]any{"reason": assessment.Reason})
		res.Acted++
	}
	if res.Acted > 0 {
		res.Detail = fmt.Sprintf("recovered %d sessions", res.Acted)
	}
	return res
}

func (l *Loop) scanPRStatus() ScanResult {
	res := ScanResult{Scan: ScanPRStatus}
	if l.prStatus == nil {
		return res
	}
	if err := l.prStatus.RefreshStatuses(); err != nil {
		res.Err = err
		return res
	}
	res.Acted = 1
	return res
}

func (l *Loop) scanChannel() ScanResult {
	res := ScanResult{Scan: ScanChannel}
	if l.channel == nil {
		return res
	}
	n, err := l.channel.Drain()
	res.Acted = n
	res.Err = err
	return res
}

// scanApprovals bridges decisions awaiting a human onto the external
// channel: plan approval requests read off the PM inbox and terminal
// escalations parked on the human queue become pending channel approvals,
// each announced to the operator.
func (l *Loop) scanApprovals() ScanResult {
	res := ScanResult{Scan: ScanApprovals}
	if l.approvals == nil {
		return res
	}
	pending, err := l.approvals.PendingApprovals()
	if err != nil {
		res.Err = err
		return res
	}
	known := map[string]bool{}
	for _, a := range pending {
		if a.CorrelationID != "" {
			known[a.CorrelationID] = true
		}
	}

	msgs, err := l.bus.Read(l.sessionID, bus.ReadFilter{Role: domain.RolePM})
	if err != nil {
		res.Err = err
		return res
	}
	for i := range msgs {
		m := &msgs[i]
		var corr string
		switch m.Topic {
		case "plan.approval":
			// The requesting loop waits on its own request id.
			corr = m.ID
		case "plan.approval_timeout":
			corr, _ = m.Payload["plan_msg_id"].(string)
		default:
			continue
		}
		if m.Ack != nil && m.Ack.Required {
			if _, err := l.bus.SendAck(l.sessionID, m.ID, m.From); err != nil {
				l.logger.Printf("PM: ack approval request %s: %v", m.ID, err)
			}
		}
		if corr == "" || known[corr] {
			continue
		}
		taskID, _ := m.Payload["task_id"].(string)
		a, err := l.approvals.RegisterApproval(channel.Approval{
			TaskID:        taskID,
			Type:          "plan",
			SessionID:     m.From,
			CorrelationID: corr,
		})
		if err != nil {
			res.Err = err
			continue
		}
		known[corr] = true
		l.approvals.NotifyOperator(fmt.Sprintf(
			"Plan approval needed for %s (agent %s). Reply \"approve %s\" or \"reject %s\".",
			taskID, m.From, taskID, taskID))
		l.events.Emit("approval_registered", m.From, map[string]any{
			"approval_id": a.ID, "task_id": taskID, "source": m.Topic,
		})
		res.Acted++
	}

	escs, err := l.bus.DrainHumanQueue()
	if err != nil {
		res.Err = err
		return res
	}
	for _, e := range escs {
		if e.MessageID != "" && known[e.MessageID] {
			continue
		}
		taskID, _ := e.Payload["task_id"].(string)
		a, err := l.approvals.RegisterApproval(channel.Approval{
			ID:            e.ID,
			TaskID:        taskID,
			Type:          "escalation",
			SessionID:     e.From,
			CorrelationID: e.MessageID,
		})
		if err != nil {
			res.Err = err
			continue
		}
		l.approvals.NotifyOperator(fmt.Sprintf(
			"Escalation from %s on %q needs a decision. Reply \"approve_escalation\" or \"reject_escalation\" with approval id %s.",
			e.From, e.Topic, a.ID))
		l.events.Emit("approval_registered", e.From, map[string]any{
			"approval_id": a.ID, "task_id": taskID, "source": "human_queue",
		})
		res.Acted++
	}
	return res
}
