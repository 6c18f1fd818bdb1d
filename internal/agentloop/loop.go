// Package agentloop runs the per-worker state machine: claim a ready
// task, plan, get the plan approved, execute step by step with checkpoint
// pressure valves, and close out. Wakes come from the bus signal file and
// a two-rate poll.
package agentloop

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/jaakkos/pilot/internal/board"
	"github.com/jaakkos/pilot/internal/bus"
	"github.com/jaakkos/pilot/internal/checkpoint"
	"github.com/jaakkos/pilot/internal/cost"
	"github.com/jaakkos/pilot/internal/domain"
	"github.com/jaakkos/pilot/internal/eventlog"
	"github.com/jaakkos/pilot/internal/fsutil"
	"github.com/jaakkos/pilot/internal/lease"
	"github.com/jaakkos/pilot/internal/policy"
	"github.com/jaakkos/pilot/internal/recovery"
	"github.com/jaakkos/pilot/internal/registry"
	"github.com/jaakkos/pilot/internal/tracker"
)

// Loop states.
const (
	StateIdle            = "IDLE"
	StateClaiming        = "CLAIMING"
	StatePlanning        = "PLANNING"
	StateWaitingApproval = "WAITING_APPROVAL"
	StateExecuting       = "EXECUTING"
	StateCheckpointing   = "CHECKPOINTING"
	StateDone            = "DONE"
	StateStopped         = "STOPPED"
)

// Stop reasons.
const (
	StopBudgetExceeded = "budget_exceeded"
	StopMaxErrors      = "max_errors"
)

// defaultLease is how long a claim lives between extensions.
const defaultLease = 30 * time.Minute

// StepResult is what one executed plan step produced.
type StepResult struct {
	Output        string
	FilesModified []string
	KeyDecisions  []string
	Done          bool
}

// Planner produces an ordered step plan for a task. Feedback carries the
// PM's rejection notes on a re-plan.
type Planner interface {
	Plan(task *domain.Task, feedback string) ([]string, error)
}

// Executor carries out one plan step.
type Executor interface {
	ExecuteStep(task *domain.Task, step int, description string) (StepResult, error)
}

// PressureProbe reports context-window pressure in percent.
type PressureProbe interface {
	PressurePct(sessionID string) int
}

// State is the persisted loop state, written on every transition so a
// successor can tell where a dead loop stood.
type State struct {
	SessionID    string    `json:"session_id"`
	State        string    `json:"state"`
	TaskID       string    `json:"task_id,omitempty"`
	TaskTitle    string    `json:"task_title,omitempty"`
	Steps        []string  `json:"steps,omitempty"`
	Step         int       `json:"step"`
	Errors       int       `json:"errors"`
	PlanMsgID    string    `json:"plan_msg_id,omitempty"`
	PlanSentAt   time.Time `json:"plan_sent_at,omitempty"`
	StepsRun     int       `json:"steps_run"`
	StopReason   string    `json:"stop_reason,omitempty"`
	PlanFeedback string    `json:"plan_feedback,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Terminal reports whether the state needs no recovery.
func (s *State) Terminal() bool {
	return s.State == StateIdle || s.State == StateDone || s.State == StateStopped || s.State == ""
}

// Loop is one worker's state machine.
type Loop struct {
	sess     *domain.Session
	pol      *policy.Policy
	store    *registry.Store
	reg      *registry.Registry
	leases   *lease.Manager
	bus      *bus.Bus
	board    *board.Publisher
	ckpts    *checkpoint.Store
	costs    *cost.Tracker
	track    tracker.Tracker
	recover  *recovery.Engine
	planner  Planner
	executor Executor
	pressure PressureProbe
	events   *eventlog.Log
	logger   *log.Logger
	now      func() time.Time

	stateDir string
	st       State
	task     *domain.Task
}

// Deps bundles the loop's collaborators.
type Deps struct {
	Policy      *policy.Policy
	Store       *registry.Store
	Registry    *registry.Registry
	Leases      *lease.Manager
	Bus         *bus.Bus
	Board       *board.Publisher
	Checkpoints *checkpoint.Store
	Costs       *cost.Tracker
	Tracker     tracker.Tracker
	Recovery    *recovery.Engine
	Planner     Planner
	Executor    Executor
	Pressure    PressureProbe
	Events      *eventlog.Log
	Logger      *log.Logger
	StateDir    string
}

// New builds a loop for sess.
func New(sess *domain.Session, d Deps) *Loop {
	l := &Loop{
		sess:     sess,
		pol:      d.Policy,
		store:    d.Store,
		reg:      d.Registry,
		leases:   d.Leases,
		bus:      d.Bus,
		board:    d.Board,
		ckpts:    d.Checkpoints,
		costs:    d.Costs,
		track:    d.Tracker,
		recover:  d.Recovery,
		planner:  d.Planner,
		executor: d.Executor,
		pressure: d.Pressure,
		events:   d.Events,
		logger:   d.Logger,
		now:      time.Now,
		stateDir: d.StateDir,
	}
	l.st = State{SessionID: sess.ID, State: StateIdle}
	return l
}

// SetClock overrides the time source for tests.
func (l *Loop) SetClock(now func() time.Time) { l.now = now }

// CurrentState returns a copy of the persisted loop state.
func (l *Loop) CurrentState() State { return l.st }

func (l *Loop) statePath() string {
	return filepath.Join(l.stateDir, "loop", l.sess.ID+".json")
}

func (l *Loop) setState(state string) {
	if l.st.State != state {
		l.logger.Printf("Loop %s: %s -> %s", l.sess.ID, l.st.State, state)
	}
	l.st.State = state
	l.st.UpdatedAt = l.now()
	if err := fsutil.WriteJSON(l.statePath(), &l.st); err != nil {
		l.logger.Printf("Loop %s: persist state: %v", l.sess.ID, err)
	}
}

// Running reports whether the loop should wake on the active poll rate.
func (l *Loop) Running() bool {
	return l.st.State != StateIdle && l.st.State != StateStopped
}

// RecoverOnStart inspects a leftover loop-state file. A non-terminal state
// means the previous incarnation died mid-task: resume from checkpoint
// when one exists, otherwise release any held claim and start idle.
func (l *Loop) RecoverOnStart() error {
	var prev State
	if err := fsutil.ReadJSON(l.statePath(), &prev); err != nil {
		l.st = State{SessionID: l.sess.ID, State: StateIdle}
		return nil
	}
	if prev.Terminal() {
		l.st = State{SessionID: l.sess.ID, State: StateIdle}
		return nil
	}
	cp, err := l.ckpts.Load(l.sess.ID)
	if err == nil && cp != nil && cp.TaskID != "" {
		l.logger.Printf("Loop %s: resuming %s from checkpoint v%d step %d",
			l.sess.ID, cp.TaskID, cp.Version, cp.PlanStep)
		l.task = &domain.Task{ID: cp.TaskID, Title: cp.TaskTitle}
		l.st = State{
			SessionID: l.sess.ID,
			TaskID:    cp.TaskID,
			TaskTitle: cp.TaskTitle,
			Step:      cp.PlanStep,
		}
		l.st.Steps = prev.Steps
		l.setState(StateExecuting)
		l.events.Emit("loop_resumed", l.sess.ID, map[string]any{"task_id": cp.TaskID, "step": cp.PlanStep})
		return nil
	}
	if l.sess.ClaimedTask != "" {
		if err := l.leases.Release(l.sess); err != nil {
			return err
		}
	}
	l.st = State{SessionID: l.sess.ID}
	l.setState(StateIdle)
	return nil
}

// Run drives the loop until ctx is cancelled, waking on signal-file
// changes and the two-rate poll.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.RecoverOnStart(); err != nil {
		return err
	}
	cfg := l.pol.Config().Loop
	wake := make(chan struct{}, 1)
	poller := NewPoller(
		l.pol.SignalFilePath(),
		time.Duration(cfg.ActivePollSeconds)*time.Second,
		time.Duration(cfg.IdlePollSeconds)*time.Second,
		l.Running,
		func() {
			select {
			case wake <- struct{}{}:
			default:
			}
		},
		l.logger,
	)
	go poller.Start(ctx)
	defer poller.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
			for l.Tick() {
				if ctx.Err() != nil {
					return ctx.Err()
				}
			}
			if l.st.State == StateStopped {
				return fmt.Errorf("loop stopped: %s", l.st.StopReason)
			}
		}
	}
}

// Tick advances at most one transition. It returns true when another tick
// may make progress immediately.
func (l *Loop) Tick() bool {
	if _, err := l.reg.Heartbeat(l.sess.PID); err != nil {
		l.logger.Printf("Loop %s: heartbeat: %v", l.sess.ID, err)
	}
	switch l.st.State {
	case StateIdle, "":
		return l.tickIdle()
	case StateClaiming:
		return l.tickClaiming()
	case StatePlanning:
		return l.tickPlanning()
	case StateWaitingApproval:
		return l.tickWaitingApproval()
	case StateExecuting:
		return l.tickExecuting()
	case StateCheckpointing:
		return l.tickCheckpointing()
	case StateDone:
		return l.tickDone()
	}
	return false
}

// tickIdle scans for a dispatcher assignment or an unclaimed ready task.
func (l *Loop) tickIdle() bool {
	msgs, err := l.bus.Read(l.sess.ID, bus.ReadFilter{Role: l.sess.Role, AgentName: l.sess.AgentName})
	if err != nil {
		l.logger.Printf("Loop %s: bus read: %v", l.sess.ID, err)
	}
	for i := range msgs {
		if msgs[i].Topic == domain.TopicTaskAssigned {
			if id, ok := msgs[i].Payload["task_id"].(string); ok && id != "" {
				l.task = &domain.Task{ID: id}
				if title, ok := msgs[i].Payload["title"].(string); ok {
					l.task.Title = title
				}
				l.setState(StateClaiming)
				return true
			}
		}
	}
	ready, err := l.track.Ready()
	if err != nil {
		l.logger.Printf("Loop %s: tracker ready: %v", l.sess.ID, err)
		return false
	}
	for i := range ready {
		if !l.leases.IsTaskClaimed(ready[i].ID) {
			l.task = &ready[i]
			l.setState(StateClaiming)
			return true
		}
	}
	return false
}

func (l *Loop) tickClaiming() bool {
	if l.task == nil {
		l.setState(StateIdle)
		return false
	}
	res, err := l.leases.Claim(l.sess, l.task.ID, defaultLease)
	if err != nil {
		l.logger.Printf("Loop %s: claim %s: %v", l.sess.ID, l.task.ID, err)
		l.setState(StateIdle)
		return false
	}
	if !res.Success {
		l.logger.Printf("Loop %s: task %s already held by %s", l.sess.ID, l.task.ID, res.ExistingClaim.SessionID)
		l.task = nil
		l.setState(StateIdle)
		return false
	}
	if err := l.track.Update(l.task.ID, "in_progress"); err != nil {
		l.logger.Printf("Loop %s: tracker update: %v", l.sess.ID, err)
	}
	l.st.TaskID = l.task.ID
	l.st.TaskTitle = l.task.Title
	l.st.Step = 0
	l.st.StepsRun = 0
	l.st.Errors = 0
	l.setState(StatePlanning)
	return true
}

func (l *Loop) tickPlanning() bool {
	steps, err := l.planner.Plan(l.task, l.st.PlanFeedback)
	if err != nil {
		l.recordError(fmt.Sprintf("planning failed: %v", err))
		return false
	}
	l.st.Steps = steps
	l.st.PlanFeedback = ""

	timeout := l.pol.ApprovalTimeout()
	res, err := l.bus.Send(domain.Message{
		From: l.sess.ID, ToRole: domain.RolePM, Type: domain.TypeRequest,
		Topic: "plan.approval", Priority: domain.PriorityBlocking,
		Payload: map[string]any{
			"task_id": l.task.ID,
			"title":   l.task.Title,
			"steps":   steps,
		},
		Ack: &domain.AckContract{Required: true, DeadlineMS: timeout.Milliseconds()},
	})
	if err != nil || !res.Success {
		l.logger.Printf("Loop %s: plan approval send failed: %v %v", l.sess.ID, err, res.Errors)
		l.recordError("plan approval send failed")
		return false
	}
	l.st.PlanMsgID = res.Message.ID
	l.st.PlanSentAt = l.now()
	l.setState(StateWaitingApproval)
	l.publishBoard(domain.BoardBlocked)
	return false
}

func (l *Loop) tickWaitingApproval() bool {
	msgs, err := l.bus.Read(l.sess.ID, bus.ReadFilter{Role: l.sess.Role, AgentName: l.sess.AgentName})
	if err != nil {
		l.logger.Printf("Loop %s: bus read: %v", l.sess.ID, err)
		return false
	}
	for i := range msgs {
		m := &msgs[i]
		if m.CorrelationID != l.st.PlanMsgID {
			continue
		}
		switch m.Topic {
		case "plan.approved":
			l.setState(StateExecuting)
			l.publishBoard(domain.BoardWorking)
			return true
		case "plan.rejected":
			if fb, ok := m.Payload["feedback"].(string); ok {
				l.st.PlanFeedback = fb
			}
			l.setState(StatePlanning)
			return true
		}
	}
	timeout := l.pol.ApprovalTimeout()
	if l.now().Sub(l.st.PlanSentAt) >= timeout {
		if l.pol.Config().Loop.AutoPlanOnTimeout {
			l.logger.Printf("Loop %s: approval timed out, proceeding on auto-plan", l.sess.ID)
			l.setState(StateExecuting)
			l.publishBoard(domain.BoardWorking)
			return true
		}
		if _, err := l.bus.Send(domain.Message{
			From: l.sess.ID, ToRole: domain.RolePM, Type: domain.TypeRequest,
			Topic: "plan.approval_timeout", Priority: domain.PriorityBlocking,
			Payload: map[string]any{"task_id": l.task.ID, "plan_msg_id": l.st.PlanMsgID},
			Ack:     &domain.AckContract{Required: true, DeadlineMS: timeout.Milliseconds()},
		}); err != nil {
			l.logger.Printf("Loop %s: escalate approval timeout: %v", l.sess.ID, err)
		}
		l.st.PlanSentAt = l.now() // re-arm so the escalation is not resent every tick
		l.setState(StateWaitingApproval)
	}
	return false
}

func (l *Loop) tickExecuting() bool {
	cfg := l.pol.Config().Loop

	check, err := l.costs.CheckBudget(l.sess.ID, l.task.ID)
	if err == nil {
		switch {
		case check.Fatal:
			l.stop(StopBudgetExceeded, check.Reason)
			return false
		case check.Status == cost.BudgetWarning:
			l.logger.Printf("Loop %s: budget warning: %s", l.sess.ID, check.Reason)
		}
	}

	if l.pressure != nil && l.pressure.PressurePct(l.sess.ID) >= cfg.CheckpointPressurePct {
		l.setState(StateCheckpointing)
		return true
	}
	if l.st.StepsRun >= cfg.MaxConsecutiveSteps {
		l.st.StepsRun = 0
		l.setState(StateCheckpointing)
		return true
	}
	if l.st.Step >= len(l.st.Steps) {
		l.setState(StateDone)
		return true
	}

	desc := l.st.Steps[l.st.Step]
	result, err := l.executor.ExecuteStep(l.task, l.st.Step, desc)
	if err != nil {
		l.recordError(err.Error())
		return l.st.State == StateExecuting
	}
	l.st.Errors = 0
	l.st.Step++
	l.st.StepsRun++
	if err := l.costs.RecordTaskCost(l.sess.ID, l.task.ID, int64(len(result.Output)), false); err != nil {
		l.logger.Printf("Loop %s: record cost: %v", l.sess.ID, err)
	}
	l.mergeProgress(result)
	if result.Done || l.st.Step >= len(l.st.Steps) {
		l.setState(StateDone)
	} else {
		l.setState(StateExecuting)
	}
	return true
}

func (l *Loop) mergeProgress(result StepResult) {
	snap := domain.ProgressSnapshot{
		TaskID:        l.task.ID,
		TaskTitle:     l.task.Title,
		Step:          l.st.Step,
		TotalSteps:    len(l.st.Steps),
		Status:        domain.BoardWorking,
		FilesModified: result.FilesModified,
		KeyDecisions:  result.KeyDecisions,
	}
	if err := l.board.PublishProgress(l.sess.ID, snap); err != nil {
		l.logger.Printf("Loop %s: publish progress: %v", l.sess.ID, err)
	}
}

func (l *Loop) publishBoard(status string) {
	snap := domain.ProgressSnapshot{Status: status}
	if l.task != nil {
		snap.TaskID = l.task.ID
		snap.TaskTitle = l.task.Title
		snap.Step = l.st.Step
		snap.TotalSteps = len(l.st.Steps)
	}
	if err := l.board.PublishProgress(l.sess.ID, snap); err != nil {
		l.logger.Printf("Loop %s: publish board: %v", l.sess.ID, err)
	}
}

func (l *Loop) tickCheckpointing() bool {
	cp := domain.Checkpoint{
		TaskID:     l.task.ID,
		TaskTitle:  l.task.Title,
		PlanStep:   l.st.Step,
		TotalSteps: len(l.st.Steps),
	}
	for i := 0; i < l.st.Step && i < len(l.st.Steps); i++ {
		cp.CompletedSteps = append(cp.CompletedSteps, domain.CompletedStep{Step: i + 1, Description: l.st.Steps[i]})
	}
	if _, err := l.ckpts.Save(l.sess.ID, cp); err != nil {
		l.logger.Printf("Loop %s: checkpoint save: %v", l.sess.ID, err)
	}
	l.events.Emit("checkpoint_saved", l.sess.ID, map[string]any{"task_id": l.task.ID, "step": l.st.Step})
	l.setState(StateExecuting)
	return true
}

func (l *Loop) tickDone() bool {
	if err := l.track.Close(l.task.ID); err != nil {
		l.logger.Printf("Loop %s: tracker close: %v", l.sess.ID, err)
	}
	if err := l.leases.Release(l.sess); err != nil {
		l.logger.Printf("Loop %s: release: %v", l.sess.ID, err)
	}
	if _, err := l.bus.NotifyTaskComplete(l.sess.ID, l.task.ID, map[string]any{"steps": len(l.st.Steps)}); err != nil {
		l.logger.Printf("Loop %s: notify complete: %v", l.sess.ID, err)
	}
	if err := l.ckpts.Delete(l.sess.ID); err != nil {
		l.logger.Printf("Loop %s: checkpoint delete: %v", l.sess.ID, err)
	}
	l.events.Emit("task_done", l.sess.ID, map[string]any{"task_id": l.task.ID})
	l.publishBoard(domain.BoardIdle)
	l.task = nil
	l.st.TaskID = ""
	l.st.TaskTitle = ""
	l.st.Steps = nil
	l.st.Step = 0
	l.setState(StateIdle)
	return true
}

// recordError counts a consecutive failure. Past the limit the loop asks
// recovery for a diagnosis: a known pattern with a suggestion resets the
// count so the step retries with the hint; anything else stops the loop
// and escalates.
func (l *Loop) recordError(detail string) {
	l.st.Errors++
	maxErrors := l.pol.Config().Loop.MaxErrors
	l.logger.Printf("Loop %s: error %d/%d: %s", l.sess.ID, l.st.Errors, maxErrors, detail)
	if l.st.Errors < maxErrors {
		l.setState(l.st.State)
		return
	}
	if l.recover != nil {
		suggestion, known, err := l.recover.RecoverTestFailure(l.sess, detail)
		if err == nil && known && suggestion != "" {
			l.logger.Printf("Loop %s: known failure, retrying with hint: %s", l.sess.ID, suggestion)
			l.st.Errors = 0
			l.st.PlanFeedback = suggestion
			l.setState(l.st.State)
			return
		}
	}
	taskID := ""
	if l.task != nil {
		taskID = l.task.ID
	}
	if _, err := l.bus.Send(domain.Message{
		From: l.sess.ID, ToRole: domain.RolePM, Type: domain.TypeRequest,
		Topic: "agent.failed", Priority: domain.PriorityBlocking,
		Payload: map[string]any{"task_id": taskID, "detail": detail},
		Ack:     &domain.AckContract{Required: true, DeadlineMS: l.pol.ApprovalTimeout().Milliseconds()},
	}); err != nil {
		l.logger.Printf("Loop %s: escalate failure: %v", l.sess.ID, err)
	}
	l.stop(StopMaxErrors, detail)
}

func (l *Loop) stop(reason, detail string) {
	l.st.StopReason = reason
	l.events.Emit("loop_stopped", l.sess.ID, map[string]any{"reason": reason, "detail": detail})
	l.publishBoard(domain.BoardBlocked)
	l.setState(StateStopped)
}
