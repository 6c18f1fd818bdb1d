// Package recovery decides what to do about a dead session: resume from a
// checkpoint, release its claim for reassignment, or clean up the debris.
// Two domain recoverers handle merge conflicts and repeated test failures.
package recovery

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jaakkos/pilot/internal/bus"
	"github.com/jaakkos/pilot/internal/checkpoint"
	"github.com/jaakkos/pilot/internal/domain"
	"github.com/jaakkos/pilot/internal/eventlog"
	"github.com/jaakkos/pilot/internal/lease"
	"github.com/jaakkos/pilot/internal/memory"
	"github.com/jaakkos/pilot/internal/registry"
	"github.com/jaakkos/pilot/internal/worktree"
)

// Recovery strategies.
const (
	StrategyResume   = "resume"
	StrategyReassign = "reassign"
	StrategyCleanup  = "cleanup"
)

// Assessment is the verdict on one dead session.
type Assessment struct {
	Strategy   string             `json:"strategy"`
	Checkpoint *domain.Checkpoint `json:"checkpoint,omitempty"`
	Session    *domain.Session    `json:"session,omitempty"`
	Reason     string             `json:"reason,omitempty"`
}

// ResumeContext is what a successor session needs to pick up the work.
type ResumeContext struct {
	Checkpoint *domain.Checkpoint `json:"checkpoint"`
	Prompt     string             `json:"prompt"`
}

// Engine runs recovery over the shared state.
type Engine struct {
	stateDir    string
	store       *registry.Store
	leases      *lease.Manager
	checkpoints *checkpoint.Store
	bus         *bus.Bus
	mem         *memory.Store
	worktrees   *worktree.Manager
	events      *eventlog.Log
	logger      *log.Logger
	now         func() time.Time
}

// NewEngine wires a recovery engine. mem and worktrees may be nil; the
// corresponding recoverers then degrade to escalation only.
func NewEngine(stateDir string, store *registry.Store, leases *lease.Manager, checkpoints *checkpoint.Store, b *bus.Bus, mem *memory.Store, worktrees *worktree.Manager, events *eventlog.Log, logger *log.Logger) *Engine {
	return &Engine{
		stateDir:    stateDir,
		store:       store,
		leases:      leases,
		checkpoints: checkpoints,
		bus:         b,
		mem:         mem,
		worktrees:   worktrees,
		events:      events,
		logger:      logger,
		now:         time.Now,
	}
}

// SetClock overrides the time source for tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// AssessRecovery picks a strategy for a dead session: resume when a
// checkpoint records a task, reassign when a claim is held without one,
// cleanup otherwise.
func (e *Engine) AssessRecovery(sessionID string) (Assessment, error) {
	sess, err := e.store.Load(sessionID)
	if err != nil {
		return Assessment{}, err
	}
	cp, err := e.checkpoints.Load(sessionID)
	if err != nil {
		e.logger.Printf("Recovery: checkpoint read for %s: %v", sessionID, err)
	}
	if cp != nil && cp.TaskID != "" {
		return Assessment{
			Strategy:   StrategyResume,
			Checkpoint: cp,
			Session:    sess,
			Reason:     fmt.Sprintf("checkpoint v%d records task %s", cp.Version, cp.TaskID),
		}, nil
	}
	if sess != nil && sess.ClaimedTask != "" {
		return Assessment{
			Strategy: StrategyReassign,
			Session:  sess,
			Reason:   fmt.Sprintf("claim on %s with no checkpoint", sess.ClaimedTask),
		}, nil
	}
	return Assessment{Strategy: StrategyCleanup, Session: sess, Reason: "no task claimed"}, nil
}

// RecoverFromCheckpoint loads the dead session's checkpoint and renders
// the restoration prompt a successor starts from.
func (e *Engine) RecoverFromCheckpoint(deadSessionID string) (*ResumeContext, error) {
	cp, err := e.checkpoints.Load(deadSessionID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, fmt.Errorf("no checkpoint for session %s", deadSessionID)
	}
	return &ResumeContext{
		Checkpoint: cp,
		Prompt:     checkpoint.BuildRestorationPrompt(cp),
	}, nil
}

// ReleaseAndReassign frees everything the dead session held and tells the
// PM the task needs a new owner.
func (e *Engine) ReleaseAndReassign(deadSessionID, pmSessionID string) error {
	sess, err := e.store.Load(deadSessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return fmt.Errorf("unknown session %s", deadSessionID)
	}
	taskID := sess.ClaimedTask
	if err := e.leases.Release(sess); err != nil {
		return err
	}
	if e.mem != nil && sess.Role != "" {
		if err := e.mem.RecordOutcome(memory.TaskOutcome{
			Role: string(sess.Role), SessionID: deadSessionID, TaskID: taskID,
			Success: false, Detail: "session died mid-task, reassigned",
		}); err != nil {
			e.logger.Printf("Recovery: record outcome for %s: %v", deadSessionID, err)
		}
	}
	from := pmSessionID
	if from == "" {
		from = deadSessionID
	}
	_, err = e.bus.SendToRole(from, domain.RolePM, "task.needs_reassign", map[string]any{
		"task_id":      taskID,
		"dead_session": deadSessionID,
	})
	e.events.Emit("task_reassign_requested", deadSessionID, map[string]any{"task_id": taskID})
	return err
}

// RecoverSession transfers the dead session's claim, locks, and worktree
// to a successor and clears the dead session's leftovers.
func (e *Engine) RecoverSession(deadSessionID, newSessionID string, leaseDur time.Duration) error {
	dead, err := e.store.Load(deadSessionID)
	if err != nil {
		return err
	}
	if dead == nil {
		return fmt.Errorf("unknown session %s", deadSessionID)
	}
	succ, err := e.store.Load(newSessionID)
	if err != nil {
		return err
	}
	if succ == nil {
		return fmt.Errorf("unknown session %s", newSessionID)
	}
	if err := e.leases.Transfer(dead, succ, leaseDur); err != nil {
		return err
	}
	e.Cleanup(deadSessionID)
	return nil
}

// Cleanup removes the per-session debris: lockfile, nudges, bus cursor,
// loop state, pressure state.
func (e *Engine) Cleanup(sessionID string) {
	paths := []string{
		filepath.Join(e.stateDir, "locks", sessionID+".lock"),
		filepath.Join(e.stateDir, "loop", sessionID+".json"),
		filepath.Join(e.stateDir, "pressure", sessionID+".json"),
		filepath.Join(e.stateDir, "nudges", sessionID+".json"),
	}
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			e.logger.Printf("Recovery: cleanup %s: %v", p, err)
		}
	}
	e.bus.RemoveCursor(sessionID)
	e.events.Emit("session_cleaned", sessionID, nil)
}

// Run executes the assessed strategy for one dead session. For resume the
// caller still has to hand the returned context to a successor.
func (e *Engine) Run(sessionID, pmSessionID string) (Assessment, *ResumeContext, error) {
	assessment, err := e.AssessRecovery(sessionID)
	if err != nil {
		return Assessment{}, nil, err
	}
	switch assessment.Strategy {
	case StrategyResume:
		rc, err := e.RecoverFromCheckpoint(sessionID)
		return assessment, rc, err
	case StrategyReassign:
		return assessment, nil, e.ReleaseAndReassign(sessionID, pmSessionID)
	default:
		e.Cleanup(sessionID)
		return assessment, nil, nil
	}
}

// RecoverMergeConflict tries a rebase onto the base branch in the task's
// worktree. On failure the conflict files are remembered and the PM gets a
// blocking request.
func (e *Engine) RecoverMergeConflict(sess *domain.Session, taskID string) (bool, []string, error) {
	if e.worktrees == nil {
		return false, nil, fmt.Errorf("no worktree manager configured")
	}
	ok, conflicts, err := e.worktrees.Rebase(taskID)
	if err != nil {
		return false, conflicts, err
	}
	if ok {
		return true, nil, nil
	}
	if e.mem != nil && sess.Role != "" {
		pattern := "merge_conflict:" + strings.Join(conflicts, ",")
		if err := e.mem.RecordError(sess.Role, pattern, ""); err != nil {
			e.logger.Printf("Recovery: record merge conflict: %v", err)
		}
	}
	if _, err := e.bus.Send(domain.Message{
		From: sess.ID, ToRole: domain.RolePM, Type: domain.TypeRequest,
		Topic: "merge.conflict", Priority: domain.PriorityBlocking,
		Payload: map[string]any{
			"task_id":   taskID,
			"conflicts": conflicts,
		},
		Ack: &domain.AckContract{Required: true, DeadlineMS: (5 * time.Minute).Milliseconds()},
	}); err != nil {
		e.logger.Printf("Recovery: escalate merge conflict: %v", err)
	}
	return false, conflicts, nil
}

// RecoverTestFailure matches the failure output against remembered
// patterns for the role. A known pattern with a resolution comes back as
// the suggestion; an unknown one is recorded and escalated.
func (e *Engine) RecoverTestFailure(sess *domain.Session, output string) (suggestion string, known bool, err error) {
	pattern := ExtractErrorPattern(output)
	if pattern == "" {
		return "", false, nil
	}
	if e.mem != nil {
		ep, err := e.mem.LookupError(sess.Role, pattern)
		if err != nil {
			return "", false, err
		}
		if ep != nil && ep.Resolution != "" {
			return ep.Resolution, true, nil
		}
		if err := e.mem.RecordError(sess.Role, pattern, ""); err != nil {
			e.logger.Printf("Recovery: record test failure: %v", err)
		}
	}
	if _, err := e.bus.SendToRole(sess.ID, domain.RolePM, "test.failure", map[string]any{
		"pattern": pattern,
		"session": sess.ID,
	}); err != nil {
		e.logger.Printf("Recovery: escalate test failure: %v", err)
	}
	return "", false, nil
}

// errorMarkers are substrings that make a line look like the failure.
var errorMarkers = []string{"error", "Error", "ERROR", "FAIL", "panic:", "fatal", "exception"}

// ExtractErrorPattern pulls the first error-looking line out of test
// output, truncated to a stable length.
func ExtractErrorPattern(output string) string {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		for _, marker := range errorMarkers {
			if strings.Contains(line, marker) {
				if len(line) > 200 {
					line = line[:200]
				}
				return line
			}
		}
	}
	return ""
}
