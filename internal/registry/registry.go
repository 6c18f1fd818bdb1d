// Package registry tracks agent sessions on disk: identity, lockfiles,
// PID-anchored liveness, resurrection and zombie repair. Liveness is never
// decided by "newest heartbeat wins"; a stale heartbeat with a live parent
// process keeps the session alive, which protects long tool calls.
package registry

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jaakkos/pilot/internal/domain"
	"github.com/jaakkos/pilot/internal/eventlog"
	"github.com/jaakkos/pilot/internal/policy"
	"github.com/jaakkos/pilot/internal/proc"
)

// heartbeatEventEvery throttles heartbeat events to bound event-log growth.
const heartbeatEventEvery = 5 * time.Minute

// EnvSessionID is the environment variable carrying an explicit session id.
const EnvSessionID = "PILOT_SESSION_ID"

// Registry coordinates session lifecycle over the Store.
type Registry struct {
	store  *Store
	prober proc.Prober
	pol    *policy.Policy
	events *eventlog.Log
	logger *log.Logger
	now    func() time.Time

	// OnSessionEnd hooks run after a session is ended by cleanup (cursor
	// removal, orphan worktree GC). Wired at startup.
	OnSessionEnd []func(sessionID string)

	lastHeartbeatEvent map[string]time.Time
}

// New creates a Registry.
func New(store *Store, prober proc.Prober, pol *policy.Policy, events *eventlog.Log, logger *log.Logger) *Registry {
	return &Registry{
		store:              store,
		prober:             prober,
		pol:                pol,
		events:             events,
		logger:             logger,
		now:                time.Now,
		lastHeartbeatEvent: make(map[string]time.Time),
	}
}

// SetClock overrides the clock, for tests.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

// Store exposes the underlying store to collaborating components.
func (r *Registry) Store() *Store { return r.store }

// RegisterContext describes the caller of Register.
type RegisterContext struct {
	PID       int // the hook invocation's own pid
	Role      domain.Role
	AgentName string
}

// Register resurrects the most recent ended session whose recorded parent
// PID matches the caller's resolved assistant PID, or creates a fresh
// session. Resurrection keeps re-invoked hooks in the same terminal bound
// to their state instead of proliferating sessions.
func (r *Registry) Register(rc RegisterContext) (*domain.Session, bool, error) {
	now := r.now()
	parentPID := r.prober.FindAssistantPID(rc.PID, r.pol.AssistantProcessName())

	unlock, err := r.acquireRegisterLock()
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	sessions, err := r.store.List()
	if err != nil {
		return nil, false, fmt.Errorf("list sessions: %w", err)
	}

	// An active session already bound to this parent wins outright.
	for _, s := range sessions {
		if s.Status == domain.SessionActive && s.EndedAt == nil && s.ParentPID == parentPID {
			s.PID = rc.PID
			s.Heartbeat = now
			if err := r.store.Save(s); err != nil {
				return nil, false, err
			}
			return s, false, nil
		}
	}

	// Resurrection: most recent ended session with a matching parent PID.
	// List is sorted newest heartbeat first, so the first match wins.
	var candidate *domain.Session
	for _, s := range sessions {
		if s.Status == domain.SessionEnded && s.ParentPID == parentPID {
			candidate = s
			break
		}
	}
	if candidate != nil {
		candidate.Status = domain.SessionActive
		candidate.EndedAt = nil
		candidate.EndReason = ""
		candidate.PID = rc.PID
		candidate.Heartbeat = now
		if rc.Role != "" {
			candidate.Role = rc.Role
		}
		if rc.AgentName != "" {
			candidate.AgentName = rc.AgentName
		}
		if err := r.store.Save(candidate); err != nil {
			return nil, false, err
		}
		if err := r.store.WriteLockfile(&domain.Lockfile{
			SessionID: candidate.ID, PID: rc.PID, ParentPID: parentPID, CreatedAt: now,
		}); err != nil {
			return nil, false, err
		}
		r.events.Emit("session_resurrected", candidate.ID, map[string]any{"parent_pid": parentPID})
		r.logger.Printf("Registry: resurrected session %s (parent_pid=%d)", candidate.ID, parentPID)
		return candidate, true, nil
	}

	sess := &domain.Session{
		ID:        NewSessionID(now),
		Role:      rc.Role,
		AgentName: rc.AgentName,
		PID:       rc.PID,
		ParentPID: parentPID,
		Heartbeat: now,
		Status:    domain.SessionActive,
		StartedAt: now,
	}
	if err := r.store.Save(sess); err != nil {
		return nil, false, err
	}
	if err := r.store.WriteLockfile(&domain.Lockfile{
		SessionID: sess.ID, PID: rc.PID, ParentPID: parentPID, CreatedAt: now,
	}); err != nil {
		return nil, false, err
	}
	r.events.Emit("session_started", sess.ID, map[string]any{
		"role": string(rc.Role), "agent": rc.AgentName, "parent_pid": parentPID,
	})
	r.logger.Printf("Registry: started session %s (role=%s, parent_pid=%d)", sess.ID, rc.Role, parentPID)
	return sess, false, nil
}

// IsAlive reports session liveness. Fast path: lockfile exists and its pid
// runs. Fallback: the session state's parent pid runs. A lockfile whose pid
// is provably dead is removed.
func (r *Registry) IsAlive(sessionID string) bool {
	if lf, err := r.store.ReadLockfile(sessionID); err == nil && lf != nil {
		if r.prober.Alive(lf.PID) || r.prober.Alive(lf.ParentPID) {
			return true
		}
		_ = r.store.RemoveLockfile(sessionID)
	}
	sess, err := r.store.Load(sessionID)
	if err != nil || sess == nil {
		return false
	}
	return r.prober.Alive(sess.ParentPID)
}

// isLive applies the full liveness rule from the session row.
func (r *Registry) isLive(s *domain.Session, now time.Time) bool {
	if s.Status != domain.SessionActive || s.EndedAt != nil {
		return false
	}
	if now.Sub(s.Heartbeat) <= r.pol.StaleAfter() {
		return true
	}
	return r.prober.Alive(s.ParentPID)
}

// ActiveSessions returns all live sessions, optionally excluding one id.
func (r *Registry) ActiveSessions(exclude string) ([]*domain.Session, error) {
	sessions, err := r.store.List()
	if err != nil {
		return nil, err
	}
	now := r.now()
	var out []*domain.Session
	for _, s := range sessions {
		if s.ID == exclude {
			continue
		}
		if r.isLive(s, now) {
			out = append(out, s)
		}
	}
	return out, nil
}

// Heartbeat refreshes the session owning the caller's assistant process.
// It falls back to the most recently-modified active session only when no
// PID match exists. Heartbeat events are throttled to one per ~5 minutes.
func (r *Registry) Heartbeat(pid int) (*domain.Session, error) {
	sess, err := r.Resolve("", pid)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		sessions, lerr := r.store.List()
		if lerr != nil {
			return nil, lerr
		}
		for _, s := range sessions { // list is newest-heartbeat first
			if s.Status == domain.SessionActive && s.EndedAt == nil {
				sess = s
				break
			}
		}
	}
	if sess == nil {
		return nil, fmt.Errorf("no session for pid %d", pid)
	}
	now := r.now()
	sess.Heartbeat = now
	if err := r.store.Save(sess); err != nil {
		return nil, err
	}
	if last, ok := r.lastHeartbeatEvent[sess.ID]; !ok || now.Sub(last) >= heartbeatEventEvery {
		r.lastHeartbeatEvent[sess.ID] = now
		r.events.Emit("heartbeat", sess.ID, nil)
	}
	return sess, nil
}

// Resolve locates the caller's session without guessing by recency:
// (1) explicit env session id; (2) direct pid/parent-pid match against
// active sessions; (3) walked assistant pid match; (4) resurrectable ended
// session with a matching parent pid (returned still ended, callers decide
// whether to Register). Returns nil when nothing matches.
func (r *Registry) Resolve(envSessionID string, pid int) (*domain.Session, error) {
	if envSessionID == "" {
		envSessionID = os.Getenv(EnvSessionID)
	}
	if envSessionID != "" {
		sess, err := r.store.Load(envSessionID)
		if err != nil {
			return nil, err
		}
		if sess != nil {
			return sess, nil
		}
	}
	sessions, err := r.store.List()
	if err != nil {
		return nil, err
	}
	for _, s := range sessions {
		if s.Status != domain.SessionActive || s.EndedAt != nil {
			continue
		}
		if s.PID == pid || s.ParentPID == pid {
			return s, nil
		}
	}
	walked := r.prober.FindAssistantPID(pid, r.pol.AssistantProcessName())
	for _, s := range sessions {
		if s.Status != domain.SessionActive || s.EndedAt != nil {
			continue
		}
		if s.ParentPID == walked {
			return s, nil
		}
	}
	for _, s := range sessions {
		if s.Status == domain.SessionEnded && s.ParentPID == walked {
			return s, nil
		}
	}
	return nil, nil
}

// End marks a session ended, removes its lockfile and runs end hooks.
func (r *Registry) End(sessionID, reason string) error {
	sess, err := r.store.Load(sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return fmt.Errorf("session %s not found", sessionID)
	}
	now := r.now()
	sess.Status = domain.SessionEnded
	sess.EndedAt = &now
	sess.EndReason = reason
	if err := r.store.Save(sess); err != nil {
		return err
	}
	_ = r.store.RemoveLockfile(sessionID)
	r.events.Emit("session_ended", sessionID, map[string]any{"reason": reason})
	for _, hook := range r.OnSessionEnd {
		hook(sessionID)
	}
	r.logger.Printf("Registry: ended session %s (%s)", sessionID, reason)
	return nil
}

// CleanupReport summarizes one cleanup sweep.
type CleanupReport struct {
	ZombiesRepaired    int
	HeartbeatRefreshed int
	Ended              int
}

// CleanupStale runs one sweep: repair zombies, then for each active session
// with a stale heartbeat probe the process: alive refreshes the heartbeat,
// dead ends the session.
func (r *Registry) CleanupStale() (CleanupReport, error) {
	var rep CleanupReport
	sessions, err := r.store.List()
	if err != nil {
		return rep, err
	}
	now := r.now()
	for _, s := range sessions {
		if s.IsZombie() {
			s.Status = domain.SessionEnded
			if s.EndReason == "" {
				s.EndReason = "zombie_repair"
			}
			if err := r.store.Save(s); err == nil {
				rep.ZombiesRepaired++
				_ = r.store.RemoveLockfile(s.ID)
				r.events.Emit("session_ended", s.ID, map[string]any{"reason": "zombie_repair"})
			}
			continue
		}
		if s.Status != domain.SessionActive {
			continue
		}
		if now.Sub(s.Heartbeat) <= r.pol.StaleAfter() {
			continue
		}
		if r.prober.Alive(s.ParentPID) {
			s.Heartbeat = now
			if err := r.store.Save(s); err == nil {
				rep.HeartbeatRefreshed++
			}
			continue
		}
		if err := r.End(s.ID, "stale_heartbeat_process_dead"); err == nil {
			rep.Ended++
		}
	}
	return rep, nil
}

// RefreshHeartbeatsOnStartup bumps heartbeats of active sessions whose
// process still runs, so a supervisor restart does not mass-expire them.
func (r *Registry) RefreshHeartbeatsOnStartup() {
	sessions, err := r.store.List()
	if err != nil {
		return
	}
	now := r.now()
	for _, s := range sessions {
		if s.Status == domain.SessionActive && s.EndedAt == nil && r.prober.Alive(s.ParentPID) {
			s.Heartbeat = now
			_ = r.store.Save(s)
		}
	}
}

// ArchiveEnded moves ended sessions older than threshold into the archive.
func (r *Registry) ArchiveEnded(threshold time.Duration) (int, error) {
	sessions, err := r.store.List()
	if err != nil {
		return 0, err
	}
	now := r.now()
	archived := 0
	for _, s := range sessions {
		if s.Status != domain.SessionEnded || s.EndedAt == nil {
			continue
		}
		if now.Sub(*s.EndedAt) < threshold {
			continue
		}
		if err := r.store.Archive(s.ID); err == nil {
			archived++
		}
	}
	return archived, nil
}

// acquireRegisterLock takes the advisory lock guarding the resurrection
// window, so two hooks racing on the same parent pid serialize.
func (r *Registry) acquireRegisterLock() (func(), error) {
	path := r.store.LockfilePath(".register")
	deadline := r.now().Add(2 * time.Second)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			f.Close()
			return func() { os.Remove(path) }, nil
		}
		if !os.IsExist(err) {
			if mkErr := os.MkdirAll(r.store.locksDir(), 0o755); mkErr == nil {
				continue
			}
			return nil, fmt.Errorf("register lock: %w", err)
		}
		// A holder older than a few seconds is a crashed hook.
		if info, serr := os.Stat(path); serr == nil && time.Since(info.ModTime()) > 5*time.Second {
			_ = os.Remove(path)
			continue
		}
		if r.now().After(deadline) {
			return nil, fmt.Errorf("register lock: timed out")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
