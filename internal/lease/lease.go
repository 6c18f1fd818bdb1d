// Package lease implements mutually-exclusive task ownership with
// time-bounded leases, plus advisory area locks over code zones.
// Conflicts are structured denials, never errors: callers get the
// conflicting session and task ids so they can retry or coordinate.
package lease

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/jaakkos/pilot/internal/domain"
	"github.com/jaakkos/pilot/internal/eventlog"
	"github.com/jaakkos/pilot/internal/fsutil"
	"github.com/jaakkos/pilot/internal/policy"
	"github.com/jaakkos/pilot/internal/registry"
	"github.com/jaakkos/pilot/internal/worktree"
)

// Liveness answers whether a session still counts as live. Satisfied by
// *registry.Registry; tests use a func adapter.
type Liveness interface {
	IsAlive(sessionID string) bool
}

// Manager owns the claims and area-lock files.
type Manager struct {
	stateDir string
	store    *registry.Store
	live     Liveness
	pol      *policy.Policy
	events   *eventlog.Log
	logger   *log.Logger
	now      func() time.Time
}

// NewManager creates a lease manager over the shared state dir.
func NewManager(stateDir string, store *registry.Store, live Liveness, pol *policy.Policy, events *eventlog.Log, logger *log.Logger) *Manager {
	return &Manager{
		stateDir: stateDir,
		store:    store,
		live:     live,
		pol:      pol,
		events:   events,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock overrides the clock, for tests.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

func (m *Manager) claimPath(taskID string) string {
	return filepath.Join(m.stateDir, "claims", worktree.SanitizeID(taskID)+".json")
}

func (m *Manager) areaPath(area string) string {
	return filepath.Join(m.stateDir, "areas", worktree.SanitizeID(area)+".json")
}

// ClaimResult reports the outcome of a claim or extend attempt.
type ClaimResult struct {
	Success       bool          `json:"success"`
	Claim         *domain.Claim `json:"claim,omitempty"`
	ExistingClaim *domain.Claim `json:"existing_claim,omitempty"`
	Reason        string        `json:"reason,omitempty"`
}

// LockResult reports the outcome of an area lock attempt.
type LockResult struct {
	Success      bool             `json:"success"`
	Lock         *domain.AreaLock `json:"lock,omitempty"`
	ExistingLock *domain.AreaLock `json:"existing_lock,omitempty"`
	Reason       string           `json:"reason,omitempty"`
}

// CurrentClaim returns the claim on a task if one is held with a valid
// lease by a live session. Expired or dead-holder claims read as absent.
func (m *Manager) CurrentClaim(taskID string) (*domain.Claim, error) {
	var c domain.Claim
	if err := fsutil.ReadJSON(m.claimPath(taskID), &c); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if c.Expired(m.now()) {
		return nil, nil
	}
	if m.live != nil && !m.live.IsAlive(c.SessionID) {
		return nil, nil
	}
	return &c, nil
}

// IsTaskClaimed reports whether a task is currently held.
func (m *Manager) IsTaskClaimed(taskID string) bool {
	c, err := m.CurrentClaim(taskID)
	return err == nil && c != nil
}

// Claim takes exclusive ownership of taskID for sess. Fails with the
// existing claim when another live session holds a non-expired lease.
func (m *Manager) Claim(sess *domain.Session, taskID string, lease time.Duration) (ClaimResult, error) {
	existing, err := m.CurrentClaim(taskID)
	if err != nil {
		return ClaimResult{}, err
	}
	if existing != nil && existing.SessionID != sess.ID {
		return ClaimResult{
			Success:       false,
			ExistingClaim: existing,
			Reason:        fmt.Sprintf("task %s held by session %s", taskID, existing.SessionID),
		}, nil
	}

	now := m.now()
	claim := &domain.Claim{
		TaskID:         taskID,
		SessionID:      sess.ID,
		ClaimedAt:      now,
		LeaseExpiresAt: now.Add(lease),
	}
	if err := fsutil.WriteJSON(m.claimPath(taskID), claim); err != nil {
		return ClaimResult{}, err
	}

	sess.ClaimedTask = taskID
	sess.ClaimedAt = now
	sess.LeaseExpires = claim.LeaseExpiresAt
	if err := m.store.Save(sess); err != nil {
		return ClaimResult{}, err
	}
	m.events.Emit("task_claimed", sess.ID, map[string]any{"task_id": taskID, "lease_ms": lease.Milliseconds()})
	m.logger.Printf("Lease: %s claimed %s (lease %s)", sess.ID, taskID, lease)
	return ClaimResult{Success: true, Claim: claim}, nil
}

// Extend bumps the lease expiry, only while sess still holds the claim.
func (m *Manager) Extend(sess *domain.Session, extra time.Duration) (ClaimResult, error) {
	if sess.ClaimedTask == "" {
		return ClaimResult{Success: false, Reason: "no claimed task"}, nil
	}
	var c domain.Claim
	if err := fsutil.ReadJSON(m.claimPath(sess.ClaimedTask), &c); err != nil {
		return ClaimResult{Success: false, Reason: "claim record missing"}, nil
	}
	if c.SessionID != sess.ID {
		return ClaimResult{Success: false, ExistingClaim: &c, Reason: "claim held by another session"}, nil
	}
	c.LeaseExpiresAt = m.now().Add(extra)
	if err := fsutil.WriteJSON(m.claimPath(sess.ClaimedTask), &c); err != nil {
		return ClaimResult{}, err
	}
	sess.LeaseExpires = c.LeaseExpiresAt
	if err := m.store.Save(sess); err != nil {
		return ClaimResult{}, err
	}
	return ClaimResult{Success: true, Claim: &c}, nil
}

// Release clears the session's claim and all its area and file locks.
// Worktree removal is the caller's concern; Release only owns lease state.
func (m *Manager) Release(sess *domain.Session) error {
	if sess.ClaimedTask != "" {
		if err := os.Remove(m.claimPath(sess.ClaimedTask)); err != nil && !os.IsNotExist(err) {
			return err
		}
		m.events.Emit("task_released", sess.ID, map[string]any{"task_id": sess.ClaimedTask})
	}
	for _, area := range sess.LockedAreas {
		m.removeAreaLock(area, sess.ID)
	}
	sess.ClaimedTask = ""
	sess.ClaimedAt = time.Time{}
	sess.LeaseExpires = time.Time{}
	sess.LockedAreas = nil
	sess.LockedFiles = nil
	if err := m.store.Save(sess); err != nil {
		return err
	}
	m.events.Emit("locks_released", sess.ID, nil)
	return nil
}

// ReleaseBySessionID releases whatever the named session holds. Used by
// recovery when only the id of a dead session is known.
func (m *Manager) ReleaseBySessionID(sessionID string) error {
	sess, err := m.store.Load(sessionID)
	if err != nil || sess == nil {
		return err
	}
	return m.Release(sess)
}

// Transfer moves a dead session's claim, area locks, and worktree path to
// a successor, resetting the lease clock. The dead session is left with
// nothing to release.
func (m *Manager) Transfer(from, to *domain.Session, lease time.Duration) error {
	if from.ClaimedTask == "" {
		return fmt.Errorf("transfer: session %s holds no claim", from.ID)
	}
	now := m.now()
	claim := &domain.Claim{
		TaskID:         from.ClaimedTask,
		SessionID:      to.ID,
		ClaimedAt:      now,
		LeaseExpiresAt: now.Add(lease),
	}
	if err := fsutil.WriteJSON(m.claimPath(from.ClaimedTask), claim); err != nil {
		return err
	}
	for _, area := range from.LockedAreas {
		lock := &domain.AreaLock{Area: area, SessionID: to.ID, TaskID: from.ClaimedTask, LockedAt: now}
		if err := fsutil.WriteJSON(m.areaPath(area), lock); err != nil {
			return err
		}
	}

	to.ClaimedTask = from.ClaimedTask
	to.ClaimedAt = now
	to.LeaseExpires = claim.LeaseExpiresAt
	to.LockedAreas = append([]string(nil), from.LockedAreas...)
	to.WorktreePath = from.WorktreePath
	if err := m.store.Save(to); err != nil {
		return err
	}

	from.ClaimedTask = ""
	from.ClaimedAt = time.Time{}
	from.LeaseExpires = time.Time{}
	from.LockedAreas = nil
	from.LockedFiles = nil
	from.WorktreePath = ""
	if err := m.store.Save(from); err != nil {
		return err
	}
	m.events.Emit("claim_transferred", to.ID, map[string]any{
		"task_id": claim.TaskID, "from": from.ID,
	})
	m.logger.Printf("Lease: transferred %s from %s to %s", claim.TaskID, from.ID, to.ID)
	return nil
}

// AreaForPath maps a workspace-relative path to its symbolic area, or ""
// when no glob matches.
func (m *Manager) AreaForPath(relPath string) string {
	globs := m.pol.Config().Areas.Globs
	// Check specific areas before the catch-alls so e.g. *_test.go files
	// land in tests rather than backend.
	for _, area := range []string{"tests", "hooks", "docs", "frontend", "backend", "config"} {
		for _, g := range globs[area] {
			if matchGlob(g, relPath) {
				return area
			}
		}
	}
	for area, patterns := range globs {
		for _, g := range patterns {
			if matchGlob(g, relPath) {
				return area
			}
		}
	}
	return ""
}

// areaLock reads the current lock on an area, treating locks held by dead
// sessions as absent.
func (m *Manager) areaLock(area string) *domain.AreaLock {
	var l domain.AreaLock
	if err := fsutil.ReadJSON(m.areaPath(area), &l); err != nil {
		return nil
	}
	if m.live != nil && !m.live.IsAlive(l.SessionID) {
		return nil
	}
	return &l
}

// AreaLockedByOther reports whether a live session other than sessionID
// holds the area lock.
func (m *Manager) AreaLockedByOther(area, sessionID string) (bool, error) {
	l := m.areaLock(area)
	return l != nil && l.SessionID != sessionID, nil
}

// LockArea takes the advisory lock on a zone for sess.
func (m *Manager) LockArea(sess *domain.Session, area string) (LockResult, error) {
	if !m.pol.Config().Areas.Enabled {
		return LockResult{Success: true}, nil
	}
	if existing := m.areaLock(area); existing != nil && existing.SessionID != sess.ID {
		return LockResult{
			Success:      false,
			ExistingLock: existing,
			Reason:       fmt.Sprintf("area %s locked by session %s", area, existing.SessionID),
		}, nil
	}
	lock := &domain.AreaLock{
		Area:      area,
		SessionID: sess.ID,
		TaskID:    sess.ClaimedTask,
		LockedAt:  m.now(),
	}
	if err := fsutil.WriteJSON(m.areaPath(area), lock); err != nil {
		return LockResult{}, err
	}
	if !contains(sess.LockedAreas, area) {
		sess.LockedAreas = append(sess.LockedAreas, area)
		if err := m.store.Save(sess); err != nil {
			return LockResult{}, err
		}
	}
	m.events.Emit("area_locked", sess.ID, map[string]any{"area": area})
	return LockResult{Success: true, Lock: lock}, nil
}

// UnlockArea releases one zone lock held by sess.
func (m *Manager) UnlockArea(sess *domain.Session, area string) error {
	m.removeAreaLock(area, sess.ID)
	out := sess.LockedAreas[:0]
	for _, a := range sess.LockedAreas {
		if a != area {
			out = append(out, a)
		}
	}
	sess.LockedAreas = out
	if err := m.store.Save(sess); err != nil {
		return err
	}
	m.events.Emit("area_unlocked", sess.ID, map[string]any{"area": area})
	return nil
}

func (m *Manager) removeAreaLock(area, sessionID string) {
	var l domain.AreaLock
	if err := fsutil.ReadJSON(m.areaPath(area), &l); err != nil {
		return
	}
	if l.SessionID != sessionID {
		return
	}
	_ = os.Remove(m.areaPath(area))
}

// EditDenial explains a refused edit.
type EditDenial struct {
	Denied    bool   `json:"denied"`
	Area      string `json:"area,omitempty"`
	LockedBy  string `json:"locked_by,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
	NeverEdit bool   `json:"never_edit,omitempty"`
}

// CheckEdit is the pre-edit governance gate: a write to a file in an area
// locked by a foreign live session is denied, as is any never-edit path.
func (m *Manager) CheckEdit(sess *domain.Session, relPath string) EditDenial {
	for _, g := range m.pol.Config().Exception.NeverEdit {
		if matchGlob(g, relPath) {
			return EditDenial{Denied: true, NeverEdit: true, Reason: fmt.Sprintf("%s is a protected path", relPath)}
		}
	}
	if !m.pol.Config().Areas.Enabled {
		return EditDenial{}
	}
	area := m.AreaForPath(relPath)
	if area == "" {
		return EditDenial{}
	}
	l := m.areaLock(area)
	if l == nil || l.SessionID == sess.ID {
		return EditDenial{}
	}
	return EditDenial{
		Denied:   true,
		Area:     area,
		LockedBy: l.SessionID,
		TaskID:   l.TaskID,
		Reason:   fmt.Sprintf("area %s is locked by session %s (task %s)", area, l.SessionID, l.TaskID),
	}
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
