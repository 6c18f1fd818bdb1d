package worktree

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jaakkos/pilot/internal/policy"
)

// lockReasonPrefix is written into the VCS lock so orphan GC can tell
// which session owns a worktree.
const lockReasonPrefix = "pilot-session:"

// SanitizeID reduces a task or area id to lowercase alphanumerics, hyphen
// and underscore. Every id is sanitized before it reaches a shell command,
// branch name, or path.
func SanitizeID(id string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(id) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "unnamed"
	}
	return b.String()
}

// Resolver is the opaque semantic merge-conflict resolver collaborator.
type Resolver interface {
	// Resolve attempts to resolve the conflicted files in dir. Accepted
	// resolutions are file path -> resolved content.
	Resolve(dir string, files []string) (ResolveOutcome, error)
}

// ResolveOutcome is the resolver contract's result.
type ResolveOutcome struct {
	Success         bool              `json:"success"`
	Resolutions     map[string]string `json:"resolutions,omitempty"`
	NeedsEscalation bool              `json:"needs_escalation"`
}

// PROpener is the optional PR-automation collaborator invoked after a
// clean merge.
type PROpener interface {
	OpenPR(branch, title string) error
}

// Info describes one managed worktree.
type Info struct {
	TaskID    string    `json:"task_id"`
	SessionID string    `json:"session_id"`
	Path      string    `json:"path"`
	Branch    string    `json:"branch"`
	CreatedAt time.Time `json:"created_at"`
}

// MergeResult reports a merge attempt.
type MergeResult struct {
	Success   bool     `json:"success"`
	Conflicts []string `json:"conflicts,omitempty"`
	Resolved  bool     `json:"resolved,omitempty"`
	Escalate  bool     `json:"escalate,omitempty"`
	Reason    string   `json:"reason,omitempty"`
}

// Manager creates, merges and reclaims per-task worktrees.
type Manager struct {
	pol      *policy.Policy
	logger   *log.Logger
	resolver Resolver
	pr       PROpener
}

// NewManager creates a worktree Manager. resolver and pr are optional.
func NewManager(pol *policy.Policy, logger *log.Logger) *Manager {
	return &Manager{pol: pol, logger: logger}
}

// SetResolver attaches the semantic conflict resolver.
func (m *Manager) SetResolver(r Resolver) { m.resolver = r }

// SetPROpener attaches the PR-automation collaborator.
func (m *Manager) SetPROpener(p PROpener) { m.pr = p }

// Enabled reports whether worktree isolation is on.
func (m *Manager) Enabled() bool { return m.pol.Config().Worktrees.Enabled }

func (m *Manager) cfg() policy.WorktreeConfig { return m.pol.Config().Worktrees }

// Path returns the checkout directory for a task.
func (m *Manager) Path(taskID string) string {
	base := m.cfg().BaseDir
	if base == "" {
		base = ".pilot/worktrees"
	}
	if !filepath.IsAbs(base) {
		base = filepath.Join(m.pol.WorkspaceRoot(), base)
	}
	return filepath.Join(base, SanitizeID(taskID))
}

// Branch returns the branch name for a task.
func (m *Manager) Branch(taskID string) string {
	prefix := m.cfg().BranchPrefix
	if prefix == "" {
		prefix = "pilot/"
	}
	return prefix + SanitizeID(taskID)
}

// Create makes the task's branch and isolated checkout, locking it with a
// reason citing the owning session. An already-existing checkout directory
// is reused, making Create idempotent across hook re-invocations.
func (m *Manager) Create(taskID, sessionID string) (*Info, error) {
	if !m.Enabled() {
		return nil, fmt.Errorf("worktrees disabled")
	}
	repo := m.pol.WorkspaceRoot()
	if !isGitRepo(repo) {
		return nil, fmt.Errorf("workspace %s is not a git repository", repo)
	}

	wtPath := m.Path(taskID)
	branch := m.Branch(taskID)
	info := &Info{TaskID: taskID, SessionID: sessionID, Path: wtPath, Branch: branch, CreatedAt: time.Now()}

	if _, err := os.Stat(wtPath); err == nil {
		return info, nil
	}

	base := m.cfg().BaseBranch
	if base == "" {
		var err error
		base, err = currentBranch(repo)
		if err != nil {
			return nil, fmt.Errorf("detect base branch: %w", err)
		}
	}

	// A stale branch from a previous run blocks worktree add; clear it.
	if branchExists(repo, branch) {
		_ = worktreePrune(repo)
		if err := branchDelete(repo, branch); err != nil {
			m.logger.Printf("Worktree: warning: could not delete stale branch %s: %v", branch, err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(wtPath), 0o755); err != nil {
		return nil, fmt.Errorf("create worktree parent dir: %w", err)
	}
	if err := worktreeAdd(repo, wtPath, branch, base); err != nil {
		return nil, fmt.Errorf("create worktree: %w", err)
	}
	if err := worktreeLock(repo, wtPath, lockReasonPrefix+sessionID); err != nil {
		m.logger.Printf("Worktree: warning: lock failed for %s: %v", wtPath, err)
	}
	m.logger.Printf("Worktree: created %s at %s (branch %s, base %s)", taskID, wtPath, branch, base)
	return info, nil
}

// Remove unlocks and deletes the task's checkout and branch. A failed
// forced removal is retried with the double-force form, then a plain
// directory removal.
func (m *Manager) Remove(taskID string) error {
	repo := m.pol.WorkspaceRoot()
	wtPath := m.Path(taskID)
	branch := m.Branch(taskID)

	_ = worktreeUnlock(repo, wtPath)
	if err := worktreeRemove(repo, wtPath, true); err != nil {
		if err2 := worktreeRemoveDoubleForce(repo, wtPath); err2 != nil {
			m.logger.Printf("Worktree: git removal failed for %s, removing directly: %v", wtPath, err2)
			if err3 := os.RemoveAll(wtPath); err3 != nil {
				return fmt.Errorf("remove worktree dir: %w (git: %v)", err3, err)
			}
		}
	}
	_ = worktreePrune(repo)
	if branchExists(repo, branch) {
		if err := branchDelete(repo, branch); err != nil {
			m.logger.Printf("Worktree: warning: could not delete branch %s: %v", branch, err)
		}
	}
	m.logger.Printf("Worktree: removed %s", taskID)
	return nil
}

// Merge folds the task branch into the base branch after a conflict
// precheck. Conflicts go to the semantic resolver when enabled; otherwise
// the conflict list is returned for escalation.
func (m *Manager) Merge(taskID, msg string) (MergeResult, error) {
	repo := m.pol.WorkspaceRoot()
	branch := m.Branch(taskID)
	timeout := time.Duration(m.cfg().MergeTimeoutSecs) * time.Second

	if !branchExists(repo, branch) {
		return MergeResult{Success: false, Reason: fmt.Sprintf("branch %s does not exist", branch)}, nil
	}

	// Precheck: trial merge, never committed.
	if err := mergeNoCommit(repo, branch, timeout); err != nil {
		conflicts, cerr := conflictedFiles(repo)
		_ = mergeAbort(repo)
		if cerr != nil {
			return MergeResult{}, fmt.Errorf("collect conflicts: %w", cerr)
		}
		if len(conflicts) == 0 {
			return MergeResult{Success: false, Reason: err.Error()}, nil
		}
		if m.cfg().MergeResolution && m.resolver != nil {
			return m.resolveAndMerge(repo, branch, msg, conflicts, timeout)
		}
		return MergeResult{Success: false, Conflicts: conflicts, Escalate: true, Reason: "merge conflicts"}, nil
	}
	_ = mergeAbort(repo)

	if err := m.commitMerge(repo, branch, msg, timeout); err != nil {
		return MergeResult{}, err
	}
	if m.pr != nil {
		if err := m.pr.OpenPR(branch, msg); err != nil {
			m.logger.Printf("Worktree: PR automation failed for %s: %v", branch, err)
		}
	}
	return MergeResult{Success: true}, nil
}

// commitMerge performs the real merge per the configured strategy.
func (m *Manager) commitMerge(repo, branch, msg string, timeout time.Duration) error {
	if m.cfg().MergeStrategy == "no-ff" {
		return mergeNoFF(repo, branch, msg, timeout)
	}
	if err := mergeSquash(repo, branch, timeout); err != nil {
		return err
	}
	return commitAll(repo, msg)
}

// resolveAndMerge applies accepted semantic resolutions, then commits.
func (m *Manager) resolveAndMerge(repo, branch, msg string, conflicts []string, timeout time.Duration) (MergeResult, error) {
	outcome, err := m.resolver.Resolve(repo, conflicts)
	if err != nil || !outcome.Success {
		return MergeResult{Success: false, Conflicts: conflicts, Escalate: true, Reason: "resolver failed"}, nil
	}
	// Redo the merge and overlay the resolutions before committing.
	if err := mergeNoCommit(repo, branch, timeout); err == nil {
		_ = mergeAbort(repo)
		// Conflict disappeared between precheck and redo; plain merge.
		if err := m.commitMerge(repo, branch, msg, timeout); err != nil {
			return MergeResult{}, err
		}
		return MergeResult{Success: true}, nil
	}
	for path, content := range outcome.Resolutions {
		full := filepath.Join(repo, path)
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			_ = mergeAbort(repo)
			return MergeResult{}, fmt.Errorf("apply resolution %s: %w", path, err)
		}
	}
	if err := addAll(repo); err != nil {
		_ = mergeAbort(repo)
		return MergeResult{}, err
	}
	if err := commitAll(repo, msg); err != nil {
		_ = mergeAbort(repo)
		return MergeResult{}, err
	}
	return MergeResult{Success: true, Resolved: true}, nil
}

// Rebase rebases the task's worktree onto the configured base branch.
// On conflict it aborts and returns the conflicted file list.
func (m *Manager) Rebase(taskID string) (ok bool, conflicts []string, err error) {
	wtPath := m.Path(taskID)
	base := m.cfg().BaseBranch
	if base == "" {
		base = "main"
	}
	timeout := time.Duration(m.cfg().MergeTimeoutSecs) * time.Second
	if rerr := rebase(wtPath, base, timeout); rerr != nil {
		conflicts, err = conflictedFiles(wtPath)
		_ = rebaseAbort(wtPath)
		return false, conflicts, err
	}
	return true, nil, nil
}

// OrphanGC removes worktrees whose locked reason names a session that is no
// longer active. Returns the number reclaimed.
func (m *Manager) OrphanGC(sessionActive func(sessionID string) bool) (int, error) {
	repo := m.pol.WorkspaceRoot()
	if !isGitRepo(repo) {
		return 0, nil
	}
	list, err := worktreeList(repo)
	if err != nil {
		return 0, err
	}
	reclaimed := 0
	for _, wt := range list {
		if !wt.Locked || !strings.HasPrefix(wt.LockedReason, lockReasonPrefix) {
			continue
		}
		sid := strings.TrimPrefix(wt.LockedReason, lockReasonPrefix)
		if sessionActive(sid) {
			continue
		}
		m.logger.Printf("Worktree: reclaiming orphan %s (dead session %s)", wt.Path, sid)
		_ = worktreeUnlock(repo, wt.Path)
		if err := worktreeRemove(repo, wt.Path, true); err != nil {
			if err2 := worktreeRemoveDoubleForce(repo, wt.Path); err2 != nil {
				m.logger.Printf("Worktree: orphan removal failed for %s: %v", wt.Path, err2)
				continue
			}
		}
		if wt.Branch != "" && branchExists(repo, wt.Branch) {
			_ = branchDelete(repo, wt.Branch)
		}
		reclaimed++
	}
	if reclaimed > 0 {
		_ = worktreePrune(repo)
	}
	return reclaimed, nil
}

// ProtectedBranch reports whether branch may never be force-modified.
func (m *Manager) ProtectedBranch(branch string) bool {
	for _, b := range m.cfg().ProtectedBranch {
		if b == branch {
			return true
		}
	}
	return false
}
