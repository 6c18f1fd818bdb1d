// Package worktree manages per-task isolated checkouts: branch creation,
// VCS-level locking, merge with conflict precheck, and orphan reclamation.
package worktree

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// defaultGitTimeout bounds ordinary git invocations; merges get more.
const defaultGitTimeout = 10 * time.Second

// git runs a git command in repoDir with a timeout, returning combined output.
func git(repoDir string, timeout time.Duration, args ...string) (string, error) {
	if timeout <= 0 {
		timeout = defaultGitTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = repoDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %w\noutput: %s",
			strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func worktreeAdd(repoDir, worktreePath, branch, baseBranch string) error {
	args := []string{"worktree", "add", "-b", branch, worktreePath}
	if baseBranch != "" {
		args = append(args, baseBranch)
	}
	_, err := git(repoDir, 30*time.Second, args...)
	return err
}

func worktreeRemove(repoDir, worktreePath string, force bool) error {
	args := []string{"worktree", "remove", worktreePath}
	if force {
		args = append(args, "--force")
	}
	_, err := git(repoDir, 0, args...)
	return err
}

// worktreeRemoveDoubleForce retries removal with --force --force, which
// also clears locked worktrees.
func worktreeRemoveDoubleForce(repoDir, worktreePath string) error {
	_, err := git(repoDir, 0, "worktree", "remove", "--force", "--force", worktreePath)
	return err
}

func worktreeLock(repoDir, worktreePath, reason string) error {
	_, err := git(repoDir, 0, "worktree", "lock", "--reason", reason, worktreePath)
	return err
}

func worktreeUnlock(repoDir, worktreePath string) error {
	_, err := git(repoDir, 0, "worktree", "unlock", worktreePath)
	return err
}

func worktreePrune(repoDir string) error {
	_, err := git(repoDir, 0, "worktree", "prune")
	return err
}

// porcelainWorktree is one entry of `git worktree list --porcelain`.
type porcelainWorktree struct {
	Path         string
	Branch       string
	Locked       bool
	LockedReason string
}

func worktreeList(repoDir string) ([]porcelainWorktree, error) {
	out, err := git(repoDir, 0, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	var list []porcelainWorktree
	var cur *porcelainWorktree
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			if cur != nil {
				list = append(list, *cur)
			}
			cur = &porcelainWorktree{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "branch ") && cur != nil:
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		case strings.HasPrefix(line, "locked") && cur != nil:
			cur.Locked = true
			cur.LockedReason = strings.TrimSpace(strings.TrimPrefix(line, "locked"))
		}
	}
	if cur != nil {
		list = append(list, *cur)
	}
	return list, nil
}

func branchExists(repoDir, branch string) bool {
	_, err := git(repoDir, 0, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

// branchDelete force-deletes a local branch (handles unmerged branches).
func branchDelete(repoDir, branch string) error {
	_, err := git(repoDir, 0, "branch", "-D", branch)
	return err
}

func currentBranch(repoDir string) (string, error) {
	out, err := git(repoDir, 0, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func isGitRepo(dir string) bool {
	out, err := git(dir, 0, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

// mergeNoCommit attempts a merge without committing, for conflict prechecks.
func mergeNoCommit(repoDir, branch string, timeout time.Duration) error {
	_, err := git(repoDir, timeout, "merge", "--no-commit", "--no-ff", branch)
	return err
}

func mergeAbort(repoDir string) error {
	_, err := git(repoDir, 0, "merge", "--abort")
	return err
}

func mergeSquash(repoDir, branch string, timeout time.Duration) error {
	_, err := git(repoDir, timeout, "merge", "--squash", branch)
	return err
}

func mergeNoFF(repoDir, branch, msg string, timeout time.Duration) error {
	_, err := git(repoDir, timeout, "merge", "--no-ff", "-m", msg, branch)
	return err
}

func commitAll(repoDir, msg string) error {
	_, err := git(repoDir, 0, "commit", "-m", msg)
	return err
}

func addAll(repoDir string) error {
	_, err := git(repoDir, 0, "add", "-A")
	return err
}

func rebase(repoDir, base string, timeout time.Duration) error {
	_, err := git(repoDir, timeout, "rebase", base)
	return err
}

func rebaseAbort(repoDir string) error {
	_, err := git(repoDir, 0, "rebase", "--abort")
	return err
}

// conflictedFiles returns paths in merge-conflict state per status --porcelain.
func conflictedFiles(repoDir string) ([]string, error) {
	out, err := git(repoDir, 0, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		code := line[:2]
		switch code {
		case "UU", "AA", "DD", "AU", "UA", "DU", "UD":
			files = append(files, strings.TrimSpace(line[3:]))
		}
	}
	return files, nil
}
