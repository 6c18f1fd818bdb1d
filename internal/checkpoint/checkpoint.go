// Package checkpoint persists versioned snapshots of an agent's working
// state under memory/agents/<session>/, with a bounded history, so a
// replacement session can resume cold.
package checkpoint

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jaakkos/pilot/internal/domain"
	"github.com/jaakkos/pilot/internal/fsutil"
)

// HistoryDepth is how many prior checkpoint versions are kept.
const HistoryDepth = 5

// Store reads and writes per-session checkpoints.
type Store struct {
	dir    string // memory/agents root
	logger *log.Logger
	now    func() time.Time
}

// NewStore returns a checkpoint store rooted at dir.
func NewStore(dir string, logger *log.Logger) *Store {
	return &Store{dir: dir, logger: logger, now: time.Now}
}

// SetClock overrides the time source for tests.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

func (s *Store) sessionDir(sessionID string) string {
	return filepath.Join(s.dir, sessionID)
}

func (s *Store) currentPath(sessionID string) string {
	return filepath.Join(s.sessionDir(sessionID), "checkpoint.json")
}

func (s *Store) historyDir(sessionID string) string {
	return filepath.Join(s.sessionDir(sessionID), "history")
}

// Save writes a new checkpoint version, archiving the previous one and
// rotating history down to HistoryDepth entries.
func (s *Store) Save(sessionID string, cp domain.Checkpoint) (*domain.Checkpoint, error) {
	prev, err := s.Load(sessionID)
	if err != nil {
		return nil, err
	}
	cp.SessionID = sessionID
	cp.SavedAt = s.now()
	cp.Version = 1
	if prev != nil {
		cp.Version = prev.Version + 1
		histPath := filepath.Join(s.historyDir(sessionID),
			fmt.Sprintf("checkpoint-v%d.json", prev.Version))
		if err := fsutil.WriteJSON(histPath, prev); err != nil {
			s.logger.Printf("Checkpoint: archive v%d for %s: %v", prev.Version, sessionID, err)
		}
	}
	if err := fsutil.WriteJSON(s.currentPath(sessionID), &cp); err != nil {
		return nil, err
	}
	s.rotate(sessionID)
	return &cp, nil
}

// rotate trims history to the newest HistoryDepth versions.
func (s *Store) rotate(sessionID string) {
	entries, err := os.ReadDir(s.historyDir(sessionID))
	if err != nil {
		return
	}
	var versions []int
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "checkpoint-v") || !strings.HasSuffix(name, ".json") {
			continue
		}
		v, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "checkpoint-v"), ".json"))
		if err != nil {
			continue
		}
		versions = append(versions, v)
	}
	if len(versions) <= HistoryDepth {
		return
	}
	sort.Sort(sort.Reverse(sort.IntSlice(versions)))
	for _, v := range versions[HistoryDepth:] {
		path := filepath.Join(s.historyDir(sessionID), fmt.Sprintf("checkpoint-v%d.json", v))
		if err := os.Remove(path); err != nil {
			s.logger.Printf("Checkpoint: rotate %s: %v", path, err)
		}
	}
}

// Load returns the current checkpoint, or nil when none exists.
func (s *Store) Load(sessionID string) (*domain.Checkpoint, error) {
	path := s.currentPath(sessionID)
	if !fsutil.FileExists(path) {
		return nil, nil
	}
	var cp domain.Checkpoint
	if err := fsutil.ReadJSON(path, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

// History returns archived checkpoints, newest first.
func (s *Store) History(sessionID string) ([]domain.Checkpoint, error) {
	entries, err := os.ReadDir(s.historyDir(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []domain.Checkpoint
	for _, e := range entries {
		var cp domain.Checkpoint
		path := filepath.Join(s.historyDir(sessionID), e.Name())
		if err := fsutil.ReadJSON(path, &cp); err != nil {
			s.logger.Printf("Checkpoint: read history %s: %v", path, err)
			continue
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

// Delete removes the current checkpoint and its entire history.
func (s *Store) Delete(sessionID string) error {
	if err := os.Remove(s.currentPath(sessionID)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return os.RemoveAll(s.historyDir(sessionID))
}

// BuildRestorationPrompt renders the checkpoint as the briefing a cold
// agent reads before resuming the task.
func BuildRestorationPrompt(cp *domain.Checkpoint) string {
	if cp == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# Restored session context (checkpoint v%d)\n\n", cp.Version)
	if cp.TaskID != "" {
		fmt.Fprintf(&b, "You were working on task %s", cp.TaskID)
		if cp.TaskTitle != "" {
			fmt.Fprintf(&b, ": %s", cp.TaskTitle)
		}
		b.WriteString("\n\n")
	}
	if cp.TotalSteps > 0 {
		fmt.Fprintf(&b, "## Progress\nStep %d of %d.\n\n", cp.PlanStep, cp.TotalSteps)
	}
	if len(cp.CompletedSteps) > 0 {
		b.WriteString("## Completed steps\n")
		for _, step := range cp.CompletedSteps {
			fmt.Fprintf(&b, "%d. %s", step.Step, step.Description)
			if step.Result != "" {
				fmt.Fprintf(&b, " (%s)", step.Result)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	if len(cp.KeyDecisions) > 0 {
		b.WriteString("## Key decisions\n")
		for _, d := range cp.KeyDecisions {
			fmt.Fprintf(&b, "- %s\n", d)
		}
		b.WriteString("\n")
	}
	if len(cp.FilesModified) > 0 {
		b.WriteString("## Files modified\n")
		for _, f := range cp.FilesModified {
			fmt.Fprintf(&b, "- %s\n", f)
		}
		b.WriteString("\n")
	}
	if len(cp.Findings) > 0 {
		b.WriteString("## Important findings\n")
		for _, f := range cp.Findings {
			fmt.Fprintf(&b, "- %s\n", f)
		}
		b.WriteString("\n")
	}
	if cp.CurrentContext != "" {
		fmt.Fprintf(&b, "## Current context\n%s\n\n", cp.CurrentContext)
	}
	b.WriteString("Resume work from where the checkpoint left off. Verify the plan step before making changes.\n")
	return b.String()
}
