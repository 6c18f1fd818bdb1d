// Package cost tracks token spend per task, per agent, and per day, and
// evaluates the tiered budget policy over those aggregates.
package cost

import (
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/jaakkos/pilot/internal/domain"
	"github.com/jaakkos/pilot/internal/fsutil"
	"github.com/jaakkos/pilot/internal/policy"
)

// BytesPerToken is the fixed byte-to-token approximation.
const BytesPerToken = 4

// Estimator converts raw output bytes to a token count. The default
// divides by BytesPerToken; a tokenizer-backed one can replace it.
type Estimator interface {
	EstimateTokens(data []byte) int64
}

// ByteEstimator is the default fixed-ratio model.
type ByteEstimator struct{}

func (ByteEstimator) EstimateTokens(data []byte) int64 {
	return int64(len(data)) / BytesPerToken
}

// BudgetStatus is the outcome of a budget check.
type BudgetStatus string

const (
	BudgetOK       BudgetStatus = "ok"
	BudgetWarning  BudgetStatus = "warning"
	BudgetExceeded BudgetStatus = "exceeded"
)

// BudgetCheck reports one evaluation of the tiered budgets.
type BudgetCheck struct {
	Status BudgetStatus `json:"status"`
	Reason string       `json:"reason,omitempty"`
	// Fatal is set when the status is exceeded under hard enforcement.
	Fatal bool `json:"fatal,omitempty"`
}

// EfficiencyMetrics summarizes spend per unit of work on a task.
type EfficiencyMetrics struct {
	TaskID          string  `json:"task_id"`
	TotalTokens     int64   `json:"total_tokens"`
	RespawnCount    int     `json:"respawn_count"`
	Steps           int     `json:"steps,omitempty"`
	TokensPerStep   float64 `json:"tokens_per_step,omitempty"`
	Commits         int     `json:"commits,omitempty"`
	TokensPerCommit float64 `json:"tokens_per_commit,omitempty"`
}

// Tracker persists cost aggregates under state/costs/.
type Tracker struct {
	dir    string
	pol    *policy.Policy
	est    Estimator
	logger *log.Logger
	now    func() time.Time
}

// NewTracker returns a tracker rooted at stateDir/costs.
func NewTracker(stateDir string, pol *policy.Policy, logger *log.Logger) *Tracker {
	return &Tracker{
		dir:    filepath.Join(stateDir, "costs"),
		pol:    pol,
		est:    ByteEstimator{},
		logger: logger,
		now:    time.Now,
	}
}

// SetClock overrides the time source for tests.
func (t *Tracker) SetClock(now func() time.Time) { t.now = now }

// SetEstimator swaps the token model.
func (t *Tracker) SetEstimator(est Estimator) { t.est = est }

func (t *Tracker) taskPath(taskID string) string {
	return filepath.Join(t.dir, "tasks", taskID+".json")
}

func (t *Tracker) agentPath(sessionID string) string {
	return filepath.Join(t.dir, "agents", sessionID+".json")
}

func (t *Tracker) dailyPath(day string) string {
	return filepath.Join(t.dir, "daily", day+".json")
}

func (t *Tracker) day() string {
	return t.now().Format("2006-01-02")
}

// RecordTaskCost adds bytes of agent output to the task, agent, and daily
// aggregates. Respawn is recorded when the same session reappears on a task
// through recovery; callers pass respawn=true once per resume.
func (t *Tracker) RecordTaskCost(sessionID, taskID string, bytes int64, respawn bool) error {
	return t.record(sessionID, taskID, bytes, bytes/BytesPerToken, respawn)
}

// RecordOutput is RecordTaskCost for callers holding the raw output; the
// configured estimator sets the token count.
func (t *Tracker) RecordOutput(sessionID, taskID string, output []byte, respawn bool) error {
	return t.record(sessionID, taskID, int64(len(output)), t.est.EstimateTokens(output), respawn)
}

func (t *Tracker) record(sessionID, taskID string, bytes, tokens int64, respawn bool) error {
	now := t.now()

	tc, err := t.TaskCost(taskID)
	if err != nil {
		return err
	}
	if tc == nil {
		tc = &domain.TaskCost{TaskID: taskID, Sessions: map[string]int64{}}
	}
	if tc.Sessions == nil {
		tc.Sessions = map[string]int64{}
	}
	tc.TotalBytes += bytes
	tc.TotalTokens += tokens
	tc.Sessions[sessionID] += tokens
	if respawn {
		tc.RespawnCount++
	}
	tc.UpdatedAt = now
	if err := fsutil.WriteJSON(t.taskPath(taskID), tc); err != nil {
		return err
	}

	ac, err := t.AgentCost(sessionID)
	if err != nil {
		return err
	}
	if ac == nil {
		ac = &domain.AgentCost{SessionID: sessionID}
	}
	if ac.Day != t.day() {
		ac.Day = t.day()
		ac.TodayTokens = 0
	}
	ac.TotalTokens += tokens
	ac.TodayTokens += tokens
	ac.UpdatedAt = now
	if err := fsutil.WriteJSON(t.agentPath(sessionID), ac); err != nil {
		return err
	}

	dc, err := t.DailyCost()
	if err != nil {
		return err
	}
	dc.TotalTokens += tokens
	dc.UpdatedAt = now
	return fsutil.WriteJSON(t.dailyPath(dc.Day), dc)
}

// TaskCost returns the aggregate for a task, or nil when never recorded.
func (t *Tracker) TaskCost(taskID string) (*domain.TaskCost, error) {
	path := t.taskPath(taskID)
	if !fsutil.FileExists(path) {
		return nil, nil
	}
	var tc domain.TaskCost
	if err := fsutil.ReadJSON(path, &tc); err != nil {
		return nil, err
	}
	return &tc, nil
}

// AgentCost returns the aggregate for a session, or nil when never recorded.
func (t *Tracker) AgentCost(sessionID string) (*domain.AgentCost, error) {
	path := t.agentPath(sessionID)
	if !fsutil.FileExists(path) {
		return nil, nil
	}
	var ac domain.AgentCost
	if err := fsutil.ReadJSON(path, &ac); err != nil {
		return nil, err
	}
	return &ac, nil
}

// DailyCost returns today's global aggregate, zero-valued when absent.
func (t *Tracker) DailyCost() (*domain.DailyCost, error) {
	day := t.day()
	path := t.dailyPath(day)
	dc := &domain.DailyCost{Day: day}
	if !fsutil.FileExists(path) {
		return dc, nil
	}
	if err := fsutil.ReadJSON(path, dc); err != nil {
		return nil, err
	}
	return dc, nil
}

// CheckBudget evaluates the tiered thresholds for a session working a task.
// The first breached block threshold wins; otherwise the first warn.
func (t *Tracker) CheckBudget(sessionID, taskID string) (BudgetCheck, error) {
	budget := t.pol.Config().Budget
	hard := t.pol.HardEnforcement()

	tc, err := t.TaskCost(taskID)
	if err != nil {
		return BudgetCheck{}, err
	}
	ac, err := t.AgentCost(sessionID)
	if err != nil {
		return BudgetCheck{}, err
	}
	dc, err := t.DailyCost()
	if err != nil {
		return BudgetCheck{}, err
	}

	taskTokens := int64(0)
	if tc != nil {
		taskTokens = tc.TotalTokens
	}
	agentToday := int64(0)
	if ac != nil && ac.Day == t.day() {
		agentToday = ac.TodayTokens
	}

	type tier struct {
		name   string
		used   int64
		limits policy.BudgetThreshold
	}
	tiers := []tier{
		{"task " + taskID, taskTokens, budget.PerTask},
		{"agent " + sessionID + " today", agentToday, budget.PerAgentDay},
		{"day " + dc.Day, dc.TotalTokens, budget.PerDay},
	}
	for _, tr := range tiers {
		if tr.limits.BlockTokens > 0 && tr.used >= tr.limits.BlockTokens {
			return BudgetCheck{
				Status: BudgetExceeded,
				Reason: fmt.Sprintf("%s used %d tokens, block threshold %d", tr.name, tr.used, tr.limits.BlockTokens),
				Fatal:  hard,
			}, nil
		}
	}
	for _, tr := range tiers {
		if tr.limits.WarnTokens > 0 && tr.used >= tr.limits.WarnTokens {
			return BudgetCheck{
				Status: BudgetWarning,
				Reason: fmt.Sprintf("%s used %d tokens, warn threshold %d", tr.name, tr.used, tr.limits.WarnTokens),
			}, nil
		}
	}
	return BudgetCheck{Status: BudgetOK}, nil
}

// EfficiencyMetricsFor computes spend-per-unit summaries for a task.
func (t *Tracker) EfficiencyMetricsFor(taskID string, steps, commits int) (EfficiencyMetrics, error) {
	m := EfficiencyMetrics{TaskID: taskID, Steps: steps, Commits: commits}
	tc, err := t.TaskCost(taskID)
	if err != nil {
		return m, err
	}
	if tc == nil {
		return m, nil
	}
	m.TotalTokens = tc.TotalTokens
	m.RespawnCount = tc.RespawnCount
	if steps > 0 {
		m.TokensPerStep = float64(tc.TotalTokens) / float64(steps)
	}
	if commits > 0 {
		m.TokensPerCommit = float64(tc.TotalTokens) / float64(commits)
	}
	return m, nil
}
