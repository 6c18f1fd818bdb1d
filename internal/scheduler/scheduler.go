// Package scheduler assigns ready tasks to live agent sessions by a
// weighted score over skill match, load, file affinity, and cost health,
// with a starvation boost for tasks stuck unassigned.
package scheduler

import (
	"log"
	"sort"
	"time"

	"github.com/jaakkos/pilot/internal/cost"
	"github.com/jaakkos/pilot/internal/domain"
	"github.com/jaakkos/pilot/internal/policy"
)

// affinityWindow bounds how far back outcome history counts.
const affinityWindow = 7 * 24 * time.Hour

// Candidate is one live agent session offered to the scheduler.
type Candidate struct {
	SessionID   string
	Role        domain.Role
	ActiveTasks int
}

// Assignment pairs a task with the chosen agent.
type Assignment struct {
	Task  domain.Task
	Agent Candidate
	Score float64
}

// ScheduleResult is the outcome of one greedy scheduling pass.
type ScheduleResult struct {
	Assignments []Assignment
	Unassigned  []domain.Task
}

// BudgetChecker gates assignments on spend.
type BudgetChecker interface {
	CheckBudget(sessionID, taskID string) (cost.BudgetCheck, error)
	AgentCost(sessionID string) (*domain.AgentCost, error)
}

// AffinityReader reports a role's recent success rate in an area.
type AffinityReader interface {
	SuccessRate(role domain.Role, area string, window time.Duration) (float64, error)
}

// AreaResolver maps a task to its symbolic area and reports foreign locks.
type AreaResolver interface {
	AreaForPath(path string) string
	AreaLockedByOther(area, sessionID string) (bool, error)
}

// Scheduler computes scores and produces assignments.
type Scheduler struct {
	pol      *policy.Policy
	budget   BudgetChecker
	affinity AffinityReader
	areas    AreaResolver
	logger   *log.Logger
	now      func() time.Time
}

// New returns a scheduler. affinity and areas may be nil; the matching
// score terms then fall back to neutral values.
func New(pol *policy.Policy, budget BudgetChecker, affinity AffinityReader, areas AreaResolver, logger *log.Logger) *Scheduler {
	return &Scheduler{pol: pol, budget: budget, affinity: affinity, areas: areas, logger: logger, now: time.Now}
}

// SetClock overrides the time source for tests.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// taskArea derives the symbolic area of a task from its labels, falling
// back to the area of the first file-looking label.
func (s *Scheduler) taskArea(task *domain.Task) string {
	known := s.pol.Config().Areas.Globs
	for _, l := range task.Labels {
		if _, ok := known[l]; ok {
			return l
		}
	}
	return ""
}

// requiredCapabilities extracts the capability labels a task asks for.
func requiredCapabilities(task *domain.Task) []string {
	known := map[string]bool{}
	for _, role := range domain.AllRoles() {
		for _, c := range role.Capabilities() {
			known[c] = true
		}
	}
	var out []string
	for _, l := range task.Labels {
		if known[l] {
			out = append(out, l)
		}
	}
	return out
}

func skillMatch(agent Candidate, required []string) float64 {
	if len(required) == 0 {
		return 1
	}
	caps := map[string]bool{}
	for _, c := range agent.Role.Capabilities() {
		caps[c] = true
	}
	matched := 0
	for _, r := range required {
		if caps[r] {
			matched++
		}
	}
	return float64(matched) / float64(len(required))
}

// Score computes the full weighted score for one agent-task pair.
func (s *Scheduler) Score(agent Candidate, task *domain.Task) float64 {
	cfg := s.pol.Config().Scheduler

	capacity := cfg.AgentCapacity
	if capacity <= 0 {
		capacity = 1
	}
	loadFraction := float64(agent.ActiveTasks) / float64(capacity)
	if loadFraction > 1 {
		loadFraction = 1
	}

	aff := 0.5
	if s.affinity != nil {
		if rate, err := s.affinity.SuccessRate(agent.Role, s.taskArea(task), affinityWindow); err == nil {
			aff = rate
		}
	}

	costHealth := 1.0
	if s.budget != nil {
		if ac, err := s.budget.AgentCost(agent.SessionID); err == nil && ac != nil {
			warn := s.pol.Config().Budget.PerAgentDay.WarnTokens
			if warn > 0 {
				used := float64(ac.TodayTokens) / float64(warn)
				if used > 1 {
					used = 1
				}
				costHealth = 1 - used
			}
		}
	}

	score := cfg.SkillWeight*skillMatch(agent, requiredCapabilities(task)) +
		cfg.LoadWeight*(1-loadFraction) +
		cfg.AffinityWeight*aff +
		cfg.CostWeight*costHealth
	return score + s.starvationBoost(task)
}

// starvationBoost grows with unassigned age, capped by policy.
func (s *Scheduler) starvationBoost(task *domain.Task) float64 {
	cfg := s.pol.Config().Scheduler
	if task.CreatedAt.IsZero() || cfg.StarvationIntervalSecs <= 0 {
		return 0
	}
	age := s.now().Sub(task.CreatedAt)
	interval := time.Duration(cfg.StarvationIntervalSecs) * time.Second
	if age < interval {
		return 0
	}
	boost := float64(age) / float64(interval) * cfg.StarvationBoostPerCycle
	if boost > cfg.StarvationBoostMax {
		boost = cfg.StarvationBoostMax
	}
	return boost
}

// eligible reports whether the agent may take the task at all.
func (s *Scheduler) eligible(agent Candidate, task *domain.Task) bool {
	if s.budget != nil {
		check, err := s.budget.CheckBudget(agent.SessionID, task.ID)
		if err == nil && check.Status == cost.BudgetExceeded {
			return false
		}
	}
	if s.areas != nil {
		if area := s.taskArea(task); area != "" {
			locked, err := s.areas.AreaLockedByOther(area, agent.SessionID)
			if err == nil && locked {
				return false
			}
		}
	}
	return true
}

// ScheduleOne picks the best eligible agent for a task, nil when none.
// Ties break toward the lexicographically smaller session id.
func (s *Scheduler) ScheduleOne(task domain.Task, agents []Candidate) *Assignment {
	var best *Assignment
	for _, agent := range agents {
		if !s.eligible(agent, &task) {
			continue
		}
		score := s.Score(agent, &task)
		if best == nil || score > best.Score ||
			(score == best.Score && agent.SessionID < best.Agent.SessionID) {
			best = &Assignment{Task: task, Agent: agent, Score: score}
		}
	}
	return best
}

// Schedule assigns tasks greedily by descending score, tracking per-agent
// capacity as it goes.
func (s *Scheduler) Schedule(tasks []domain.Task, agents []Candidate) ScheduleResult {
	capacity := s.pol.Config().Scheduler.AgentCapacity
	if capacity <= 0 {
		capacity = 1
	}

	type pick struct {
		task domain.Task
		asn  *Assignment
	}
	picks := make([]pick, 0, len(tasks))
	load := map[string]int{}
	for _, a := range agents {
		load[a.SessionID] = a.ActiveTasks
	}

	for _, task := range tasks {
		picks = append(picks, pick{task: task, asn: s.ScheduleOne(task, agents)})
	}
	sort.SliceStable(picks, func(i, j int) bool {
		si, sj := -1.0, -1.0
		if picks[i].asn != nil {
			si = picks[i].asn.Score
		}
		if picks[j].asn != nil {
			sj = picks[j].asn.Score
		}
		return si > sj
	})

	var res ScheduleResult
	for _, p := range picks {
		if p.asn == nil {
			res.Unassigned = append(res.Unassigned, p.task)
			continue
		}
		sid := p.asn.Agent.SessionID
		if load[sid] >= capacity {
			// Preferred agent is full; rescore against remaining capacity.
			var open []Candidate
			for _, a := range agents {
				if load[a.SessionID] < capacity {
					open = append(open, Candidate{SessionID: a.SessionID, Role: a.Role, ActiveTasks: load[a.SessionID]})
				}
			}
			retry := s.ScheduleOne(p.task, open)
			if retry == nil {
				res.Unassigned = append(res.Unassigned, p.task)
				continue
			}
			p.asn = retry
			sid = retry.Agent.SessionID
		}
		load[sid]++
		res.Assignments = append(res.Assignments, *p.asn)
	}
	return res
}
