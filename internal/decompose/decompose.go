// Package decompose splits large tickets into ordered subtasks with a
// dependency DAG the scheduler can run in parallel layers.
package decompose

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/jaakkos/pilot/internal/domain"
)

// systemKeywords mark a task as system-scoped.
var systemKeywords = []string{
	"system", "architecture", "integration", "migration", "refactor",
	"end-to-end", "e2e", "overhaul", "redesign", "platform", "pipeline",
}

// domainLabels maps recognized labels to a task domain.
var domainLabels = map[string]string{
	"frontend": "frontend", "ui": "frontend", "css": "frontend",
	"backend": "backend", "api": "backend", "database": "backend",
	"testing": "testing", "tests": "testing", "qa": "testing",
	"docs": "docs", "documentation": "docs",
	"infra": "infra", "ci": "infra", "deploy": "infra",
}

// Verdict is the should-decompose decision with its reason.
type Verdict struct {
	Decompose bool   `json:"decompose"`
	Reason    string `json:"reason"`
}

// DomainInfo classifies a task's home domain.
type DomainInfo struct {
	Domain     string   `json:"domain"`
	Requires   []string `json:"requires,omitempty"`
	PostAgents []string `json:"post_agents,omitempty"`
	Confidence float64  `json:"confidence"`
}

// DAG is a layered topological ordering; layer n may run once every task
// in layers < n is done.
type DAG struct {
	Layers [][]int `json:"layers"` // indexes into the subtask slice
}

// Result is a full decomposition outcome.
type Result struct {
	Decomposed bool             `json:"decomposed"`
	Subtasks   []domain.Subtask `json:"subtasks,omitempty"`
	DAG        *DAG             `json:"dag,omitempty"`
	Domain     *DomainInfo      `json:"domain,omitempty"`
	Reason     string           `json:"reason"`
}

// taskDomains returns the distinct domains a task's labels name.
func taskDomains(task *domain.Task) []string {
	seen := map[string]bool{}
	var out []string
	for _, l := range task.Labels {
		if d, ok := domainLabels[strings.ToLower(l)]; ok && !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	return out
}

// ShouldDecompose applies the size and scope heuristics.
func ShouldDecompose(task *domain.Task) Verdict {
	text := strings.ToLower(task.Title + " " + task.Description)
	for _, kw := range systemKeywords {
		if strings.Contains(text, kw) && len(task.Description) > 100 {
			return Verdict{Decompose: true, Reason: "system-scope keyword with substantial description"}
		}
	}
	if len(task.Title)+len(task.Description) > 300 {
		return Verdict{Decompose: true, Reason: "description length suggests multiple units of work"}
	}
	if len(taskDomains(task)) > 1 {
		return Verdict{Decompose: true, Reason: "labels span multiple domains"}
	}
	return Verdict{Decompose: false, Reason: "task is small and single-domain"}
}

// ClassifyTaskDomain assigns a domain with capability prerequisites.
func ClassifyTaskDomain(task *domain.Task) DomainInfo {
	domains := taskDomains(task)
	switch len(domains) {
	case 0:
		// Fall back to keyword sniffing in the text.
		text := strings.ToLower(task.Title + " " + task.Description)
		for label, d := range domainLabels {
			if strings.Contains(text, label) {
				return domainInfoFor(d, 0.5)
			}
		}
		return domainInfoFor("backend", 0.3)
	case 1:
		return domainInfoFor(domains[0], 0.9)
	default:
		info := domainInfoFor("fullstack", 0.8)
		for _, d := range domains {
			info.Requires = append(info.Requires, domainInfoFor(d, 0).Requires...)
		}
		return info
	}
}

func domainInfoFor(d string, confidence float64) DomainInfo {
	info := DomainInfo{Domain: d, Confidence: confidence}
	switch d {
	case "frontend":
		info.Requires = []string{"ui", "components"}
		info.PostAgents = []string{"testing", "review"}
	case "backend":
		info.Requires = []string{"api", "services"}
		info.PostAgents = []string{"testing", "review"}
	case "testing":
		info.Requires = []string{"testing"}
		info.PostAgents = []string{"review"}
	case "docs":
		info.Requires = []string{"documentation"}
		info.PostAgents = []string{"review"}
	case "infra":
		info.Requires = []string{"ci", "deployment"}
		info.PostAgents = []string{"review"}
	case "fullstack":
		info.PostAgents = []string{"testing", "review"}
	}
	return info
}

// GenerateSubtasks produces an ordered subtask list for the task. Research
// notes, when present, become the first subtask's context.
func GenerateSubtasks(task *domain.Task, info DomainInfo, research string) []domain.Subtask {
	var subs []domain.Subtask
	add := func(title, desc string, labels []string, deps ...int) {
		subs = append(subs, domain.Subtask{Title: title, Description: desc, Labels: labels, Dependencies: deps})
	}

	switch info.Domain {
	case "fullstack":
		add(task.Title+": backend API", "Implement the server-side work.\n"+task.Description, []string{"backend"})
		add(task.Title+": frontend", "Implement the client-side work against the new API.", []string{"frontend"}, 0)
		add(task.Title+": tests", "Cover the new surface end to end.", []string{"testing"}, 0, 1)
	case "testing":
		add(task.Title+": test plan", "Enumerate the scenarios to cover.\n"+task.Description, []string{"testing"})
		add(task.Title+": implement tests", "Write the tests from the plan.", []string{"testing"}, 0)
	default:
		add(task.Title+": design", "Sketch the approach and name the touched files.\n"+task.Description, []string{info.Domain})
		add(task.Title+": implement", "Carry out the design.", []string{info.Domain}, 0)
		add(task.Title+": verify", "Test and review the change.", []string{"testing"}, 1)
	}
	if research != "" && len(subs) > 0 {
		subs[0].Description = "Research notes:\n" + research + "\n\n" + subs[0].Description
	}
	return subs
}

// BuildDependencyDAG ranks subtasks into parallelizable layers. A cycle or
// out-of-range dependency is an error.
func BuildDependencyDAG(subs []domain.Subtask) (*DAG, error) {
	n := len(subs)
	rank := make([]int, n)
	for i := range rank {
		rank[i] = -1
	}
	for i, s := range subs {
		for _, d := range s.Dependencies {
			if d < 0 || d >= n {
				return nil, fmt.Errorf("subtask %d depends on out-of-range index %d", i, d)
			}
		}
	}
	assigned := 0
	for assigned < n {
		progressed := false
		for i, s := range subs {
			if rank[i] >= 0 {
				continue
			}
			r := 0
			ready := true
			for _, d := range s.Dependencies {
				if rank[d] < 0 {
					ready = false
					break
				}
				if rank[d]+1 > r {
					r = rank[d] + 1
				}
			}
			if ready {
				rank[i] = r
				assigned++
				progressed = true
			}
		}
		if !progressed {
			return nil, fmt.Errorf("dependency cycle among subtasks")
		}
	}
	maxRank := 0
	for _, r := range rank {
		if r > maxRank {
			maxRank = r
		}
	}
	dag := &DAG{Layers: make([][]int, maxRank+1)}
	for i, r := range rank {
		dag.Layers[r] = append(dag.Layers[r], i)
	}
	return dag, nil
}

var importLine = regexp.MustCompile(`^\s*(?:import\s+(?:[\w{},*\s]+\s+from\s+)?["']([^"']+)["']|import\s+"([^"]+)"|#include\s+"([^"]+)"|from\s+([\w.]+)\s+import)`)

// AnalyzeImportGraph parses import and include statements to derive a
// file-to-dependency map, used to refine subtask boundaries.
func AnalyzeImportGraph(files []string, projectRoot string) (map[string][]string, error) {
	graph := map[string][]string{}
	for _, rel := range files {
		path := filepath.Join(projectRoot, rel)
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		var deps []string
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			m := importLine.FindStringSubmatch(scanner.Text())
			if m == nil {
				continue
			}
			for _, g := range m[1:] {
				if g != "" {
					deps = append(deps, g)
					break
				}
			}
		}
		f.Close()
		graph[rel] = deps
	}
	return graph, nil
}

// DecomposeTask is the end-to-end entry: decide, classify, generate, rank.
func DecomposeTask(task *domain.Task, projectRoot string) (Result, error) {
	verdict := ShouldDecompose(task)
	if !verdict.Decompose {
		return Result{Decomposed: false, Reason: verdict.Reason}, nil
	}
	info := ClassifyTaskDomain(task)
	subs := GenerateSubtasks(task, info, "")
	dag, err := BuildDependencyDAG(subs)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Decomposed: true,
		Subtasks:   subs,
		DAG:        dag,
		Domain:     &info,
		Reason:     verdict.Reason,
	}, nil
}
