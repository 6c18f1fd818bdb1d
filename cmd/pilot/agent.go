package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jaakkos/pilot/internal/agentloop"
	"github.com/jaakkos/pilot/internal/domain"
	"github.com/jaakkos/pilot/internal/fsutil"
	"github.com/jaakkos/pilot/internal/registry"
)

const stepTimeout = 30 * time.Minute

// runAgent runs one worker's loop in the foreground: register a session,
// then claim, plan, and execute until signalled. Planning and execution
// shell out to the commands in PILOT_PLAN_CMD and PILOT_STEP_CMD.
func runAgent() {
	a := buildApp()
	defer a.close()

	role := domain.RoleBackend
	if len(os.Args) > 2 {
		role = domain.Role(os.Args[2])
	}
	if !domain.ValidRole(role) {
		fmt.Fprintf(os.Stderr, "unknown role %q\n", os.Args[2])
		os.Exit(2)
	}

	sess, resurrected, err := a.registry.Register(registry.RegisterContext{
		PID:       os.Getpid(),
		Role:      role,
		AgentName: os.Getenv("PILOT_AGENT_NAME"),
	})
	if err != nil {
		a.logger.Fatalf("Agent: register: %v", err)
	}
	a.logger.Printf("Agent %s: role=%s resurrected=%v", sess.ID, role, resurrected)

	planCmd := strings.Fields(os.Getenv("PILOT_PLAN_CMD"))
	stepCmd := strings.Fields(os.Getenv("PILOT_STEP_CMD"))
	if len(planCmd) == 0 || len(stepCmd) == 0 {
		a.logger.Fatalf("Agent: PILOT_PLAN_CMD and PILOT_STEP_CMD must both be set")
	}

	loop := agentloop.New(sess, agentloop.Deps{
		Policy:      a.pol,
		Store:       a.registry.Store(),
		Registry:    a.registry,
		Leases:      a.leases,
		Bus:         a.bus,
		Board:       a.board,
		Checkpoints: a.checkpoints,
		Costs:       a.costs,
		Tracker:     a.tracker,
		Recovery:    a.recovery,
		Planner:     &execPlanner{argv: planCmd, workDir: a.pol.WorkspaceRoot()},
		Executor:    &execStepper{argv: stepCmd, workDir: a.pol.WorkspaceRoot()},
		Pressure:    filePressure{dir: filepath.Join(a.pol.StateDir(), "pressure")},
		Events:      a.events,
		Logger:      a.logger,
		StateDir:    a.pol.StateDir(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	signal.Ignore(syscall.SIGHUP)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		a.logger.Printf("Agent %s: received %v, shutting down...", sess.ID, sig)
		cancel()
	}()

	err = loop.Run(ctx)
	reason := "agent exit"
	if err != nil && ctx.Err() == nil {
		reason = err.Error()
	}
	if endErr := a.registry.End(sess.ID, reason); endErr != nil {
		a.logger.Printf("Agent %s: end session: %v", sess.ID, endErr)
	}
	a.logger.Printf("Agent %s: stopped (%s)", sess.ID, reason)
}

// execPlanner shells out for a step plan. The command gets the task as
// JSON on stdin and answers with a JSON array of step descriptions.
type execPlanner struct {
	argv    []string
	workDir string
}

type planInput struct {
	Task     *domain.Task `json:"task"`
	Feedback string       `json:"feedback,omitempty"`
}

func (p *execPlanner) Plan(task *domain.Task, feedback string) ([]string, error) {
	out, err := runJSON(p.argv, p.workDir, planInput{Task: task, Feedback: feedback})
	if err != nil {
		return nil, err
	}
	var steps []string
	if err := json.Unmarshal(out, &steps); err != nil {
		return nil, fmt.Errorf("plan output is not a step array: %w\noutput: %s",
			err, strings.TrimSpace(string(out)))
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("planner produced an empty plan for %s", task.ID)
	}
	return steps, nil
}

// execStepper shells out for one plan step. The command gets the task,
// step index, and description as JSON on stdin; a JSON StepResult on
// stdout is honored, anything else becomes the step's raw output.
type execStepper struct {
	argv    []string
	workDir string
}

type stepInput struct {
	Task        *domain.Task `json:"task"`
	Step        int          `json:"step"`
	Description string       `json:"description"`
}

type stepOutput struct {
	Output        string   `json:"output"`
	FilesModified []string `json:"files_modified,omitempty"`
	KeyDecisions  []string `json:"key_decisions,omitempty"`
	Done          bool     `json:"done"`
}

func (e *execStepper) ExecuteStep(task *domain.Task, step int, description string) (agentloop.StepResult, error) {
	out, err := runJSON(e.argv, e.workDir, stepInput{Task: task, Step: step, Description: description})
	if err != nil {
		return agentloop.StepResult{}, err
	}
	var parsed stepOutput
	if json.Unmarshal(out, &parsed) == nil && parsed.Output != "" {
		return agentloop.StepResult{
			Output:        parsed.Output,
			FilesModified: parsed.FilesModified,
			KeyDecisions:  parsed.KeyDecisions,
			Done:          parsed.Done,
		}, nil
	}
	return agentloop.StepResult{Output: string(out)}, nil
}

// runJSON runs argv with payload on stdin and returns its combined output.
func runJSON(argv []string, workDir string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), stepTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = workDir
	cmd.Stdin = strings.NewReader(string(data))
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("%s: %w\noutput: %s",
			strings.Join(argv, " "), err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// filePressure reads the hook-maintained context pressure file. A missing
// or stale file reads as zero pressure.
type filePressure struct {
	dir string
}

func (f filePressure) PressurePct(sessionID string) int {
	var state struct {
		Pct int `json:"pct"`
	}
	if err := fsutil.ReadJSON(filepath.Join(f.dir, sessionID+".json"), &state); err != nil {
		return 0
	}
	if state.Pct < 0 {
		return 0
	}
	return state.Pct
}
