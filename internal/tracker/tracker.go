// Package tracker is the issue-tracker collaborator. The external "bd" CLI
// owns the tickets; this package shells out to it with timeouts and parses
// its JSON, behind an interface the rest of the system consumes.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/jaakkos/pilot/internal/domain"
)

// Tracker is the surface the scheduler, PM, and agent loop consume.
type Tracker interface {
	List(status string) ([]domain.Task, error)
	Ready() ([]domain.Task, error)
	Update(taskID, status string) error
	Close(taskID string) error
	Create(title, description string, labels []string) (string, error)
}

const bdTimeout = 15 * time.Second

// BD shells out to the bd CLI.
type BD struct {
	bin     string
	workDir string
}

// NewBD returns a tracker using the given binary, "bd" when empty.
func NewBD(bin, workDir string) *BD {
	if bin == "" {
		bin = "bd"
	}
	return &BD{bin: bin, workDir: workDir}
}

func (b *BD) run(args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), bdTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, b.bin, args...)
	cmd.Dir = b.workDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s %s: %w\noutput: %s",
			b.bin, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func parseTasks(out string) ([]domain.Task, error) {
	out = strings.TrimSpace(out)
	if out == "" {
		return nil, nil
	}
	var tasks []domain.Task
	if err := json.Unmarshal([]byte(out), &tasks); err != nil {
		return nil, fmt.Errorf("parse tracker output: %w", err)
	}
	return tasks, nil
}

// List returns tickets in the given status, all when empty.
func (b *BD) List(status string) ([]domain.Task, error) {
	args := []string{"list", "--json"}
	if status != "" {
		args = append(args, "--status", status)
	}
	out, err := b.run(args...)
	if err != nil {
		return nil, err
	}
	return parseTasks(out)
}

// Ready returns tickets with no unresolved dependencies.
func (b *BD) Ready() ([]domain.Task, error) {
	out, err := b.run("ready", "--json")
	if err != nil {
		return nil, err
	}
	return parseTasks(out)
}

// Update moves a ticket to a new status.
func (b *BD) Update(taskID, status string) error {
	_, err := b.run("update", taskID, "--status", status)
	return err
}

// Close marks a ticket done.
func (b *BD) Close(taskID string) error {
	_, err := b.run("close", taskID)
	return err
}

// Create files a new ticket and returns its id.
func (b *BD) Create(title, description string, labels []string) (string, error) {
	args := []string{"create", title, "--json"}
	if description != "" {
		args = append(args, "--description", description)
	}
	for _, l := range labels {
		args = append(args, "--label", l)
	}
	out, err := b.run(args...)
	if err != nil {
		return "", err
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &created); err != nil {
		return "", fmt.Errorf("parse create output: %w", err)
	}
	return created.ID, nil
}

// Fake is an in-memory tracker for tests.
type Fake struct {
	Tasks   map[string]*domain.Task
	nextID  int
	Updates []string // "taskID:status" in call order
}

// NewFake returns an empty fake tracker.
func NewFake() *Fake {
	return &Fake{Tasks: map[string]*domain.Task{}}
}

// Add seeds a task and returns it.
func (f *Fake) Add(t domain.Task) *domain.Task {
	if t.ID == "" {
		f.nextID++
		t.ID = fmt.Sprintf("T-%03d", f.nextID)
	}
	f.Tasks[t.ID] = &t
	return f.Tasks[t.ID]
}

func (f *Fake) List(status string) ([]domain.Task, error) {
	var out []domain.Task
	for _, t := range f.Tasks {
		if status == "" || t.Status == status {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (f *Fake) Ready() ([]domain.Task, error) {
	return f.List("open")
}

func (f *Fake) Update(taskID, status string) error {
	t, ok := f.Tasks[taskID]
	if !ok {
		return fmt.Errorf("unknown task %s", taskID)
	}
	t.Status = status
	f.Updates = append(f.Updates, taskID+":"+status)
	return nil
}

func (f *Fake) Close(taskID string) error {
	return f.Update(taskID, "closed")
}

func (f *Fake) Create(title, description string, labels []string) (string, error) {
	t := f.Add(domain.Task{Title: title, Description: description, Labels: labels, Status: "open"})
	return t.ID, nil
}
