// Package runtime spawns and tracks the interactive assistant processes
// that do the actual work. The substrate never talks to a model directly;
// it launches the assistant CLI with the session id in its environment and
// watches the process from the outside.
package runtime

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/jaakkos/pilot/internal/registry"
)

const (
	defaultSpawnCooldown = 30 * time.Second
	defaultStopGrace     = 10 * time.Second
)

// Runtime is the assistant collaborator the agent loop and PM consume.
type Runtime interface {
	Spawn(ctx context.Context, spec SpawnSpec) (*Process, error)
	Stop(sessionID string) error
	Running() []ProcessInfo
}

// SpawnSpec describes one assistant launch.
type SpawnSpec struct {
	SessionID string
	Command   []string // argv; first element is the binary
	WorkDir   string   // usually the task's worktree
	Prompt    string   // initial prompt injected on stdin
	Env       map[string]string
	LogDir    string // per-process output logs land here
}

// ProcessInfo is the externally visible state of one assistant process.
type ProcessInfo struct {
	SessionID    string    `json:"session_id"`
	PID          int       `json:"pid"`
	StartedAt    time.Time `json:"started_at"`
	LastOutputAt time.Time `json:"last_output_at"`
	OutputBytes  int64     `json:"output_bytes"`
	WorkDir      string    `json:"work_dir"`
}

// Process is a live handle to a spawned assistant.
type Process struct {
	Info   ProcessInfo
	cancel context.CancelFunc
	done   chan struct{}
}

// Wait blocks until the process exits.
func (p *Process) Wait() { <-p.done }

// Manager launches assistant CLIs and tracks their output activity.
type Manager struct {
	logger    *log.Logger
	mu        sync.Mutex
	running   map[string]*Process
	lastSpawn map[string]time.Time
	cooldown  time.Duration
}

// NewManager returns an empty runtime manager.
func NewManager(logger *log.Logger) *Manager {
	return &Manager{
		logger:    logger,
		running:   make(map[string]*Process),
		lastSpawn: make(map[string]time.Time),
		cooldown:  defaultSpawnCooldown,
	}
}

// activityWriter records write activity for process monitoring.
type activityWriter struct {
	inner *os.File
	mu    *sync.Mutex
	info  *ProcessInfo
}

func (w *activityWriter) Write(p []byte) (int, error) {
	n, err := w.inner.Write(p)
	if n > 0 {
		w.mu.Lock()
		w.info.LastOutputAt = time.Now()
		w.info.OutputBytes += int64(n)
		w.mu.Unlock()
	}
	return n, err
}

// Spawn launches the assistant for a session. A respawn inside the
// cooldown window is refused to stop crash loops.
func (m *Manager) Spawn(ctx context.Context, spec SpawnSpec) (*Process, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("spawn %s: empty command", spec.SessionID)
	}
	m.mu.Lock()
	if _, ok := m.running[spec.SessionID]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("spawn %s: already running", spec.SessionID)
	}
	if last, ok := m.lastSpawn[spec.SessionID]; ok && time.Since(last) < m.cooldown {
		m.mu.Unlock()
		return nil, fmt.Errorf("spawn %s: cooldown active, %s since last spawn",
			spec.SessionID, time.Since(last).Round(time.Second))
	}
	m.lastSpawn[spec.SessionID] = time.Now()
	m.mu.Unlock()

	procCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(procCtx, spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.WorkDir
	cmd.Env = append(os.Environ(), registry.EnvSessionID+"="+spec.SessionID)
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.WaitDelay = defaultStopGrace

	proc := &Process{
		Info: ProcessInfo{
			SessionID: spec.SessionID,
			StartedAt: time.Now(),
			WorkDir:   spec.WorkDir,
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	if spec.LogDir != "" {
		if err := os.MkdirAll(spec.LogDir, 0o755); err == nil {
			logPath := filepath.Join(spec.LogDir, spec.SessionID+".log")
			if f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
				w := &activityWriter{inner: f, mu: &m.mu, info: &proc.Info}
				cmd.Stdout = w
				cmd.Stderr = w
			}
		}
	}
	if spec.Prompt != "" {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			cancel()
			return nil, fmt.Errorf("spawn %s: stdin: %w", spec.SessionID, err)
		}
		go func() {
			defer stdin.Close()
			_, _ = stdin.Write([]byte(spec.Prompt))
		}()
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("spawn %s: %w", spec.SessionID, err)
	}
	proc.Info.PID = cmd.Process.Pid

	m.mu.Lock()
	m.running[spec.SessionID] = proc
	m.mu.Unlock()
	m.logger.Printf("Runtime: spawned %s pid=%d dir=%s", spec.SessionID, proc.Info.PID, spec.WorkDir)

	go func() {
		err := cmd.Wait()
		m.mu.Lock()
		delete(m.running, spec.SessionID)
		m.mu.Unlock()
		if err != nil && procCtx.Err() == nil {
			m.logger.Printf("Runtime: %s exited with error: %v", spec.SessionID, err)
		} else {
			m.logger.Printf("Runtime: %s exited", spec.SessionID)
		}
		close(proc.done)
	}()
	return proc, nil
}

// Stop cancels a running assistant; the context kill honors WaitDelay
// before escalating.
func (m *Manager) Stop(sessionID string) error {
	m.mu.Lock()
	proc, ok := m.running[sessionID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("stop %s: not running", sessionID)
	}
	proc.cancel()
	proc.Wait()
	return nil
}

// Running lists the processes currently alive, newest first.
func (m *Manager) Running() []ProcessInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ProcessInfo, 0, len(m.running))
	for _, p := range m.running {
		out = append(out, p.Info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}
