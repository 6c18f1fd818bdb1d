// Package proc probes process liveness and walks the process tree to find
// the interactive assistant process a hook invocation belongs to. Both are
// behind the Prober interface so tests can substitute a fake tree.
package proc

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// maxWalkDepth bounds the upward tree walk.
const maxWalkDepth = 10

// Prober answers liveness and ancestry questions about processes.
type Prober interface {
	// Alive reports whether pid is running. EPERM counts as alive
	// (the process exists but belongs to another user); ESRCH as dead.
	Alive(pid int) bool
	// FindAssistantPID walks upward from pid looking for the first
	// ancestor whose command contains name. Returns pid itself when no
	// ancestor matches.
	FindAssistantPID(pid int, name string) int
}

// SystemProber probes the real process table via signal 0 and ps.
type SystemProber struct{}

// Alive implements Prober using kill(pid, 0).
func (SystemProber) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	// Lacking permission still proves the process exists.
	return errors.Is(err, syscall.EPERM)
}

// FindAssistantPID implements Prober with a bounded upward walk.
func (p SystemProber) FindAssistantPID(pid int, name string) int {
	cur := pid
	for i := 0; i < maxWalkDepth && cur > 1; i++ {
		comm, ppid, err := stat(cur)
		if err != nil {
			break
		}
		if name != "" && strings.Contains(strings.ToLower(comm), strings.ToLower(name)) {
			return cur
		}
		cur = ppid
	}
	return pid
}

// stat returns the command name and parent pid for a process, preferring
// /proc and falling back to ps on platforms without it.
func stat(pid int) (comm string, ppid int, err error) {
	if data, rerr := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid)); rerr == nil {
		// Format: pid (comm) state ppid ... The comm field may contain
		// spaces, so split on the closing paren.
		s := string(data)
		open := strings.IndexByte(s, '(')
		close := strings.LastIndexByte(s, ')')
		if open >= 0 && close > open {
			comm = s[open+1 : close]
			rest := strings.Fields(s[close+1:])
			if len(rest) >= 2 {
				if v, perr := strconv.Atoi(rest[1]); perr == nil {
					return comm, v, nil
				}
			}
		}
	}
	return statPS(pid)
}

// statPS shells out to ps with a short timeout.
func statPS(pid int) (string, int, error) {
	cmd := exec.Command("ps", "-o", "comm=,ppid=", "-p", strconv.Itoa(pid))
	done := make(chan struct{})
	var out []byte
	var err error
	go func() {
		out, err = cmd.Output()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		_ = cmd.Process.Kill()
		return "", 0, fmt.Errorf("ps timed out for pid %d", pid)
	}
	if err != nil {
		return "", 0, fmt.Errorf("ps -p %d: %w", pid, err)
	}
	fields := strings.Fields(strings.TrimSpace(string(out)))
	if len(fields) < 2 {
		return "", 0, fmt.Errorf("ps -p %d: unexpected output %q", pid, out)
	}
	ppid, perr := strconv.Atoi(fields[len(fields)-1])
	if perr != nil {
		return "", 0, fmt.Errorf("ps -p %d: parse ppid: %w", pid, perr)
	}
	return strings.Join(fields[:len(fields)-1], " "), ppid, nil
}

// FakeProber is a scriptable process table for tests.
type FakeProber struct {
	Running map[int]bool
	// Parents maps pid -> (comm, ppid).
	Parents map[int]FakeProc
}

// FakeProc is one row of the fake process table.
type FakeProc struct {
	Comm string
	PPID int
}

// Alive implements Prober.
func (f *FakeProber) Alive(pid int) bool { return f.Running[pid] }

// FindAssistantPID implements Prober over the fake table.
func (f *FakeProber) FindAssistantPID(pid int, name string) int {
	cur := pid
	for i := 0; i < maxWalkDepth && cur > 1; i++ {
		row, ok := f.Parents[cur]
		if !ok {
			break
		}
		if name != "" && strings.Contains(strings.ToLower(row.Comm), strings.ToLower(name)) {
			return cur
		}
		cur = row.PPID
	}
	return pid
}
