package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jaakkos/pilot/internal/domain"
)

// The cost tracker and checkpoint store append their own path segments;
// buildApp hands them the roots and must not stack segments on top.
func TestBuildApp_StateDirLayout(t *testing.T) {
	dir := t.TempDir()
	stateDir := filepath.Join(dir, "state")
	cfgPath := filepath.Join(dir, "pilot.yaml")
	cfg := "state_dir: " + stateDir + "\nworkspace_root: " + dir + "\nlog_file: none\n"
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PILOT_CONFIG", cfgPath)

	a := buildApp()
	defer a.close()

	if err := a.costs.RecordTaskCost("sess-1", "T-1", 400, false); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(stateDir, "costs", "tasks", "T-1.json")); err != nil {
		t.Errorf("task ledger not under <state>/costs: %v", err)
	}

	if _, err := a.checkpoints.Save("sess-1", domain.Checkpoint{TaskID: "T-1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(stateDir, "memory", "agents", "sess-1", "checkpoint.json")); err != nil {
		t.Errorf("checkpoint not under <state>/memory/agents: %v", err)
	}
}
