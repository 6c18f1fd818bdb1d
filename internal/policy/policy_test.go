package policy

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pilot.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig_OverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
budget:
  per_task:
    warn_tokens: 1000
    block_tokens: 2000
channel:
  allowed_chat_ids: ["chat-1"]
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Budget.PerTask.WarnTokens != 1000 || cfg.Budget.PerTask.BlockTokens != 2000 {
		t.Errorf("per task budget = %+v", cfg.Budget.PerTask)
	}
	if len(cfg.Channel.AllowedChatIDs) != 1 || cfg.Channel.AllowedChatIDs[0] != "chat-1" {
		t.Errorf("allowed chat ids = %v", cfg.Channel.AllowedChatIDs)
	}
	// Untouched sections keep their defaults.
	if cfg.Pool.Max != DefaultConfig().Pool.Max {
		t.Errorf("pool max = %d, want the default %d", cfg.Pool.Max, DefaultConfig().Pool.Max)
	}
	if cfg.Channel.RatePerMinute != DefaultConfig().Channel.RatePerMinute {
		t.Errorf("rate per minute = %d, want the default", cfg.Channel.RatePerMinute)
	}
}

func TestLoadConfig_NormalizesSchedulerWeights(t *testing.T) {
	path := writeConfig(t, `
scheduler:
  skill_weight: 2
  load_weight: 1
  affinity_weight: 1
  cost_weight: 0
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	sum := cfg.Scheduler.SkillWeight + cfg.Scheduler.LoadWeight +
		cfg.Scheduler.AffinityWeight + cfg.Scheduler.CostWeight
	if math.Abs(sum-1) > 1e-9 {
		t.Errorf("weight sum = %v, want 1", sum)
	}
	if math.Abs(cfg.Scheduler.SkillWeight-0.5) > 1e-9 {
		t.Errorf("skill weight = %v, want 0.5", cfg.Scheduler.SkillWeight)
	}
}

func TestNormalize_AllZeroFallsBackToDefaults(t *testing.T) {
	var c SchedulerConfig
	c.Normalize()
	d := DefaultConfig().Scheduler
	if c.SkillWeight != d.SkillWeight || c.CostWeight != d.CostWeight {
		t.Errorf("normalized = %+v, want the default weights", c)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	p, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.Config().Pool.Max != DefaultConfig().Pool.Max {
		t.Error("missing file did not yield defaults")
	}
}

func TestLoad_MalformedFileIsAnError(t *testing.T) {
	path := writeConfig(t, "pool: [not a map")
	if _, err := Load(path); err == nil {
		t.Error("malformed config accepted")
	}
}

func TestRefresh_PicksUpChangedFile(t *testing.T) {
	path := writeConfig(t, "sessions:\n  max_concurrent: 3\n")
	p, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if p.Config().Sessions.MaxConcurrent != 3 {
		t.Fatalf("initial max concurrent = %d", p.Config().Sessions.MaxConcurrent)
	}

	if err := os.WriteFile(path, []byte("sessions:\n  max_concurrent: 5\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	// Nudge mtime past filesystem timestamp granularity.
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	p.Refresh()
	if p.Config().Sessions.MaxConcurrent != 5 {
		t.Errorf("max concurrent after refresh = %d, want 5", p.Config().Sessions.MaxConcurrent)
	}
}

func TestPolicy_DerivedDurations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sessions.HeartbeatIntervalSeconds = 30
	cfg.Sessions.StaleMultiplier = 4
	p := New(cfg)

	if got := p.HeartbeatInterval(); got != 30*time.Second {
		t.Errorf("heartbeat interval = %v", got)
	}
	if got := p.StaleAfter(); got != 2*time.Minute {
		t.Errorf("stale after = %v, want 2m", got)
	}

	// Zeroed values fall back rather than dividing by zero downstream.
	p = New(&Config{})
	if got := p.HeartbeatInterval(); got != time.Minute {
		t.Errorf("default heartbeat interval = %v, want 1m", got)
	}
	if got := p.StaleAfter(); got != 5*time.Minute {
		t.Errorf("default stale after = %v, want 5m", got)
	}
}

func TestPolicy_StateDirAndSignalFile(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StateDir = "/tmp/pilot-test-state"
	p := New(cfg)
	if p.StateDir() != "/tmp/pilot-test-state" {
		t.Errorf("state dir = %q", p.StateDir())
	}
	if p.SignalFilePath() != filepath.Join("/tmp/pilot-test-state", ".pilot-notify") {
		t.Errorf("signal file = %q", p.SignalFilePath())
	}
}

func TestHardEnforcement(t *testing.T) {
	cfg := DefaultConfig()
	p := New(cfg)
	if p.HardEnforcement() {
		t.Error("default enforcement should be soft")
	}
	cfg.Budget.Enforcement = "hard"
	if !New(cfg).HardEnforcement() {
		t.Error("hard enforcement not recognized")
	}
}
