// Package policy loads the pilot configuration document and supplies
// defaults for every option the substrate consumes.
package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// GlobalStateDir returns the default control-plane directory (~/.config/pilot).
func GlobalStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".config", "pilot")
}

// SessionConfig controls the session registry.
type SessionConfig struct {
	MaxConcurrent            int    `yaml:"max_concurrent"`
	HeartbeatIntervalSeconds int    `yaml:"heartbeat_interval_seconds"`
	StaleMultiplier          int    `yaml:"stale_multiplier"` // stale after multiplier * interval
	AssistantProcessName     string `yaml:"assistant_process_name"`
	ArchiveAfterHours        int    `yaml:"archive_after_hours"`
}

// WorktreeConfig controls per-task worktree isolation.
type WorktreeConfig struct {
	Enabled          bool     `yaml:"enabled"`
	BaseDir          string   `yaml:"base_dir"` // relative to workspace unless absolute
	BranchPrefix     string   `yaml:"branch_prefix"`
	BaseBranch       string   `yaml:"base_branch"`
	MergeStrategy    string   `yaml:"merge_strategy"` // squash (default) or no-ff
	MergeResolution  bool     `yaml:"merge_resolution"`
	ProtectedBranch  []string `yaml:"protected_branches"`
	SetupCommands    []string `yaml:"setup_commands"`
	MergeTimeoutSecs int      `yaml:"merge_timeout_seconds"`
}

// BudgetThreshold is a warn/block token pair.
type BudgetThreshold struct {
	WarnTokens  int64 `yaml:"warn_tokens"`
	BlockTokens int64 `yaml:"block_tokens"`
}

// BudgetConfig holds the tiered token budgets.
type BudgetConfig struct {
	PerTask     BudgetThreshold `yaml:"per_task"`
	PerAgentDay BudgetThreshold `yaml:"per_agent_per_day"`
	PerDay      BudgetThreshold `yaml:"per_day"`
	Enforcement string          `yaml:"enforcement"` // soft (default) or hard
}

// SchedulerConfig holds assignment weights and starvation parameters.
// Weights should sum to 1; Normalize corrects drift.
type SchedulerConfig struct {
	SkillWeight             float64 `yaml:"skill_weight"`
	LoadWeight              float64 `yaml:"load_weight"`
	AffinityWeight          float64 `yaml:"affinity_weight"`
	CostWeight              float64 `yaml:"cost_weight"`
	AgentCapacity           int     `yaml:"agent_capacity"`
	StarvationBoostMax      float64 `yaml:"starvation_boost_max"`
	StarvationIntervalSecs  int     `yaml:"starvation_interval_seconds"`
	StarvationBoostPerCycle float64 `yaml:"starvation_boost_per_cycle"`
}

// Normalize rescales the four weights to sum to 1. An all-zero set falls
// back to the defaults.
func (c *SchedulerConfig) Normalize() {
	sum := c.SkillWeight + c.LoadWeight + c.AffinityWeight + c.CostWeight
	if sum <= 0 {
		d := DefaultConfig().Scheduler
		c.SkillWeight = d.SkillWeight
		c.LoadWeight = d.LoadWeight
		c.AffinityWeight = d.AffinityWeight
		c.CostWeight = d.CostWeight
		return
	}
	c.SkillWeight /= sum
	c.LoadWeight /= sum
	c.AffinityWeight /= sum
	c.CostWeight /= sum
}

// PoolConfig bounds the autoscaler.
type PoolConfig struct {
	Min                int     `yaml:"min"`
	Max                int     `yaml:"max"`
	QueueRatioScaleUp  float64 `yaml:"queue_ratio_scale_up"`
	IdleCooldownSecs   int     `yaml:"idle_cooldown_seconds"`
	CPUPressurePct     float64 `yaml:"cpu_pressure_pct"`
	MemoryPressurePct  float64 `yaml:"memory_pressure_pct"`
	IdleFractionScaleU float64 `yaml:"idle_fraction_scale_up"`
}

// AreaConfig controls area locking. Globs maps area name to path globs.
type AreaConfig struct {
	Enabled bool                `yaml:"enabled"`
	Globs   map[string][]string `yaml:"globs"`
}

// ExceptionConfig holds path globs exempt from governance checks.
type ExceptionConfig struct {
	NeverEdit      []string `yaml:"never_edit"`
	NoTaskRequired []string `yaml:"no_task_required"`
	NoPlanRequired []string `yaml:"no_plan_required"`
}

// LoopConfig tunes the per-agent state machine.
type LoopConfig struct {
	ActivePollSeconds      int  `yaml:"active_poll_seconds"`
	IdlePollSeconds        int  `yaml:"idle_poll_seconds"`
	ApprovalTimeoutSeconds int  `yaml:"approval_timeout_seconds"`
	AutoPlanOnTimeout      bool `yaml:"auto_plan_on_timeout"`
	CheckpointPressurePct  int  `yaml:"checkpoint_at_pressure_pct"`
	MaxConsecutiveSteps    int  `yaml:"max_consecutive_exec_steps"`
	MaxErrors              int  `yaml:"max_errors"`
}

// ChannelConfig controls the external messaging channel handler.
type ChannelConfig struct {
	AllowedChatIDs   []string `yaml:"allowed_chat_ids"` // empty = reject all
	RatePerMinute    int      `yaml:"rate_per_minute"`
	RatePerHour      int      `yaml:"rate_per_hour"`
	MaxHistoryTurns  int      `yaml:"max_history_turns"`
	HistoryCharCap   int      `yaml:"history_char_cap"`
	MaxMessageLength int      `yaml:"max_message_length"`
	ApprovalTTLSecs  int      `yaml:"approval_ttl_seconds"`
}

// Config is the full pilot configuration document.
type Config struct {
	WorkspaceRoot string `yaml:"workspace_root"`
	StateDir      string `yaml:"state_dir"`
	LogFile       string `yaml:"log_file"`

	Sessions  SessionConfig   `yaml:"sessions"`
	Worktrees WorktreeConfig  `yaml:"worktrees"`
	Budget    BudgetConfig    `yaml:"budget"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Pool      PoolConfig      `yaml:"pool"`
	Areas     AreaConfig      `yaml:"areas"`
	Exception ExceptionConfig `yaml:"exceptions"`
	Loop      LoopConfig      `yaml:"loop"`
	Channel   ChannelConfig   `yaml:"channel"`
}

// DefaultConfig returns the substrate defaults.
func DefaultConfig() *Config {
	return &Config{
		Sessions: SessionConfig{
			MaxConcurrent:            8,
			HeartbeatIntervalSeconds: 60,
			StaleMultiplier:          5,
			AssistantProcessName:     "claude",
			ArchiveAfterHours:        24,
		},
		Worktrees: WorktreeConfig{
			Enabled:          true,
			BaseDir:          ".pilot/worktrees",
			BranchPrefix:     "pilot/",
			BaseBranch:       "main",
			MergeStrategy:    "squash",
			ProtectedBranch:  []string{"main", "master"},
			MergeTimeoutSecs: 30,
		},
		Budget: BudgetConfig{
			PerTask:     BudgetThreshold{WarnTokens: 2_000_000, BlockTokens: 5_000_000},
			PerAgentDay: BudgetThreshold{WarnTokens: 5_000_000, BlockTokens: 10_000_000},
			PerDay:      BudgetThreshold{WarnTokens: 20_000_000, BlockTokens: 50_000_000},
			Enforcement: "soft",
		},
		Scheduler: SchedulerConfig{
			SkillWeight:             0.4,
			LoadWeight:              0.25,
			AffinityWeight:          0.2,
			CostWeight:              0.15,
			AgentCapacity:           2,
			StarvationBoostMax:      0.5,
			StarvationIntervalSecs:  600,
			StarvationBoostPerCycle: 0.1,
		},
		Pool: PoolConfig{
			Min:                1,
			Max:                6,
			QueueRatioScaleUp:  2.0,
			IdleCooldownSecs:   600,
			CPUPressurePct:     90,
			MemoryPressurePct:  90,
			IdleFractionScaleU: 0.25,
		},
		Areas: AreaConfig{
			Enabled: true,
			Globs: map[string][]string{
				"frontend": {"src/components/**", "src/pages/**", "*.css", "*.tsx", "*.jsx"},
				"backend":  {"src/api/**", "src/server/**", "internal/**", "*.go"},
				"hooks":    {"hooks/**", ".pilot/hooks/**"},
				"config":   {"*.yaml", "*.yml", "*.json", "*.toml", ".env*"},
				"tests":    {"**/*_test.go", "test/**", "tests/**", "**/*.test.*"},
				"docs":     {"docs/**", "*.md"},
			},
		},
		Loop: LoopConfig{
			ActivePollSeconds:      2,
			IdlePollSeconds:        30,
			ApprovalTimeoutSeconds: 300,
			AutoPlanOnTimeout:      false,
			CheckpointPressurePct:  60,
			MaxConsecutiveSteps:    50,
			MaxErrors:              3,
		},
		Channel: ChannelConfig{
			RatePerMinute:    10,
			RatePerHour:      100,
			MaxHistoryTurns:  20,
			HistoryCharCap:   2000,
			MaxMessageLength: 4000,
			ApprovalTTLSecs:  1800,
		},
	}
}

// LoadConfig loads configuration from a YAML file over the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Scheduler.Normalize()
	return cfg, nil
}

// Policy wraps Config with accessor methods and mtime-cached reloads.
type Policy struct {
	mu      sync.RWMutex
	config  *Config
	path    string
	modTime time.Time
}

// New creates a Policy over an already-loaded config.
func New(cfg *Config) *Policy {
	return &Policy{config: cfg}
}

// Load creates a Policy bound to a config file. A missing file is not an
// error; defaults apply until the file appears.
func Load(path string) (*Policy, error) {
	p := &Policy{config: DefaultConfig(), path: path}
	if path == "" {
		return p, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return nil, err
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	p.config = cfg
	p.modTime = info.ModTime()
	return p, nil
}

// Refresh re-reads the config file if its mtime changed. Loops call this
// each iteration; unchanged files cost one stat.
func (p *Policy) Refresh() {
	if p.path == "" {
		return
	}
	info, err := os.Stat(p.path)
	if err != nil {
		return
	}
	p.mu.RLock()
	unchanged := info.ModTime().Equal(p.modTime)
	p.mu.RUnlock()
	if unchanged {
		return
	}
	cfg, err := LoadConfig(p.path)
	if err != nil {
		return
	}
	p.mu.Lock()
	p.config = cfg
	p.modTime = info.ModTime()
	p.mu.Unlock()
}

// Config returns the current configuration snapshot.
func (p *Policy) Config() *Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.config
}

// StateDir returns the control-plane directory.
func (p *Policy) StateDir() string {
	c := p.Config()
	if c.StateDir != "" {
		return c.StateDir
	}
	return GlobalStateDir()
}

// WorkspaceRoot returns the repository root the fleet works on.
func (p *Policy) WorkspaceRoot() string {
	c := p.Config()
	if c.WorkspaceRoot != "" {
		return c.WorkspaceRoot
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return cwd
}

// LogFile returns the daily run log path. Set to "none" or "off" to disable.
func (p *Policy) LogFile() string {
	c := p.Config()
	if c.LogFile == "" {
		return filepath.Join(p.StateDir(), "pilot.log")
	}
	return c.LogFile
}

// SignalFilePath returns the notify signal file pollers watch via fsnotify.
func (p *Policy) SignalFilePath() string {
	return filepath.Join(p.StateDir(), ".pilot-notify")
}

// HeartbeatInterval returns the heartbeat period.
func (p *Policy) HeartbeatInterval() time.Duration {
	s := p.Config().Sessions.HeartbeatIntervalSeconds
	if s <= 0 {
		s = 60
	}
	return time.Duration(s) * time.Second
}

// StaleAfter returns how long without a heartbeat a session goes stale.
func (p *Policy) StaleAfter() time.Duration {
	m := p.Config().Sessions.StaleMultiplier
	if m <= 0 {
		m = 5
	}
	return time.Duration(m) * p.HeartbeatInterval()
}

// AssistantProcessName returns the command-name substring the parent-PID
// walk matches against.
func (p *Policy) AssistantProcessName() string {
	n := p.Config().Sessions.AssistantProcessName
	if n == "" {
		n = "claude"
	}
	return n
}

// HardEnforcement reports whether budget blocks are fatal.
func (p *Policy) HardEnforcement() bool {
	return p.Config().Budget.Enforcement == "hard"
}

// ApprovalTimeout returns the plan-approval ACK deadline.
func (p *Policy) ApprovalTimeout() time.Duration {
	s := p.Config().Loop.ApprovalTimeoutSeconds
	if s <= 0 {
		s = 300
	}
	return time.Duration(s) * time.Second
}
