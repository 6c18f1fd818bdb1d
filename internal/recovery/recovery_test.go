package recovery

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jaakkos/pilot/internal/bus"
	"github.com/jaakkos/pilot/internal/checkpoint"
	"github.com/jaakkos/pilot/internal/domain"
	"github.com/jaakkos/pilot/internal/eventlog"
	"github.com/jaakkos/pilot/internal/lease"
	"github.com/jaakkos/pilot/internal/memory"
	"github.com/jaakkos/pilot/internal/policy"
	"github.com/jaakkos/pilot/internal/registry"
)

// liveFunc adapts a func to the lease.Liveness interface.
type liveFunc func(sessionID string) bool

func (f liveFunc) IsAlive(sessionID string) bool { return f(sessionID) }

type fixture struct {
	dir         string
	store       *registry.Store
	leases      *lease.Manager
	checkpoints *checkpoint.Store
	bus         *bus.Bus
	mem         *memory.Store
}

func testEngine(t *testing.T) (*Engine, *fixture) {
	t.Helper()
	dir := t.TempDir()
	logger := log.New(os.Stderr, "[test] ", 0)
	store := registry.NewStore(dir)
	pol, _ := policy.Load("")
	events := eventlog.New(dir, logger)
	leases := lease.NewManager(dir, store, liveFunc(func(string) bool { return false }), pol, events, logger)
	checkpoints := checkpoint.NewStore(filepath.Join(dir, "checkpoints"), logger)
	b := bus.New(filepath.Join(dir, "bus"), filepath.Join(dir, ".notify"), logger)
	mem, err := memory.Open(filepath.Join(dir, "memory.db"))
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	t.Cleanup(func() { mem.Close() })

	f := &fixture{dir: dir, store: store, leases: leases, checkpoints: checkpoints, bus: b, mem: mem}
	return NewEngine(dir, store, leases, checkpoints, b, mem, nil, events, logger), f
}

func saveSession(t *testing.T, store *registry.Store, id string) *domain.Session {
	t.Helper()
	sess := &domain.Session{
		ID:        id,
		Role:      domain.RoleBackend,
		Status:    domain.SessionActive,
		Heartbeat: time.Now(),
		StartedAt: time.Now(),
	}
	if err := store.Save(sess); err != nil {
		t.Fatalf("save session: %v", err)
	}
	return sess
}

func TestAssessRecovery_ResumeWhenCheckpointRecordsTask(t *testing.T) {
	e, f := testEngine(t)
	saveSession(t, f.store, "sess-dead")
	if _, err := f.checkpoints.Save("sess-dead", domain.Checkpoint{
		TaskID: "task-1", TaskTitle: "wire the scheduler", PlanStep: 3, TotalSteps: 5,
	}); err != nil {
		t.Fatal(err)
	}

	a, err := e.AssessRecovery("sess-dead")
	if err != nil {
		t.Fatalf("assess: %v", err)
	}
	if a.Strategy != StrategyResume {
		t.Fatalf("strategy = %q, want resume", a.Strategy)
	}
	if a.Checkpoint == nil || a.Checkpoint.TaskID != "task-1" {
		t.Errorf("assessment checkpoint = %+v, want task-1", a.Checkpoint)
	}

	rc, err := e.RecoverFromCheckpoint("sess-dead")
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if rc.Prompt == "" {
		t.Fatal("empty restoration prompt")
	}
	if want := "task task-1"; !strings.Contains(rc.Prompt, want) {
		t.Errorf("prompt missing %q:\n%s", want, rc.Prompt)
	}
	if want := "Step 3 of 5"; !strings.Contains(rc.Prompt, want) {
		t.Errorf("prompt missing %q:\n%s", want, rc.Prompt)
	}
}

func TestAssessRecovery_ReassignWhenClaimWithoutCheckpoint(t *testing.T) {
	e, f := testEngine(t)
	sess := saveSession(t, f.store, "sess-dead")
	if res, _ := f.leases.Claim(sess, "task-2", time.Hour); !res.Success {
		t.Fatalf("claim refused: %s", res.Reason)
	}

	a, err := e.AssessRecovery("sess-dead")
	if err != nil {
		t.Fatal(err)
	}
	if a.Strategy != StrategyReassign {
		t.Errorf("strategy = %q, want reassign", a.Strategy)
	}
}

func TestAssessRecovery_CleanupWhenNothingHeld(t *testing.T) {
	e, f := testEngine(t)
	saveSession(t, f.store, "sess-idle")

	a, err := e.AssessRecovery("sess-idle")
	if err != nil {
		t.Fatal(err)
	}
	if a.Strategy != StrategyCleanup {
		t.Errorf("strategy = %q, want cleanup", a.Strategy)
	}
}

func TestRun_ReassignReleasesClaimAndNotifiesPM(t *testing.T) {
	e, f := testEngine(t)
	sess := saveSession(t, f.store, "sess-dead")
	if res, _ := f.leases.Claim(sess, "task-7", time.Hour); !res.Success {
		t.Fatalf("claim refused: %s", res.Reason)
	}

	a, rc, err := e.Run("sess-dead", "pm-1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if a.Strategy != StrategyReassign || rc != nil {
		t.Fatalf("run = %q, %v, want reassign with no resume context", a.Strategy, rc)
	}
	if f.leases.IsTaskClaimed("task-7") {
		t.Error("task should be unclaimed after reassign")
	}

	msgs, err := f.bus.Read("pm-reader", bus.ReadFilter{Role: domain.RolePM})
	if err != nil {
		t.Fatal(err)
	}
	var req *domain.Message
	for i := range msgs {
		if msgs[i].Topic == "task.needs_reassign" {
			req = &msgs[i]
		}
	}
	if req == nil {
		t.Fatalf("no reassign notice for the PM, got %v", msgs)
	}
	if req.Payload["task_id"] != "task-7" {
		t.Errorf("payload task_id = %v, want task-7", req.Payload["task_id"])
	}
	if req.Payload["dead_session"] != "sess-dead" {
		t.Errorf("payload dead_session = %v, want sess-dead", req.Payload["dead_session"])
	}

	// The failed outcome lands in agent memory.
	rate, err := f.mem.SuccessRate(domain.RoleBackend, "", 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if rate != 0 {
		t.Errorf("success rate after failed reassign = %v, want 0", rate)
	}
}

func TestRun_CleanupRemovesDebrisAndCursor(t *testing.T) {
	e, f := testEngine(t)
	saveSession(t, f.store, "sess-idle")

	debris := []string{
		filepath.Join(f.dir, "locks", "sess-idle.lock"),
		filepath.Join(f.dir, "loop", "sess-idle.json"),
		filepath.Join(f.dir, "pressure", "sess-idle.json"),
		filepath.Join(f.dir, "nudges", "sess-idle.json"),
	}
	for _, p := range debris {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte("{}"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	// Give the dead session a bus cursor by reading once.
	if _, err := f.bus.Send(domain.Message{
		From: "a", To: "sess-idle", Type: domain.TypeNotify, Topic: "t.one", Priority: domain.PriorityNormal,
	}); err != nil {
		t.Fatal(err)
	}
	if msgs, _ := f.bus.Read("sess-idle", bus.ReadFilter{}); len(msgs) != 1 {
		t.Fatalf("priming read got %d messages, want 1", len(msgs))
	}

	a, _, err := e.Run("sess-idle", "pm-1")
	if err != nil {
		t.Fatal(err)
	}
	if a.Strategy != StrategyCleanup {
		t.Fatalf("strategy = %q, want cleanup", a.Strategy)
	}
	for _, p := range debris {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("debris survived cleanup: %s", p)
		}
	}
	// With the cursor gone a fresh reader identity starts from the top.
	if msgs, _ := f.bus.Read("sess-idle", bus.ReadFilter{}); len(msgs) != 1 {
		t.Errorf("cursor not removed: re-read got %d messages, want 1", len(msgs))
	}
}

func TestRecoverSession_TransfersHeldStateToSuccessor(t *testing.T) {
	e, f := testEngine(t)
	dead := saveSession(t, f.store, "sess-dead")
	saveSession(t, f.store, "sess-new")
	if res, _ := f.leases.Claim(dead, "task-3", time.Hour); !res.Success {
		t.Fatalf("claim refused: %s", res.Reason)
	}

	if err := e.RecoverSession("sess-dead", "sess-new", time.Hour); err != nil {
		t.Fatalf("recover session: %v", err)
	}
	claim, err := f.leases.CurrentClaim("task-3")
	if err != nil || claim == nil {
		t.Fatalf("claim after transfer: %v, %v", claim, err)
	}
	if claim.SessionID != "sess-new" {
		t.Errorf("claim holder = %q, want sess-new", claim.SessionID)
	}
}

func TestRecoverTestFailure_KnownPatternReturnsResolution(t *testing.T) {
	e, f := testEngine(t)
	sess := saveSession(t, f.store, "sess-a")

	output := "=== RUN TestX\nError: dial tcp 127.0.0.1:5432: connection refused\nFAIL"
	pattern := ExtractErrorPattern(output)
	if pattern == "" {
		t.Fatal("no pattern extracted from output")
	}
	if err := f.mem.RecordError(domain.RoleBackend, pattern, "start the postgres container first"); err != nil {
		t.Fatal(err)
	}

	suggestion, known, err := e.RecoverTestFailure(sess, output)
	if err != nil {
		t.Fatal(err)
	}
	if !known {
		t.Fatal("remembered pattern not recognized")
	}
	if suggestion != "start the postgres container first" {
		t.Errorf("suggestion = %q", suggestion)
	}
}

func TestRecoverTestFailure_UnknownPatternIsRecordedAndEscalated(t *testing.T) {
	e, f := testEngine(t)
	sess := saveSession(t, f.store, "sess-a")

	output := "panic: runtime error: index out of range [3] with length 2"
	suggestion, known, err := e.RecoverTestFailure(sess, output)
	if err != nil {
		t.Fatal(err)
	}
	if known || suggestion != "" {
		t.Fatalf("fresh pattern came back known: %q, %v", suggestion, known)
	}

	ep, err := f.mem.LookupError(domain.RoleBackend, ExtractErrorPattern(output))
	if err != nil {
		t.Fatal(err)
	}
	if ep == nil {
		t.Error("unknown pattern was not recorded")
	}

	msgs, err := f.bus.Read("pm-reader", bus.ReadFilter{Role: domain.RolePM})
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, m := range msgs {
		if m.Topic == "test.failure" {
			found = true
		}
	}
	if !found {
		t.Errorf("no test.failure escalation for the PM, got %v", msgs)
	}
}

func TestExtractErrorPattern(t *testing.T) {
	long := "Error: " + strings.Repeat("x", 300)
	cases := []struct {
		name   string
		output string
		want   string
	}{
		{"first error line wins", "building...\nError: no such table\nError: second", "Error: no such table"},
		{"panic marker", "goroutine dump\npanic: nil map write", "panic: nil map write"},
		{"fail marker", "--- FAIL: TestY (0.01s)", "--- FAIL: TestY (0.01s)"},
		{"no markers", "all green\nok  pkg 0.1s", ""},
		{"empty", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExtractErrorPattern(tc.output); got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
	if got := ExtractErrorPattern(long); len(got) != 200 {
		t.Errorf("long line truncated to %d chars, want 200", len(got))
	}
}
