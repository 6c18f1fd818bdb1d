package pilot

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/pilot/internal/board"
	"github.com/jaakkos/pilot/internal/bus"
	"github.com/jaakkos/pilot/internal/checkpoint"
	"github.com/jaakkos/pilot/internal/cost"
	"github.com/jaakkos/pilot/internal/domain"
	"github.com/jaakkos/pilot/internal/eventlog"
	"github.com/jaakkos/pilot/internal/lease"
	"github.com/jaakkos/pilot/internal/policy"
	"github.com/jaakkos/pilot/internal/proc"
	"github.com/jaakkos/pilot/internal/registry"
)

type toolFixture struct {
	srv   *server.MCPServer
	deps  Deps
	store *registry.Store
}

// testServer wires the full tool set over a temp state dir. The fake
// process table knows this test process so register_session resolves it.
func testServer(t *testing.T) *toolFixture {
	t.Helper()
	dir := t.TempDir()
	logger := log.New(os.Stderr, "[test] ", 0)
	pol := policy.New(policy.DefaultConfig())
	events := eventlog.New(dir, logger)
	store := registry.NewStore(dir)
	self := os.Getpid()
	prober := &proc.FakeProber{
		Running: map[int]bool{self: true, 200: true, 201: true},
		Parents: map[int]proc.FakeProc{
			self: {Comm: "claude", PPID: 1},
			200:  {Comm: "claude", PPID: 1},
			201:  {Comm: "claude", PPID: 1},
		},
	}
	reg := registry.New(store, prober, pol, events, logger)
	leases := lease.NewManager(dir, store, reg, pol, events, logger)
	d := Deps{
		Policy:      pol,
		Registry:    reg,
		Leases:      leases,
		Bus:         bus.New(filepath.Join(dir, "bus"), filepath.Join(dir, ".notify"), logger),
		Board:       board.NewPublisher(dir, logger),
		Checkpoints: checkpoint.NewStore(filepath.Join(dir, "checkpoints"), logger),
		Costs:       cost.NewTracker(dir, pol, logger),
		Logger:      logger,
	}
	s := server.NewMCPServer("test", "0.0.0")
	Register(s, d)
	return &toolFixture{srv: s, deps: d, store: store}
}

func (f *toolFixture) saveSession(t *testing.T, id string, pid int) *domain.Session {
	t.Helper()
	sess := &domain.Session{
		ID: id, Role: domain.RoleBackend, Status: domain.SessionActive,
		PID: pid, ParentPID: pid, Heartbeat: time.Now(), StartedAt: time.Now(),
	}
	if err := f.store.Save(sess); err != nil {
		t.Fatalf("save session: %v", err)
	}
	return sess
}

// callTool calls a registered tool through the server's message handler.
func callTool(t *testing.T, s *server.MCPServer, name string, args map[string]any) (*mcp.CallToolResult, error) {
	t.Helper()
	reqJSON, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]any{
			"name":      name,
			"arguments": args,
		},
	})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	respJSON := s.HandleMessage(context.Background(), reqJSON)
	respBytes, err := json.Marshal(respJSON)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("RPC error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	var result mcp.CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	return &result, nil
}

// resultText extracts the first text content from a tool result.
func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if result == nil {
		t.Fatal("result is nil")
	}
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatalf("no text content in %+v", result)
	return ""
}

// resultJSON parses a tool's JSON text into out.
func resultJSON(t *testing.T, result *mcp.CallToolResult, out any) {
	t.Helper()
	text := resultText(t, result)
	if err := json.Unmarshal([]byte(text), out); err != nil {
		t.Fatalf("parse tool result %q: %v", text, err)
	}
}

func TestRegisterSession_SecondCallResurrectsSameSession(t *testing.T) {
	f := testServer(t)

	res, err := callTool(t, f.srv, "register_session", map[string]any{"role": "backend"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	var first struct {
		SessionID   string `json:"session_id"`
		Resurrected bool   `json:"resurrected"`
	}
	resultJSON(t, res, &first)
	if first.SessionID == "" || first.Resurrected {
		t.Fatalf("first registration = %+v", first)
	}

	if res, err = callTool(t, f.srv, "end_session", map[string]any{
		"session_id": first.SessionID, "reason": "test over",
	}); err != nil || res.IsError {
		t.Fatalf("end: %v %+v", err, res)
	}

	res, err = callTool(t, f.srv, "register_session", map[string]any{"role": "backend"})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	var second struct {
		SessionID   string `json:"session_id"`
		Resurrected bool   `json:"resurrected"`
	}
	resultJSON(t, res, &second)
	if second.SessionID != first.SessionID || !second.Resurrected {
		t.Errorf("re-registration = %+v, want resurrection of %s", second, first.SessionID)
	}
}

func TestRegisterSession_RejectsUnknownRole(t *testing.T) {
	f := testServer(t)
	res, err := callTool(t, f.srv, "register_session", map[string]any{"role": "wizard"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !res.IsError || !strings.Contains(resultText(t, res), "invalid role") {
		t.Errorf("result = %+v, want an invalid-role refusal", res)
	}
}

func TestClaimTask_RefusalNamesTheHolder(t *testing.T) {
	f := testServer(t)
	f.saveSession(t, "sess-a", 200)
	f.saveSession(t, "sess-b", 201)

	res, err := callTool(t, f.srv, "claim_task", map[string]any{
		"session_id": "sess-a", "task_id": "T-1",
	})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	var first struct {
		Success bool `json:"success"`
	}
	resultJSON(t, res, &first)
	if !first.Success {
		t.Fatalf("first claim refused: %s", resultText(t, res))
	}

	res, err = callTool(t, f.srv, "claim_task", map[string]any{
		"session_id": "sess-b", "task_id": "T-1",
	})
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	var second struct {
		Success       bool `json:"success"`
		ExistingClaim *struct {
			SessionID string `json:"session_id"`
		} `json:"existing_claim"`
	}
	resultJSON(t, res, &second)
	if second.Success {
		t.Fatal("second claim succeeded on a held task")
	}
	if second.ExistingClaim == nil || second.ExistingClaim.SessionID != "sess-a" {
		t.Errorf("refusal = %s, want the holder named", resultText(t, res))
	}
}

func TestCheckEdit_DeniedInForeignLockedArea(t *testing.T) {
	f := testServer(t)
	f.saveSession(t, "sess-a", 200)
	f.saveSession(t, "sess-b", 201)

	res, err := callTool(t, f.srv, "lock_area", map[string]any{
		"session_id": "sess-a", "area": "frontend",
	})
	if err != nil || res.IsError {
		t.Fatalf("lock: %v %+v", err, res)
	}

	res, err = callTool(t, f.srv, "check_edit", map[string]any{
		"session_id": "sess-b", "path": "src/components/App.tsx",
	})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	var denial struct {
		Denied   bool   `json:"denied"`
		Area     string `json:"area"`
		LockedBy string `json:"locked_by"`
	}
	resultJSON(t, res, &denial)
	if !denial.Denied || denial.Area != "frontend" || denial.LockedBy != "sess-a" {
		t.Errorf("denial = %+v, want frontend locked by sess-a", denial)
	}

	// The holder itself may edit.
	res, err = callTool(t, f.srv, "check_edit", map[string]any{
		"session_id": "sess-a", "path": "src/components/App.tsx",
	})
	if err != nil {
		t.Fatalf("holder check: %v", err)
	}
	resultJSON(t, res, &denial)
	if denial.Denied {
		t.Errorf("holder denied its own area: %+v", denial)
	}
}

func TestSendMessage_ReadOnceThroughCursor(t *testing.T) {
	f := testServer(t)
	f.saveSession(t, "sess-a", 200)
	f.saveSession(t, "sess-b", 201)

	res, err := callTool(t, f.srv, "send_message", map[string]any{
		"session_id": "sess-a",
		"to":         "sess-b",
		"topic":      "task.handoff",
		"payload":    map[string]any{"task_id": "T-1"},
	})
	if err != nil || res.IsError {
		t.Fatalf("send: %v %+v", err, res)
	}

	res, err = callTool(t, f.srv, "read_messages", map[string]any{"session_id": "sess-b"})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var batch struct {
		Count    int              `json:"count"`
		Messages []domain.Message `json:"messages"`
	}
	resultJSON(t, res, &batch)
	if batch.Count != 1 || batch.Messages[0].Topic != "task.handoff" {
		t.Fatalf("batch = %+v, want the handoff message", batch)
	}
	if batch.Messages[0].Payload["task_id"] != "T-1" {
		t.Errorf("payload = %v", batch.Messages[0].Payload)
	}

	res, err = callTool(t, f.srv, "read_messages", map[string]any{"session_id": "sess-b"})
	if err != nil {
		t.Fatalf("re-read: %v", err)
	}
	resultJSON(t, res, &batch)
	if batch.Count != 0 {
		t.Errorf("re-read returned %d messages, want 0", batch.Count)
	}
}
