// Package pilot exposes the coordination substrate to interactive
// assistants as MCP tools. Each tool is a thin shim over the internal
// packages; assistants never touch the state files directly.
package pilot

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/pilot/internal/board"
	"github.com/jaakkos/pilot/internal/bus"
	"github.com/jaakkos/pilot/internal/checkpoint"
	"github.com/jaakkos/pilot/internal/cost"
	"github.com/jaakkos/pilot/internal/domain"
	"github.com/jaakkos/pilot/internal/lease"
	"github.com/jaakkos/pilot/internal/policy"
	"github.com/jaakkos/pilot/internal/registry"
)

// Deps is everything the tool shims reach into.
type Deps struct {
	Policy      *policy.Policy
	Registry    *registry.Registry
	Leases      *lease.Manager
	Bus         *bus.Bus
	Board       *board.Publisher
	Checkpoints *checkpoint.Store
	Costs       *cost.Tracker
	Logger      *log.Logger
}

// Register adds the pilot tool set to the MCP server.
func Register(s *server.MCPServer, d Deps) {
	// Session lifecycle (3)
	registerRegisterSession(s, d)
	registerHeartbeat(s, d)
	registerEndSession(s, d)

	// Leasing and governance (5)
	registerClaimTask(s, d)
	registerReleaseTask(s, d)
	registerExtendLease(s, d)
	registerLockArea(s, d)
	registerCheckEdit(s, d)

	// Messaging (3)
	registerSendMessage(s, d)
	registerReadMessages(s, d)
	registerAckMessage(s, d)

	// Progress and memory (4)
	registerPublishProgress(s, d)
	registerStatusBoard(s, d)
	registerSaveCheckpoint(s, d)
	registerCheckBudget(s, d)
}

// jsonResult renders v as an indented JSON tool result.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

// resolveSession loads the caller's session by explicit id.
func resolveSession(d Deps, sessionID string) (*domain.Session, error) {
	sess, err := d.Registry.Store().Load(sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("unknown session %q", sessionID)
	}
	return sess, nil
}
