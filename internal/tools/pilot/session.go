package pilot

import (
	"context"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/pilot/internal/domain"
	"github.com/jaakkos/pilot/internal/registry"
)

// registerRegisterSession registers the session-bootstrap tool. The same
// terminal registering twice resurrects its previous session instead of
// minting a new one.
func registerRegisterSession(s *server.MCPServer, d Deps) {
	s.AddTool(
		mcp.NewTool("register_session",
			mcp.WithDescription(
				"Register this assistant with the coordination substrate. Call once at session start. "+
					"Returns your session id; export it as PILOT_SESSION_ID for hook invocations."),
			mcp.WithString("role", mcp.Required(), mcp.Description("Agent role (frontend, backend, testing, security, pm, design, review, infra)")),
			mcp.WithString("agent_name", mcp.Description("Stable agent name for direct addressing (e.g. claude-1)")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			role, err := requireString(args, "role")
			if err != nil {
				return nil, err
			}
			if !domain.ValidRole(domain.Role(role)) {
				return mcp.NewToolResultError("invalid role " + role), nil
			}
			sess, resurrected, err := d.Registry.Register(registry.RegisterContext{
				PID:       os.Getpid(),
				Role:      domain.Role(role),
				AgentName: optionalString(args, "agent_name"),
			})
			if err != nil {
				return nil, err
			}
			return jsonResult(map[string]any{
				"session_id":  sess.ID,
				"resurrected": resurrected,
				"role":        sess.Role,
			})
		},
	)
}

// registerHeartbeat registers the liveness signal tool.
func registerHeartbeat(s *server.MCPServer, d Deps) {
	s.AddTool(
		mcp.NewTool("heartbeat",
			mcp.WithDescription(
				"Signal liveness. Call periodically while working; sessions with a stale heartbeat "+
					"and a dead process are recovered and their tasks reassigned."),
			mcp.WithString("session_id", mcp.Description("Session id; omitted, the substrate resolves by process")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			if sid := optionalString(args, "session_id"); sid != "" {
				sess, err := resolveSession(d, sid)
				if err != nil {
					return mcp.NewToolResultError(err.Error()), nil
				}
				sess.Heartbeat = time.Now()
				if err := d.Registry.Store().Save(sess); err != nil {
					return nil, err
				}
				return mcp.NewToolResultText("OK"), nil
			}
			if _, err := d.Registry.Heartbeat(os.Getpid()); err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return mcp.NewToolResultText("OK"), nil
		},
	)
}

// registerEndSession registers the clean-shutdown tool.
func registerEndSession(s *server.MCPServer, d Deps) {
	s.AddTool(
		mcp.NewTool("end_session",
			mcp.WithDescription("End this session cleanly, releasing its claim and locks."),
			mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id to end")),
			mcp.WithString("reason", mcp.Description("Why the session ends")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			sid, err := requireString(args, "session_id")
			if err != nil {
				return nil, err
			}
			if err := d.Leases.ReleaseBySessionID(sid); err != nil {
				d.Logger.Printf("tools: release on end %s: %v", sid, err)
			}
			reason := optionalString(args, "reason")
			if reason == "" {
				reason = "ended_by_agent"
			}
			if err := d.Registry.End(sid, reason); err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return mcp.NewToolResultText("OK"), nil
		},
	)
}
