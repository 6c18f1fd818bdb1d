package pilot

import (
	"context"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const defaultLeaseMinutes = 30

// registerClaimTask registers exclusive task claiming. A held task comes
// back as a structured refusal naming the holder, not an error.
func registerClaimTask(s *server.MCPServer, d Deps) {
	s.AddTool(
		mcp.NewTool("claim_task",
			mcp.WithDescription(
				"Claim exclusive ownership of a task before working it. Refused with the existing "+
					"claim when another live session holds it."),
			mcp.WithString("session_id", mcp.Required(), mcp.Description("Your session id")),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("Task to claim")),
			mcp.WithNumber("lease_minutes", mcp.Description("Lease duration, default 30")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			sid, err := requireString(args, "session_id")
			if err != nil {
				return nil, err
			}
			taskID, err := requireString(args, "task_id")
			if err != nil {
				return nil, err
			}
			sess, err := resolveSession(d, sid)
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			lease := time.Duration(optionalFloat64(args, "lease_minutes", defaultLeaseMinutes)) * time.Minute
			res, err := d.Leases.Claim(sess, taskID, lease)
			if err != nil {
				return nil, err
			}
			return jsonResult(res)
		},
	)
}

// registerReleaseTask registers claim release.
func registerReleaseTask(s *server.MCPServer, d Deps) {
	s.AddTool(
		mcp.NewTool("release_task",
			mcp.WithDescription("Release your claim and all area locks. Call when done or blocked."),
			mcp.WithString("session_id", mcp.Required(), mcp.Description("Your session id")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			sid, err := requireString(req.GetArguments(), "session_id")
			if err != nil {
				return nil, err
			}
			sess, err := resolveSession(d, sid)
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			if err := d.Leases.Release(sess); err != nil {
				return nil, err
			}
			return mcp.NewToolResultText("OK"), nil
		},
	)
}

// registerExtendLease registers lease extension while still the holder.
func registerExtendLease(s *server.MCPServer, d Deps) {
	s.AddTool(
		mcp.NewTool("extend_lease",
			mcp.WithDescription("Extend your task lease. Fails if the claim moved to another session."),
			mcp.WithString("session_id", mcp.Required(), mcp.Description("Your session id")),
			mcp.WithNumber("lease_minutes", mcp.Description("New lease duration from now, default 30")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			sid, err := requireString(args, "session_id")
			if err != nil {
				return nil, err
			}
			sess, err := resolveSession(d, sid)
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			lease := time.Duration(optionalFloat64(args, "lease_minutes", defaultLeaseMinutes)) * time.Minute
			res, err := d.Leases.Extend(sess, lease)
			if err != nil {
				return nil, err
			}
			return jsonResult(res)
		},
	)
}

// registerLockArea registers advisory area locking.
func registerLockArea(s *server.MCPServer, d Deps) {
	s.AddTool(
		mcp.NewTool("lock_area",
			mcp.WithDescription(
				"Lock a symbolic code area (frontend, backend, tests, ...) so other agents' edits "+
					"there are denied. Released automatically with your claim."),
			mcp.WithString("session_id", mcp.Required(), mcp.Description("Your session id")),
			mcp.WithString("area", mcp.Required(), mcp.Description("Area name from the policy glob table")),
			mcp.WithBoolean("unlock", mcp.Description("Release the area instead of locking it")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			sid, err := requireString(args, "session_id")
			if err != nil {
				return nil, err
			}
			area, err := requireString(args, "area")
			if err != nil {
				return nil, err
			}
			sess, err := resolveSession(d, sid)
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			if unlock, _ := args["unlock"].(bool); unlock {
				if err := d.Leases.UnlockArea(sess, area); err != nil {
					return nil, err
				}
				return mcp.NewToolResultText("OK"), nil
			}
			res, err := d.Leases.LockArea(sess, area)
			if err != nil {
				return nil, err
			}
			return jsonResult(res)
		},
	)
}

// registerCheckEdit registers the pre-edit governance gate.
func registerCheckEdit(s *server.MCPServer, d Deps) {
	s.AddTool(
		mcp.NewTool("check_edit",
			mcp.WithDescription(
				"Check whether you may edit a file. Denied when the file's area is locked by "+
					"another live session or the path is on the never-edit list."),
			mcp.WithString("session_id", mcp.Required(), mcp.Description("Your session id")),
			mcp.WithString("path", mcp.Required(), mcp.Description("Workspace-relative file path")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			sid, err := requireString(args, "session_id")
			if err != nil {
				return nil, err
			}
			path, err := requireString(args, "path")
			if err != nil {
				return nil, err
			}
			sess, err := resolveSession(d, sid)
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return jsonResult(d.Leases.CheckEdit(sess, path))
		},
	)
}
