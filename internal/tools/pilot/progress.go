package pilot

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/pilot/internal/domain"
)

// registerPublishProgress registers the status-board publish.
func registerPublishProgress(s *server.MCPServer, d Deps) {
	s.AddTool(
		mcp.NewTool("publish_progress",
			mcp.WithDescription(
				"Publish your working snapshot to the shared status board. Other agents editing "+
					"the same files see it injected into their reads."),
			mcp.WithString("session_id", mcp.Required(), mcp.Description("Your session id")),
			mcp.WithString("status", mcp.Description("idle, working or blocked; default working")),
			mcp.WithString("task_id", mcp.Description("Task being worked")),
			mcp.WithString("task_title", mcp.Description("Task title for human readers")),
			mcp.WithNumber("step", mcp.Description("Current plan step")),
			mcp.WithNumber("total_steps", mcp.Description("Total plan steps")),
			mcp.WithArray("files_modified", mcp.Description("Files touched so far")),
			mcp.WithArray("key_decisions", mcp.Description("Decisions other agents should know")),
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
			snap := domain.ProgressSnapshot{
				SessionID:     sess.ID,
				TaskID:        optionalString(args, "task_id"),
				TaskTitle:     optionalString(args, "task_title"),
				Step:          int(optionalFloat64(args, "step", 0)),
				TotalSteps:    int(optionalFloat64(args, "total_steps", 0)),
				Status:        optionalString(args, "status"),
				FilesModified: optionalStrings(args, "files_modified"),
				KeyDecisions:  optionalStrings(args, "key_decisions"),
			}
			if err := d.Board.PublishProgress(sess.ID, snap); err != nil {
				return nil, err
			}
			return mcp.NewToolResultText("OK"), nil
		},
	)
}

// registerStatusBoard registers the board read.
func registerStatusBoard(s *server.MCPServer, d Deps) {
	s.AddTool(
		mcp.NewTool("status_board",
			mcp.WithDescription("Read every agent's latest progress snapshot."),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			snaps, err := d.Board.StatusBoard()
			if err != nil {
				return nil, err
			}
			return jsonResult(map[string]any{
				"count":  len(snaps),
				"agents": snaps,
			})
		},
	)
}

// registerSaveCheckpoint registers durable working-state snapshots. The
// returned version increments per save; history keeps the last five.
func registerSaveCheckpoint(s *server.MCPServer, d Deps) {
	s.AddTool(
		mcp.NewTool("save_checkpoint",
			mcp.WithDescription(
				"Save a working-state checkpoint. If your session dies, the substrate builds a "+
					"restoration prompt from the latest checkpoint for your successor."),
			mcp.WithString("session_id", mcp.Required(), mcp.Description("Your session id")),
			mcp.WithString("task_id", mcp.Description("Task being worked")),
			mcp.WithString("task_title", mcp.Description("Task title")),
			mcp.WithNumber("plan_step", mcp.Description("Current step number")),
			mcp.WithNumber("total_steps", mcp.Description("Total plan steps")),
			mcp.WithString("current_context", mcp.Description("Free-form summary of where you are")),
			mcp.WithArray("key_decisions", mcp.Description("Decisions made so far")),
			mcp.WithArray("files_modified", mcp.Description("Files touched so far")),
			mcp.WithArray("important_findings", mcp.Description("Findings a successor must not rediscover")),
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
			cp := domain.Checkpoint{
				TaskID:         optionalString(args, "task_id"),
				TaskTitle:      optionalString(args, "task_title"),
				PlanStep:       int(optionalFloat64(args, "plan_step", 0)),
				TotalSteps:     int(optionalFloat64(args, "total_steps", 0)),
				CurrentContext: optionalString(args, "current_context"),
				KeyDecisions:   optionalStrings(args, "key_decisions"),
				FilesModified:  optionalStrings(args, "files_modified"),
				Findings:       optionalStrings(args, "important_findings"),
			}
			saved, err := d.Checkpoints.Save(sess.ID, cp)
			if err != nil {
				return nil, err
			}
			return jsonResult(map[string]any{
				"version":  saved.Version,
				"saved_at": saved.SavedAt,
			})
		},
	)
}

// registerCheckBudget registers the spend gate. Agents call it before
// expensive work; a block status means stop and checkpoint.
func registerCheckBudget(s *server.MCPServer, d Deps) {
	s.AddTool(
		mcp.NewTool("check_budget",
			mcp.WithDescription(
				"Check token budgets for your session and task. Returns ok, warn or block; "+
					"under hard enforcement a block is fatal and you must checkpoint and stop."),
			mcp.WithString("session_id", mcp.Required(), mcp.Description("Your session id")),
			mcp.WithString("task_id", mcp.Description("Task to check; omitted checks agent and daily tiers only")),
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
			check, err := d.Costs.CheckBudget(sess.ID, optionalString(args, "task_id"))
			if err != nil {
				return nil, err
			}
			return jsonResult(check)
		},
	)
}
