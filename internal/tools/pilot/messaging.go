package pilot

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/pilot/internal/bus"
	"github.com/jaakkos/pilot/internal/domain"
)

// registerSendMessage registers the general-purpose send. Validation
// failures come back as a structured SendResult, not a tool error, so the
// assistant can correct and retry.
func registerSendMessage(s *server.MCPServer, d Deps) {
	s.AddTool(
		mcp.NewTool("send_message",
			mcp.WithDescription(
				"Send a message on the coordination bus. Address exactly one of to (session id), "+
					"to_role, to_agent, or set broadcast. Blocking priority interrupts the recipient's "+
					"next read; fyi never does."),
			mcp.WithString("session_id", mcp.Required(), mcp.Description("Your session id")),
			mcp.WithString("topic", mcp.Required(), mcp.Description("Dot-separated topic, e.g. task.completed")),
			mcp.WithString("to", mcp.Description("Recipient session id")),
			mcp.WithString("to_role", mcp.Description("Recipient role")),
			mcp.WithString("to_agent", mcp.Description("Recipient agent name")),
			mcp.WithBoolean("broadcast", mcp.Description("Deliver to all live sessions")),
			mcp.WithString("type", mcp.Description("Message type, default notify")),
			mcp.WithString("priority", mcp.Description("blocking, normal or fyi; default normal")),
			mcp.WithObject("payload", mcp.Description("Arbitrary JSON payload")),
			mcp.WithString("correlation_id", mcp.Description("Id of the message this responds to")),
			mcp.WithNumber("ack_deadline_seconds", mcp.Description("Require an ack within this deadline")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			sid, err := requireString(args, "session_id")
			if err != nil {
				return nil, err
			}
			topic, err := requireString(args, "topic")
			if err != nil {
				return nil, err
			}
			sess, err := resolveSession(d, sid)
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}

			m := domain.Message{
				From:          sess.ID,
				To:            optionalString(args, "to"),
				ToRole:        domain.Role(optionalString(args, "to_role")),
				ToAgent:       optionalString(args, "to_agent"),
				Type:          domain.MessageType(optionalString(args, "type")),
				Topic:         topic,
				Priority:      domain.Priority(optionalString(args, "priority")),
				CorrelationID: optionalString(args, "correlation_id"),
			}
			if bcast, _ := args["broadcast"].(bool); bcast {
				m.To = domain.Broadcast
				if m.Type == "" {
					m.Type = domain.TypeBroadcast
				}
			}
			if m.Type == "" {
				m.Type = domain.TypeNotify
			}
			if m.Priority == "" {
				m.Priority = domain.PriorityNormal
			}
			if payload, ok := args["payload"].(map[string]any); ok {
				m.Payload = payload
			}
			if secs := optionalFloat64(args, "ack_deadline_seconds", 0); secs > 0 {
				m.Ack = &domain.AckContract{
					Required:   true,
					DeadlineMS: int64(secs * 1000),
				}
			}

			res, err := d.Bus.Send(m)
			if err != nil {
				return nil, err
			}
			return jsonResult(res)
		},
	)
}

// registerReadMessages registers cursor-based reading. Each call returns
// only what arrived since the caller's last read.
func registerReadMessages(s *server.MCPServer, d Deps) {
	s.AddTool(
		mcp.NewTool("read_messages",
			mcp.WithDescription(
				"Read your unseen messages, blocking first. Advances your cursor; a message is "+
					"returned once. Ack-required messages must be acknowledged with ack_message."),
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
			msgs, err := d.Bus.Read(sess.ID, bus.ReadFilter{
				Role:      sess.Role,
				AgentName: sess.AgentName,
			})
			if err != nil {
				return nil, err
			}
			return jsonResult(map[string]any{
				"count":    len(msgs),
				"messages": msgs,
			})
		},
	)
}

// registerAckMessage registers acknowledgment, positive or negative. A
// nack zeroes the deadline so the timeout sweep retries immediately.
func registerAckMessage(s *server.MCPServer, d Deps) {
	s.AddTool(
		mcp.NewTool("ack_message",
			mcp.WithDescription(
				"Acknowledge a message that required an ack. Set nack with a reason to refuse it; "+
					"the sender's delivery is retried elsewhere."),
			mcp.WithString("session_id", mcp.Required(), mcp.Description("Your session id")),
			mcp.WithString("message_id", mcp.Required(), mcp.Description("Id of the message being acknowledged")),
			mcp.WithBoolean("nack", mcp.Description("Refuse instead of accepting")),
			mcp.WithString("reason", mcp.Description("Why the message is refused")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			sid, err := requireString(args, "session_id")
			if err != nil {
				return nil, err
			}
			messageID, err := requireString(args, "message_id")
			if err != nil {
				return nil, err
			}
			sess, err := resolveSession(d, sid)
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			original, err := d.Bus.FindMessage(messageID)
			if err != nil {
				return nil, err
			}
			if original == nil {
				return mcp.NewToolResultError("unknown message " + messageID), nil
			}
			var res bus.SendResult
			if nack, _ := args["nack"].(bool); nack {
				res, err = d.Bus.SendNack(sess.ID, messageID, original.From, optionalString(args, "reason"))
			} else {
				res, err = d.Bus.SendAck(sess.ID, messageID, original.From)
			}
			if err != nil {
				return nil, err
			}
			return jsonResult(res)
		},
	)
}
