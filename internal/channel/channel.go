// Package channel dispatches structured actions arriving from the
// external messaging relay. Inbound and outbound are append-only JSONL
// queues; the relay process owns transport, this handler owns effects.
// Raw command strings are never executed, only the parsed action field.
package channel

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jaakkos/pilot/internal/board"
	"github.com/jaakkos/pilot/internal/bus"
	"github.com/jaakkos/pilot/internal/cost"
	"github.com/jaakkos/pilot/internal/domain"
	"github.com/jaakkos/pilot/internal/eventlog"
	"github.com/jaakkos/pilot/internal/fsutil"
	"github.com/jaakkos/pilot/internal/lease"
	"github.com/jaakkos/pilot/internal/policy"
	"github.com/jaakkos/pilot/internal/registry"
	"github.com/jaakkos/pilot/internal/tracker"
)

// InboundMessage is one parsed record from the relay.
type InboundMessage struct {
	ID         string    `json:"id"`
	ChatID     string    `json:"chat_id"`
	Action     string    `json:"action"`
	Text       string    `json:"text,omitempty"`
	TaskID     string    `json:"task_id,omitempty"`
	ApprovalID string    `json:"approval_id,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	TS         time.Time `json:"ts"`
}

// OutboundMessage is one reply chunk for the relay to deliver.
type OutboundMessage struct {
	ChatID string    `json:"chat_id"`
	Text   string    `json:"text"`
	TS     time.Time `json:"ts"`
}

// Approval is one pending human decision.
type Approval struct {
	ID            string    `json:"id"`
	TaskID        string    `json:"task_id,omitempty"`
	Type          string    `json:"type"` // plan, escalation
	ChatID        string    `json:"chat_id,omitempty"`
	SessionID     string    `json:"session_id,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	ExpiresAt     time.Time `json:"expires_at"`
	Escalated     bool      `json:"escalated"`
}

// auditRecord is one line of the channel audit log.
type auditRecord struct {
	TS      time.Time `json:"ts"`
	ChatID  string    `json:"chat_id"`
	Action  string    `json:"action"`
	Allowed bool      `json:"allowed"`
	Reason  string    `json:"reason,omitempty"`
}

// Handler drains the inbox and executes actions.
type Handler struct {
	dir     string // channel state dir: inbox, outbox, cursor, approvals, audit
	logFile string // daily run log consumed by the logs action
	pol     *policy.Policy
	reg     *registry.Registry
	leases  *lease.Manager
	bus     *bus.Bus
	board   *board.Publisher
	costs   *cost.Tracker
	track   tracker.Tracker
	events  *eventlog.Log
	logger  *log.Logger
	now     func() time.Time

	limiter *rateLimiter
	history *historyRing
}

// Deps bundles the handler's collaborators.
type Deps struct {
	Dir     string
	LogFile string
	Policy  *policy.Policy
	Reg     *registry.Registry
	Leases  *lease.Manager
	Bus     *bus.Bus
	Board   *board.Publisher
	Costs   *cost.Tracker
	Tracker tracker.Tracker
	Events  *eventlog.Log
	Logger  *log.Logger
}

// New builds a channel handler.
func New(d Deps) *Handler {
	cfg := d.Policy.Config().Channel
	h := &Handler{
		dir:     d.Dir,
		logFile: d.LogFile,
		pol:     d.Policy,
		reg:     d.Reg,
		leases:  d.Leases,
		bus:     d.Bus,
		board:   d.Board,
		costs:   d.Costs,
		track:   d.Tracker,
		events:  d.Events,
		logger:  d.Logger,
		now:     time.Now,
		history: newHistoryRing(cfg.MaxHistoryTurns, cfg.HistoryCharCap),
	}
	h.limiter = newRateLimiter(cfg.RatePerMinute, cfg.RatePerHour, func() time.Time { return h.now() })
	return h
}

// SetClock overrides the time source for tests.
func (h *Handler) SetClock(now func() time.Time) { h.now = now }

func (h *Handler) inboxPath() string    { return filepath.Join(h.dir, "inbox.jsonl") }
func (h *Handler) outboxPath() string   { return filepath.Join(h.dir, "outbox.jsonl") }
func (h *Handler) cursorPath() string   { return filepath.Join(h.dir, "inbox_cursor.json") }
func (h *Handler) approvalPath() string { return filepath.Join(h.dir, "approvals.json") }
func (h *Handler) auditPath() string    { return filepath.Join(h.dir, "audit.jsonl") }

type inboxCursor struct {
	ByteOffset int64     `json:"byte_offset"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Drain processes every unread inbox record and sweeps approval expiry.
// It returns the number of records handled.
func (h *Handler) Drain() (int, error) {
	h.sweepApprovals()

	var cur inboxCursor
	_ = fsutil.ReadJSON(h.cursorPath(), &cur)

	records, newOffset, err := fsutil.ReadLinesFrom[InboundMessage](h.inboxPath(), cur.ByteOffset)
	if err != nil {
		return 0, err
	}
	for i := range records {
		h.handle(&records[i])
	}
	if newOffset != cur.ByteOffset {
		cur.ByteOffset = newOffset
		cur.UpdatedAt = h.now()
		if err := fsutil.WriteJSON(h.cursorPath(), &cur); err != nil {
			return len(records), err
		}
	}
	return len(records), nil
}

// handle runs one inbound record through auth, rate limit, and dispatch.
func (h *Handler) handle(m *InboundMessage) {
	if !h.authorized(m.ChatID) {
		h.audit(m, false, "not allowlisted")
		return
	}
	if !h.limiter.allow(m.ChatID) {
		h.audit(m, false, "rate limited")
		h.reply(m.ChatID, "Rate limit exceeded, try again later.")
		return
	}
	h.audit(m, true, "")
	h.history.add(m.ChatID, m.Action+" "+m.Text)
	h.reply(m.ChatID, h.dispatch(m))
}

// authorized checks the allowlist; an empty allowlist rejects everyone.
func (h *Handler) authorized(chatID string) bool {
	for _, id := range h.pol.Config().Channel.AllowedChatIDs {
		if id == chatID {
			return true
		}
	}
	return false
}

func (h *Handler) audit(m *InboundMessage, allowed bool, reason string) {
	rec := auditRecord{TS: h.now(), ChatID: m.ChatID, Action: m.Action, Allowed: allowed, Reason: reason}
	if err := fsutil.AppendLine(h.auditPath(), rec); err != nil {
		h.logger.Printf("Channel: audit append: %v", err)
	}
}

// reply escapes, splits, and appends the outbound chunks.
func (h *Handler) reply(chatID, text string) {
	if text == "" {
		return
	}
	maxLen := h.pol.Config().Channel.MaxMessageLength
	for _, chunk := range splitMessage(escapeMarkdown(text), maxLen) {
		out := OutboundMessage{ChatID: chatID, Text: chunk, TS: h.now()}
		if err := fsutil.AppendLine(h.outboxPath(), out); err != nil {
			h.logger.Printf("Channel: outbox append: %v", err)
		}
	}
}

// dispatch routes one action to its effect and returns the reply text.
func (h *Handler) dispatch(m *InboundMessage) string {
	switch m.Action {
	case "status":
		return h.renderStatus()
	case "ps":
		return h.renderPS()
	case "approve":
		return h.resolveApproval(m, true, false)
	case "reject":
		return h.resolveApproval(m, false, false)
	case "approve_escalation":
		return h.resolveApproval(m, true, true)
	case "reject_escalation":
		return h.resolveApproval(m, false, true)
	case "idea":
		return h.fileIdea(m)
	case "pause_all":
		return h.broadcastDirective(m, "pause", "Paused all agents.")
	case "resume":
		return h.broadcastDirective(m, "resume", "Resumed agents.")
	case "kill_agent":
		return h.killAgent(m)
	case "logs":
		return h.renderLogs(m.TaskID)
	case "lockdown":
		return h.broadcastDirective(m, "lockdown", "Lockdown engaged. All agents halting.")
	case "budget":
		return h.renderBudget()
	case "morning_report":
		return h.renderMorningReport()
	default:
		return "Unknown action"
	}
}

func (h *Handler) renderStatus() string {
	sessions, err := h.reg.ActiveSessions("")
	if err != nil {
		return "Status unavailable: " + err.Error()
	}
	if len(sessions) == 0 {
		return "No active sessions."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d active session(s):\n", len(sessions))
	for _, s := range sessions {
		task := s.ClaimedTask
		if task == "" {
			task = "idle"
		}
		fmt.Fprintf(&b, "- %s (%s): %s\n", s.ID, s.Role, task)
	}
	return b.String()
}

func (h *Handler) renderPS() string {
	snaps, err := h.board.StatusBoard()
	if err != nil {
		return "Agent list unavailable: " + err.Error()
	}
	if len(snaps) == 0 {
		return "No active agents"
	}
	var b strings.Builder
	for _, s := range snaps {
		fmt.Fprintf(&b, "- %s [%s]", s.SessionID, s.Status)
		if s.TaskID != "" {
			fmt.Fprintf(&b, " %s (%d/%d)", s.TaskID, s.Step, s.TotalSteps)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (h *Handler) fileIdea(m *InboundMessage) string {
	if strings.TrimSpace(m.Text) == "" {
		return "What's the idea? Send text with it."
	}
	title := m.Text
	if len(title) > 80 {
		title = title[:80]
	}
	id, err := h.track.Create(title, m.Text, []string{"idea"})
	if err != nil {
		return "Could not file the idea: " + err.Error()
	}
	return "Filed as " + id
}

func (h *Handler) broadcastDirective(m *InboundMessage, directive, confirmation string) string {
	if _, err := h.bus.SendBroadcast("pm", "admin."+directive, map[string]any{
		"requested_by": m.ChatID,
	}); err != nil {
		return "Directive failed: " + err.Error()
	}
	h.events.Emit("admin_"+directive, "", map[string]any{"chat_id": m.ChatID})
	return confirmation
}

func (h *Handler) killAgent(m *InboundMessage) string {
	if m.SessionID == "" {
		return "Which session? Provide a session id."
	}
	if err := h.leases.ReleaseBySessionID(m.SessionID); err != nil {
		h.logger.Printf("Channel: release for kill %s: %v", m.SessionID, err)
	}
	if err := h.reg.End(m.SessionID, "killed_by_operator"); err != nil {
		return "Kill failed: " + err.Error()
	}
	return "Ended session " + m.SessionID
}

const logTailLines = 50

func (h *Handler) renderLogs(taskID string) string {
	data, err := os.ReadFile(h.logFile)
	if err != nil {
		return "No logs available."
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	var matched []string
	for _, line := range lines {
		if taskID == "" || strings.Contains(line, taskID) {
			matched = append(matched, line)
		}
	}
	if len(matched) == 0 {
		return "No matching log lines."
	}
	if len(matched) > logTailLines {
		matched = matched[len(matched)-logTailLines:]
	}
	return strings.Join(matched, "\n")
}

func (h *Handler) renderBudget() string {
	dc, err := h.costs.DailyCost()
	if err != nil {
		return "Budget unavailable: " + err.Error()
	}
	budget := h.pol.Config().Budget
	return fmt.Sprintf("Today (%s): %d tokens used. Warn at %d, block at %d. Enforcement: %s.",
		dc.Day, dc.TotalTokens, budget.PerDay.WarnTokens, budget.PerDay.BlockTokens, budget.Enforcement)
}

func (h *Handler) renderMorningReport() string {
	var b strings.Builder
	b.WriteString("Morning report\n\n")
	b.WriteString(h.renderStatus())
	b.WriteString("\n")
	b.WriteString(h.renderBudget())
	if pending, err := h.loadApprovals(); err == nil && len(pending) > 0 {
		fmt.Fprintf(&b, "\n%d approval(s) pending.", len(pending))
	}
	return b.String()
}

// NotifyOperator pushes text to every allowlisted chat. The PM uses it
// to surface pending approvals and escalations.
func (h *Handler) NotifyOperator(text string) {
	for _, chatID := range h.pol.Config().Channel.AllowedChatIDs {
		h.reply(chatID, text)
	}
}

// RegisterApproval records a pending human decision with the policy TTL.
func (h *Handler) RegisterApproval(a Approval) (Approval, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.ExpiresAt.IsZero() {
		ttl := time.Duration(h.pol.Config().Channel.ApprovalTTLSecs) * time.Second
		a.ExpiresAt = h.now().Add(ttl)
	}
	pending, err := h.loadApprovals()
	if err != nil {
		return a, err
	}
	pending = append(pending, a)
	return a, fsutil.WriteJSON(h.approvalPath(), pending)
}

// PendingApprovals returns the open approvals.
func (h *Handler) PendingApprovals() ([]Approval, error) {
	return h.loadApprovals()
}

func (h *Handler) loadApprovals() ([]Approval, error) {
	var pending []Approval
	if !fsutil.FileExists(h.approvalPath()) {
		return nil, nil
	}
	if err := fsutil.ReadJSON(h.approvalPath(), &pending); err != nil {
		return nil, err
	}
	return pending, nil
}

// resolveApproval finds the addressed approval: explicit id first, then
// task match, then the single pending entry.
func (h *Handler) resolveApproval(m *InboundMessage, approve, escalation bool) string {
	pending, err := h.loadApprovals()
	if err != nil {
		return "Approvals unavailable: " + err.Error()
	}
	idx := -1
	switch {
	case m.ApprovalID != "":
		for i := range pending {
			if pending[i].ID == m.ApprovalID {
				idx = i
			}
		}
	case escalation:
		// Escalations resolve by approval id only.
	case m.TaskID != "":
		for i := range pending {
			if pending[i].TaskID == m.TaskID {
				idx = i
			}
		}
	case len(pending) == 1:
		idx = 0
	}
	if idx < 0 {
		return "Approval expired/not found"
	}
	a := pending[idx]
	pending = append(pending[:idx], pending[idx+1:]...)
	if err := fsutil.WriteJSON(h.approvalPath(), pending); err != nil {
		return "Could not persist the decision: " + err.Error()
	}

	topic := "plan.approved"
	verdict := "Approved"
	if !approve {
		topic = "plan.rejected"
		verdict = "Rejected"
	}
	if a.SessionID != "" {
		if _, err := h.bus.Send(domain.Message{
			From: "pm", To: a.SessionID, Type: domain.TypeResponse,
			Topic: topic, Priority: domain.PriorityBlocking,
			Payload:       map[string]any{"approval_id": a.ID, "task_id": a.TaskID},
			CorrelationID: a.CorrelationID,
		}); err != nil {
			h.logger.Printf("Channel: forward decision %s: %v", a.ID, err)
		}
	}
	h.events.Emit("approval_resolved", a.SessionID, map[string]any{
		"approval_id": a.ID, "approved": approve,
	})
	label := a.TaskID
	if label == "" {
		label = a.ID
	}
	return verdict + " " + label
}

// sweepApprovals notifies on expired entries exactly once.
func (h *Handler) sweepApprovals() {
	pending, err := h.loadApprovals()
	if err != nil || len(pending) == 0 {
		return
	}
	now := h.now()
	changed := false
	for i := range pending {
		a := &pending[i]
		if a.Escalated || now.Before(a.ExpiresAt) {
			continue
		}
		a.Escalated = true
		changed = true
		if a.ChatID != "" {
			h.reply(a.ChatID, fmt.Sprintf("Approval %s for %s timed out.", a.ID, a.TaskID))
		}
		h.events.Emit("approval_expired", a.SessionID, map[string]any{"approval_id": a.ID})
	}
	if changed {
		if err := fsutil.WriteJSON(h.approvalPath(), pending); err != nil {
			h.logger.Printf("Channel: persist approval sweep: %v", err)
		}
	}
}
