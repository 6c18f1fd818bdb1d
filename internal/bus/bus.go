// Package bus implements the durable message substrate: one append-only
// JSONL log, per-reader cursors, priority-ordered batches, ACK/NACK with
// retry, a dead-letter queue, and multi-level escalation.
//
// A single JSON line appended in one write call is the atomicity unit;
// cross-process ordering relies on POSIX append semantics. Priority
// ordering is per-batch only; a later blocking message never preempts an
// already-delivered normal one.
package bus

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jaakkos/pilot/internal/domain"
	"github.com/jaakkos/pilot/internal/fsutil"
)

// maxProcessedIDs bounds the per-cursor replay guard.
const maxProcessedIDs = 500

// DefaultEscalationChain is attached by SendWithEscalation.
var DefaultEscalationChain = []string{"peer", "pm", "human"}

// Bus is the shared multi-writer, multi-reader message log.
type Bus struct {
	dir        string // directory holding bus.jsonl and friends
	signalPath string // notify signal file touched after appends
	logger     *log.Logger
	now        func() time.Time

	mu sync.Mutex // serializes sends within this process
}

// New creates a Bus rooted at dir. signalPath may be empty.
func New(dir, signalPath string, logger *log.Logger) *Bus {
	return &Bus{dir: dir, signalPath: signalPath, logger: logger, now: time.Now}
}

// SetClock overrides the clock, for tests.
func (b *Bus) SetClock(now func() time.Time) { b.now = now }

func (b *Bus) busPath() string     { return filepath.Join(b.dir, "bus.jsonl") }
func (b *Bus) pendingPath() string { return filepath.Join(b.dir, "pending_acks.jsonl") }
func (b *Bus) dlqPath() string     { return filepath.Join(b.dir, "dlq.jsonl") }
func (b *Bus) humanPath() string   { return filepath.Join(b.dir, "human_queue.jsonl") }
func (b *Bus) humanCursorPath() string {
	return filepath.Join(b.dir, "human_queue_cursor.json")
}
func (b *Bus) cursorPath(sessionID string) string {
	return filepath.Join(b.dir, "cursors", sessionID+".json")
}

// SendResult is the structured outcome of a send.
type SendResult struct {
	Success bool            `json:"success"`
	Errors  []string        `json:"errors,omitempty"`
	Message *domain.Message `json:"message,omitempty"`
}

// Send validates, stamps and appends a message. The sequence number is one
// past the last line's; id and timestamp are assigned here.
func (b *Bus) Send(m domain.Message) (SendResult, error) {
	if errs := Validate(&m); len(errs) > 0 {
		return SendResult{Success: false, Errors: errs}, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	m.ID = uuid.NewString()
	m.TS = b.now()
	last, err := b.lastSeq()
	if err != nil {
		return SendResult{}, err
	}
	m.Seq = last + 1

	if err := fsutil.AppendLine(b.busPath(), &m); err != nil {
		return SendResult{}, fmt.Errorf("bus append: %w", err)
	}
	b.touchSignal()

	if m.Ack != nil && m.Ack.Required {
		if err := b.TrackPendingAck(&m); err != nil {
			b.logger.Printf("Bus: track pending ack for %s failed: %v", m.ID, err)
		}
	}
	return SendResult{Success: true, Message: &m}, nil
}

// SendToRole addresses a message to every live session holding a role.
func (b *Bus) SendToRole(from string, role domain.Role, topic string, data map[string]any) (SendResult, error) {
	return b.Send(domain.Message{
		From: from, ToRole: role, Type: domain.TypeNotify, Topic: topic,
		Priority: domain.PriorityNormal, Payload: data,
	})
}

// SendToAgent addresses a message by human-readable agent name.
func (b *Bus) SendToAgent(from, agentName, topic string, data map[string]any) (SendResult, error) {
	return b.Send(domain.Message{
		From: from, ToAgent: agentName, Type: domain.TypeNotify, Topic: topic,
		Priority: domain.PriorityNormal, Payload: data,
	})
}

// SendToCapability resolves a capability to a role, then sends to the role.
func (b *Bus) SendToCapability(from, capability, topic string, data map[string]any) (SendResult, error) {
	role, ok := RoleForCapability(capability)
	if !ok {
		return SendResult{Success: false, Errors: []string{fmt.Sprintf("no role provides capability %q", capability)}}, nil
	}
	return b.SendToRole(from, role, topic, data)
}

// SendBroadcast delivers to all live sessions other than the sender.
func (b *Bus) SendBroadcast(from, topic string, data map[string]any) (SendResult, error) {
	return b.Send(domain.Message{
		From: from, To: domain.Broadcast, Type: domain.TypeBroadcast, Topic: topic,
		Priority: domain.PriorityNormal, Payload: data,
	})
}

// QueryAgent sends an ack-required query to a session.
func (b *Bus) QueryAgent(from, to, question string, deadline time.Duration) (SendResult, error) {
	return b.Send(domain.Message{
		From: from, To: to, Type: domain.TypeQuery, Topic: "agent.query",
		Priority: domain.PriorityNormal,
		Payload:  map[string]any{"question": question},
		Ack:      &domain.AckContract{Required: true, DeadlineMS: deadline.Milliseconds()},
	})
}

// RespondToQuery answers a query by correlation id.
func (b *Bus) RespondToQuery(from, to, queryID string, data map[string]any) (SendResult, error) {
	return b.Send(domain.Message{
		From: from, To: to, Type: domain.TypeResponse, Topic: "agent.response",
		Priority: domain.PriorityNormal, Payload: data, CorrelationID: queryID,
	})
}

// SendBlockingRequest sends a blocking request that escalates to the PM on
// ack exhaustion.
func (b *Bus) SendBlockingRequest(from, to, reason string, deadline time.Duration) (SendResult, error) {
	return b.Send(domain.Message{
		From: from, To: to, Type: domain.TypeRequest, Topic: "agent.blocked",
		Priority:     domain.PriorityBlocking,
		Payload:      map[string]any{"reason": reason},
		Ack:          &domain.AckContract{Required: true, DeadlineMS: deadline.Milliseconds()},
		EscalateToPM: true,
	})
}

// SendWithEscalation sends a blocking request carrying the default
// peer -> pm -> human escalation chain.
func (b *Bus) SendWithEscalation(from, to, topic string, data map[string]any, deadline time.Duration) (SendResult, error) {
	chain := make([]string, len(DefaultEscalationChain))
	copy(chain, DefaultEscalationChain)
	return b.Send(domain.Message{
		From: from, To: to, Type: domain.TypeRequest, Topic: topic,
		Priority: domain.PriorityBlocking, Payload: data,
		Ack: &domain.AckContract{
			Required: true, DeadlineMS: deadline.Milliseconds(),
			EscalationChain: chain, CurrentLevel: 0,
		},
	})
}

// SendBlockOnTask broadcasts that the sender is blocked until a task
// completes.
func (b *Bus) SendBlockOnTask(from, taskID, reason string) (SendResult, error) {
	return b.Send(domain.Message{
		From: from, To: domain.Broadcast, Type: domain.TypeBlockOnTask, Topic: "task.block_on",
		Priority: domain.PriorityBlocking,
		Payload:  map[string]any{"task_id": taskID, "reason": reason},
	})
}

// NotifyTaskComplete broadcasts task completion with metadata.
func (b *Bus) NotifyTaskComplete(from, taskID string, meta map[string]any) (SendResult, error) {
	payload := map[string]any{"task_id": taskID}
	for k, v := range meta {
		payload[k] = v
	}
	return b.Send(domain.Message{
		From: from, To: domain.Broadcast, Type: domain.TypeBroadcast, Topic: "task.completed",
		Priority: domain.PriorityNormal, Payload: payload,
	})
}

// ReadFilter narrows delivery beyond the direct session id.
type ReadFilter struct {
	Role      domain.Role
	AgentName string
}

// Read returns the reader's next batch: everything appended past its
// cursor that is addressed to it, sorted blocking < normal < fyi with
// sequence as tiebreaker. The cursor advances to EOF even when the batch
// is empty.
func (b *Bus) Read(sessionID string, filter ReadFilter) ([]domain.Message, error) {
	cur := b.loadCursor(sessionID)

	f, err := os.Open(b.busPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	if cur.ByteOffset > 0 {
		if _, err := f.Seek(cur.ByteOffset, io.SeekStart); err != nil {
			return nil, err
		}
	}

	seen := make(map[string]bool, len(cur.ProcessedIDs))
	for _, id := range cur.ProcessedIDs {
		seen[id] = true
	}

	var batch []domain.Message
	offset := cur.ByteOffset
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		raw := sc.Bytes()
		lineLen := int64(len(raw)) + 1
		line := bytes.TrimSpace(raw)
		if len(line) == 0 {
			offset += lineLen
			continue
		}
		var m domain.Message
		if err := json.Unmarshal(line, &m); err != nil {
			// Truncated trailing line: a writer is mid-append. Stop
			// before it so the next read retries from here.
			break
		}
		offset += lineLen
		if m.Seq > cur.LastSeq {
			cur.LastSeq = m.Seq
		}
		if m.From == sessionID {
			continue
		}
		if seen[m.ID] {
			continue
		}
		if !b.addressedTo(&m, sessionID, filter) {
			continue
		}
		seen[m.ID] = true
		cur.ProcessedIDs = append(cur.ProcessedIDs, m.ID)
		batch = append(batch, m)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan bus: %w", err)
	}

	cur.ByteOffset = offset
	if len(cur.ProcessedIDs) > maxProcessedIDs {
		cur.ProcessedIDs = cur.ProcessedIDs[len(cur.ProcessedIDs)-maxProcessedIDs:]
	}
	cur.UpdatedAt = b.now()
	if err := fsutil.WriteJSON(b.cursorPath(sessionID), cur); err != nil {
		return nil, fmt.Errorf("save cursor: %w", err)
	}

	sort.SliceStable(batch, func(i, j int) bool {
		pi, pj := batch[i].Priority.Rank(), batch[j].Priority.Rank()
		if pi != pj {
			return pi < pj
		}
		return batch[i].Seq < batch[j].Seq
	})
	return batch, nil
}

// addressedTo applies the delivery rules for one reader.
func (b *Bus) addressedTo(m *domain.Message, sessionID string, filter ReadFilter) bool {
	switch {
	case m.To == sessionID:
		return true
	case m.To == domain.Broadcast:
		return true
	case m.ToRole != "" && filter.Role != "" && m.ToRole == filter.Role:
		return true
	case m.ToAgent != "" && filter.AgentName != "" && m.ToAgent == filter.AgentName:
		return true
	case !m.Targeted():
		return true // untargeted messages are implicit broadcasts
	}
	return false
}

// RemoveCursor deletes a reader's cursor, on session end.
func (b *Bus) RemoveCursor(sessionID string) {
	if err := os.Remove(b.cursorPath(sessionID)); err != nil && !os.IsNotExist(err) {
		b.logger.Printf("Bus: remove cursor %s: %v", sessionID, err)
	}
}

// loadCursor reads a cursor, or a fresh one at offset zero.
func (b *Bus) loadCursor(sessionID string) *domain.Cursor {
	var cur domain.Cursor
	if err := fsutil.ReadJSON(b.cursorPath(sessionID), &cur); err != nil {
		return &domain.Cursor{SessionID: sessionID}
	}
	return &cur
}

// lastSeq reads the sequence number of the final well-formed line by
// scanning the tail of the file.
func (b *Bus) lastSeq() (int64, error) {
	f, err := os.Open(b.busPath())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	const tail = 64 * 1024
	offset := info.Size() - tail
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, err
	}
	var last int64
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		// When starting mid-file the first line may be partial; tolerate.
		var probe struct {
			Seq int64 `json:"seq"`
		}
		if err := json.Unmarshal(line, &probe); err == nil && probe.Seq > last {
			last = probe.Seq
		}
	}
	return last, nil
}

// FindMessage scans the bus for a message by id.
func (b *Bus) FindMessage(id string) (*domain.Message, error) {
	msgs, err := fsutil.ReadLines[domain.Message](b.busPath())
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		if msgs[i].ID == id {
			return &msgs[i], nil
		}
	}
	return nil, nil
}

// touchSignal bumps the notify signal file so fsnotify pollers wake.
func (b *Bus) touchSignal() {
	if b.signalPath == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(b.signalPath), 0o755); err != nil {
		return
	}
	rev := strconv.FormatInt(b.now().UnixNano(), 10)
	_ = os.WriteFile(b.signalPath, []byte(rev), 0o644)
}

// RoleForCapability maps a capability to the role that provides it.
func RoleForCapability(capability string) (domain.Role, bool) {
	for _, r := range []domain.Role{
		domain.RoleFrontend, domain.RoleBackend, domain.RoleTesting, domain.RoleSecurity,
		domain.RolePM, domain.RoleDesign, domain.RoleReview, domain.RoleInfra,
	} {
		for _, c := range r.Capabilities() {
			if c == capability {
				return r, true
			}
		}
	}
	return "", false
}
