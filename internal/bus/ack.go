package bus

import (
	"time"

	"github.com/google/uuid"

	"github.com/jaakkos/pilot/internal/domain"
	"github.com/jaakkos/pilot/internal/fsutil"
)

const (
	// MaxRetries before a pending ack moves to the dead-letter queue.
	MaxRetries = 3
	// retryBackoffBase is the first deadline bump; doubles per retry.
	retryBackoffBase = 30 * time.Second
)

// TrackPendingAck records an in-flight delivery expecting acknowledgment.
func (b *Bus) TrackPendingAck(m *domain.Message) error {
	rec := domain.PendingAck{
		MessageID:    m.ID,
		From:         m.From,
		To:           m.To,
		ToRole:       m.ToRole,
		DeadlineAt:   b.now().Add(time.Duration(m.Ack.DeadlineMS) * time.Millisecond),
		EscalateToPM: m.EscalateToPM,
		TrackedAt:    b.now(),
	}
	return fsutil.AppendLine(b.pendingPath(), rec)
}

// Track records a pending ack directly; tests and the retry sweep use it.
func (b *Bus) Track(rec domain.PendingAck) error {
	return fsutil.AppendLine(b.pendingPath(), rec)
}

// PendingAcks returns all in-flight ack records.
func (b *Bus) PendingAcks() ([]domain.PendingAck, error) {
	return fsutil.ReadLines[domain.PendingAck](b.pendingPath())
}

// SendAck acknowledges a message and clears its pending record.
func (b *Bus) SendAck(from, messageID, originalSender string) (SendResult, error) {
	res, err := b.Send(domain.Message{
		From: from, To: originalSender, Type: domain.TypeAck, Topic: "ack",
		Priority: domain.PriorityNormal, CorrelationID: messageID,
	})
	if err != nil || !res.Success {
		return res, err
	}
	if err := b.removePending(messageID); err != nil {
		b.logger.Printf("Bus: clear pending ack %s: %v", messageID, err)
	}
	return res, nil
}

// SendNack refuses a message. The pending record keeps its place in the
// retry path: the deadline is zeroed so the next sweep retries or
// escalates immediately.
func (b *Bus) SendNack(from, messageID, originalSender, reason string) (SendResult, error) {
	res, err := b.Send(domain.Message{
		From: from, To: originalSender, Type: domain.TypeNack, Topic: "nack",
		Priority:      domain.PriorityNormal,
		Payload:       map[string]any{"reason": reason},
		CorrelationID: messageID,
	})
	if err != nil || !res.Success {
		return res, err
	}
	pending, perr := b.PendingAcks()
	if perr != nil {
		return res, nil
	}
	changed := false
	for i := range pending {
		if pending[i].MessageID == messageID {
			pending[i].DeadlineAt = b.now()
			changed = true
		}
	}
	if changed {
		_ = fsutil.RewriteLines(b.pendingPath(), pending)
	}
	return res, nil
}

// removePending drops the pending record for a message id.
func (b *Bus) removePending(messageID string) error {
	pending, err := b.PendingAcks()
	if err != nil {
		return err
	}
	kept := pending[:0]
	for _, p := range pending {
		if p.MessageID != messageID {
			kept = append(kept, p)
		}
	}
	return fsutil.RewriteLines(b.pendingPath(), kept)
}

// TimeoutReport summarizes one retry sweep.
type TimeoutReport struct {
	Retried      int
	DeadLettered int
	Escalated    int
}

// ProcessAckTimeouts walks the pending records. An expired record with
// retries left gets its deadline pushed out; an exhausted one moves to the
// DLQ, escalating to the PM or advancing its chain as the message asked.
func (b *Bus) ProcessAckTimeouts() (TimeoutReport, error) {
	var rep TimeoutReport
	pending, err := b.PendingAcks()
	if err != nil {
		return rep, err
	}
	now := b.now()
	kept := pending[:0]
	for _, p := range pending {
		if now.Before(p.DeadlineAt) {
			kept = append(kept, p)
			continue
		}
		if p.Retries < MaxRetries {
			p.Retries++
			p.DeadlineAt = now.Add(retryBackoffBase << (p.Retries - 1))
			kept = append(kept, p)
			rep.Retried++
			continue
		}
		original, _ := b.FindMessage(p.MessageID)
		dlq := domain.DLQRecord{
			MessageID: p.MessageID,
			Reason:    "max_retries_exceeded",
			Original:  original,
			MovedAt:   now,
		}
		if err := fsutil.AppendLine(b.dlqPath(), dlq); err != nil {
			b.logger.Printf("Bus: dlq append for %s: %v", p.MessageID, err)
		}
		rep.DeadLettered++

		if p.EscalateToPM {
			b.escalateToPM(&p, original)
			rep.Escalated++
		}
		if original != nil && original.Ack != nil && len(original.Ack.EscalationChain) > 0 {
			if b.advanceEscalation(original) {
				rep.Escalated++
			}
		}
	}
	if err := fsutil.RewriteLines(b.pendingPath(), kept); err != nil {
		return rep, err
	}
	return rep, nil
}

// escalateToPM emits the blocking-timeout escalation message.
func (b *Bus) escalateToPM(p *domain.PendingAck, original *domain.Message) {
	payload := map[string]any{
		"message_id": p.MessageID,
		"recipient":  p.To,
		"sender":     p.From,
		"retries":    p.Retries,
	}
	if p.ToRole != "" {
		payload["recipient_role"] = string(p.ToRole)
	}
	if original != nil {
		payload["topic"] = original.Topic
	}
	res, err := b.Send(domain.Message{
		From: p.From, ToRole: domain.RolePM, Type: domain.TypeNotify,
		Topic: "escalation.blocking_timeout", Priority: domain.PriorityBlocking,
		Payload: payload,
	})
	if err != nil || !res.Success {
		b.logger.Printf("Bus: pm escalation for %s failed: %v %v", p.MessageID, err, res.Errors)
	}
}

// HumanEscalation is one terminal escalation parked for an operator
// decision.
type HumanEscalation struct {
	ID         string         `json:"id"`
	MessageID  string         `json:"message_id"`
	From       string         `json:"from"`
	Topic      string         `json:"topic"`
	Payload    map[string]any `json:"payload,omitempty"`
	Level      string         `json:"level"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// advanceEscalation sends a fresh request at the next chain level. The
// terminal human level is persisted to the human queue instead of the bus.
func (b *Bus) advanceEscalation(original *domain.Message) bool {
	chain := original.Ack.EscalationChain
	next := original.Ack.CurrentLevel + 1
	if next >= len(chain) {
		return false
	}
	deadline := time.Duration(original.Ack.DeadlineMS) * time.Millisecond

	switch chain[next] {
	case "human":
		rec := HumanEscalation{
			ID:         uuid.NewString(),
			MessageID:  original.ID,
			From:       original.From,
			Topic:      original.Topic,
			Payload:    original.Payload,
			Level:      "human",
			RecordedAt: b.now(),
		}
		if err := fsutil.AppendLine(b.humanPath(), rec); err != nil {
			b.logger.Printf("Bus: human queue append: %v", err)
			return false
		}
		return true
	case "pm":
		res, err := b.Send(domain.Message{
			From: original.From, ToRole: domain.RolePM, Type: domain.TypeRequest,
			Topic: original.Topic, Priority: domain.PriorityBlocking,
			Payload: original.Payload,
			Ack: &domain.AckContract{
				Required: true, DeadlineMS: original.Ack.DeadlineMS,
				EscalationChain: chain, CurrentLevel: next,
			},
		})
		if err != nil || !res.Success {
			return false
		}
		return true
	default: // peer: a fresh request to the same recipient descriptor
		res, err := b.Send(domain.Message{
			From: original.From, To: original.To, ToRole: original.ToRole,
			Type: domain.TypeRequest, Topic: original.Topic,
			Priority: domain.PriorityBlocking, Payload: original.Payload,
			Ack: &domain.AckContract{
				Required: true, DeadlineMS: deadline.Milliseconds(),
				EscalationChain: chain, CurrentLevel: next,
			},
		})
		if err != nil || !res.Success {
			return false
		}
		return true
	}
}

// DLQ returns all dead-letter records.
func (b *Bus) DLQ() ([]domain.DLQRecord, error) {
	return fsutil.ReadLines[domain.DLQRecord](b.dlqPath())
}

// HumanQueue returns every persisted terminal escalation.
func (b *Bus) HumanQueue() ([]HumanEscalation, error) {
	return fsutil.ReadLines[HumanEscalation](b.humanPath())
}

// DrainHumanQueue returns the escalations appended since the last drain
// and advances the drain cursor. The PM's approval scan is the consumer.
func (b *Bus) DrainHumanQueue() ([]HumanEscalation, error) {
	var cur domain.Cursor
	_ = fsutil.ReadJSON(b.humanCursorPath(), &cur)

	recs, newOffset, err := fsutil.ReadLinesFrom[HumanEscalation](b.humanPath(), cur.ByteOffset)
	if err != nil {
		return nil, err
	}
	if newOffset != cur.ByteOffset {
		cur.ByteOffset = newOffset
		cur.UpdatedAt = b.now()
		if err := fsutil.WriteJSON(b.humanCursorPath(), &cur); err != nil {
			return recs, err
		}
	}
	return recs, nil
}
