package bus

import (
	"testing"
	"time"

	"github.com/jaakkos/pilot/internal/domain"
)

func TestProcessAckTimeouts_RetriesThenDeadLettersAndEscalates(t *testing.T) {
	b := testBus(t)
	base := time.Now()
	clock := base
	b.SetClock(func() time.Time { return clock })

	res, err := b.SendBlockingRequest("agent-1", "agent-2", "need schema review", 5*time.Second)
	if err != nil || !res.Success {
		t.Fatalf("send: %v %v", err, res.Errors)
	}
	msgID := res.Message.ID

	pending, err := b.PendingAcks()
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending = %v, %v, want 1 record", pending, err)
	}

	// Three expiries are retried with growing backoff.
	for retry := 1; retry <= MaxRetries; retry++ {
		clock = clock.Add(5 * time.Minute)
		rep, err := b.ProcessAckTimeouts()
		if err != nil {
			t.Fatalf("sweep %d: %v", retry, err)
		}
		if rep.Retried != 1 || rep.DeadLettered != 0 {
			t.Fatalf("sweep %d report = %+v, want one retry", retry, rep)
		}
		pending, _ = b.PendingAcks()
		if len(pending) != 1 || pending[0].Retries != retry {
			t.Fatalf("after sweep %d: pending = %+v", retry, pending)
		}
	}

	// The fourth expiry exhausts the record.
	clock = clock.Add(5 * time.Minute)
	rep, err := b.ProcessAckTimeouts()
	if err != nil {
		t.Fatal(err)
	}
	if rep.DeadLettered != 1 {
		t.Errorf("dead lettered = %d, want 1", rep.DeadLettered)
	}
	if rep.Escalated != 1 {
		t.Errorf("escalated = %d, want 1", rep.Escalated)
	}
	if pending, _ := b.PendingAcks(); len(pending) != 0 {
		t.Errorf("pending not cleared: %+v", pending)
	}

	dlq, err := b.DLQ()
	if err != nil || len(dlq) != 1 {
		t.Fatalf("dlq = %v, %v, want 1 record", dlq, err)
	}
	if dlq[0].Reason != "max_retries_exceeded" {
		t.Errorf("dlq reason = %q, want max_retries_exceeded", dlq[0].Reason)
	}
	if dlq[0].MessageID != msgID {
		t.Errorf("dlq message id = %q, want %q", dlq[0].MessageID, msgID)
	}

	// The PM sees the escalation as a blocking notification.
	msgs, err := b.Read("pm-session", ReadFilter{Role: domain.RolePM})
	if err != nil {
		t.Fatal(err)
	}
	var esc *domain.Message
	for i := range msgs {
		if msgs[i].Topic == "escalation.blocking_timeout" {
			esc = &msgs[i]
		}
	}
	if esc == nil {
		t.Fatalf("no escalation message for the PM, got %v", msgs)
	}
	if esc.Priority != domain.PriorityBlocking {
		t.Errorf("escalation priority = %q, want blocking", esc.Priority)
	}
	if esc.Payload["message_id"] != msgID {
		t.Errorf("escalation payload message_id = %v, want %q", esc.Payload["message_id"], msgID)
	}
}

func TestSendAck_ClearsPendingRecord(t *testing.T) {
	b := testBus(t)
	res, err := b.QueryAgent("agent-1", "agent-2", "which port?", 30*time.Second)
	if err != nil || !res.Success {
		t.Fatalf("query: %v %v", err, res.Errors)
	}

	ack, err := b.SendAck("agent-2", res.Message.ID, "agent-1")
	if err != nil || !ack.Success {
		t.Fatalf("ack: %v %v", err, ack.Errors)
	}
	if pending, _ := b.PendingAcks(); len(pending) != 0 {
		t.Errorf("pending not cleared by ack: %+v", pending)
	}

	// The sender receives the ack with the query as correlation id.
	msgs, err := b.Read("agent-1", ReadFilter{})
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, m := range msgs {
		if m.Type == domain.TypeAck && m.CorrelationID == res.Message.ID {
			found = true
		}
	}
	if !found {
		t.Errorf("sender did not receive the ack, got %v", msgs)
	}
}

func TestSendNack_TriggersImmediateRetry(t *testing.T) {
	b := testBus(t)
	base := time.Now()
	clock := base
	b.SetClock(func() time.Time { return clock })

	res, err := b.QueryAgent("agent-1", "agent-2", "can you take task-7?", time.Hour)
	if err != nil || !res.Success {
		t.Fatal("query refused")
	}

	nack, err := b.SendNack("agent-2", res.Message.ID, "agent-1", "at capacity")
	if err != nil || !nack.Success {
		t.Fatalf("nack: %v %v", err, nack.Errors)
	}

	// The record survives with a zeroed deadline: the next sweep acts on it
	// without waiting out the original hour.
	clock = clock.Add(time.Second)
	rep, err := b.ProcessAckTimeouts()
	if err != nil {
		t.Fatal(err)
	}
	if rep.Retried != 1 {
		t.Errorf("sweep after nack = %+v, want one retry", rep)
	}
}

func TestEscalationChain_AdvancesPeerToPMToHuman(t *testing.T) {
	b := testBus(t)
	base := time.Now()
	clock := base
	b.SetClock(func() time.Time { return clock })

	res, err := b.SendWithEscalation("agent-1", "agent-2", "merge.conflict",
		map[string]any{"task_id": "task-3"}, time.Second)
	if err != nil || !res.Success {
		t.Fatalf("send: %v %v", err, res.Errors)
	}

	exhaust := func() TimeoutReport {
		t.Helper()
		var last TimeoutReport
		for i := 0; i <= MaxRetries; i++ {
			clock = clock.Add(10 * time.Minute)
			rep, err := b.ProcessAckTimeouts()
			if err != nil {
				t.Fatal(err)
			}
			last = rep
		}
		return last
	}

	// Level 0 (peer) exhausts: a fresh request goes to the PM at level 1.
	rep := exhaust()
	if rep.DeadLettered != 1 || rep.Escalated != 1 {
		t.Fatalf("first exhaustion report = %+v", rep)
	}
	msgs, err := b.Read("pm-session", ReadFilter{Role: domain.RolePM})
	if err != nil {
		t.Fatal(err)
	}
	var pmReq *domain.Message
	for i := range msgs {
		if msgs[i].Type == domain.TypeRequest && msgs[i].Topic == "merge.conflict" {
			pmReq = &msgs[i]
		}
	}
	if pmReq == nil {
		t.Fatalf("no escalated request to the PM, got %v", msgs)
	}
	if pmReq.Ack == nil || pmReq.Ack.CurrentLevel != 1 {
		t.Fatalf("escalated request ack = %+v, want current_level 1", pmReq.Ack)
	}

	// Level 1 (pm) exhausts: the terminal human level is persisted, not sent.
	rep = exhaust()
	if rep.DeadLettered != 1 || rep.Escalated != 1 {
		t.Fatalf("second exhaustion report = %+v", rep)
	}
	queue, err := b.HumanQueue()
	if err != nil {
		t.Fatal(err)
	}
	if len(queue) != 1 {
		t.Fatalf("human queue = %v, want 1 record", queue)
	}
	if queue[0].Topic != "merge.conflict" {
		t.Errorf("human queue topic = %q, want merge.conflict", queue[0].Topic)
	}
	if queue[0].Level != "human" {
		t.Errorf("human queue level = %q, want human", queue[0].Level)
	}

	// A drain consumes the record; a second drain starts past it.
	drained, err := b.DrainHumanQueue()
	if err != nil {
		t.Fatal(err)
	}
	if len(drained) != 1 || drained[0].From != "agent-1" {
		t.Fatalf("drained = %+v, want the parked escalation from agent-1", drained)
	}
	if again, _ := b.DrainHumanQueue(); len(again) != 0 {
		t.Errorf("re-drain returned %d records, want 0", len(again))
	}
}
