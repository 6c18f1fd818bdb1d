package bus

import (
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jaakkos/pilot/internal/domain"
)

func testBus(t *testing.T) *Bus {
	t.Helper()
	dir := t.TempDir()
	logger := log.New(os.Stderr, "[test] ", 0)
	return New(dir, filepath.Join(dir, ".notify"), logger)
}

func mustSend(t *testing.T, b *Bus, m domain.Message) domain.Message {
	t.Helper()
	res, err := b.Send(m)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !res.Success {
		t.Fatalf("send refused: %v", res.Errors)
	}
	return *res.Message
}

func TestSend_AssignsSequentialSeqs(t *testing.T) {
	b := testBus(t)
	first := mustSend(t, b, domain.Message{
		From: "a", To: "b", Type: domain.TypeNotify, Topic: "t.one", Priority: domain.PriorityNormal,
	})
	second := mustSend(t, b, domain.Message{
		From: "a", To: "b", Type: domain.TypeNotify, Topic: "t.two", Priority: domain.PriorityNormal,
	})
	if first.Seq != 1 || second.Seq != 2 {
		t.Errorf("seqs = %d, %d, want 1, 2", first.Seq, second.Seq)
	}
	if first.ID == "" || first.ID == second.ID {
		t.Error("messages should get distinct non-empty ids")
	}
}

func TestSend_ValidationFailureIsStructured(t *testing.T) {
	b := testBus(t)
	res, err := b.Send(domain.Message{From: "a", Type: "bogus", Priority: "urgent"})
	if err != nil {
		t.Fatalf("validation failure should not be an error: %v", err)
	}
	if res.Success {
		t.Fatal("invalid message accepted")
	}
	if len(res.Errors) == 0 {
		t.Fatal("expected validation errors")
	}
	// Nothing reached the file.
	msgs, err := b.Read("reader", ReadFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("refused message was appended: %v", msgs)
	}
}

func TestRead_PriorityOrderWithinBatch(t *testing.T) {
	b := testBus(t)
	// Sent lowest priority first; the reader still sees blocking first.
	mustSend(t, b, domain.Message{From: "a", To: "r", Type: domain.TypeNotify, Topic: "t.fyi", Priority: domain.PriorityFYI})
	mustSend(t, b, domain.Message{From: "a", To: "r", Type: domain.TypeNotify, Topic: "t.normal", Priority: domain.PriorityNormal})
	mustSend(t, b, domain.Message{From: "a", To: "r", Type: domain.TypeNotify, Topic: "t.blocking", Priority: domain.PriorityBlocking})

	msgs, err := b.Read("r", ReadFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("batch size = %d, want 3", len(msgs))
	}
	got := []string{msgs[0].Topic, msgs[1].Topic, msgs[2].Topic}
	want := []string{"t.blocking", "t.normal", "t.fyi"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("batch[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRead_SeqBreaksPriorityTies(t *testing.T) {
	b := testBus(t)
	mustSend(t, b, domain.Message{From: "a", To: "r", Type: domain.TypeNotify, Topic: "t.first", Priority: domain.PriorityNormal})
	mustSend(t, b, domain.Message{From: "a", To: "r", Type: domain.TypeNotify, Topic: "t.second", Priority: domain.PriorityNormal})

	msgs, err := b.Read("r", ReadFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Topic != "t.first" {
		t.Errorf("equal priorities should deliver in send order, got %v", msgs)
	}
}

func TestRead_CursorPreventsRedelivery(t *testing.T) {
	b := testBus(t)
	mustSend(t, b, domain.Message{From: "a", To: "r", Type: domain.TypeNotify, Topic: "t.once", Priority: domain.PriorityNormal})

	msgs, err := b.Read("r", ReadFilter{})
	if err != nil || len(msgs) != 1 {
		t.Fatalf("first read = %v, %v", msgs, err)
	}
	msgs, err = b.Read("r", ReadFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("second read redelivered: %v", msgs)
	}

	// New messages past the cursor still arrive.
	mustSend(t, b, domain.Message{From: "a", To: "r", Type: domain.TypeNotify, Topic: "t.later", Priority: domain.PriorityNormal})
	msgs, _ = b.Read("r", ReadFilter{})
	if len(msgs) != 1 || msgs[0].Topic != "t.later" {
		t.Errorf("expected only the new message, got %v", msgs)
	}
}

func TestRead_Addressing(t *testing.T) {
	b := testBus(t)
	mustSend(t, b, domain.Message{From: "a", To: "direct-target", Type: domain.TypeNotify, Topic: "t.direct", Priority: domain.PriorityNormal})
	mustSend(t, b, domain.Message{From: "a", ToRole: domain.RoleBackend, Type: domain.TypeNotify, Topic: "t.role", Priority: domain.PriorityNormal})
	mustSend(t, b, domain.Message{From: "a", ToAgent: "claude-1", Type: domain.TypeNotify, Topic: "t.agent", Priority: domain.PriorityNormal})
	mustSend(t, b, domain.Message{From: "a", To: domain.Broadcast, Type: domain.TypeBroadcast, Topic: "t.bcast", Priority: domain.PriorityNormal})

	msgs, err := b.Read("direct-target", ReadFilter{Role: domain.RoleBackend, AgentName: "claude-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 4 {
		t.Fatalf("reader matching all addresses got %d messages, want 4", len(msgs))
	}

	// A reader with a different role and name sees only broadcast.
	msgs, err = b.Read("other", ReadFilter{Role: domain.RoleFrontend, AgentName: "claude-2"})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Topic != "t.bcast" {
		t.Errorf("unrelated reader got %v, want only the broadcast", msgs)
	}
}

func TestRead_SenderDoesNotSeeOwnMessages(t *testing.T) {
	b := testBus(t)
	mustSend(t, b, domain.Message{From: "a", To: domain.Broadcast, Type: domain.TypeBroadcast, Topic: "t.bcast", Priority: domain.PriorityNormal})
	msgs, err := b.Read("a", ReadFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("sender read its own broadcast: %v", msgs)
	}
}

func TestRead_PartialTailLineLeftForNextRead(t *testing.T) {
	b := testBus(t)
	mustSend(t, b, domain.Message{From: "a", To: "r", Type: domain.TypeNotify, Topic: "t.whole", Priority: domain.PriorityNormal})

	// Simulate a writer mid-append: a record without its trailing newline.
	f, err := os.OpenFile(b.busPath(), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`{"id":"partial","seq":2,"from":"a","to":"r","type":"noti`); err != nil {
		t.Fatal(err)
	}
	f.Close()

	msgs, err := b.Read("r", ReadFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Topic != "t.whole" {
		t.Fatalf("expected only the complete record, got %v", msgs)
	}

	// The writer finishes the line; the reader picks it up from its cursor.
	f, err = os.OpenFile(b.busPath(), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("fy\",\"topic\":\"t.finished\",\"priority\":\"normal\",\"ts\":\"" +
		time.Now().Format(time.RFC3339) + "\"}\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	msgs, err = b.Read("r", ReadFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Topic != "t.finished" {
		t.Errorf("expected the finished record, got %v", msgs)
	}
}

func TestSendToCapability_ResolvesRole(t *testing.T) {
	b := testBus(t)
	res, err := b.SendToCapability("a", "database", "t.cap", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatalf("send refused: %v", res.Errors)
	}
	if res.Message.ToRole != domain.RoleBackend {
		t.Errorf("capability database resolved to %q, want backend", res.Message.ToRole)
	}

	res, err = b.SendToCapability("a", "no-such-capability", "t.cap", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Error("unknown capability should refuse")
	}
}
