package board

import (
	"log"
	"os"
	"testing"

	"github.com/jaakkos/pilot/internal/domain"
)

func testPublisher(t *testing.T) *Publisher {
	t.Helper()
	return NewPublisher(t.TempDir(), log.New(os.Stderr, "[test] ", 0))
}

func TestPublishProgress_DefaultsToWorking(t *testing.T) {
	p := testPublisher(t)
	if err := p.PublishProgress("sess-1", domain.ProgressSnapshot{TaskID: "task-1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	snap, err := p.AgentContext("sess-1")
	if err != nil || snap == nil {
		t.Fatalf("agent context: %v, %v", snap, err)
	}
	if snap.Status != domain.BoardWorking {
		t.Errorf("status = %q, want %q", snap.Status, domain.BoardWorking)
	}
	if snap.SessionID != "sess-1" || snap.UpdatedAt.IsZero() {
		t.Errorf("publish did not stamp the snapshot: %+v", snap)
	}
}

func TestStatusBoard_SortedBySessionID(t *testing.T) {
	p := testPublisher(t)
	for _, id := range []string{"sess-c", "sess-a", "sess-b"} {
		if err := p.PublishProgress(id, domain.ProgressSnapshot{}); err != nil {
			t.Fatal(err)
		}
	}

	board, err := p.StatusBoard()
	if err != nil {
		t.Fatal(err)
	}
	if len(board) != 3 {
		t.Fatalf("board size = %d, want 3", len(board))
	}
	for i, want := range []string{"sess-a", "sess-b", "sess-c"} {
		if board[i].SessionID != want {
			t.Errorf("board[%d] = %q, want %q", i, board[i].SessionID, want)
		}
	}
}

func TestRemoveAgent_DeletesEntry(t *testing.T) {
	p := testPublisher(t)
	if err := p.PublishProgress("sess-1", domain.ProgressSnapshot{}); err != nil {
		t.Fatal(err)
	}
	if err := p.RemoveAgent("sess-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if snap, _ := p.AgentContext("sess-1"); snap != nil {
		t.Errorf("entry survived removal: %+v", snap)
	}
	// Removing an absent agent is a no-op, not an error.
	if err := p.RemoveAgent("nobody"); err != nil {
		t.Errorf("remove absent agent: %v", err)
	}
}

func TestRelatedProgress_FiltersByTask(t *testing.T) {
	p := testPublisher(t)
	if err := p.PublishProgress("sess-1", domain.ProgressSnapshot{TaskID: "task-1"}); err != nil {
		t.Fatal(err)
	}
	if err := p.PublishProgress("sess-2", domain.ProgressSnapshot{TaskID: "task-2"}); err != nil {
		t.Fatal(err)
	}

	related, err := p.RelatedProgress("task-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(related) != 1 || related[0].SessionID != "sess-1" {
		t.Errorf("related = %+v, want just sess-1", related)
	}
}

func TestAgentsOnFiles_OverlapExcludesAsker(t *testing.T) {
	p := testPublisher(t)
	if err := p.PublishProgress("sess-1", domain.ProgressSnapshot{
		FilesModified: []string{"internal/api/server.go"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := p.PublishProgress("sess-2", domain.ProgressSnapshot{
		FilesModified: []string{"./internal/api/server.go", "docs/api.md"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := p.PublishProgress("sess-3", domain.ProgressSnapshot{
		FilesModified: []string{"cmd/pilot/main.go"},
	}); err != nil {
		t.Fatal(err)
	}

	// Path comparison is clean-path based, so the ./ prefix still matches.
	out, err := p.AgentsOnFiles([]string{"internal/api/server.go"}, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].SessionID != "sess-2" {
		t.Errorf("overlap = %+v, want just sess-2", out)
	}
}

func TestInjectContext_AnnotatesAndDropsReaderOwnOverlap(t *testing.T) {
	p := testPublisher(t)
	if err := p.PublishProgress("sender-1", domain.ProgressSnapshot{
		TaskID:       "task-1",
		KeyDecisions: []string{"schema stays v2"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := p.PublishProgress("reader-1", domain.ProgressSnapshot{
		FilesModified: []string{"internal/api/server.go"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := p.PublishProgress("peer-1", domain.ProgressSnapshot{
		FilesModified: []string{"internal/api/server.go"},
		KeyDecisions:  []string{"handlers stay synchronous"},
	}); err != nil {
		t.Fatal(err)
	}

	msgs := []domain.Message{{
		ID: "m1", From: "sender-1", To: "reader-1",
		Payload: map[string]any{"files": []any{"internal/api/server.go"}},
	}}
	out := p.InjectContext("reader-1", msgs)

	rc, ok := out[0].Payload["_context"].(*RelatedContext)
	if !ok {
		t.Fatalf("no _context injected: %+v", out[0].Payload)
	}
	if rc.SenderTask == nil || rc.SenderTask.TaskID != "task-1" {
		t.Errorf("sender task = %+v, want task-1", rc.SenderTask)
	}
	// peer-1 overlaps; the reader's own snapshot must not.
	if len(rc.OnSameFiles) != 1 || rc.OnSameFiles[0].SessionID != "peer-1" {
		t.Errorf("on same files = %+v, want just peer-1", rc.OnSameFiles)
	}
	joined := ""
	for _, d := range rc.PeerDecisions {
		joined += d + ";"
	}
	if joined != "schema stays v2;handlers stay synchronous;" {
		t.Errorf("peer decisions = %v", rc.PeerDecisions)
	}
}

func TestInjectContext_UnknownSenderLeavesMessageUntouched(t *testing.T) {
	p := testPublisher(t)
	msgs := []domain.Message{{ID: "m1", From: "stranger", Topic: "t.one"}}
	out := p.InjectContext("reader-1", msgs)
	if _, ok := out[0].Payload["_context"]; ok {
		t.Errorf("context injected with nothing to say: %+v", out[0].Payload)
	}
}
