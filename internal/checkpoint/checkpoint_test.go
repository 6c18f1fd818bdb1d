package checkpoint

import (
	"fmt"
	"log"
	"os"
	"strings"
	"testing"

	"github.com/jaakkos/pilot/internal/domain"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir(), log.New(os.Stderr, "[test] ", 0))
}

func TestSave_VersionsIncrementAndArchive(t *testing.T) {
	s := testStore(t)

	first, err := s.Save("sess-1", domain.Checkpoint{TaskID: "task-1"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if first.Version != 1 {
		t.Errorf("first version = %d, want 1", first.Version)
	}
	if first.SessionID != "sess-1" || first.SavedAt.IsZero() {
		t.Errorf("save did not stamp the checkpoint: %+v", first)
	}

	second, err := s.Save("sess-1", domain.Checkpoint{TaskID: "task-1", PlanStep: 2})
	if err != nil {
		t.Fatal(err)
	}
	if second.Version != 2 {
		t.Errorf("second version = %d, want 2", second.Version)
	}

	cur, err := s.Load("sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if cur.Version != 2 || cur.PlanStep != 2 {
		t.Errorf("current = %+v, want v2 at step 2", cur)
	}

	hist, err := s.History("sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 || hist[0].Version != 1 {
		t.Errorf("history = %+v, want just v1", hist)
	}
}

func TestSave_HistoryRotatesToDepth(t *testing.T) {
	s := testStore(t)

	for i := 0; i < HistoryDepth+3; i++ {
		if _, err := s.Save("sess-1", domain.Checkpoint{
			TaskID: "task-1", CurrentContext: fmt.Sprintf("pass %d", i),
		}); err != nil {
			t.Fatal(err)
		}
	}

	hist, err := s.History("sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != HistoryDepth {
		t.Fatalf("history length = %d, want %d", len(hist), HistoryDepth)
	}
	// Newest first, and the oldest versions are the ones dropped.
	if hist[0].Version != HistoryDepth+2 {
		t.Errorf("newest archived version = %d, want %d", hist[0].Version, HistoryDepth+2)
	}
	if hist[len(hist)-1].Version != 3 {
		t.Errorf("oldest surviving version = %d, want 3", hist[len(hist)-1].Version)
	}
}

func TestLoad_MissingCheckpointIsNil(t *testing.T) {
	s := testStore(t)
	cp, err := s.Load("nobody")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cp != nil {
		t.Errorf("missing checkpoint = %+v, want nil", cp)
	}
}

func TestDelete_RemovesCurrentAndHistory(t *testing.T) {
	s := testStore(t)
	for i := 0; i < 3; i++ {
		if _, err := s.Save("sess-1", domain.Checkpoint{TaskID: "task-1"}); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.Delete("sess-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if cp, _ := s.Load("sess-1"); cp != nil {
		t.Errorf("checkpoint survived delete: %+v", cp)
	}
	if hist, _ := s.History("sess-1"); len(hist) != 0 {
		t.Errorf("history survived delete: %+v", hist)
	}
}

func TestBuildRestorationPrompt_RendersAllSections(t *testing.T) {
	cp := &domain.Checkpoint{
		Version:    4,
		TaskID:     "task-9",
		TaskTitle:  "add retry to uploader",
		PlanStep:   3,
		TotalSteps: 6,
		CompletedSteps: []domain.CompletedStep{
			{Step: 1, Description: "read the uploader package", Result: "entry point found"},
			{Step: 2, Description: "sketch the backoff"},
		},
		KeyDecisions:   []string{"exponential backoff capped at 2m"},
		FilesModified:  []string{"internal/upload/retry.go"},
		Findings:       []string{"server rejects chunked uploads over 8MB"},
		CurrentContext: "mid-way through wiring the retry loop",
	}

	prompt := BuildRestorationPrompt(cp)
	for _, want := range []string{
		"checkpoint v4",
		"task task-9: add retry to uploader",
		"Step 3 of 6",
		"1. read the uploader package (entry point found)",
		"2. sketch the backoff",
		"exponential backoff capped at 2m",
		"internal/upload/retry.go",
		"server rejects chunked uploads over 8MB",
		"mid-way through wiring the retry loop",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestBuildRestorationPrompt_NilCheckpoint(t *testing.T) {
	if got := BuildRestorationPrompt(nil); got != "" {
		t.Errorf("nil checkpoint prompt = %q, want empty", got)
	}
}
