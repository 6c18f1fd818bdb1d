package fsutil

import (
	"os"
	"path/filepath"
	"testing"
)

type record struct {
	ID string `json:"id"`
	N  int    `json:"n"`
}

func TestWriteJSON_ReadJSONRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "state.json")
	want := record{ID: "r1", N: 7}
	if err := WriteJSON(path, &want); err != nil {
		t.Fatalf("write: %v", err)
	}

	var got record
	if err := ReadJSON(path, &got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}

	// No temp files survive the rename.
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("directory holds %d entries, want just the target", len(entries))
	}
}

func TestAppendLine_ReadLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream.jsonl")
	for i := 1; i <= 3; i++ {
		if err := AppendLine(path, record{ID: "r", N: i}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	recs, err := ReadLines[record](path)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 {
		t.Fatalf("records = %d, want 3", len(recs))
	}
	for i, r := range recs {
		if r.N != i+1 {
			t.Errorf("record[%d].N = %d, want %d", i, r.N, i+1)
		}
	}
}

func TestAppendLine_NewlinesStayEscapedOnOneLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream.jsonl")
	err := AppendLine(path, map[string]string{"text": "line one\nline two"})
	if err != nil {
		t.Fatal("json string escaping should keep the record on one line:", err)
	}
	recs, err := ReadLines[map[string]string](path)
	if err != nil || len(recs) != 1 {
		t.Fatalf("records = %v, %v, want the escaped record back", recs, err)
	}
	if recs[0]["text"] != "line one\nline two" {
		t.Errorf("text = %q", recs[0]["text"])
	}
}

func TestReadLines_SkipsGarbageAndMissingFile(t *testing.T) {
	recs, err := ReadLines[record](filepath.Join(t.TempDir(), "absent.jsonl"))
	if err != nil || recs != nil {
		t.Errorf("missing file = %v, %v, want empty and no error", recs, err)
	}

	path := filepath.Join(t.TempDir(), "dirty.jsonl")
	content := `{"id":"r1","n":1}` + "\n\nnot json\n" + `{"id":"r2","n":2}` + "\n" + `{"id":"r3","n"` // truncated
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	recs, err = ReadLines[record](path)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].ID != "r1" || recs[1].ID != "r2" {
		t.Errorf("records = %+v, want just r1 and r2", recs)
	}
}

func TestReadLinesFrom_PartialTailHoldsOffset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream.jsonl")
	if err := AppendLine(path, record{ID: "r1", N: 1}); err != nil {
		t.Fatal(err)
	}

	recs, off, err := ReadLinesFrom[record](path, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}

	// A writer is mid-append: the offset must not move past the partial line.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`{"id":"r2",`); err != nil {
		t.Fatal(err)
	}
	f.Close()

	recs, off2, err := ReadLinesFrom[record](path, off)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 || off2 != off {
		t.Errorf("partial tail consumed: %d records, offset %d -> %d", len(recs), off, off2)
	}

	// The writer finishes; the next read picks up exactly the new record.
	f, _ = os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if _, err := f.WriteString("\"n\":2}\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	recs, off3, err := ReadLinesFrom[record](path, off2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].ID != "r2" {
		t.Errorf("records = %+v, want r2", recs)
	}
	if off3 <= off2 {
		t.Errorf("offset did not advance: %d -> %d", off2, off3)
	}
}

func TestRewriteLines_CompactsStream(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream.jsonl")
	for i := 1; i <= 4; i++ {
		if err := AppendLine(path, record{ID: "r", N: i}); err != nil {
			t.Fatal(err)
		}
	}
	if err := RewriteLines(path, []record{{ID: "r", N: 2}, {ID: "r", N: 4}}); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	recs, err := ReadLines[record](path)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].N != 2 || recs[1].N != 4 {
		t.Errorf("records after rewrite = %+v", recs)
	}
}

func TestFileExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	if FileExists(path) {
		t.Error("missing file reported present")
	}
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if !FileExists(path) {
		t.Error("present file reported missing")
	}
}
