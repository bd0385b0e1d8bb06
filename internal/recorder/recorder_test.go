package recorder

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRecorderRotation(t *testing.T) {
	tempDir := t.TempDir()

	r, err := NewRecorder(tempDir)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	for i := 0; i < MaxRotatedFiles+2; i++ {
		if err := r.Start(); err != nil {
			t.Fatal(err)
		}
		r.Record(Invocation{Tool: "goto", Outcome: "ok"})
		time.Sleep(10 * time.Millisecond) // distinct mod times
	}

	entries, err := os.ReadDir(tempDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != MaxRotatedFiles {
		t.Errorf("expected %d files, got %d", MaxRotatedFiles, len(entries))
	}
}

func TestRecorderRecord(t *testing.T) {
	tempDir := t.TempDir()

	r, err := NewRecorder(tempDir)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Start(); err != nil {
		t.Fatal(err)
	}

	r.Record(Invocation{
		SessionID:  "s1",
		Tool:       "close_page",
		Outcome:    "InvalidIndex",
		DurationMs: 3,
		ErrorKind:  "InvalidIndex",
		Error:      "Invalid pageIndex: 4",
	})
	r.Record(Invocation{Tool: "list_pages", Outcome: "ok"})
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(tempDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 file, got %d", len(entries))
	}

	f, err := os.Open(filepath.Join(tempDir, entries[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var got []Invocation
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var inv Invocation
		if err := json.Unmarshal(scanner.Bytes(), &inv); err != nil {
			t.Fatalf("invalid JSON line %q: %v", scanner.Text(), err)
		}
		got = append(got, inv)
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if got[0].Tool != "close_page" || got[0].ErrorKind != "InvalidIndex" {
		t.Errorf("unexpected first record %+v", got[0])
	}
	if got[0].InvocationID == "" || got[1].InvocationID == "" || got[0].InvocationID == got[1].InvocationID {
		t.Error("expected distinct generated invocation ids")
	}
	if got[1].Timestamp.IsZero() {
		t.Error("expected a generated timestamp")
	}
}

func TestRecorderNotStarted(t *testing.T) {
	r, err := NewRecorder(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	// Recording before Start is dropped silently.
	r.Record(Invocation{Tool: "goto"})

	var nilRecorder *Recorder
	nilRecorder.Record(Invocation{Tool: "goto"})
	if err := nilRecorder.Close(); err != nil {
		t.Errorf("expected nil recorder Close to succeed: %v", err)
	}
}
