package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAppendAndReadOutput(t *testing.T) {
	s := newTestStore(t)
	id := NewJobID(time.Now())

	now := time.Date(2026, 8, 24, 11, 0, 0, 0, time.UTC)
	records := []OutputRecord{
		{Type: "system", Content: "session started", Timestamp: now},
		{Type: "assistant", Content: "looking at the queue", Timestamp: now.Add(time.Second)},
		{Type: "tool", Content: "ls /work", Timestamp: now.Add(2 * time.Second)},
	}
	for _, rec := range records {
		if err := s.AppendOutput(id, rec); err != nil {
			t.Fatalf("AppendOutput: %v", err)
		}
	}

	got, err := s.ReadOutput(id, 0)
	if err != nil {
		t.Fatalf("ReadOutput: %v", err)
	}
	if len(got) != len(records) {
		t.Fatalf("ReadOutput returned %d records, want %d", len(got), len(records))
	}
	for i, rec := range got {
		if rec.Type != records[i].Type || rec.Content != records[i].Content {
			t.Errorf("record %d = %+v, want %+v", i, rec, records[i])
		}
	}

	limited, err := s.ReadOutput(id, 2)
	if err != nil {
		t.Fatalf("ReadOutput with limit: %v", err)
	}
	if len(limited) != 2 || limited[1].Type != "assistant" {
		t.Errorf("limited read = %+v", limited)
	}
}

func TestReadOutputMissingFile(t *testing.T) {
	s := newTestStore(t)
	got, err := s.ReadOutput("job-2026-01-01-00000000", 0)
	if err != nil || got != nil {
		t.Errorf("ReadOutput on missing file = %+v, %v", got, err)
	}
}

func TestReadOutputSkipsPartialLines(t *testing.T) {
	s := newTestStore(t)
	id := NewJobID(time.Now())

	now := time.Now().UTC()
	if err := s.AppendOutput(id, OutputRecord{Type: "system", Content: "ok", Timestamp: now}); err != nil {
		t.Fatalf("AppendOutput: %v", err)
	}

	// Simulate a crash mid-append: a trailing line with no closing brace.
	path := filepath.Join(s.Dir(), "jobs", id, "output.jsonl")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.WriteString(`{"type":"assistant","content":"trunc`); err != nil {
		t.Fatalf("write: %v", err)
	}
	f.Close()

	got, err := s.ReadOutput(id, 0)
	if err != nil {
		t.Fatalf("ReadOutput: %v", err)
	}
	if len(got) != 1 || got[0].Content != "ok" {
		t.Errorf("ReadOutput = %+v, want only the intact record", got)
	}

	n, err := s.CountOutput(id)
	if err != nil {
		t.Fatalf("CountOutput: %v", err)
	}
	if n != 1 {
		t.Errorf("CountOutput = %d, want 1", n)
	}
}

func TestOutputRejectsInvalidJobID(t *testing.T) {
	s := newTestStore(t)
	err := s.AppendOutput("../../etc/passwd", OutputRecord{Type: "system"})
	if _, ok := err.(*UnsafePathError); !ok {
		t.Errorf("AppendOutput error = %v, want UnsafePathError", err)
	}
}
