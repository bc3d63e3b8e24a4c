package logbook

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestTailReturnsRecentLinesAndTotal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journey.log")
	book, err := New(path)
	if err != nil {
		t.Fatalf("new logbook: %v", err)
	}
	for i := 0; i < 5; i++ {
		book.Info("entry-%d", i)
	}
	lines, total := book.Tail(3)
	if total != 5 {
		t.Fatalf("total lines = %d, want 5", total)
	}
	if len(lines) != 3 {
		t.Fatalf("len(lines) = %d, want 3", len(lines))
	}
	for idx, want := range []string{"entry-2", "entry-3", "entry-4"} {
		if !strings.Contains(lines[idx], want) {
			t.Fatalf("line %d = %q, missing %s", idx, lines[idx], want)
		}
	}
}

func TestRecordFormatsSteps(t *testing.T) {
	book, err := New(filepath.Join(t.TempDir(), "logs", FileName))
	if err != nil {
		t.Fatalf("new logbook: %v", err)
	}
	book.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	book.Record(Step{TaskID: "7", WorkflowID: "bugfix", From: "fix", To: "verify", Action: "advance", Result: "passed"})
	book.Record(Step{TaskID: "17", WorkflowID: "bugfix", From: "verify", To: "hitl_blocked", Action: "escalate", Result: "failed", Terminal: "hitl"})
	book.Record(Step{TaskID: "7", WorkflowID: "bugfix", To: "verify", Action: "current"})

	lines, total := book.Filter(10, ForTask("7"))
	if total != 2 {
		t.Fatalf("total = %d, want 2", total)
	}
	want := "2026-01-02T03:04:05Z INFO  task=7 workflow=bugfix advance fix -> verify result=passed"
	if lines[0] != want {
		t.Fatalf("line = %q, want %q", lines[0], want)
	}
	if !strings.HasSuffix(lines[1], "current at verify") {
		t.Fatalf("line = %q", lines[1])
	}

	all, _ := book.Tail(10)
	if !strings.Contains(all[1], "WARN ") || !strings.Contains(all[1], "terminal=hitl") {
		t.Fatalf("escalation line = %q", all[1])
	}
}

func TestTailMissingFile(t *testing.T) {
	book := &Logbook{path: filepath.Join(t.TempDir(), "none.log"), now: time.Now}
	if lines, total := book.Tail(5); lines != nil || total != 0 {
		t.Fatalf("expected empty tail, got %v %d", lines, total)
	}
}
