package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWritesToProjectLogFile(t *testing.T) {
	projectDir := t.TempDir()
	logger, err := New(projectDir, slog.LevelInfo)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("navigated", "task", "7", "action", "advance")
	logger.Debug("hidden")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	want := filepath.Join(projectDir, ".flow", "logs", FileName)
	if logger.Path() != want {
		t.Fatalf("expected path %s, got %s", want, logger.Path())
	}
	data, err := os.ReadFile(want)
	if err != nil {
		t.Fatal(err)
	}
	text := string(data)
	if !strings.Contains(text, "msg=navigated") || !strings.Contains(text, "task=7") {
		t.Fatalf("unexpected log content: %s", text)
	}
	if strings.Contains(text, "hidden") {
		t.Fatalf("debug line should be filtered at info level")
	}
}
