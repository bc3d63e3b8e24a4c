package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/kingrea/flow/internal/config"
)

// FileName is the log file inside .flow/logs.
const FileName = "flow.log"

// Logger appends structured lines to .flow/logs/flow.log so the stdio tool
// transport stays clean and failures can be inspected after a session ends.
type Logger struct {
	*slog.Logger
	file *os.File
}

// New creates (or reuses) the log file for the current project directory.
func New(projectDir string, level slog.Level) (*Logger, error) {
	logDir := filepath.Join(projectDir, config.FlowDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("logging: ensure log dir: %w", err)
	}
	path := filepath.Join(logDir, FileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open log file: %w", err)
	}
	return &Logger{Logger: NewWriter(f, level), file: f}, nil
}

// NewWriter builds a text logger on an arbitrary writer.
func NewWriter(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return NewWriter(io.Discard, slog.LevelError+1)
}

// Close releases the file handle.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Path returns the file the logger writes to.
func (l *Logger) Path() string {
	if l == nil || l.file == nil {
		return ""
	}
	return l.file.Name()
}
