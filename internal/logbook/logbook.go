// Package logbook keeps a human-readable journey of every navigation in a
// project. The slog file is for operators; the logbook is what `flow history`
// shows a person asking "how did this task get here".
package logbook

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log entry.
type Level string

const (
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// FileName is the logbook file inside the logs directory.
const FileName = "journey.log"

// Logbook persists navigation progress to a simple text file.
type Logbook struct {
	path string
	now  func() time.Time
	mu   sync.Mutex
}

// New creates a logbook that writes to the provided path.
func New(path string) (*Logbook, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &Logbook{path: path, now: time.Now}, nil
}

// Path returns the file backing this logbook.
func (l *Logbook) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Step is one navigation worth remembering.
type Step struct {
	TaskID     string
	WorkflowID string
	From       string
	To         string
	Action     string
	Result     string
	Terminal   string
}

func (s Step) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "task=%s workflow=%s %s", s.TaskID, s.WorkflowID, s.Action)
	if s.From != "" && s.From != s.To {
		fmt.Fprintf(&b, " %s -> %s", s.From, s.To)
	} else {
		fmt.Fprintf(&b, " at %s", s.To)
	}
	if s.Result != "" {
		fmt.Fprintf(&b, " result=%s", s.Result)
	}
	if s.Terminal != "" {
		fmt.Fprintf(&b, " terminal=%s", s.Terminal)
	}
	return b.String()
}

// Record appends a navigation step. Escalations are written as warnings.
func (l *Logbook) Record(s Step) {
	level := LevelInfo
	if s.Action == "escalate" {
		level = LevelWarn
	}
	l.Append(level, s.String())
}

// Append writes a single entry to the logbook.
func (l *Logbook) Append(level Level, message string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	line := fmt.Sprintf("%s %-5s %s\n",
		l.now().UTC().Format(time.RFC3339),
		string(level),
		strings.TrimSpace(message),
	)
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer file.Close()
	_, _ = file.WriteString(line)
}

// Tail returns up to maxLines of the most recent entries and the total
// number of entries in the logbook.
func (l *Logbook) Tail(maxLines int) ([]string, int) {
	return l.Filter(maxLines, nil)
}

// Filter is Tail restricted to lines for which keep returns true. A nil keep
// matches everything.
func (l *Logbook) Filter(maxLines int, keep func(string) bool) ([]string, int) {
	if l == nil || maxLines <= 0 {
		return nil, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	file, err := os.Open(l.path)
	if err != nil {
		return nil, 0
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if keep != nil && !keep(line) {
			continue
		}
		lines = append(lines, line)
	}
	total := len(lines)
	if total == 0 {
		return nil, 0
	}
	if total > maxLines {
		lines = lines[total-maxLines:]
	}
	return lines, total
}

// ForTask keeps lines belonging to one task.
func ForTask(id string) func(string) bool {
	needle := "task=" + id + " "
	return func(line string) bool { return strings.Contains(line, needle) }
}

// Info appends an informational entry.
func (l *Logbook) Info(format string, args ...any) {
	l.Append(LevelInfo, fmt.Sprintf(format, args...))
}

// Warn appends a warning entry.
func (l *Logbook) Warn(format string, args ...any) {
	l.Append(LevelWarn, fmt.Sprintf(format, args...))
}
