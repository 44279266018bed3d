package deploy

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Level is the severity of a log entry.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Outcome is the result recorded for a stage.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
	// OutcomePartial marks a post hook failure after a successful install.
	OutcomePartial Outcome = "partial"
	// OutcomeOutput marks a line of hook output.
	OutcomeOutput Outcome = "output"
)

// Entry is one structured log line returned to the caller.
type Entry struct {
	Time     time.Time     `json:"time"`
	Level    Level         `json:"level"`
	Stage    Stage         `json:"stage"`
	Outcome  Outcome       `json:"outcome"`
	Duration time.Duration `json:"duration,omitempty"`
	Message  string        `json:"message"`
}

// String renders e as a single line.
func (e Entry) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] %s %s", e.Time.UTC().Format(time.RFC3339), strings.ToUpper(string(e.Level)), e.Stage, e.Outcome)
	if e.Duration > 0 {
		fmt.Fprintf(&b, " (%s)", e.Duration.Round(time.Millisecond))
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// Log accumulates the entries of one deploy.
type Log struct {
	mu      sync.Mutex
	clock   func() time.Time
	entries []Entry
}

func newLog(clock func() time.Time) *Log {
	return &Log{clock: clock}
}

func (l *Log) add(level Level, stage Stage, outcome Outcome, d time.Duration, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, Entry{
		Time:     l.clock(),
		Level:    level,
		Stage:    stage,
		Outcome:  outcome,
		Duration: d,
		Message:  fmt.Sprintf(format, args...),
	})
}

// Entries returns a copy of the recorded entries.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

// Lines renders every entry with Entry.String.
func Lines(entries []Entry) []string {
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = e.String()
	}
	return lines
}
