// Package audit appends structured events to the selene audit log.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Event is one line in the audit log.
type Event struct {
	At      time.Time `json:"at"`
	Stage   string    `json:"stage"`
	Status  string    `json:"status"` // ok | degraded | skipped | failed
	Message string    `json:"message"`
}

// Log appends line-delimited JSON events to a single file.
type Log struct {
	path string
}

// Open returns a Log writing to path. The file is created lazily.
func Open(path string) *Log {
	return &Log{path: path}
}

// Append writes one event. Append is best-effort durable: the file is
// opened in append mode per call so a crashed process never holds a
// partially written buffer.
func (l *Log) Append(stage, status, message string) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("audit: create log dir: %w", err)
	}

	e := Event{At: time.Now().UTC(), Stage: stage, Status: status, Message: message}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("audit: open %s: %w", l.path, err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("audit: write event: %w", err)
	}
	return nil
}

// Tail returns up to n most recent events, oldest first.
func (l *Log) Tail(n int) ([]Event, error) {
	data, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit: read %s: %w", l.path, err)
	}

	var events []Event
	for _, line := range splitLines(data) {
		var e Event
		if json.Unmarshal(line, &e) == nil {
			events = append(events, e)
		}
	}
	if n > 0 && len(events) > n {
		events = events[len(events)-n:]
	}
	return events, nil
}

func splitLines(data []byte) [][]byte {
	var out [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				out = append(out, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		out = append(out, data[start:])
	}
	return out
}
