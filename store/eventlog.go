// Package store is the relay's flat-file persistence: an append-only JSON
// lines work log and a per-vehicle image directory.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry is one work log line.
type Entry struct {
	VehicleID   string    `json:"vehicle_id"`
	Event       string    `json:"event"`
	Timestamp   time.Time `json:"timestamp"`
	WorkID      *int64    `json:"work_id"`
	TargetIndex int       `json:"manipulation_target_index"`
}

// EventLog appends entries to a single file, one JSON object per line.
type EventLog struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// OpenEventLog opens (creating if needed) the log at path.
func OpenEventLog(path string) (*EventLog, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return &EventLog{path: path, f: f}, nil
}

// Path returns the log file path.
func (l *EventLog) Path() string { return l.path }

// Append writes one entry as a single line.
func (l *EventLog) Append(e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return os.ErrClosed
	}
	_, err = l.f.Write(data)
	return err
}

// Tail returns up to n of the most recent entries, oldest first.
func (l *EventLog) Tail(n int) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries, err := ReadEntries(l.path)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}

// Close closes the log file.
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// ReadEntries reads every parseable entry in the log at path. Lines that do
// not decode are skipped.
func ReadEntries(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, sc.Err()
}
