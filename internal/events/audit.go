// Package events provides an append-only JSONL audit log of everything
// the bridge did on the operator's behalf: commands received, desktop
// actions performed, files relayed.
package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// DefaultMaxLogSize caps the audit log before rotation (20MB).
	DefaultMaxLogSize = 20 * 1024 * 1024
)

// Entry is one audit record.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	Sender    string         `json:"sender,omitempty"`
	Verb      string         `json:"verb,omitempty"`
	Path      string         `json:"path,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// AuditLog appends entries to a JSONL file, rotating when it grows past
// maxSize. Write failures never propagate to the pipeline.
type AuditLog struct {
	mu      sync.Mutex
	file    *os.File
	size    int64
	maxSize int64
	path    string
}

func NewAuditLog(path string, maxSize int64) (*AuditLog, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	l := &AuditLog{path: path, maxSize: maxSize}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *AuditLog) open() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	l.file = f
	l.size = stat.Size()
	return nil
}

// Record appends an entry with the current timestamp.
func (l *AuditLog) Record(eventType string, details map[string]any) error {
	entry := Entry{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Details:   details,
	}
	if s, ok := details["sender"].(string); ok {
		entry.Sender = s
		delete(details, "sender")
	}
	if v, ok := details["verb"].(string); ok {
		entry.Verb = v
		delete(details, "verb")
	}
	if p, ok := details["path"].(string); ok {
		entry.Path = p
		delete(details, "path")
	}
	return l.Write(&entry)
}

// Write appends a fully-formed entry.
func (l *AuditLog) Write(entry *Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("audit log closed")
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	data = append(data, '\n')

	if l.size+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return err
		}
	}

	n, err := l.file.Write(data)
	l.size += int64(n)
	if err != nil {
		return fmt.Errorf("write entry: %w", err)
	}
	return nil
}

// rotate renames the current file with a timestamp suffix and reopens.
func (l *AuditLog) rotate() error {
	l.file.Close()
	rotated := fmt.Sprintf("%s.%s", l.path, time.Now().Format("20060102T150405"))
	if err := os.Rename(l.path, rotated); err != nil {
		// Reopen the original so logging continues even if rotation failed.
		_ = l.open()
		return fmt.Errorf("rotate audit log: %w", err)
	}
	return l.open()
}

func (l *AuditLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
