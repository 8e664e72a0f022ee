// Package audit records security-relevant events -- job submission,
// completion, cancellation, backend switches, SSH connections, file
// transfers, configuration changes -- as append-only JSON Lines, one
// file per UTC day, rotated mid-day past a size threshold.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/neuroinsight/orchestrator/pkg/log"
)

// Entry is one recorded audit event.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Event     string         `json:"event"`
	Severity  string         `json:"severity,omitempty"`
	User      string         `json:"user,omitempty"`
	IPAddress string         `json:"ip_address,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Logger is a thread-safe JSON-Lines audit sink.
type Logger struct {
	dir         string
	maxFileSize int64

	mu sync.Mutex
}

// DefaultMaxFileSizeMB is the original's own rotation threshold.
const DefaultMaxFileSizeMB = 50

// New creates (if absent) dir and returns a Logger writing into it.
// maxFileSizeMB <= 0 uses DefaultMaxFileSizeMB.
func New(dir string, maxFileSizeMB int) (*Logger, error) {
	if maxFileSizeMB <= 0 {
		maxFileSizeMB = DefaultMaxFileSizeMB
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("audit: create log dir: %w", err)
	}
	l := &Logger{dir: dir, maxFileSize: int64(maxFileSizeMB) * 1024 * 1024}
	l.rotateIfNeeded()
	return l, nil
}

func (l *Logger) pathForDay(t time.Time) string {
	return filepath.Join(l.dir, fmt.Sprintf("audit-%s.jsonl", t.UTC().Format("2006-01-02")))
}

func (l *Logger) currentPath() string {
	return l.pathForDay(time.Now())
}

func (l *Logger) rotateIfNeeded() {
	path := l.currentPath()
	info, err := os.Stat(path)
	if err != nil || info.Size() <= l.maxFileSize {
		return
	}
	rotated := fmt.Sprintf("%s-%s%s", path[:len(path)-len(filepath.Ext(path))], time.Now().UTC().Format("150405"), filepath.Ext(path))
	_ = os.Rename(path, rotated)
}

// Record appends one audit entry with arbitrary structured details.
// Record never returns an error; write failures are logged and
// otherwise swallowed, matching the original's "audit logging must
// never break the request it's observing" stance.
func (l *Logger) Record(event string, fields map[string]any) {
	l.RecordWithContext(event, "info", "", "", fields)
}

// RecordWithContext is the full form: severity, acting user, and
// client IP address, mirroring audit_log.record's named parameters.
func (l *Logger) RecordWithContext(event, severity, user, ipAddress string, details map[string]any) {
	entry := Entry{
		Timestamp: time.Now().UTC(),
		Event:     event,
		Severity:  severity,
		User:      user,
		IPAddress: ipAddress,
		Details:   details,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.rotateIfNeeded()
	f, err := os.OpenFile(l.currentPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		log.Errorf("audit: open log file", err)
		return
	}
	defer f.Close()

	line, err := json.Marshal(entry)
	if err != nil {
		log.Errorf("audit: marshal entry", err)
		return
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		log.Errorf("audit: write entry", err)
	}
}

// GetRecent reads up to limit entries from today's and yesterday's log
// files, newest first, optionally filtered to a single event type.
func (l *Logger) GetRecent(limit int, eventFilter string) []Entry {
	var entries []Entry
	now := time.Now().UTC()

	for daysBack := 0; daysBack < 2 && len(entries) < limit; daysBack++ {
		path := l.pathForDay(now.AddDate(0, 0, -daysBack))
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			var entry Entry
			if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
				continue
			}
			if eventFilter != "" && entry.Event != eventFilter {
				continue
			}
			entries = append(entries, entry)
		}
		f.Close()
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Timestamp.After(entries[j].Timestamp) })
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}
