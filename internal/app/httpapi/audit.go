package httpapi

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// auditEntry records one privileged operation against the relay: circuit
// breaker toggles, multiplier changes, and relayer balance withdrawals.
type auditEntry struct {
	Time    time.Time `json:"time"`
	Caller  string    `json:"caller"`
	Action  string    `json:"action"`
	Detail  string    `json:"detail,omitempty"`
	Outcome string    `json:"outcome"`
}

// AuditSink receives audit entries for persistence.
type AuditSink interface {
	Write(entry auditEntry) error
}

type auditLog struct {
	mu      sync.Mutex
	entries []auditEntry
	max     int
	sink    AuditSink
}

func newAuditLog(max int, sink AuditSink) *auditLog {
	if max <= 0 {
		max = 200
	}
	return &auditLog{max: max, sink: sink}
}

func (l *auditLog) record(caller, action, detail string, err error) {
	entry := auditEntry{
		Time:    time.Now().UTC(),
		Caller:  caller,
		Action:  action,
		Detail:  detail,
		Outcome: "ok",
	}
	if err != nil {
		entry.Outcome = err.Error()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	if len(l.entries) > l.max {
		l.entries = l.entries[len(l.entries)-l.max:]
	}
	if l.sink != nil {
		// Best-effort persistence; never impacts the request flow.
		_ = l.sink.Write(entry)
	}
}

func (l *auditLog) list(limit int) []auditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 || limit > l.max {
		limit = l.max
	}
	entries := l.entries
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]auditEntry, len(entries))
	copy(out, entries)
	return out
}

// fileAuditSink appends audit entries as JSONL.
type fileAuditSink struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileAuditSink opens (or creates) a JSONL audit file. An empty path
// returns a nil sink, which disables persistence.
func NewFileAuditSink(path string) (AuditSink, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, err
	}
	return &fileAuditSink{file: f}, nil
}

func (s *fileAuditSink) Write(entry auditEntry) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.file.Write(append(b, '\n'))
	return err
}
