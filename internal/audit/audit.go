// Package audit is a redacted, append-only, WAL-backed log of every task
// attempt a run makes: which task, what prompt digest was sent, what the
// verifier decided, and which AI session handled it.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry is one immutable audit record for a single task attempt.
type Entry struct {
	Index      uint64    `json:"index"`
	Timestamp  time.Time `json:"ts"`
	TaskName   string    `json:"task_name"`
	Attempt    int       `json:"attempt"`
	PromptHash string    `json:"prompt_hash"`
	Outcome    string    `json:"outcome"`
	SessionID  string    `json:"session_id"`
	Detail     string    `json:"detail"`
	PrevHash   string    `json:"prev_hash"`
	Hash       string    `json:"hash"`
}

// Config controls WAL placement, rotation, and redaction.
type Config struct {
	Dir         string
	SegmentSize int64 // bytes; 0 uses the default
	RedactPII   bool
}

const defaultSegmentSize = 100 * 1024 * 1024

// Log is a WAL-backed append-only log with hash chaining, so a reader can
// detect tampering or truncation the same way the in-memory chain would.
type Log struct {
	mu        sync.Mutex
	dir       string
	segment   *os.File
	redactor  *redactor
	segSize   int64
	entries   []Entry
}

// Open creates or resumes a Log under cfg.Dir, replaying any existing WAL
// segments to rebuild the in-memory tail (needed for PrevHash chaining and
// for Index continuity across restarts).
func Open(cfg Config) (*Log, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("audit: create wal dir: %w", err)
	}
	segSize := cfg.SegmentSize
	if segSize == 0 {
		segSize = defaultSegmentSize
	}

	l := &Log{
		dir:      cfg.Dir,
		redactor: newRedactor(cfg.RedactPII),
		segSize:  segSize,
	}
	if err := l.restore(); err != nil {
		return nil, fmt.Errorf("audit: restore wal: %w", err)
	}
	if err := l.openSegment(); err != nil {
		return nil, fmt.Errorf("audit: open segment: %w", err)
	}
	return l, nil
}

func (l *Log) openSegment() error {
	name := filepath.Join(l.dir, fmt.Sprintf("audit-%d.log", time.Now().UnixNano()))
	f, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if l.segment != nil {
		l.segment.Close()
	}
	l.segment = f
	return nil
}

func (l *Log) restore() error {
	files, err := filepath.Glob(filepath.Join(l.dir, "audit-*.log"))
	if err != nil {
		return err
	}
	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		dec := json.NewDecoder(f)
		for {
			var e Entry
			if err := dec.Decode(&e); err != nil {
				break // EOF, or a torn trailing write from a prior crash
			}
			l.entries = append(l.entries, e)
		}
		f.Close()
	}
	return nil
}

// Record appends one attempt outcome, storing only a SHA-256 digest of the
// prompt and redacting detail text for any PII pattern the redactor knows.
func (l *Log) Record(taskName string, attempt int, prompt, outcome, sessionID, detail string) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := uint64(len(l.entries))
	prev := ""
	if idx > 0 {
		prev = l.entries[idx-1].Hash
	}

	e := Entry{
		Index:      idx,
		Timestamp:  time.Now().UTC(),
		TaskName:   taskName,
		Attempt:    attempt,
		PromptHash: hashPrompt(prompt),
		Outcome:    outcome,
		SessionID:  sessionID,
		Detail:     l.redactor.Redact(detail),
		PrevHash:   prev,
	}
	e.Hash = hashEntry(e)

	line, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal entry: %w", err)
	}
	line = append(line, '\n')
	if _, err := l.segment.Write(line); err != nil {
		return Entry{}, fmt.Errorf("audit: write wal: %w", err)
	}
	if err := l.segment.Sync(); err != nil {
		return Entry{}, fmt.Errorf("audit: sync wal: %w", err)
	}

	l.entries = append(l.entries, e)

	if stat, err := l.segment.Stat(); err == nil && stat.Size() >= l.segSize {
		if err := l.openSegment(); err != nil {
			return e, fmt.Errorf("audit: rotate segment: %w", err)
		}
	}

	return e, nil
}

// Verify walks the chain and reports whether every entry's hash matches
// its content and links correctly to its predecessor.
func (l *Log) Verify() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.entries {
		if hashEntry(e) != e.Hash {
			return false
		}
		if i > 0 && l.entries[i-1].Hash != e.PrevHash {
			return false
		}
	}
	return true
}

// Entries returns every entry recorded for taskName, in append order.
func (l *Log) Entries(taskName string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Entry
	for _, e := range l.entries {
		if taskName == "" || e.TaskName == taskName {
			out = append(out, e)
		}
	}
	return out
}

// Close flushes and closes the current WAL segment.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.segment == nil {
		return nil
	}
	if err := l.segment.Sync(); err != nil {
		return err
	}
	return l.segment.Close()
}

func hashPrompt(prompt string) string {
	h := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(h[:])
}

func hashEntry(e Entry) string {
	h := sha256.New()
	h.Write([]byte(e.PrevHash))
	h.Write([]byte(e.Timestamp.Format(time.RFC3339Nano)))
	h.Write([]byte(e.TaskName))
	h.Write([]byte(e.PromptHash))
	h.Write([]byte(e.Outcome))
	h.Write([]byte(e.SessionID))
	h.Write([]byte(e.Detail))
	return hex.EncodeToString(h.Sum(nil))
}
