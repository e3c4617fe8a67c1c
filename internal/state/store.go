// Package state implements the durable, crash-safe record of a run: the
// status, attempt count, and session id of every task, persisted to a
// single JSON file via the write-temp-then-rename protocol so a crash
// mid-write never corrupts the prior valid record.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/prompter/internal/config"
)

// Status is one of a task's lifecycle states.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusReady     Status = "READY"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusSkipped   Status = "SKIPPED"
)

// IsTerminal reports whether s is one of COMPLETED, FAILED, SKIPPED.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

// TaskState is the dynamic, per-run state of a single task.
type TaskState struct {
	Status         Status     `json:"status"`
	Attempts       int        `json:"attempts"`
	LastError      string     `json:"last_error,omitempty"`
	SessionID      string     `json:"session_id,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	ExecutionCount int        `json:"execution_count"`
}

// RunRecord is the full persisted state of one run.
type RunRecord struct {
	SessionID     string               `json:"session_id"`
	StartedAt     time.Time            `json:"started_at"`
	LastUpdatedAt time.Time            `json:"last_updated_at"`
	Tasks         map[string]TaskState `json:"tasks"`
}

// Fields is a partial update applied by Update; nil fields are left
// unchanged, except that ClearLastError empties LastError when LastError
// itself is nil.
type Fields struct {
	Status         *Status
	Attempts       *int
	LastError      *string
	ClearLastError bool
	SessionID      *string
	StartedAt      *time.Time
	EndedAt        *time.Time
	ExecutionCount *int
}

// Store is a lock-protected, disk-backed RunRecord. All reads and writes
// execute under a single exclusive mutex, released before any long-running
// operation outside this package.
type Store struct {
	mu      sync.Mutex
	path    string
	record  RunRecord
	metrics storeMetrics
}

type storeMetrics struct {
	writeLatency metric.Float64Histogram
	reads        metric.Int64Counter
	writes       metric.Int64Counter
}

func newStoreMetrics() storeMetrics {
	meter := otel.Meter("prompter")
	latency, _ := meter.Float64Histogram("prompter_state_write_seconds")
	reads, _ := meter.Int64Counter("prompter_state_reads_total")
	writes, _ := meter.Int64Counter("prompter_state_writes_total")
	return storeMetrics{writeLatency: latency, reads: reads, writes: writes}
}

// Load reads path if present, else returns a fresh Store seeded with
// PENDING entries for every task name. A malformed file produces a
// descriptive error rather than a silently empty record.
func Load(path string, taskNames []string) (*Store, error) {
	s := &Store{path: path, metrics: newStoreMetrics()}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		now := time.Now()
		s.record = RunRecord{
			SessionID:     uuid.NewString(),
			StartedAt:     now,
			LastUpdatedAt: now,
			Tasks:         make(map[string]TaskState, len(taskNames)),
		}
		for _, name := range taskNames {
			s.record.Tasks[name] = TaskState{Status: StatusPending}
		}
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("state: reading %s: %w", path, err)
	}

	var rec RunRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("state: %s is not a valid run record: %w", path, err)
	}
	if rec.Tasks == nil {
		rec.Tasks = make(map[string]TaskState)
	}

	known := make(map[string]bool, len(taskNames))
	for _, name := range taskNames {
		known[name] = true
		if _, ok := rec.Tasks[name]; !ok {
			rec.Tasks[name] = TaskState{Status: StatusPending}
		}
	}
	for name := range rec.Tasks {
		if !known[name] {
			delete(rec.Tasks, name)
		}
	}

	s.record = rec
	return s, nil
}

// Update mutates a single task's state under the store's lock, then
// persists the record to disk.
func (s *Store) Update(ctx context.Context, taskName string, f Fields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked(ctx, taskName, f)
}

func (s *Store) updateLocked(ctx context.Context, taskName string, f Fields) error {
	ts := s.record.Tasks[taskName]

	if f.Status != nil {
		ts.Status = *f.Status
	}
	if f.Attempts != nil {
		ts.Attempts = *f.Attempts
	}
	if f.LastError != nil {
		ts.LastError = *f.LastError
	} else if f.ClearLastError {
		ts.LastError = ""
	}
	if f.SessionID != nil {
		ts.SessionID = *f.SessionID
	}
	if f.StartedAt != nil {
		ts.StartedAt = f.StartedAt
	}
	if f.EndedAt != nil {
		ts.EndedAt = f.EndedAt
	}
	if f.ExecutionCount != nil {
		ts.ExecutionCount = *f.ExecutionCount
	}

	s.record.Tasks[taskName] = ts
	s.record.LastUpdatedAt = time.Now()
	return s.persistLocked(ctx)
}

// MarkAttempt is a convenience mutation: increment attempts, set status,
// and capture an error and/or session id from the just-finished attempt.
func (s *Store) MarkAttempt(ctx context.Context, taskName string, success bool, attemptErr string, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.record.Tasks[taskName]
	ts.Attempts++
	if success {
		ts.Status = StatusCompleted
		ts.LastError = ""
	} else {
		ts.Status = StatusFailed
		ts.LastError = attemptErr
	}
	if sessionID != "" {
		ts.SessionID = sessionID
	}
	now := time.Now()
	ts.EndedAt = &now
	s.record.Tasks[taskName] = ts
	s.record.LastUpdatedAt = now
	return s.persistLocked(ctx)
}

// Snapshot returns an immutable copy of the current record, for reporters.
func (s *Store) Snapshot() RunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := RunRecord{
		SessionID:     s.record.SessionID,
		StartedAt:     s.record.StartedAt,
		LastUpdatedAt: s.record.LastUpdatedAt,
		Tasks:         make(map[string]TaskState, len(s.record.Tasks)),
	}
	for k, v := range s.record.Tasks {
		cp.Tasks[k] = v
	}
	return cp
}

// Get returns the current state of one task.
func (s *Store) Get(taskName string) TaskState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.Tasks[taskName]
}

// MostRecentSessionID returns the session id of the most recently updated
// task matching predicate, or "" if none match. A task's session id
// remains eligible regardless of whether that task's final status was
// COMPLETED or FAILED — eligibility is about recency, not success.
func (s *Store) MostRecentSessionID(predicate func(name string, ts TaskState) bool) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var bestTime time.Time
	var bestSession string
	for name, ts := range s.record.Tasks {
		if ts.SessionID == "" || !predicate(name, ts) {
			continue
		}
		var when time.Time
		if ts.EndedAt != nil {
			when = *ts.EndedAt
		} else if ts.StartedAt != nil {
			when = *ts.StartedAt
		}
		if when.After(bestTime) {
			bestTime = when
			bestSession = ts.SessionID
		}
	}
	return bestSession
}

// Clear deletes the persistent form of the run record.
func Clear(path string) error {
	err := os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (s *Store) persistLocked(ctx context.Context) error {
	start := time.Now()
	defer func() {
		if s.metrics.writeLatency != nil {
			s.metrics.writeLatency.Record(ctx, time.Since(start).Seconds())
		}
		if s.metrics.writes != nil {
			s.metrics.writes.Add(ctx, 1)
		}
	}()

	data, err := json.MarshalIndent(s.record, "", "  ")
	if err != nil {
		return fmt.Errorf("state: marshaling run record: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("state: writing temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("state: renaming temp file into place in %s: %w", dir, err)
	}
	return nil
}

// TaskNamesFrom extracts the task name list from a config, in the order
// declared, for use with Load.
func TaskNamesFrom(tasks []config.Task) []string {
	names := make([]string, len(tasks))
	for i, t := range tasks {
		names[i] = t.Name
	}
	return names
}
