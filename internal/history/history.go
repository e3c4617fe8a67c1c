// Package history archives completed run records in a BoltDB-backed store
// so trend queries ("how often does task X fail", "how long does a run
// usually take") can run over more history than the single live state
// file keeps.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/prompter/internal/state"
)

var (
	bucketRuns     = []byte("runs")
	bucketVersions = []byte("versions")
	bucketIndex    = []byte("index_by_time")
)

// Record is one archived run: its generated id plus the state snapshot
// taken at the moment the run finished (or was interrupted).
type Record struct {
	RunID     string          `json:"run_id"`
	Snapshot  state.RunRecord `json:"snapshot"`
	Statuses  map[string]string `json:"statuses"`
	ArchivedAt time.Time      `json:"archived_at"`
}

// Store is a BoltDB-backed archive of Records, with an in-memory cache
// that Open fills with every archived run.
type Store struct {
	db    *bbolt.DB
	mu    sync.RWMutex
	cache map[string]Record

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
}

// Open creates or resumes a history archive in the BoltDB file at dbPath.
func Open(dbPath string, meter metric.Meter) (*Store, error) {
	opts := &bbolt.Options{Timeout: 1 * time.Second}
	db, err := bbolt.Open(dbPath, 0o600, opts)
	if err != nil {
		return nil, fmt.Errorf("history: open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketRuns, bucketVersions, bucketIndex} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("history: create buckets: %w", err)
	}

	var readLatency, writeLatency metric.Float64Histogram
	if meter != nil {
		readLatency, _ = meter.Float64Histogram("prompter_history_db_read_seconds")
		writeLatency, _ = meter.Float64Histogram("prompter_history_db_write_seconds")
	}

	s := &Store{db: db, cache: make(map[string]Record), readLatency: readLatency, writeLatency: writeLatency}
	if err := s.warmCache(); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: warm cache: %w", err)
	}
	return s, nil
}

func (s *Store) warmCache() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		return b.ForEach(func(k, v []byte) error {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return nil // skip a corrupt entry rather than fail startup
			}
			s.cache[r.RunID] = r
			return nil
		})
	})
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put archives a finished run's snapshot and per-task terminal statuses
// under runID, keeping any existing record for that id as a version.
func (s *Store) Put(ctx context.Context, runID string, snapshot state.RunRecord, statuses map[string]state.Status) error {
	start := time.Now()
	defer s.recordLatency(ctx, s.writeLatency, start)

	str := make(map[string]string, len(statuses))
	for name, st := range statuses {
		str[name] = string(st)
	}
	rec := Record{RunID: runID, Snapshot: snapshot, Statuses: str, ArchivedAt: time.Now().UTC()}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("history: marshal record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.db.Update(func(tx *bbolt.Tx) error {
		runs := tx.Bucket(bucketRuns)
		if existing := runs.Get([]byte(runID)); existing != nil {
			versions := tx.Bucket(bucketVersions)
			key := fmt.Sprintf("%s:%d", runID, time.Now().UnixNano())
			if err := versions.Put([]byte(key), existing); err != nil {
				return err
			}
		}
		if err := runs.Put([]byte(runID), data); err != nil {
			return err
		}
		index := tx.Bucket(bucketIndex)
		indexKey := fmt.Sprintf("%d:%s", rec.ArchivedAt.UnixNano(), runID)
		return index.Put([]byte(indexKey), []byte(runID))
	})
	if err != nil {
		return fmt.Errorf("history: write record: %w", err)
	}

	s.cache[runID] = rec
	return nil
}

// Get retrieves an archived run by id, checking the in-memory cache first.
func (s *Store) Get(ctx context.Context, runID string) (Record, bool, error) {
	start := time.Now()
	defer s.recordLatency(ctx, s.readLatency, start)

	s.mu.RLock()
	if rec, ok := s.cache[runID]; ok {
		s.mu.RUnlock()
		return rec, true, nil
	}
	s.mu.RUnlock()

	var rec Record
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketRuns).Get([]byte(runID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return Record{}, false, fmt.Errorf("history: read record: %w", err)
	}
	if !found {
		return Record{}, false, nil
	}

	s.mu.Lock()
	s.cache[runID] = rec
	s.mu.Unlock()
	return rec, true, nil
}

// List returns archived runs ordered newest-first, most recent `limit`
// (0 means no limit).
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	start := time.Now()
	defer s.recordLatency(ctx, s.readLatency, start)

	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketIndex).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			ids = append(ids, string(v))
			if limit > 0 && len(ids) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("history: list index: %w", err)
	}

	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		rec, ok, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Versions returns every superseded (pre-overwrite) record archived for
// runID, oldest first.
func (s *Store) Versions(ctx context.Context, runID string) ([]state.RunRecord, error) {
	prefix := []byte(runID + ":")
	var out []state.RunRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketVersions).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			out = append(out, rec.Snapshot)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("history: read versions: %w", err)
	}
	return out, nil
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

func (s *Store) recordLatency(ctx context.Context, h metric.Float64Histogram, start time.Time) {
	if h == nil {
		return
	}
	h.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("component", "history")))
}
