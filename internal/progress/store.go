// Package progress persists per-source-item pipeline state so an interrupted
// run can resume without repeating completed work.
package progress

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Status is the lifecycle state of one source item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
)

// Record tracks one source item's progress through the pipeline.
type Record struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Retryable reports whether the record represents work that should be
// attempted (again) on resume. An in_progress record is never trusted as
// complete: the writer may have crashed mid-stage.
func (r Record) Retryable() bool {
	return r.Status == StatusPending || r.Status == StatusInProgress
}

// Store is the durable per-item progress store. The orchestrator is the only
// writer; readers may call Get/All concurrently.
type Store interface {
	// Get returns the record for the given item, if one exists.
	Get(id string) (Record, bool)

	// Upsert creates or replaces the record for the given item and persists
	// the store.
	Upsert(id string, status Status, attempts int, lastErr string) error

	// All returns a snapshot of every record, sorted by item ID.
	All() []Record

	// Close releases any resources.
	Close() error
}

// fileEnvelope is the on-disk representation.
type fileEnvelope struct {
	UpdatedAt time.Time `json:"updated_at"`
	Records   []Record  `json:"records"`
}

// fileStore persists records to a single JSON file, rewritten atomically on
// every upsert.
type fileStore struct {
	mu      sync.RWMutex
	path    string
	records map[string]Record
}

// Open loads (or creates) a file-backed progress store. When fresh is true
// any existing state is discarded.
func Open(path string, fresh bool) (Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create progress directory: %w", err)
	}

	s := &fileStore{
		path:    path,
		records: make(map[string]Record),
	}

	if fresh {
		if err := s.flushLocked(); err != nil {
			return nil, err
		}
		return s, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read progress file %s: %w", path, err)
	}

	var env fileEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse progress file %s: %w", path, err)
	}
	for _, rec := range env.Records {
		s.records[rec.ID] = rec
	}

	return s, nil
}

func (s *fileStore) Get(id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	return rec, ok
}

func (s *fileStore) Upsert(id string, status Status, attempts int, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[id] = Record{
		ID:        id,
		Status:    status,
		Attempts:  attempts,
		LastError: lastErr,
		UpdatedAt: time.Now().UTC(),
	}
	return s.flushLocked()
}

func (s *fileStore) All() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *fileStore) Close() error {
	return nil
}

func (s *fileStore) snapshotLocked() []Record {
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// flushLocked writes the store atomically via temp file + rename so a crash
// mid-write never corrupts the progress file.
func (s *fileStore) flushLocked() error {
	env := fileEnvelope{
		UpdatedAt: time.Now().UTC(),
		Records:   s.snapshotLocked(),
	}

	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}

	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write progress temp file: %w", err)
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename progress file: %w", err)
	}
	return nil
}

// memStore is an in-memory store for tests and dry runs.
type memStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemory returns a non-durable in-memory store.
func NewMemory() Store {
	return &memStore{records: make(map[string]Record)}
}

func (s *memStore) Get(id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	return rec, ok
}

func (s *memStore) Upsert(id string, status Status, attempts int, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id] = Record{
		ID:        id,
		Status:    status,
		Attempts:  attempts,
		LastError: lastErr,
		UpdatedAt: time.Now().UTC(),
	}
	return nil
}

func (s *memStore) All() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *memStore) Close() error { return nil }
