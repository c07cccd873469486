package store

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/scriptorium/jobengine/pkg/jobs/job"
)

// Memory is the in-memory JobStore used by tests and by the manager when
// the memory storage backend is selected. It stores a deep copy
// (via JSON round-trip) of each record so callers can't mutate state behind
// the store's back.
type Memory struct {
	mu      sync.RWMutex
	records map[string]*job.Metadata
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]*job.Metadata)}
}

func cloneMetadata(m *job.Metadata) (*job.Metadata, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	out := &job.Metadata{}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Save writes a new record; idempotent if the key already exists.
func (s *Memory) Save(ctx context.Context, m *job.Metadata) error {
	cp, err := cloneMetadata(m)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[m.JobID] = cp
	return nil
}

// Update overwrites an existing record (behaves identically to Save: the
// in-memory backend has no separate existence check, matching the
// filesystem/Redis backends' idempotent-write semantics).
func (s *Memory) Update(ctx context.Context, m *job.Metadata) error {
	return s.Save(ctx, m)
}

// Get returns the metadata for jobID.
func (s *Memory) Get(ctx context.Context, jobID string) (*job.Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[jobID]
	if !ok {
		return nil, &job.NotFoundError{JobID: jobID}
	}
	return cloneMetadata(rec)
}

// List returns every record keyed by job_id.
func (s *Memory) List(ctx context.Context) (map[string]*job.Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*job.Metadata, len(s.records))
	for id, rec := range s.records {
		cp, err := cloneMetadata(rec)
		if err != nil {
			return nil, err
		}
		out[id] = cp
	}
	return out, nil
}

// Delete removes jobID.
func (s *Memory) Delete(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[jobID]; !ok {
		return &job.NotFoundError{JobID: jobID}
	}
	delete(s.records, jobID)
	return nil
}
