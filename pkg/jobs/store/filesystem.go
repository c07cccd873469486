package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/scriptorium/jobengine/pkg/jobs/job"
)

// Filesystem is the JobStore backend that writes one canonical JSON file
// per job under root, named from a sanitized job ID. Writes are atomic:
// temp-file + fsync + rename, so a crash mid-write never corrupts the
// previous snapshot (§4.1, §5's "filesystem writes by persistence are
// atomic").
type Filesystem struct {
	root string
	// mu serializes writes to the same store instance; concurrent renames
	// onto the same path from different processes are still atomic at the
	// OS level, this just avoids interleaved temp-file names within one
	// process.
	mu sync.Mutex
}

// NewFilesystem returns a Filesystem store rooted at root, creating the
// directory if necessary.
func NewFilesystem(root string) (*Filesystem, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Filesystem{root: root}, nil
}

func (s *Filesystem) pathFor(jobID string) (string, error) {
	safe, err := SanitizeJobID(jobID)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, safe+".json"), nil
}

func (s *Filesystem) writeAtomic(path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save writes a new record; idempotent if the key already exists.
func (s *Filesystem) Save(ctx context.Context, m *job.Metadata) error {
	return s.Update(ctx, m)
}

// Update overwrites the record for m.JobID.
func (s *Filesystem) Update(ctx context.Context, m *job.Metadata) error {
	path, err := s.pathFor(m.JobID)
	if err != nil {
		return err
	}
	data, err := MarshalCanonical(m)
	if err != nil {
		return err
	}
	return s.writeAtomic(path, data)
}

// Get returns the metadata for jobID.
func (s *Filesystem) Get(ctx context.Context, jobID string) (*job.Metadata, error) {
	path, err := s.pathFor(jobID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &job.NotFoundError{JobID: jobID}
		}
		return nil, err
	}
	m := &job.Metadata{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, err
	}
	return m, nil
}

// List reads every *.json file under root.
func (s *Filesystem) List(ctx context.Context) (map[string]*job.Metadata, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*job.Metadata, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.root, entry.Name()))
		if err != nil {
			return nil, err
		}
		m := &job.Metadata{}
		if err := json.Unmarshal(data, m); err != nil {
			return nil, err
		}
		out[m.JobID] = m
	}
	return out, nil
}

// Delete removes the file backing jobID.
func (s *Filesystem) Delete(ctx context.Context, jobID string) error {
	path, err := s.pathFor(jobID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &job.NotFoundError{JobID: jobID}
		}
		return err
	}
	return nil
}
