// Package store implements the JobStore persistence interface (§4.1) with
// in-memory, filesystem, Redis, and SQL backends.
package store

import (
	"context"

	"github.com/scriptorium/jobengine/pkg/jobs/job"
)

// Store is the durable key-value persistence interface for job metadata
// snapshots. Implementations must guarantee that a successful Save/Update
// is observable by the next Get/List (§4.1).
type Store interface {
	// Save writes a new record. It is idempotent if the key already exists
	// (equivalent to Update in that case).
	Save(ctx context.Context, m *job.Metadata) error
	// Update overwrites an existing record.
	Update(ctx context.Context, m *job.Metadata) error
	// Get returns the metadata for jobID, or a *job.NotFoundError if absent.
	Get(ctx context.Context, jobID string) (*job.Metadata, error)
	// List returns every record keyed by job_id.
	List(ctx context.Context) (map[string]*job.Metadata, error)
	// Delete removes jobID, or returns a *job.NotFoundError if absent.
	Delete(ctx context.Context, jobID string) error
}
