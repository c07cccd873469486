package persistence

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/scriptorium/jobengine/pkg/jobs/job"
	"github.com/scriptorium/jobengine/pkg/jobs/store"
	"github.com/scriptorium/jobengine/pkg/logging"
)

// dedupFilterCapacity/falsePositiveRate size the bloom filter that
// short-circuits re-persisting a byte-identical snapshot (§4.1's
// serialization contract exists precisely to make this optimization safe).
const (
	dedupFilterCapacity    = 100_000
	dedupFalsePositiveRate = 0.001
)

// Persistence transforms live Jobs to/from job.Metadata and writes them
// through to a store.Store, plus the side-effect files §4.2 requires
// (sentence sidecars, mirrored cover image).
type Persistence struct {
	Store   store.Store
	Locator *FileLocator
	Logger  *logging.Logger

	mu     sync.Mutex
	recent *bloom.BloomFilter
}

// New returns a Persistence wired to store s and locator l. A nil logger is
// replaced with the package default.
func New(s store.Store, l *FileLocator, logger *logging.Logger) *Persistence {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Persistence{
		Store:   s,
		Locator: l,
		Logger:  logger.WithComponent("persistence"),
		recent:  bloom.NewWithEstimates(dedupFilterCapacity, dedupFalsePositiveRate),
	}
}

// Snapshot deep-copies j's mutable fields into a job.Metadata, normalizing
// the generated-files manifest and rejecting entries that escape the job
// root (dropped with a warning, not surfaced as a failure — a stray
// manifest entry must never block persisting an otherwise-valid snapshot),
// then performs the side-effect persistence step (§4.2 item 2): it writes
// the refined-sentence list to a metadata-directory sidecar and mirrors any
// referenced cover image into that directory, recording the mirrored path
// back onto both the snapshot and j's own result payload. Callers must
// serialize the call against other mutations of j — Snapshot both reads j
// and, via this side-effect step, writes back to it (the coordinator always
// calls it with its own lock held, across persist).
func (p *Persistence) Snapshot(j *job.Job) (*job.Metadata, error) {
	m := &job.Metadata{
		JobID:          j.ID,
		JobType:        j.Type,
		Status:         j.Status,
		CreatedAt:      j.CreatedAt,
		ResultPayload:  cloneStringMap(j.ResultPayload),
		ErrorMessage:   j.ErrorMessage,
		MediaCompleted: j.MediaCompleted,
		TuningSummary:  cloneStringMap(j.TuningSummary),
		OwnsPool:       j.OwnsPool,
		UserID:         j.UserID,
		UserRole:       j.UserRole,
		RequestPayload: cloneStringMap(j.RequestPayload),
		ResumeContext:  cloneStringMap(j.ResumeContext),
	}

	if !j.StartedAt.IsZero() {
		t := j.StartedAt
		m.StartedAt = &t
	}
	if !j.CompletedAt.IsZero() {
		t := j.CompletedAt
		m.CompletedAt = &t
	}

	if j.LastEvent != nil {
		if ev, ok := j.LastEvent.(*job.EventSnapshot); ok {
			m.LastEvent = ev
		}
	}

	if j.GeneratedFiles != nil {
		normalized, err := p.normalizeManifest(j.ID, j.GeneratedFiles)
		if err != nil {
			return nil, err
		}
		m.GeneratedFiles = normalized
	}

	p.persistMetadataFiles(j, m)

	return m, nil
}

// normalizeManifest re-resolves every entry's relative/absolute/URL fields
// through the locator, dropping (and logging) any entry that resolves
// outside the job root.
func (p *Persistence) normalizeManifest(jobID string, files job.GeneratedFiles) (job.GeneratedFiles, error) {
	out := make(job.GeneratedFiles, len(files))
	for mediaType, entries := range files {
		var kept []job.GeneratedFile
		for _, entry := range entries {
			path := entry.RelativePath
			if path == "" {
				path = entry.AbsolutePath
			}
			normalized, err := p.Locator.NormalizeEntry(jobID, path, mediaType)
			if err != nil {
				p.Logger.Warn("dropping generated-files entry outside job root", map[string]interface{}{
					"job_id": jobID, "path": path,
				})
				continue
			}
			kept = append(kept, normalized)
		}
		if len(kept) > 0 {
			out[mediaType] = kept
		}
	}
	return out, nil
}

// Persist writes m through to the store. Before doing the I/O, it checks
// the dedup bloom filter for a hash of (job_id, canonical bytes); a hit is
// confirmed by comparing against the stored record's canonical bytes, and
// only an exact match skips the write. A miss always writes through, then
// records the hash — false positives only cost an extra store read, never
// an incorrectly-skipped write.
func (p *Persistence) Persist(ctx context.Context, m *job.Metadata) error {
	data, err := store.MarshalCanonical(m)
	if err != nil {
		return &job.PersistenceError{JobID: m.JobID, Operation: "snapshot", Cause: err}
	}

	key := dedupKey(m.JobID, data)

	p.mu.Lock()
	seen := p.recent.Test(key)
	p.mu.Unlock()

	if seen {
		if cur, err := p.Store.Get(ctx, m.JobID); err == nil {
			if curData, err := store.MarshalCanonical(cur); err == nil && bytes.Equal(curData, data) {
				return nil
			}
		}
	}

	if err := p.Store.Update(ctx, m); err != nil {
		return &job.PersistenceError{JobID: m.JobID, Operation: "update", Cause: err}
	}

	p.mu.Lock()
	p.recent.Add(key)
	p.mu.Unlock()

	return nil
}

func dedupKey(jobID string, data []byte) []byte {
	h := fnv.New64a()
	_, _ = h.Write([]byte(jobID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(data)
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, h.Sum64())
	return buf
}

// Hydrate constructs a Job shell from a persisted record. The hydrated job
// has no Request, Tracker, or StopEvent; RequestFactory recreates those on
// first execution (§4.2's hydration contract).
func (p *Persistence) Hydrate(m *job.Metadata) (*job.Job, error) {
	if m.JobID == "" {
		return nil, fmt.Errorf("persistence: hydrate: empty job_id")
	}

	j := &job.Job{
		ID:             m.JobID,
		Type:           m.JobType,
		Status:         m.Status,
		CreatedAt:      m.CreatedAt,
		RequestPayload: cloneStringMap(m.RequestPayload),
		ResumeContext:  cloneStringMap(m.ResumeContext),
		ResultPayload:  cloneStringMap(m.ResultPayload),
		ErrorMessage:   m.ErrorMessage,
		GeneratedFiles: m.GeneratedFiles.Clone(),
		MediaCompleted: m.MediaCompleted,
		TuningSummary:  cloneStringMap(m.TuningSummary),
		OwnsPool:       m.OwnsPool,
		UserID:         m.UserID,
		UserRole:       m.UserRole,
	}
	if m.StartedAt != nil {
		j.StartedAt = *m.StartedAt
	}
	if m.CompletedAt != nil {
		j.CompletedAt = *m.CompletedAt
	}
	if m.LastEvent != nil {
		j.LastEvent = m.LastEvent
	}
	return j, nil
}

func cloneStringMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
