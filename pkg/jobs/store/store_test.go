package store

import (
	"context"
	"testing"
	"time"

	"github.com/scriptorium/jobengine/pkg/jobs/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMetadata(id string) *job.Metadata {
	return &job.Metadata{
		JobID:     id,
		JobType:   job.TypePipeline,
		Status:    job.StatusPending,
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		RequestPayload: map[string]interface{}{
			"inputs": map[string]interface{}{"input_file": "book.epub"},
		},
	}
}

func runStoreContract(t *testing.T, s Store) {
	ctx := context.Background()
	m := testMetadata("job-contract-1")

	require.NoError(t, s.Save(ctx, m))

	got, err := s.Get(ctx, m.JobID)
	require.NoError(t, err)
	assert.Equal(t, m.JobID, got.JobID)
	assert.Equal(t, m.Status, got.Status)

	m.Status = job.StatusRunning
	require.NoError(t, s.Update(ctx, m))
	got, err = s.Get(ctx, m.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusRunning, got.Status)

	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Contains(t, all, m.JobID)

	require.NoError(t, s.Delete(ctx, m.JobID))
	_, err = s.Get(ctx, m.JobID)
	require.Error(t, err)
	var nf *job.NotFoundError
	assert.ErrorAs(t, err, &nf)

	err = s.Delete(ctx, m.JobID)
	assert.ErrorAs(t, err, &nf)
}

func TestMemoryStoreContract(t *testing.T) {
	runStoreContract(t, NewMemory())
}

func TestMemoryStoreIsolatesCallerMutation(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	m := testMetadata("job-iso-1")
	require.NoError(t, s.Save(ctx, m))

	m.Status = job.StatusRunning // mutate caller's copy after save
	got, err := s.Get(ctx, "job-iso-1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, got.Status)
}

func TestFilesystemStoreContract(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	runStoreContract(t, fs)
}

func TestFilesystemStoreRejectsPathEscape(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	err = fs.Save(context.Background(), testMetadata("../escape"))
	require.Error(t, err)
}

func TestFilesystemStoreReopenSeesPersistedRecords(t *testing.T) {
	dir := t.TempDir()
	fs1, err := NewFilesystem(dir)
	require.NoError(t, err)
	require.NoError(t, fs1.Save(context.Background(), testMetadata("job-reopen")))

	fs2, err := NewFilesystem(dir)
	require.NoError(t, err)
	got, err := fs2.Get(context.Background(), "job-reopen")
	require.NoError(t, err)
	assert.Equal(t, "job-reopen", got.JobID)
}

func TestMarshalCanonicalIsDeterministic(t *testing.T) {
	m := testMetadata("job-canon")
	m.GeneratedFiles = job.GeneratedFiles{
		"text": {
			{RelativePath: "b.txt"},
			{RelativePath: "a.txt"},
		},
	}

	first, err := MarshalCanonical(m)
	require.NoError(t, err)
	second, err := MarshalCanonical(m)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
