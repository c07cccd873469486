package sql

import (
	"context"
	"testing"
	"time"

	"github.com/scriptorium/jobengine/pkg/jobs/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// newTestStore spins up a throwaway Postgres container for the duration of
// the test. Skipped under -short since it requires a container runtime.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in -short mode")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("jobengine"),
		postgres.WithUsername("jobengine"),
		postgres.WithPassword("jobengine"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := Open(ctx, &DatabaseConfig{ConnectionString: connStr})
	require.NoError(t, err)
	t.Cleanup(store.Close)

	return store
}

func TestSQLStoreSaveGetListDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := &job.Metadata{
		JobID:     "job-sql-1",
		JobType:   job.TypePipeline,
		Status:    job.StatusPending,
		CreatedAt: time.Now().UTC(),
	}

	require.NoError(t, s.Save(ctx, m))

	got, err := s.Get(ctx, m.JobID)
	require.NoError(t, err)
	assert.Equal(t, m.JobID, got.JobID)

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
	var nf *job.NotFoundError
	assert.ErrorAs(t, err, &nf)
}
