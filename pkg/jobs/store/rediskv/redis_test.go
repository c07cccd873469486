package rediskv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/scriptorium/jobengine/pkg/jobs/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client)
}

func TestRedisStoreSaveGetListDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := &job.Metadata{
		JobID:     "job-redis-1",
		JobType:   job.TypePipeline,
		Status:    job.StatusPending,
		CreatedAt: time.Now().UTC(),
	}

	require.NoError(t, s.Save(ctx, m))

	got, err := s.Get(ctx, m.JobID)
	require.NoError(t, err)
	assert.Equal(t, m.JobID, got.JobID)

	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Contains(t, all, m.JobID)

	require.NoError(t, s.Delete(ctx, m.JobID))
	_, err = s.Get(ctx, m.JobID)
	var nf *job.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestRedisStoreGetMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "nope")
	var nf *job.NotFoundError
	assert.ErrorAs(t, err, &nf)
}
