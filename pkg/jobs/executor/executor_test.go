package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/scriptorium/jobengine/pkg/jobs/coordinator"
	"github.com/scriptorium/jobengine/pkg/jobs/job"
	"github.com/scriptorium/jobengine/pkg/jobs/metrics"
	"github.com/scriptorium/jobengine/pkg/jobs/persistence"
	"github.com/scriptorium/jobengine/pkg/jobs/pool"
	"github.com/scriptorium/jobengine/pkg/jobs/request"
	"github.com/scriptorium/jobengine/pkg/jobs/store"
	"github.com/scriptorium/jobengine/pkg/jobs/tuner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExecutor(t *testing.T, pipeline request.PipelineFunc) (*Executor, *coordinator.Coordinator) {
	t.Helper()
	locator := persistence.NewFileLocator(t.TempDir(), "https://artifacts.example.com")
	pers := persistence.New(store.NewMemory(), locator, nil)
	c := coordinator.New(pers, request.NewFactory(), nil)

	cache := pool.NewCache(2, time.Minute, pool.NewFactory(), nil)
	tu := tuner.New(cache, tuner.Config{ThreadCount: 1}, nil)

	rec := metrics.New(prometheus.NewRegistry())

	ex := New(c.NewExecutorHandle(), tu, rec, pipeline, Hooks{}, nil)
	return ex, c
}

func testJobWithRequest(id string) *job.Job {
	j := &job.Job{ID: id, Type: job.TypePipeline, Status: job.StatusPending, StopEvent: job.NewStopEvent()}
	j.Request = &request.PipelineRequest{Tracker: request.NewTracker(), StopEvent: j.StopEvent}
	return j
}

func TestExecuteHappyPathCompletes(t *testing.T) {
	ex, c := newTestExecutor(t, func(ctx context.Context, req *request.PipelineRequest) (*request.PipelineResponse, error) {
		return &request.PipelineResponse{Success: true}, nil
	})
	j := testJobWithRequest("job-exec-happy")
	c.Put(j)

	ex.Execute(context.Background(), j)

	assert.Equal(t, job.StatusCompleted, j.Status)
	assert.False(t, j.StartedAt.IsZero())
	assert.False(t, j.CompletedAt.IsZero())
}

func TestExecuteFailurePathRecordsError(t *testing.T) {
	ex, c := newTestExecutor(t, func(ctx context.Context, req *request.PipelineRequest) (*request.PipelineResponse, error) {
		return nil, errors.New("boom")
	})
	j := testJobWithRequest("job-exec-fail")
	c.Put(j)

	ex.Execute(context.Background(), j)

	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Equal(t, "boom", j.ErrorMessage)
}

func TestExecutePausingTransitionsToPaused(t *testing.T) {
	ex, c := newTestExecutor(t, func(ctx context.Context, req *request.PipelineRequest) (*request.PipelineResponse, error) {
		req.StopEvent.Signal()
		return &request.PipelineResponse{Success: true}, nil
	})
	j := testJobWithRequest("job-exec-pause")
	c.Put(j)
	j.Status = job.StatusRunning

	// Simulate a concurrent pause having already flipped the status by the
	// time the pipeline callable notices the signal and returns.
	ex.Pipeline = func(ctx context.Context, req *request.PipelineRequest) (*request.PipelineResponse, error) {
		j.Status = job.StatusPausing
		return &request.PipelineResponse{Success: true, GeneratedFiles: job.GeneratedFiles{"text": {{RelativePath: "chunk_001.txt"}}}}, nil
	}

	ex.Execute(context.Background(), j)

	assert.Equal(t, job.StatusPaused, j.Status)
	assert.Len(t, j.GeneratedFiles["text"], 1)
}

func TestExecuteCancelledClearsResults(t *testing.T) {
	var j *job.Job
	ex, c := newTestExecutor(t, nil)
	j = testJobWithRequest("job-exec-cancel")
	c.Put(j)

	ex.Pipeline = func(ctx context.Context, req *request.PipelineRequest) (*request.PipelineResponse, error) {
		j.Status = job.StatusCancelled
		return &request.PipelineResponse{Success: true}, nil
	}

	ex.Execute(context.Background(), j)

	assert.Equal(t, job.StatusCancelled, j.Status)
	assert.Nil(t, j.ResultPayload)
	assert.Empty(t, j.ErrorMessage)
}

func TestExecuteSuppressesErrorOnCooperativeInterruption(t *testing.T) {
	var j *job.Job
	ex, c := newTestExecutor(t, nil)
	j = testJobWithRequest("job-exec-interrupt")
	c.Put(j)

	ex.Pipeline = func(ctx context.Context, req *request.PipelineRequest) (*request.PipelineResponse, error) {
		j.Status = job.StatusCancelled
		req.StopEvent.Signal()
		return nil, errors.New("stopped")
	}

	ex.Execute(context.Background(), j)

	assert.Equal(t, job.StatusCancelled, j.Status)
	assert.Empty(t, j.ErrorMessage)
}

func TestExecuteMissingRequestFailsImmediately(t *testing.T) {
	ex, c := newTestExecutor(t, nil)
	j := &job.Job{ID: "job-exec-norequest", Type: job.TypePipeline, Status: job.StatusPending}
	c.Put(j)

	ex.Execute(context.Background(), j)

	require.Equal(t, job.StatusFailed, j.Status)
	assert.Contains(t, j.ErrorMessage, "no live request")
}
