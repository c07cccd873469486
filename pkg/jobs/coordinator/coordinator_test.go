package coordinator

import (
	"context"
	"testing"

	"github.com/scriptorium/jobengine/pkg/jobs/job"
	"github.com/scriptorium/jobengine/pkg/jobs/persistence"
	"github.com/scriptorium/jobengine/pkg/jobs/request"
	"github.com/scriptorium/jobengine/pkg/jobs/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	locator := persistence.NewFileLocator(t.TempDir(), "https://artifacts.example.com")
	pers := persistence.New(store.NewMemory(), locator, nil)
	return New(pers, request.NewFactory(), nil)
}

func runningJob(id string) *job.Job {
	return &job.Job{
		ID:     id,
		Type:   job.TypePipeline,
		Status: job.StatusRunning,
		RequestPayload: map[string]interface{}{
			"inputs": map[string]interface{}{
				"input_file":                "book.epub",
				"sentences_per_output_file": float64(10),
				"start_sentence":            float64(1),
			},
		},
		StopEvent: job.NewStopEvent(),
	}
}

func TestPauseSignalsAndSetsPausing(t *testing.T) {
	c := newTestCoordinator(t)
	j := runningJob("job-pause-1")
	c.Put(j)

	require.NoError(t, c.Pause(context.Background(), j.ID, "", ""))
	assert.Equal(t, job.StatusPausing, j.Status)
	assert.True(t, j.StopEvent.IsSignaled())
	assert.NotNil(t, j.ResumeContext)
}

func TestPauseRejectsFromNonRunning(t *testing.T) {
	c := newTestCoordinator(t)
	j := runningJob("job-pause-2")
	j.Status = job.StatusPending
	c.Put(j)

	err := c.Pause(context.Background(), j.ID, "", "")
	require.Error(t, err)
	var te *job.TransitionError
	assert.ErrorAs(t, err, &te)
}

func TestResumeRebuildsRequestAndDispatches(t *testing.T) {
	c := newTestCoordinator(t)
	j := runningJob("job-resume-1")
	j.Status = job.StatusPaused
	c.Put(j)

	var dispatched *job.Job
	c.SetDispatcher(func(j *job.Job) { dispatched = j })

	require.NoError(t, c.Resume(context.Background(), j.ID, "", ""))
	assert.Equal(t, job.StatusPending, j.Status)
	assert.NotNil(t, j.Request)
	assert.NotNil(t, j.Tracker)
	assert.NotNil(t, j.StopEvent)
	assert.Same(t, j, dispatched)
}

func TestCancelPreservesGeneratedFilesFromTracker(t *testing.T) {
	c := newTestCoordinator(t)
	j := runningJob("job-cancel-1")
	tr := request.NewTracker()
	tr.Emit(request.Event{
		EventType: "progress",
		Snapshot: request.Snapshot{
			GeneratedFiles: job.GeneratedFiles{"text": {{RelativePath: "chunk_001.txt"}}},
		},
	})
	j.Tracker = tr
	c.Put(j)

	require.NoError(t, c.Cancel(context.Background(), j.ID, "", ""))
	assert.Equal(t, job.StatusCancelled, j.Status)
	assert.Len(t, j.GeneratedFiles["text"], 1)
	assert.False(t, j.CompletedAt.IsZero())
}

func TestCancelRejectsTerminalJob(t *testing.T) {
	c := newTestCoordinator(t)
	j := runningJob("job-cancel-2")
	j.Status = job.StatusCompleted
	c.Put(j)

	err := c.Cancel(context.Background(), j.ID, "", "")
	require.Error(t, err)
}

func TestDeleteRemovesFromLiveMapAndStore(t *testing.T) {
	c := newTestCoordinator(t)
	j := runningJob("job-delete-1")
	j.Status = job.StatusCompleted
	c.Put(j)
	require.NoError(t, c.snapshotAndPersist(context.Background(), j))

	require.NoError(t, c.Delete(context.Background(), j.ID, "", ""))
	_, ok := c.Get(j.ID)
	assert.False(t, ok)

	_, err := c.store.Store.Get(context.Background(), j.ID)
	assert.Error(t, err)
}

func TestAuthorizeRejectsNonOwner(t *testing.T) {
	c := newTestCoordinator(t)
	j := runningJob("job-auth-1")
	j.UserID = "alice"
	c.Put(j)

	err := c.Pause(context.Background(), j.ID, "mallory", "user")
	require.Error(t, err)
	var pe *job.PermissionError
	assert.ErrorAs(t, err, &pe)
}

func TestAuthorizeAllowsAdminRegardlessOfOwner(t *testing.T) {
	c := newTestCoordinator(t)
	j := runningJob("job-auth-2")
	j.UserID = "alice"
	c.Put(j)

	require.NoError(t, c.Pause(context.Background(), j.ID, "root", RoleAdmin))
}

func TestExecutorHandleMutateAndPersistBypassesAuthorization(t *testing.T) {
	c := newTestCoordinator(t)
	j := runningJob("job-exec-1")
	j.UserID = "alice"
	c.Put(j)

	handle := c.NewExecutorHandle()
	err := handle.MutateAndPersist(context.Background(), j, func(j *job.Job) {
		j.Status = job.StatusCompleted
	})
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, j.Status)
}
