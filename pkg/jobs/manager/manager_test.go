package manager

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jobsconfig "github.com/scriptorium/jobengine/pkg/jobs/config"
	"github.com/scriptorium/jobengine/pkg/jobs/job"
	"github.com/scriptorium/jobengine/pkg/jobs/request"
	"github.com/scriptorium/jobengine/pkg/jobs/store"
)

func newTestManager(t *testing.T, pipeline request.PipelineFunc) *Manager {
	t.Helper()
	cfg := jobsconfig.DefaultConfig()
	cfg.Storage.Root = t.TempDir()
	cfg.Backpressure.Enabled = false
	cfg.Manager.MaxConcurrentExecutions = 2

	m, err := New(context.Background(), cfg, Options{
		Store:      store.NewMemory(),
		Pipeline:   pipeline,
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Watcher.Close() })
	return m
}

func samplePayload(t *testing.T, dir string) map[string]interface{} {
	t.Helper()
	src := filepath.Join(dir, "book.epub")
	require.NoError(t, os.WriteFile(src, []byte("fake epub"), 0644))
	return map[string]interface{}{
		"inputs": map[string]interface{}{
			"input_file":                src,
			"sentences_per_output_file": float64(10),
			"start_sentence":            float64(1),
		},
	}
}

func waitForStatus(t *testing.T, m *Manager, jobID string, want job.Status) *job.Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if j, ok := m.Coordinator.Get(jobID); ok && j.Status == want {
			return j
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach status %s", jobID, want)
	return nil
}

func TestSubmitRunsToCompletion(t *testing.T) {
	m := newTestManager(t, func(ctx context.Context, req *request.PipelineRequest) (*request.PipelineResponse, error) {
		return &request.PipelineResponse{Success: true}, nil
	})

	payload := samplePayload(t, t.TempDir())
	j, err := m.Submit(context.Background(), payload, "alice", "user")
	require.NoError(t, err)

	waitForStatus(t, m, j.ID, job.StatusCompleted)
}

func TestSubmitMirrorsSourceFile(t *testing.T) {
	m := newTestManager(t, func(ctx context.Context, req *request.PipelineRequest) (*request.PipelineResponse, error) {
		return &request.PipelineResponse{Success: true}, nil
	})

	dir := t.TempDir()
	payload := samplePayload(t, dir)
	j, err := m.Submit(context.Background(), payload, "alice", "user")
	require.NoError(t, err)

	dataDir, err := m.Locator.DataDir(j.ID)
	require.NoError(t, err)
	mirrored := filepath.Join(dataDir, "book.epub")
	_, err = os.Stat(mirrored)
	assert.NoError(t, err)
}

func TestGetDeniesNonOwnerNonAdmin(t *testing.T) {
	m := newTestManager(t, func(ctx context.Context, req *request.PipelineRequest) (*request.PipelineResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	payload := samplePayload(t, t.TempDir())
	j, err := m.Submit(context.Background(), payload, "alice", "user")
	require.NoError(t, err)

	_, err = m.Get(context.Background(), j.ID, "mallory", "user")
	assert.Error(t, err)

	got, err := m.Get(context.Background(), j.ID, "root", "admin")
	assert.NoError(t, err)
	assert.Equal(t, j.ID, got.ID)
}

func TestListOnlyReturnsAuthorizedJobs(t *testing.T) {
	m := newTestManager(t, func(ctx context.Context, req *request.PipelineRequest) (*request.PipelineResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	dir := t.TempDir()
	_, err := m.Submit(context.Background(), samplePayload(t, dir), "alice", "user")
	require.NoError(t, err)
	_, err = m.Submit(context.Background(), samplePayload(t, dir), "bob", "user")
	require.NoError(t, err)

	assert.Len(t, m.List("alice", "user"), 1)
	assert.Len(t, m.List("root", "admin"), 2)
}

func TestPauseResumeRoundTrip(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	m := newTestManager(t, func(ctx context.Context, req *request.PipelineRequest) (*request.PipelineResponse, error) {
		close(started)
		<-release
		return &request.PipelineResponse{Success: true}, nil
	})

	j, err := m.Submit(context.Background(), samplePayload(t, t.TempDir()), "alice", "user")
	require.NoError(t, err)

	<-started
	require.NoError(t, m.Pause(context.Background(), j.ID, "alice", "user"))
	close(release)

	waitForStatus(t, m, j.ID, job.StatusPaused)

	require.NoError(t, m.Resume(context.Background(), j.ID, "alice", "user"))
	waitForStatus(t, m, j.ID, job.StatusPending)
}

func TestRefreshMetadataMergesInferredFields(t *testing.T) {
	m := newTestManager(t, func(ctx context.Context, req *request.PipelineRequest) (*request.PipelineResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	m.metadataInference = func(inputFile string, existing map[string]interface{}, force bool) (map[string]interface{}, error) {
		return map[string]interface{}{"title": "Inferred Title"}, nil
	}

	j, err := m.Submit(context.Background(), samplePayload(t, t.TempDir()), "alice", "user")
	require.NoError(t, err)

	require.NoError(t, m.RefreshMetadata(context.Background(), j.ID, true, "alice", "user"))

	got, ok := m.Coordinator.Get(j.ID)
	require.True(t, ok)
	inputs := got.RequestPayload["inputs"].(map[string]interface{})
	meta := inputs["book_metadata"].(map[string]interface{})
	assert.Equal(t, "Inferred Title", meta["title"])
}

func TestDeleteRemovesTerminalJob(t *testing.T) {
	m := newTestManager(t, func(ctx context.Context, req *request.PipelineRequest) (*request.PipelineResponse, error) {
		return &request.PipelineResponse{Success: true}, nil
	})

	j, err := m.Submit(context.Background(), samplePayload(t, t.TempDir()), "alice", "user")
	require.NoError(t, err)
	waitForStatus(t, m, j.ID, job.StatusCompleted)

	require.NoError(t, m.Delete(context.Background(), j.ID, "alice", "user"))
	_, ok := m.Coordinator.Get(j.ID)
	assert.False(t, ok)
}
