package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatchTriggersRefreshOnNewFile(t *testing.T) {
	dir := t.TempDir()

	var mu sync.Mutex
	var seenJob, seenPath string
	notified := make(chan struct{}, 1)

	w, err := New(func(ctx context.Context, jobID, path string) {
		mu.Lock()
		seenJob, seenPath = jobID, path
		mu.Unlock()
		select {
		case notified <- struct{}{}:
		default:
		}
	}, 20*time.Millisecond, nil)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Watch("job-1", dir))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "chapter1.mp3"), []byte("audio"), 0644))

	select {
	case <-notified:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh was not triggered")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "job-1", seenJob)
	require.Equal(t, dir, seenPath)
}

func TestUnwatchStopsNotifications(t *testing.T) {
	dir := t.TempDir()
	notified := make(chan struct{}, 1)

	w, err := New(func(ctx context.Context, jobID, path string) {
		select {
		case notified <- struct{}{}:
		default:
		}
	}, 20*time.Millisecond, nil)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Watch("job-2", dir))
	w.Unwatch(dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "chapter1.mp3"), []byte("audio"), 0644))

	select {
	case <-notified:
		t.Fatal("refresh fired after Unwatch")
	case <-time.After(200 * time.Millisecond):
	}
}
