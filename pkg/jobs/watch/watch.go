// Package watch watches a job's media directory for side-channel artifacts
// dropped in by the out-of-scope rendering subsystem, debouncing bursts of
// writes before triggering a metadata refresh. Grounded on the source's
// pkg/sync file watcher, generalized from arbitrary sync roots down to one
// job's <job_root>/media directory.
package watch

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/scriptorium/jobengine/pkg/logging"
)

// RefreshFunc is invoked, debounced, once new activity settles in a
// watched job's media directory.
type RefreshFunc func(ctx context.Context, jobID string, path string)

// Watcher watches one or more job media directories and calls RefreshFunc
// after a debounce window following the last event on each path.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	refresh   RefreshFunc
	debounce  time.Duration
	logger    *logging.Logger

	mu      sync.Mutex
	jobOf   map[string]string // watched directory -> job ID
	timers  map[string]*time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a Watcher with no paths registered yet; call Watch to add a
// job's media directory. debounce defaults to 250ms if non-positive.
func New(refresh RefreshFunc, debounce time.Duration, logger *logging.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: create fsnotify watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		fsWatcher: fw,
		refresh:   refresh,
		debounce:  debounce,
		logger:    logger.WithComponent("watch"),
		jobOf:     make(map[string]string),
		timers:    make(map[string]*time.Timer),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	go w.loop()
	return w, nil
}

// Watch registers jobID's media directory for watching. The directory must
// already exist; the executor or manager creates it as part of the per-job
// filesystem layout (§6) before Watch is called.
func (w *Watcher) Watch(jobID, mediaDir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, already := w.jobOf[mediaDir]; already {
		return nil
	}
	if err := w.fsWatcher.Add(mediaDir); err != nil {
		return fmt.Errorf("watch: add %s: %w", mediaDir, err)
	}
	w.jobOf[mediaDir] = jobID
	return nil
}

// Unwatch stops watching jobID's media directory, e.g. once the job
// reaches a terminal state.
func (w *Watcher) Unwatch(mediaDir string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.jobOf[mediaDir]; !ok {
		return
	}
	_ = w.fsWatcher.Remove(mediaDir)
	delete(w.jobOf, mediaDir)
	if t, ok := w.timers[mediaDir]; ok {
		t.Stop()
		delete(w.timers, mediaDir)
	}
}

// Close stops the watcher and releases its underlying fsnotify handle.
func (w *Watcher) Close() error {
	w.cancel()
	<-w.done
	return w.fsWatcher.Close()
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch: fsnotify error", map[string]interface{}{"error": err.Error()})
		}
	}
}

// handleEvent debounces bursts of writes to the same directory: a rendering
// subsystem typically drops several files in quick succession (audio, then
// a manifest sidecar), and we want exactly one refresh per burst.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	dir := filepath.Dir(event.Name)

	w.mu.Lock()
	jobID, watched := w.jobOf[dir]
	if !watched {
		w.mu.Unlock()
		return
	}
	if t, ok := w.timers[dir]; ok {
		t.Stop()
	}
	w.timers[dir] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, dir)
		w.mu.Unlock()
		w.refresh(w.ctx, jobID, dir)
	})
	w.mu.Unlock()
}
