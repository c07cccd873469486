package request

import (
	"sync"
	"time"

	"github.com/scriptorium/jobengine/pkg/jobs/job"
)

// Snapshot is the {completed, total, elapsed, speed, eta, generated_files}
// tuple carried by every progress event (§4.10).
type Snapshot = job.ProgressSnapshot

// Event is one progress update emitted by the pipeline callable through a
// job's Tracker.
type Event struct {
	EventType string
	Timestamp float64
	Metadata  map[string]interface{}
	Error     error
	Snapshot  Snapshot
}

// SerializeEvent renders an Event into the stable schema persisted on the
// job (§4.10), the Go counterpart of the source's serialize_progress_event.
func SerializeEvent(ev Event) *job.EventSnapshot {
	out := &job.EventSnapshot{
		EventType: ev.EventType,
		Timestamp: ev.Timestamp,
		Snapshot:  ev.Snapshot,
	}
	if len(ev.Metadata) > 0 {
		out.Metadata = make(map[string]interface{}, len(ev.Metadata))
		for k, v := range ev.Metadata {
			out.Metadata[k] = v
		}
	}
	if ev.Error != nil {
		out.Error = ev.Error.Error()
	}
	return out
}

// DeserializeEvent reconstructs an Event from its persisted schema, the
// counterpart of deserialize_progress_event. A non-empty Error string
// becomes a plain error value; callers needing a richer type should wrap it.
func DeserializeEvent(snap *job.EventSnapshot) Event {
	if snap == nil {
		return Event{}
	}
	ev := Event{
		EventType: snap.EventType,
		Timestamp: snap.Timestamp,
		Snapshot:  snap.Snapshot,
	}
	if len(snap.Metadata) > 0 {
		ev.Metadata = make(map[string]interface{}, len(snap.Metadata))
		for k, v := range snap.Metadata {
			ev.Metadata[k] = v
		}
	}
	if snap.Error != "" {
		ev.Error = errString(snap.Error)
	}
	return ev
}

// errString is a trivial string-backed error, used only to round-trip a
// persisted error message back into the Event.Error field.
type errString string

func (e errString) Error() string { return string(e) }

// Observer is invoked synchronously on the goroutine that calls Emit
// whenever an event is emitted, never under the manager lock (§9's re-architecture note on
// progress observers).
type Observer func(ev Event)

// Tracker is the observable progress sink attached to a running job. It
// fans out emitted events to registered observers, tracks retry counts, and
// records the final-state call the executor makes in its finally block.
type Tracker struct {
	mu sync.Mutex

	observers []Observer

	retryCount     int
	generatedFiles job.GeneratedFiles
	completed      bool

	finishReason string
	finishForced bool
	finished     bool
}

// NewTracker returns an empty Tracker with no observers registered.
func NewTracker() *Tracker {
	return &Tracker{}
}

// RegisterObserver attaches an observer invoked on every subsequent Emit.
func (t *Tracker) RegisterObserver(obs Observer) {
	t.mu.Lock()
	t.observers = append(t.observers, obs)
	t.mu.Unlock()
}

// Emit records the event's generated-files contribution and invokes every
// registered observer synchronously on the caller's goroutine (the
// pipeline callable's thread, per §9: "observer callbacks run on the
// tracker's thread, not the manager's lock").
func (t *Tracker) Emit(ev Event) {
	t.mu.Lock()
	if ev.Snapshot.GeneratedFiles != nil {
		if t.generatedFiles == nil {
			t.generatedFiles = make(job.GeneratedFiles)
		}
		for mediaType, files := range ev.Snapshot.GeneratedFiles {
			t.generatedFiles[mediaType] = append(t.generatedFiles[mediaType], files...)
		}
	}
	if ev.Snapshot.Total > 0 && ev.Snapshot.Completed >= ev.Snapshot.Total {
		t.completed = true
	}
	observers := make([]Observer, len(t.observers))
	copy(observers, t.observers)
	t.mu.Unlock()

	for _, obs := range observers {
		obs(ev)
	}
}

// IncrementRetry bumps the retry counter, used by callers that re-attempt a
// transient pipeline failure before giving up.
func (t *Tracker) IncrementRetry() {
	t.mu.Lock()
	t.retryCount++
	t.mu.Unlock()
}

// RetryCount returns the number of retries recorded so far.
func (t *Tracker) RetryCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.retryCount
}

// RecordError accepts a terminal failure from a caller. The error is not
// stored: the tracker keeps no error state and exposes none.
func (t *Tracker) RecordError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = err // not stored
}

// GeneratedFilesSnapshot returns a deep copy of the manifest accumulated
// from emitted events so far. This is the snapshot a cancel or pause
// transition captures before clearing the job's result fields.
func (t *Tracker) GeneratedFilesSnapshot() job.GeneratedFiles {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.generatedFiles.Clone()
}

// IsComplete reports whether the tracker has observed a snapshot where
// completed >= total, used to set media_completed on a PAUSING transition.
func (t *Tracker) IsComplete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed
}

// MarkFinished implements job.JobTracker, invoked exactly once by the
// executor's finally block with the final disposition ("completed",
// "failed", "cancelled", or "paused").
func (t *Tracker) MarkFinished(reason string, forced bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finishReason = reason
	t.finishForced = forced
	t.finished = true
}

// FinishState returns the reason and forced flag recorded by MarkFinished,
// and whether it has been called at all.
func (t *Tracker) FinishState() (reason string, forced bool, finished bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finishReason, t.finishForced, t.finished
}

// nowSeconds returns the current wall-clock time as fractional Unix
// seconds.
func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
