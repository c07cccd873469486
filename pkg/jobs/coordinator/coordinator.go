// Package coordinator centralizes every job state mutation behind one lock
// (§4.7, grounded on the source's lifecycle module). JobManager delegates
// pause/resume/cancel/delete and the live-job map itself to a Coordinator;
// the executor gets only a narrower ExecutorHandle that can record a
// terminal state but not perform an authorized transition.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/scriptorium/jobengine/pkg/jobs/job"
	"github.com/scriptorium/jobengine/pkg/jobs/persistence"
	"github.com/scriptorium/jobengine/pkg/jobs/request"
	"github.com/scriptorium/jobengine/pkg/logging"

	"sync"
)

// RoleAdmin is the one role value that bypasses the owner check in
// authorize. Any other role must match the job's recorded owner.
const RoleAdmin = "admin"

// Dispatcher hands a resumed job back to the manager's executor pool. Set
// once, after construction, to avoid an import cycle between coordinator
// and the package that owns the executor pool.
type Dispatcher func(j *job.Job)

// Coordinator owns the live-job map and the single lock guarding every
// mutation to it and to the store, per §5's concurrency model.
type Coordinator struct {
	mu   sync.Mutex
	live map[string]*job.Job

	store   *persistence.Persistence
	factory *request.Factory
	logger  *logging.Logger

	dispatch Dispatcher
}

// New returns a Coordinator with an empty live-job map.
func New(store *persistence.Persistence, factory *request.Factory, logger *logging.Logger) *Coordinator {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Coordinator{
		live:    make(map[string]*job.Job),
		store:   store,
		factory: factory,
		logger:  logger.WithComponent("coordinator"),
	}
}

// SetDispatcher wires the callback Resume uses to hand a resumed job to the
// executor pool. Must be called before the first Resume.
func (c *Coordinator) SetDispatcher(d Dispatcher) {
	c.mu.Lock()
	c.dispatch = d
	c.mu.Unlock()
}

// Put inserts or replaces j in the live map, used at submission and at
// restore-time reconciliation.
func (c *Coordinator) Put(j *job.Job) {
	c.mu.Lock()
	c.live[j.ID] = j
	c.mu.Unlock()
}

// Get returns the live job for jobID, if any.
func (c *Coordinator) Get(jobID string) (*job.Job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.live[jobID]
	return j, ok
}

// List returns a snapshot slice of every live job.
func (c *Coordinator) List() []*job.Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*job.Job, 0, len(c.live))
	for _, j := range c.live {
		out = append(out, j)
	}
	return out
}

// forget removes jobID from the live map without touching the store,
// used after Delete has already removed the durable record.
func (c *Coordinator) forget(jobID string) {
	delete(c.live, jobID)
}

// authorize enforces §4.7's rule: an admin may mutate any job; anyone else
// must own it. A job with no recorded owner is treated as unowned and
// mutable by anyone (pre-auth submissions, tests).
func authorize(j *job.Job, userID, userRole string) error {
	if j.UserID == "" || userRole == RoleAdmin {
		return nil
	}
	if j.UserID != userID {
		return &job.PermissionError{JobID: j.ID, UserID: userID, UserRole: userRole}
	}
	return nil
}

// Authorize exposes the authorization predicate for read-only callers
// (JobManager.Get/List) that need the same owner-or-admin rule without
// performing a mutation.
func Authorize(j *job.Job, userID, userRole string) error {
	return authorize(j, userID, userRole)
}

// MutateAndPersist runs an authorized, non-transition mutation against
// jobID under the coordinator's lock (e.g. refresh_metadata merging
// inferred metadata into the payload) — distinct from the five named
// transitions, but still serialized against them.
func (c *Coordinator) MutateAndPersist(ctx context.Context, jobID, userID, userRole string, mutate func(j *job.Job)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	j, ok := c.live[jobID]
	if !ok {
		return &job.NotFoundError{JobID: jobID}
	}
	if err := authorize(j, userID, userRole); err != nil {
		return err
	}
	mutate(j)
	return c.snapshotAndPersist(ctx, j)
}

func (c *Coordinator) snapshotAndPersist(ctx context.Context, j *job.Job) error {
	snap, err := c.store.Snapshot(j)
	if err != nil {
		return err
	}
	return c.store.Persist(ctx, snap)
}

// Pause transitions a RUNNING pipeline job to PAUSING: it computes the
// block-aligned resume context, signals the job's StopEvent, and persists.
// The running executor observes the signal and completes the transition to
// PAUSED in its own finally block (§4.8, §4.9).
func (c *Coordinator) Pause(ctx context.Context, jobID, userID, userRole string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	j, ok := c.live[jobID]
	if !ok {
		return &job.NotFoundError{JobID: jobID}
	}
	if err := authorize(j, userID, userRole); err != nil {
		return err
	}
	if !j.Type.SupportsPauseResume() || !j.Status.CanTransitionTo(job.StatusPausing) {
		return &job.TransitionError{JobID: jobID, From: j.Status, To: job.StatusPausing}
	}

	j.ResumeContext = computeResumeContext(j)
	if tr, ok := j.Tracker.(interface{ IsComplete() bool }); ok && tr != nil && tr.IsComplete() {
		j.MediaCompleted = true
	}
	if j.StopEvent != nil {
		j.StopEvent.Signal()
	}
	j.Status = job.StatusPausing

	return c.snapshotAndPersist(ctx, j)
}

// Resume transitions a PAUSED job back to PENDING, rebuilding a live
// PipelineRequest from its resume context and handing it to the dispatcher
// (§4.8).
func (c *Coordinator) Resume(ctx context.Context, jobID, userID, userRole string) error {
	c.mu.Lock()

	j, ok := c.live[jobID]
	if !ok {
		c.mu.Unlock()
		return &job.NotFoundError{JobID: jobID}
	}
	if err := authorize(j, userID, userRole); err != nil {
		c.mu.Unlock()
		return err
	}
	if !j.Status.CanTransitionTo(job.StatusPending) {
		c.mu.Unlock()
		return &job.TransitionError{JobID: jobID, From: j.Status, To: job.StatusPending}
	}

	req, err := c.factory.Build(j)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("coordinator: resume %s: %w", jobID, err)
	}

	j.Request = req
	j.Tracker = req.Tracker
	j.StopEvent = req.StopEvent
	j.Status = job.StatusPending
	j.ResultPayload = nil
	j.ErrorMessage = ""
	j.CompletedAt = time.Time{}

	if err := c.snapshotAndPersist(ctx, j); err != nil {
		c.mu.Unlock()
		return err
	}

	dispatch := c.dispatch
	c.mu.Unlock()

	if dispatch != nil {
		dispatch(j)
	}
	return nil
}

// Cancel transitions any non-terminal job to CANCELLED, preserving whatever
// artifacts the tracker had already accumulated before the job is torn down,
// so cancelling a job that already produced partial output does not discard
// that manifest.
func (c *Coordinator) Cancel(ctx context.Context, jobID, userID, userRole string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	j, ok := c.live[jobID]
	if !ok {
		return &job.NotFoundError{JobID: jobID}
	}
	if err := authorize(j, userID, userRole); err != nil {
		return err
	}
	if j.Status.Terminal() {
		return &job.TransitionError{JobID: jobID, From: j.Status, To: job.StatusCancelled}
	}

	if tr, ok := j.Tracker.(interface {
		GeneratedFilesSnapshot() job.GeneratedFiles
	}); ok && tr != nil {
		mergeGeneratedFiles(j, tr.GeneratedFilesSnapshot())
	}

	if j.StopEvent != nil {
		j.StopEvent.Signal()
	}
	j.Status = job.StatusCancelled
	j.CompletedAt = time.Now()

	return c.snapshotAndPersist(ctx, j)
}

// Delete removes a terminal or paused job from both the live map and the
// durable store (§4.7).
func (c *Coordinator) Delete(ctx context.Context, jobID, userID, userRole string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	j, ok := c.live[jobID]
	if !ok {
		return &job.NotFoundError{JobID: jobID}
	}
	if err := authorize(j, userID, userRole); err != nil {
		return err
	}
	if !j.Status.Terminal() && j.Status != job.StatusPaused {
		return &job.TransitionError{JobID: jobID, From: j.Status, To: "DELETED"}
	}

	if err := c.store.Store.Delete(ctx, jobID); err != nil {
		return err
	}
	c.forget(jobID)
	return nil
}

func mergeGeneratedFiles(j *job.Job, snapshot job.GeneratedFiles) {
	if len(snapshot) == 0 {
		return
	}
	if j.GeneratedFiles == nil {
		j.GeneratedFiles = make(job.GeneratedFiles, len(snapshot))
	}
	for mediaType, entries := range snapshot {
		j.GeneratedFiles[mediaType] = append(j.GeneratedFiles[mediaType], entries...)
	}
}

// ExecutorHandle is the narrow capability handed to the executor: it can
// record a terminal outcome under the coordinator's lock, but it cannot
// pause, resume, cancel, or delete a job, since those require the caller's
// identity to pass authorize. This is the Open-Question resolution for
// "finish bypasses authorization" (§4.7): the bypass is enforced by the
// type system, not by a boolean flag threaded through Pause/Resume/Cancel.
type ExecutorHandle struct {
	c *Coordinator
}

// NewExecutorHandle returns the capability the executor holds for the
// lifetime of the manager. Only package manager (or a test) should ever
// call this.
func (c *Coordinator) NewExecutorHandle() ExecutorHandle {
	return ExecutorHandle{c: c}
}

// MutateAndPersist runs mutate against j under the coordinator's lock, then
// snapshots and persists the result, serializing with every Pause/Resume/
// Cancel/Delete call so the executor's own terminal-state write can never
// race a concurrent transition request.
func (h ExecutorHandle) MutateAndPersist(ctx context.Context, j *job.Job, mutate func(j *job.Job)) error {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()

	mutate(j)
	return h.c.snapshotAndPersist(ctx, j)
}

// Forget removes jobID from the live map without a store delete, used when
// the executor determines a job's record was deleted out from under it.
func (h ExecutorHandle) Forget(jobID string) {
	h.c.mu.Lock()
	h.c.forget(jobID)
	h.c.mu.Unlock()
}
