// Package executor runs a single job to completion on a worker goroutine,
// following the "mark running, invoke pipeline, branch on status under
// lock, always release and persist" contract (§4.9, grounded on the
// source's executor module).
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/scriptorium/jobengine/pkg/jobs/coordinator"
	"github.com/scriptorium/jobengine/pkg/jobs/job"
	"github.com/scriptorium/jobengine/pkg/jobs/metrics"
	"github.com/scriptorium/jobengine/pkg/jobs/request"
	"github.com/scriptorium/jobengine/pkg/jobs/tuner"
	"github.com/scriptorium/jobengine/pkg/logging"
)

// Hooks are the optional lifecycle callbacks the source exposes around a
// job's execution. Any of them may be nil.
type Hooks struct {
	OnStart       func(j *job.Job)
	OnFinish      func(j *job.Job)
	OnFailure     func(j *job.Job, err error)
	OnInterrupted func(j *job.Job)
}

// Executor runs one job at a time on the calling goroutine; the manager is
// responsible for bounding how many goroutines call Execute concurrently.
type Executor struct {
	Handle   coordinator.ExecutorHandle
	Tuner    *tuner.Tuner
	Metrics  *metrics.Recorder
	Pipeline request.PipelineFunc
	Hooks    Hooks
	Logger   *logging.Logger
}

// New returns an Executor wired to the given collaborators. A nil logger
// falls back to the package-global logger.
func New(handle coordinator.ExecutorHandle, tu *tuner.Tuner, rec *metrics.Recorder, pipeline request.PipelineFunc, hooks Hooks, logger *logging.Logger) *Executor {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Executor{
		Handle:   handle,
		Tuner:    tu,
		Metrics:  rec,
		Pipeline: pipeline,
		Hooks:    hooks,
		Logger:   logger.WithComponent("executor"),
	}
}

// Execute runs j's pipeline callable to completion. It never returns an
// error: every failure mode is captured into the job's terminal state, per
// §4.9's "never deadlocks, never loses a failure silently" contract.
func (e *Executor) Execute(ctx context.Context, j *job.Job) {
	start := time.Now()

	if err := e.markRunning(ctx, j); err != nil {
		e.Logger.Error("failed to mark job running", map[string]interface{}{"job_id": j.ID, "error": err.Error()})
		e.finish(ctx, j, start, nil, nil, fmt.Errorf("executor: mark running: %w", err))
		return
	}
	if e.Hooks.OnStart != nil {
		e.Hooks.OnStart(j)
	}

	req, ok := j.Request.(*request.PipelineRequest)
	if !ok || req == nil {
		e.finish(ctx, j, start, nil, nil, fmt.Errorf("executor: job %s has no live request", j.ID))
		return
	}

	if err := e.Tuner.AcquireWorkerPool(j, req); err != nil {
		e.finish(ctx, j, start, req, nil, fmt.Errorf("executor: acquire worker pool: %w", err))
		return
	}

	resp, runErr := e.runPipeline(ctx, req)
	e.finish(ctx, j, start, req, resp, runErr)
}

// markRunning implements step 1: RUNNING, started_at, persisted.
func (e *Executor) markRunning(ctx context.Context, j *job.Job) error {
	return e.Handle.MutateAndPersist(ctx, j, func(j *job.Job) {
		j.Status = job.StatusRunning
		if j.StartedAt.IsZero() {
			j.StartedAt = time.Now()
		}
	})
}

// runPipeline invokes the pipeline callable, the only point of
// indeterminate execution (step 5), converting a panic into an error so a
// misbehaving callable cannot take the executor's goroutine down with it.
func (e *Executor) runPipeline(ctx context.Context, req *request.PipelineRequest) (resp *request.PipelineResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor: pipeline panicked: %v", r)
		}
	}()
	return e.Pipeline(ctx, req)
}

// finish implements steps 6-8: release the pool, apply the status-specific
// outcome under the coordinator's lock, mark the tracker finished, persist,
// record the metric, and invoke the matching hook.
func (e *Executor) finish(ctx context.Context, j *job.Job, start time.Time, req *request.PipelineRequest, resp *request.PipelineResponse, runErr error) {
	if req != nil {
		e.Tuner.ReleaseWorkerPool(j, req)
	}

	var outcome string
	if err := e.Handle.MutateAndPersist(ctx, j, func(j *job.Job) {
		outcome = applyOutcome(j, resp, runErr)
	}); err != nil {
		e.Logger.Error("failed to persist terminal job state", map[string]interface{}{"job_id": j.ID, "error": err.Error()})
	}

	if j.Tracker != nil {
		forced := j.StopEvent != nil && j.StopEvent.IsSignaled()
		j.Tracker.MarkFinished(outcome, forced)
	}

	e.Metrics.RecordDuration(outcome, time.Since(start))

	switch outcome {
	case "completed":
		if e.Hooks.OnFinish != nil {
			e.Hooks.OnFinish(j)
		}
	case "failed":
		if e.Hooks.OnFailure != nil {
			e.Hooks.OnFailure(j, runErr)
		}
	case "cancelled", "paused":
		if e.Hooks.OnInterrupted != nil {
			e.Hooks.OnInterrupted(j)
		}
	}
}

// isInterruptionState reports whether s was already set by a concurrent
// pause/cancel before the pipeline callable returned.
func isInterruptionState(s job.Status) bool {
	return s == job.StatusCancelled || s == job.StatusPausing || s == job.StatusPaused
}

// applyOutcome performs the step 6/7 branch under the coordinator's lock
// and returns the outcome tag used for the tracker, the metric, and the
// matching hook.
func applyOutcome(j *job.Job, resp *request.PipelineResponse, runErr error) string {
	if runErr != nil {
		if isInterruptionState(j.Status) && j.StopEvent != nil && j.StopEvent.IsSignaled() {
			// Expected cooperative interruption: the pipeline returned an
			// error only because it observed the stop signal mid-flight.
			// No error is recorded (§4.9 step 7).
			return applyReturnedOutcome(j, resp)
		}
		j.ErrorMessage = runErr.Error()
		j.Status = job.StatusFailed
		j.CompletedAt = time.Now()
		return "failed"
	}
	return applyReturnedOutcome(j, resp)
}

// applyReturnedOutcome is step 6: the pipeline returned (no exception),
// branch on whatever status a concurrent pause/cancel already set.
func applyReturnedOutcome(j *job.Job, resp *request.PipelineResponse) string {
	switch j.Status {
	case job.StatusCancelled:
		j.ResultPayload = nil
		j.ErrorMessage = ""
		if j.CompletedAt.IsZero() {
			j.CompletedAt = time.Now()
		}
		return "cancelled"

	case job.StatusPausing:
		mergeGeneratedFiles(j, resp)
		if tr, ok := j.Tracker.(interface{ IsComplete() bool }); ok && tr != nil {
			j.MediaCompleted = tr.IsComplete()
		}
		j.Status = job.StatusPaused
		return "paused"

	case job.StatusPaused:
		j.ResultPayload = nil
		j.ErrorMessage = ""
		return "paused"

	default:
		mergeGeneratedFiles(j, resp)
		if resp == nil {
			j.Status = job.StatusFailed
			j.ErrorMessage = "pipeline returned no response"
			j.CompletedAt = time.Now()
			return "failed"
		}
		j.ResultPayload = responseToPayload(resp)
		j.CompletedAt = time.Now()
		if resp.Success {
			j.Status = job.StatusCompleted
			return "completed"
		}
		j.Status = job.StatusFailed
		j.ErrorMessage = resp.FailureReason
		return "failed"
	}
}

func mergeGeneratedFiles(j *job.Job, resp *request.PipelineResponse) {
	if resp == nil || len(resp.GeneratedFiles) == 0 {
		return
	}
	if j.GeneratedFiles == nil {
		j.GeneratedFiles = make(job.GeneratedFiles, len(resp.GeneratedFiles))
	}
	for mediaType, entries := range resp.GeneratedFiles {
		j.GeneratedFiles[mediaType] = append(j.GeneratedFiles[mediaType], entries...)
	}
}

// responseToPayload renders the pipeline's terminal response into the
// generic map shape result_payload is persisted as.
func responseToPayload(resp *request.PipelineResponse) map[string]interface{} {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
