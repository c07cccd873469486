package job

import "fmt"

// NotFoundError is raised by a JobStore or the manager when a job_id has no
// corresponding record.
type NotFoundError struct {
	JobID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("job not found: %s", e.JobID)
}

// PermissionError is raised by the TransitionCoordinator's authorization
// predicate before any mutation is attempted.
type PermissionError struct {
	JobID    string
	UserID   string
	UserRole string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("user %q (role %q) may not mutate job %s", e.UserID, e.UserRole, e.JobID)
}

// TransitionError carries the job and the attempted source state for an
// illegal status transition.
type TransitionError struct {
	JobID string
	From  Status
	To    Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s: invalid transition %s -> %s", e.JobID, e.From, e.To)
}

// QueueFullError is surfaced to callers whose submission is rejected by the
// backpressure controller because queue depth has reached the hard limit.
type QueueFullError struct {
	Depth     int
	HardLimit int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("submission queue full: depth %d has reached hard limit %d", e.Depth, e.HardLimit)
}

// PersistenceError wraps a failure from the JobStore or Persistence layers,
// classifying whether the failure occurred during a mutation (must
// propagate, in-memory change rolled back) or a restore (logged, record
// skipped), per §7's error taxonomy.
type PersistenceError struct {
	JobID     string
	Operation string
	Cause     error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s for job %s: %v", e.Operation, e.JobID, e.Cause)
}

func (e *PersistenceError) Unwrap() error {
	return e.Cause
}

// PathEscapeError is raised by persistence normalization when a
// generated-files entry resolves outside the job root.
type PathEscapeError struct {
	Path string
	Root string
}

func (e *PathEscapeError) Error() string {
	return fmt.Sprintf("path %q escapes job root %q", e.Path, e.Root)
}
