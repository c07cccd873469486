// Package job defines the core Job type, its status state machine, and the
// typed error taxonomy shared across the orchestrator packages.
package job

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is one of the closed set of lifecycle states a Job may occupy.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusPausing   Status = "PAUSING"
	StatusPaused    Status = "PAUSED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether the status has no further transitions other than
// delete.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Type is the closed set of pipeline kinds a job may run. Only pipeline jobs
// support pause/resume; subtitle and custom jobs run start-to-finish.
type Type string

const (
	TypePipeline Type = "pipeline"
	TypeSubtitle Type = "subtitle"
	TypeCustom   Type = "custom"
)

// SupportsPauseResume reports whether jobs of this type may be paused and
// resumed. Only the pipeline type has a block-aligned checkpoint protocol.
func (t Type) SupportsPauseResume() bool {
	return t == TypePipeline
}

// validTransitions is the StateMachine table from the data model: edges are
// the only legal status transitions a job may undergo.
var validTransitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled},
	StatusRunning: {StatusPausing, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPausing: {StatusPaused, StatusCancelled, StatusFailed},
	StatusPaused:  {StatusPending, StatusCancelled},
}

// CanTransitionTo reports whether moving from s to next is a legal edge in
// the state machine. Terminal statuses accept no transitions (delete is
// handled separately, outside the state machine proper).
func (s Status) CanTransitionTo(next Status) bool {
	for _, candidate := range validTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// GeneratedFile is one normalized artifact entry in a job's manifest.
type GeneratedFile struct {
	RelativePath string `json:"relative_path"`
	AbsolutePath string `json:"absolute_path"`
	URL          string `json:"url"`
	Type         string `json:"type"`
}

// GeneratedFiles groups produced artifacts by chunk/media type, e.g.
// "text" -> [chunk_001.txt, chunk_002.txt], "audio" -> [...].
type GeneratedFiles map[string][]GeneratedFile

// Clone returns a deep copy, used whenever a manifest snapshot must be
// captured independent of further mutation (cancel, pause, executor return).
func (g GeneratedFiles) Clone() GeneratedFiles {
	if g == nil {
		return nil
	}
	out := make(GeneratedFiles, len(g))
	for k, v := range g {
		cp := make([]GeneratedFile, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

// Job is the unit of work tracked by the manager from submission to
// terminal state. Fields mirror the data model in full; RequestPayload is
// the only field guaranteed non-nil once a job has ever been persisted.
type Job struct {
	mu sync.Mutex

	ID     string
	Type   Type
	Status Status

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	// Request is the live, executable request; nil until a worker needs it.
	Request JobRequest
	// RequestPayload is the serializable snapshot of the original submission.
	RequestPayload map[string]interface{}
	// ResumeContext is the serializable payload a resume will execute.
	ResumeContext map[string]interface{}

	Tracker   JobTracker
	StopEvent *StopEvent

	LastEvent JobEvent

	Result        JobResponse
	ResultPayload map[string]interface{}
	ErrorMessage  string

	GeneratedFiles  GeneratedFiles
	MediaCompleted  bool
	TuningSummary   map[string]interface{}
	OwnsPool        bool

	UserID   string
	UserRole string
}

// JobRequest, JobResponse, JobEvent, JobTracker are narrow interfaces the
// job package depends on without importing package request, avoiding an
// import cycle (request.Tracker implements JobTracker, etc). Concrete types
// live in package request.
type JobRequest interface{}
type JobResponse interface{}
type JobEvent interface{}
type JobTracker interface {
	MarkFinished(reason string, forced bool)
}

// StopEvent is a one-shot cooperative cancellation signal shared between the
// manager, the job, and the running pipeline callable.
type StopEvent struct {
	once sync.Once
	ch   chan struct{}
}

// NewStopEvent returns an unsignaled stop event.
func NewStopEvent() *StopEvent {
	return &StopEvent{ch: make(chan struct{})}
}

// Signal closes the underlying channel exactly once; safe to call
// concurrently and more than once.
func (s *StopEvent) Signal() {
	s.once.Do(func() { close(s.ch) })
}

// IsSignaled reports whether Signal has been called, without blocking.
func (s *StopEvent) IsSignaled() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Done returns the channel closed on Signal, for use in select statements.
func (s *StopEvent) Done() <-chan struct{} {
	return s.ch
}

// NewID generates an opaque unique job identifier.
func NewID() string {
	return uuid.NewString()
}

// Lock/Unlock expose the job's own mutex. The coordinator and executor do
// not use it: they update the in-memory copy and persist under the
// Coordinator's lock instead.
func (j *Job) Lock()   { j.mu.Lock() }
func (j *Job) Unlock() { j.mu.Unlock() }

// Metadata is the serializable form of Job (PipelineJobMetadata in the
// source terminology), produced by package persistence's Snapshot and
// consumed by its Hydrate.
type Metadata struct {
	JobID     string `json:"job_id"`
	JobType   Type   `json:"job_type"`
	Status    Status `json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	RequestPayload map[string]interface{} `json:"request_payload,omitempty"`
	ResumeContext  map[string]interface{} `json:"resume_context,omitempty"`

	LastEvent *EventSnapshot `json:"last_event,omitempty"`

	ResultPayload map[string]interface{} `json:"result_payload,omitempty"`
	ErrorMessage  string                 `json:"error_message,omitempty"`

	GeneratedFiles GeneratedFiles         `json:"generated_files,omitempty"`
	MediaCompleted bool                   `json:"media_completed"`
	TuningSummary  map[string]interface{} `json:"tuning_summary,omitempty"`
	OwnsPool       bool                   `json:"owns_translation_pool"`

	UserID   string `json:"user_id,omitempty"`
	UserRole string `json:"user_role,omitempty"`
}

// EventSnapshot is the stable, serializable shape of the last observed
// progress event, matching the schema in §4.10. Defined here (rather than
// in package request) so Metadata has no import-cycle dependency on it.
type EventSnapshot struct {
	EventType string                 `json:"event_type"`
	Timestamp float64                `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Snapshot  ProgressSnapshot       `json:"snapshot"`
}

// ProgressSnapshot is the {completed, total, elapsed, speed, eta,
// generated_files} tuple carried by every progress event.
type ProgressSnapshot struct {
	Completed      int64          `json:"completed"`
	Total          int64          `json:"total"`
	Elapsed        float64        `json:"elapsed"`
	Speed          float64        `json:"speed"`
	ETA            float64        `json:"eta"`
	GeneratedFiles GeneratedFiles `json:"generated_files,omitempty"`
}
