// Package manager assembles every collaborator into the JobManager facade
// (§4.11): the single entrypoint for submit/get/list/pause/resume/cancel/
// delete/refresh_metadata, grounded on the source's manager module.
package manager

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"github.com/scriptorium/jobengine/pkg/jobs/backpressure"
	jobsconfig "github.com/scriptorium/jobengine/pkg/jobs/config"
	"github.com/scriptorium/jobengine/pkg/jobs/coordinator"
	"github.com/scriptorium/jobengine/pkg/jobs/executor"
	"github.com/scriptorium/jobengine/pkg/jobs/job"
	"github.com/scriptorium/jobengine/pkg/jobs/metrics"
	"github.com/scriptorium/jobengine/pkg/jobs/persistence"
	"github.com/scriptorium/jobengine/pkg/jobs/pool"
	"github.com/scriptorium/jobengine/pkg/jobs/request"
	"github.com/scriptorium/jobengine/pkg/jobs/store"
	"github.com/scriptorium/jobengine/pkg/jobs/tuner"
	"github.com/scriptorium/jobengine/pkg/jobs/watch"
	"github.com/scriptorium/jobengine/pkg/logging"
)

// Manager is the orchestrator's single external entrypoint.
type Manager struct {
	Coordinator  *coordinator.Coordinator
	Persistence  *persistence.Persistence
	Locator      *persistence.FileLocator
	Factory      *request.Factory
	Tuner        *tuner.Tuner
	Backpressure *backpressure.Controller
	Executor     *executor.Executor
	Metrics      *metrics.Recorder
	Logger       *logging.Logger
	Watcher      *watch.Watcher

	metadataInference request.MetadataInferenceFunc
	sem                *semaphore.Weighted
}

// Options groups the collaborators a caller may override; zero values pick
// sensible defaults derived from cfg.
type Options struct {
	Store              store.Store
	Pipeline           request.PipelineFunc
	MetadataInference  request.MetadataInferenceFunc
	Hooks              executor.Hooks
	Registerer         prometheus.Registerer
	Logger             *logging.Logger
}

// New wires every component per SPEC_FULL's component table and restores
// persisted jobs, reconciling any RUNNING record to PAUSED (§4.11, §3
// invariant 9).
func New(ctx context.Context, cfg *jobsconfig.Config, opts Options) (*Manager, error) {
	logger := opts.Logger
	if logger == nil {
		logger = loggerFromConfig(cfg.Logging)
	}
	logger = logger.WithComponent("manager")

	backingStore := opts.Store
	if backingStore == nil {
		var err error
		backingStore, err = openStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
	}

	locator := persistence.NewFileLocator(cfg.Storage.Root, cfg.Storage.BaseURL)
	pers := persistence.New(backingStore, locator, logger)
	factory := request.NewFactory()

	coord := coordinator.New(pers, factory, logger)

	cache := pool.NewCache(cfg.Pool.MaxCached, cfg.Pool.IdleTimeout, pool.NewFactory(), logger)
	tu := tuner.New(cache, tuner.Config{
		ThreadCount:    cfg.Tuner.ThreadCount,
		QueueSize:      cfg.Tuner.QueueSize,
		JobMaxWorkers:  cfg.Tuner.JobMaxWorkers,
		PipelineMode:   cfg.Tuner.PipelineMode,
		LLMSourceLocal: cfg.Tuner.LLMSourceLocal,
	}, logger)

	rec := metrics.New(opts.Registerer)

	bp := backpressure.New(backpressure.Policy{
		Enabled:        cfg.Backpressure.Enabled,
		SoftLimit:      cfg.Backpressure.SoftLimit,
		HardLimit:      cfg.Backpressure.HardLimit,
		BaseDelay:      cfg.Backpressure.BaseDelay,
		MaxDelay:       cfg.Backpressure.MaxDelay,
		CooldownPeriod: cfg.Backpressure.CooldownPeriod,
	})

	exec := executor.New(coord.NewExecutorHandle(), tu, rec, opts.Pipeline, opts.Hooks, logger)

	m := &Manager{
		Coordinator:        coord,
		Persistence:        pers,
		Locator:            locator,
		Factory:            factory,
		Tuner:              tu,
		Backpressure:       bp,
		Executor:           exec,
		Metrics:            rec,
		Logger:             logger,
		metadataInference:  opts.MetadataInference,
		sem:                semaphore.NewWeighted(int64(maxInt(cfg.Manager.MaxConcurrentExecutions, 1))),
	}

	factory.OnEvent = m.onProgressEvent
	coord.SetDispatcher(m.dispatch)

	watcher, err := watch.New(m.onMediaActivity, 0, logger)
	if err != nil {
		return nil, fmt.Errorf("manager: start media watcher: %w", err)
	}
	m.Watcher = watcher

	if err := m.restore(ctx); err != nil {
		return nil, err
	}

	return m, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// loggerFromConfig installs a process-wide default logger built from the
// configured level/format, replacing any earlier default, and returns it.
// It runs each time a Manager starts without an explicit Options.Logger;
// collaborators built without a logger pick it up via GetGlobalLogger.
func loggerFromConfig(cfg jobsconfig.LoggingConfig) *logging.Logger {
	format := logging.TextFormat
	if cfg.Format == "json" {
		format = logging.JSONFormat
	}
	logging.InitGlobalLogger(&logging.Config{
		Level:  logging.ParseLevel(cfg.Level),
		Format: format,
	})
	return logging.GetGlobalLogger()
}

func openStore(ctx context.Context, cfg *jobsconfig.Config) (store.Store, error) {
	switch cfg.Storage.Backend {
	case jobsconfig.BackendMemory:
		return store.NewMemory(), nil
	case jobsconfig.BackendFilesystem:
		return store.NewFilesystem(cfg.Storage.Root)
	default:
		return nil, fmt.Errorf("manager: storage backend %q requires an explicit store (pass Options.Store)", cfg.Storage.Backend)
	}
}

// restore loads every persisted job, reconciles RUNNING to PAUSED, and
// retains non-terminal jobs in the coordinator's live map (S5).
func (m *Manager) restore(ctx context.Context) error {
	records, err := m.Persistence.Store.List(ctx)
	if err != nil {
		return fmt.Errorf("manager: restore: list store: %w", err)
	}

	for _, rec := range records {
		if rec.Status == job.StatusRunning {
			rec.Status = job.StatusPaused
			if err := m.Persistence.Persist(ctx, rec); err != nil {
				m.Logger.Error("failed to persist reconciled job", map[string]interface{}{"job_id": rec.JobID, "error": err.Error()})
				continue
			}
		}

		if rec.Status.Terminal() {
			continue
		}

		j, err := m.Persistence.Hydrate(rec)
		if err != nil {
			m.Logger.Error("failed to hydrate persisted job", map[string]interface{}{"job_id": rec.JobID, "error": err.Error()})
			continue
		}
		m.Coordinator.Put(j)
		m.watchMediaDir(j.ID)
	}
	return nil
}

// watchMediaDir creates jobID's media directory if needed and registers it
// with the media watcher, so artifacts the out-of-scope rendering
// subsystem drops in trigger a metadata refresh (§6's side-channel note).
func (m *Manager) watchMediaDir(jobID string) {
	mediaDir, err := m.Locator.MediaDir(jobID)
	if err != nil {
		m.Logger.Warn("failed to resolve media dir", map[string]interface{}{"job_id": jobID, "error": err.Error()})
		return
	}
	if err := os.MkdirAll(mediaDir, 0755); err != nil {
		m.Logger.Warn("failed to create media dir", map[string]interface{}{"job_id": jobID, "error": err.Error()})
		return
	}
	if err := m.Watcher.Watch(jobID, mediaDir); err != nil {
		m.Logger.Warn("failed to watch media dir", map[string]interface{}{"job_id": jobID, "error": err.Error()})
	}
}

// onMediaActivity is the media watcher's debounced callback: it re-runs
// metadata inference so book_metadata picks up anything the rendering
// subsystem discovered (e.g. embedded cover art, duration) once it drops
// artifacts into the job's media directory.
func (m *Manager) onMediaActivity(ctx context.Context, jobID string, path string) {
	if m.metadataInference == nil {
		return
	}
	if err := m.RefreshMetadata(ctx, jobID, false, "", coordinator.RoleAdmin); err != nil {
		m.Logger.Warn("refresh_metadata from media watch failed", map[string]interface{}{"job_id": jobID, "error": err.Error()})
	}
}

// onProgressEvent is registered on every rehydrated tracker's observer
// list: it records last_event and persists (§4.10 — the sole source of
// resume data). It does not recompute resume_context; Coordinator.Pause
// derives resume_context from last_event.
func (m *Manager) onProgressEvent(jobID string, ev request.Event) {
	_ = m.Coordinator.MutateAndPersist(context.Background(), jobID, "", coordinator.RoleAdmin, func(j *job.Job) {
		j.LastEvent = request.SerializeEvent(ev)
	})
}

// Submit implements §4.11's submit: generates a job ID, builds a live
// request, mirrors the source file, enforces backpressure, persists, and
// dispatches to the executor pool.
func (m *Manager) Submit(ctx context.Context, payload map[string]interface{}, userID, userRole string) (*job.Job, error) {
	j := &job.Job{
		ID:             job.NewID(),
		Type:           job.TypePipeline,
		Status:         job.StatusPending,
		CreatedAt:      time.Now(),
		RequestPayload: payload,
		UserID:         userID,
		UserRole:       userRole,
	}

	req, err := m.Factory.Build(j)
	if err != nil {
		return nil, fmt.Errorf("manager: submit: %w", err)
	}
	j.Request = req
	j.Tracker = req.Tracker
	j.StopEvent = req.StopEvent
	j.TuningSummary = m.Tuner.BuildTuningSummary(req)

	if err := m.mirrorSourceFile(j, req); err != nil {
		return nil, err
	}
	m.watchMediaDir(j.ID)

	depth := len(m.Coordinator.List())
	action, delay, err := m.Backpressure.Admit(depth)
	if err != nil {
		m.Metrics.RecordAdmission("reject")
		return nil, err
	}
	m.Metrics.RecordAdmission(string(action))
	if action == backpressure.Delay && delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	snap, err := m.Persistence.Snapshot(j)
	if err != nil {
		return nil, err
	}
	if err := m.Persistence.Persist(ctx, snap); err != nil {
		return nil, err
	}

	m.Coordinator.Put(j)
	m.Backpressure.RecordSubmission()
	m.dispatch(j)

	return j, nil
}

// mirrorSourceFile copies the submission's input file into the job's data
// directory (§6's per-job filesystem layout), so the pipeline callable
// always reads from a stable, job-owned path.
func (m *Manager) mirrorSourceFile(j *job.Job, req *request.PipelineRequest) error {
	if req.Inputs.InputFile == "" {
		return nil
	}
	dataDir, err := m.Locator.DataDir(j.ID)
	if err != nil {
		return fmt.Errorf("manager: resolve data dir: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("manager: create data dir: %w", err)
	}

	src, err := os.Open(req.Inputs.InputFile)
	if err != nil {
		return fmt.Errorf("manager: open source file: %w", err)
	}
	defer src.Close()

	dstPath := filepath.Join(dataDir, filepath.Base(req.Inputs.InputFile))
	dst, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("manager: create mirrored file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("manager: mirror source file: %w", err)
	}
	return nil
}

// dispatch hands j to the bounded executor pool; the semaphore caps how
// many pipeline callables run concurrently, independent of the translation
// worker-pool cache (§5: "these are independent pools").
func (m *Manager) dispatch(j *job.Job) {
	go func() {
		ctx := context.Background()
		if err := m.sem.Acquire(ctx, 1); err != nil {
			m.Logger.Error("failed to acquire execution slot", map[string]interface{}{"job_id": j.ID, "error": err.Error()})
			return
		}
		defer m.sem.Release(1)

		m.Executor.Execute(ctx, j)
		m.Backpressure.RecordCompletion()
		m.Metrics.SetPoolGauges(m.Tuner.Cache.CachedCount(), m.Tuner.Cache.InUseCount())

		if j.Status.Terminal() {
			if mediaDir, err := m.Locator.MediaDir(j.ID); err == nil {
				m.Watcher.Unwatch(mediaDir)
			}
		}
	}()
}

// Get returns jobID's current state, visible only to its owner or an
// admin. Falls back to the store for a terminal job no longer held live.
func (m *Manager) Get(ctx context.Context, jobID, userID, userRole string) (*job.Job, error) {
	if j, ok := m.Coordinator.Get(jobID); ok {
		if err := coordinator.Authorize(j, userID, userRole); err != nil {
			return nil, err
		}
		return j, nil
	}

	rec, err := m.Persistence.Store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	j, err := m.Persistence.Hydrate(rec)
	if err != nil {
		return nil, err
	}
	if err := coordinator.Authorize(j, userID, userRole); err != nil {
		return nil, err
	}
	return j, nil
}

// List returns every live job visible to userID/userRole.
func (m *Manager) List(userID, userRole string) []*job.Job {
	all := m.Coordinator.List()
	out := make([]*job.Job, 0, len(all))
	for _, j := range all {
		if coordinator.Authorize(j, userID, userRole) == nil {
			out = append(out, j)
		}
	}
	return out
}

// Pause/Resume/Cancel/Delete delegate to the TransitionCoordinator (§4.11).
func (m *Manager) Pause(ctx context.Context, jobID, userID, userRole string) error {
	return m.Coordinator.Pause(ctx, jobID, userID, userRole)
}

func (m *Manager) Resume(ctx context.Context, jobID, userID, userRole string) error {
	return m.Coordinator.Resume(ctx, jobID, userID, userRole)
}

func (m *Manager) Cancel(ctx context.Context, jobID, userID, userRole string) error {
	return m.Coordinator.Cancel(ctx, jobID, userID, userRole)
}

func (m *Manager) Delete(ctx context.Context, jobID, userID, userRole string) error {
	if err := m.Coordinator.Delete(ctx, jobID, userID, userRole); err != nil {
		return err
	}
	if mediaDir, err := m.Locator.MediaDir(jobID); err == nil {
		m.Watcher.Unwatch(mediaDir)
	}
	return nil
}

// RefreshMetadata re-runs the metadata inference collaborator against the
// job's input file and merges the result into both request_payload and
// result_payload (§6, §4.11).
func (m *Manager) RefreshMetadata(ctx context.Context, jobID string, forceRefresh bool, userID, userRole string) error {
	if m.metadataInference == nil {
		return fmt.Errorf("manager: no metadata inference collaborator configured")
	}

	return m.Coordinator.MutateAndPersist(ctx, jobID, userID, userRole, func(j *job.Job) {
		inputFile, existing := inputFileAndMetadata(j)
		inferred, err := m.metadataInference(inputFile, existing, forceRefresh)
		if err != nil {
			m.Logger.Warn("metadata inference failed", map[string]interface{}{"job_id": j.ID, "error": err.Error()})
			return
		}
		mergeBookMetadata(j.RequestPayload, inferred)
		mergeBookMetadata(j.ResultPayload, inferred)
	})
}

func inputFileAndMetadata(j *job.Job) (string, map[string]interface{}) {
	var inputFile string
	var existing map[string]interface{}
	if j.RequestPayload != nil {
		if inputs, ok := j.RequestPayload["inputs"].(map[string]interface{}); ok {
			if s, ok := inputs["input_file"].(string); ok {
				inputFile = s
			}
			if m, ok := inputs["book_metadata"].(map[string]interface{}); ok {
				existing = m
			}
		}
	}
	return inputFile, existing
}

func mergeBookMetadata(payload map[string]interface{}, inferred map[string]interface{}) {
	if payload == nil || len(inferred) == 0 {
		return
	}
	inputs, ok := payload["inputs"].(map[string]interface{})
	if !ok {
		inputs = map[string]interface{}{}
		payload["inputs"] = inputs
	}
	existing, ok := inputs["book_metadata"].(map[string]interface{})
	if !ok {
		existing = map[string]interface{}{}
	}
	for k, v := range inferred {
		existing[k] = v
	}
	inputs["book_metadata"] = existing
}
