// Package tuner computes worker counts and tuning summaries from a
// request plus host hardware, and acquires/releases pools from the
// WorkerPoolCache (§4.5).
package tuner

import (
	"fmt"

	"github.com/scriptorium/jobengine/pkg/jobs/job"
	"github.com/scriptorium/jobengine/pkg/jobs/pool"
	"github.com/scriptorium/jobengine/pkg/jobs/request"
	"github.com/scriptorium/jobengine/pkg/logging"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Config carries the fallback tuning values used when neither a request's
// pipeline_overrides nor its context specify them.
type Config struct {
	ThreadCount   int
	QueueSize     int
	JobMaxWorkers int
	PipelineMode  bool
	// LLMSourceLocal is the configured default for whether the LLM
	// endpoint is local (as opposed to a remote API), used by the
	// batch-worker capping rule.
	LLMSourceLocal bool
}

// ExecutorSlotsGetter reports the manager's current executor pool
// occupancy, surfaced in the tuning summary only (not used for sizing).
type ExecutorSlotsGetter func() (used, total int)

// Tuner computes per-request worker sizing and mediates pool
// acquisition/release through a shared Cache.
type Tuner struct {
	Cache               *pool.Cache
	Config              Config
	ExecutorSlots       ExecutorSlotsGetter
	Logger              *logging.Logger

	hardwareCPUCount int
	hardwareMemGiB   float64
	hardwareProfile  string
}

// New returns a Tuner backed by cache, detecting host hardware defaults
// once at construction (CPU count, memory) via gopsutil.
func New(cache *pool.Cache, cfg Config, logger *logging.Logger) *Tuner {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	t := &Tuner{Cache: cache, Config: cfg, Logger: logger.WithComponent("tuner")}
	t.detectHardware()
	return t
}

func (t *Tuner) detectHardware() {
	cores, err := cpu.Counts(true)
	if err != nil || cores < 1 {
		cores = 1
	}
	t.hardwareCPUCount = cores

	if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
		t.hardwareMemGiB = float64(vm.Total) / (1024 * 1024 * 1024)
	}

	t.hardwareProfile = fmt.Sprintf("%d-core", t.hardwareCPUCount)
}

// BuildTuningSummary computes the {thread_count, queue_size,
// job_max_workers, pipeline_mode, ...} map attached to the job at
// submission and surfaced through progress events.
func (t *Tuner) BuildTuningSummary(req *request.PipelineRequest) map[string]interface{} {
	summary := map[string]interface{}{
		"thread_count":    t.resolveThreadCount(req),
		"queue_size":      t.resolveQueueSize(req),
		"job_max_workers": t.resolveJobMaxWorkers(req),
		"pipeline_mode":   t.resolvePipelineMode(req),

		"hardware_profile":    t.hardwareProfile,
		"detected_cpu_cores":  t.hardwareCPUCount,
		"detected_memory_gib": t.hardwareMemGiB,
	}
	if t.ExecutorSlots != nil {
		used, total := t.ExecutorSlots()
		summary["job_worker_slots"] = map[string]interface{}{"used": used, "total": total}
	}
	return summary
}

func (t *Tuner) resolveThreadCount(req *request.PipelineRequest) int {
	if n, ok := intOverride(req.PipelineOverrides, "thread_count"); ok {
		return max1(n)
	}

	resolved := t.Config.ThreadCount
	if n, ok := intOverride(req.Context, "thread_count"); ok {
		resolved = n
	}
	if resolved < 1 {
		resolved = t.hardwareCPUCount
	}
	resolved = max1(resolved)

	if t.shouldLimitBatchWorkers(req) {
		return min(resolved, 1)
	}
	return resolved
}

// shouldLimitBatchWorkers caps translation thread count to 1 when the
// request's batch size is >1 and the configured LLM provider is local
// (prevents single-GPU contention). This is a deliberate simplification
// of the source's provider/model-identifier resolution chain.
func (t *Tuner) shouldLimitBatchWorkers(req *request.PipelineRequest) bool {
	if req.Inputs.TranslationBatchSize <= 1 {
		return false
	}

	if v, ok := req.PipelineOverrides["llm_source"].(string); ok {
		return v == "local"
	}
	if v, ok := req.Context["llm_source"].(string); ok {
		return v == "local"
	}
	return t.Config.LLMSourceLocal
}

func (t *Tuner) resolveQueueSize(req *request.PipelineRequest) int {
	if n, ok := intOverride(req.PipelineOverrides, "queue_size"); ok {
		return max0(n)
	}
	if n, ok := intOverride(req.Context, "queue_size"); ok {
		return max0(n)
	}
	return max0(t.Config.QueueSize)
}

func (t *Tuner) resolveJobMaxWorkers(req *request.PipelineRequest) int {
	if n, ok := intOverride(req.PipelineOverrides, "job_max_workers"); ok {
		return max0(n)
	}
	if n, ok := intOverride(req.Context, "job_max_workers"); ok {
		return max0(n)
	}
	return max0(t.Config.JobMaxWorkers)
}

func (t *Tuner) resolvePipelineMode(req *request.PipelineRequest) bool {
	if v, ok := req.PipelineOverrides["pipeline_mode"].(bool); ok {
		return v
	}
	if v, ok := req.Context["pipeline_enabled"].(bool); ok {
		return v
	}
	return t.Config.PipelineMode
}

// AcquireWorkerPool delegates to the cache, reusing req.TranslationPool if
// already set (e.g. a resumed request that never released its pool).
func (t *Tuner) AcquireWorkerPool(j *job.Job, req *request.PipelineRequest) error {
	if req.TranslationPool != nil {
		return nil
	}

	workerCount := t.resolveThreadCount(req)
	p, isNew, err := t.Cache.Acquire(workerCount)
	if err != nil {
		return fmt.Errorf("tuner: acquire worker pool: %w", err)
	}

	req.TranslationPool = p
	j.OwnsPool = true
	if j.TuningSummary == nil {
		j.TuningSummary = map[string]interface{}{}
	}
	j.TuningSummary["translation_pool_workers"] = workerCount
	j.TuningSummary["translation_pool_mode"] = map[bool]string{true: "new", false: "reused"}[isNew]

	return nil
}

// ReleaseWorkerPool returns req's pool to the cache and clears it.
func (t *Tuner) ReleaseWorkerPool(j *job.Job, req *request.PipelineRequest) {
	if req.TranslationPool == nil {
		return
	}
	if p, ok := req.TranslationPool.(pool.Pool); ok {
		t.Cache.Release(p)
	}
	req.TranslationPool = nil
	j.OwnsPool = false
}

func intOverride(m map[string]interface{}, key string) (int, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func max1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

func max0(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
