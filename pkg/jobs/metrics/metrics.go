// Package metrics exposes the executor duration histogram and worker-pool
// occupancy gauges through prometheus/client_golang, the observability
// surface the teacher wires every long-running subsystem through.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder owns every metric the orchestrator emits. A nil Registerer
// argument to New registers against prometheus.DefaultRegisterer.
type Recorder struct {
	executorDuration *prometheus.HistogramVec
	poolCached       prometheus.Gauge
	poolInUse        prometheus.Gauge
	backpressure     *prometheus.CounterVec
}

// New constructs and registers the orchestrator's metrics against reg.
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	r := &Recorder{
		executorDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "jobengine",
			Subsystem: "executor",
			Name:      "job_duration_seconds",
			Help:      "Duration of a single job execution, tagged by its final status.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"status"}),
		poolCached: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "jobengine",
			Subsystem: "pool",
			Name:      "cached_pools",
			Help:      "Number of worker pools currently held in the cache, idle or in use.",
		}),
		poolInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "jobengine",
			Subsystem: "pool",
			Name:      "in_use_pools",
			Help:      "Number of worker pools currently checked out of the cache.",
		}),
		backpressure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jobengine",
			Subsystem: "admission",
			Name:      "decisions_total",
			Help:      "Submission admission decisions, tagged by verdict (accept/delay/reject).",
		}, []string{"action"}),
	}

	reg.MustRegister(r.executorDuration, r.poolCached, r.poolInUse, r.backpressure)
	return r
}

// RecordDuration observes d against the executor histogram under status.
func (r *Recorder) RecordDuration(status string, d time.Duration) {
	if r == nil {
		return
	}
	r.executorDuration.WithLabelValues(status).Observe(d.Seconds())
}

// SetPoolGauges reports the cache's current cached/in-use counts.
func (r *Recorder) SetPoolGauges(cached, inUse int) {
	if r == nil {
		return
	}
	r.poolCached.Set(float64(cached))
	r.poolInUse.Set(float64(inUse))
}

// RecordAdmission increments the decision counter for action
// ("accept"/"delay"/"reject").
func (r *Recorder) RecordAdmission(action string) {
	if r == nil {
		return
	}
	r.backpressure.WithLabelValues(action).Inc()
}
