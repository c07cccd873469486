// Package backpressure implements the admission controller evaluated
// before a submission is accepted (§4.6).
package backpressure

import (
	"math"
	"sync"
	"time"

	"github.com/scriptorium/jobengine/pkg/jobs/job"
)

// Action is the verdict Check returns for a given queue depth.
type Action string

const (
	Accept Action = "accept"
	Delay  Action = "delay"
	Reject Action = "reject"
)

// Policy configures the controller's thresholds. SoftLimit/HardLimit are
// queue-depth thresholds; BaseDelay/MaxDelay bound the exponential backoff
// applied between them.
type Policy struct {
	Enabled        bool
	SoftLimit      int
	HardLimit      int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	CooldownPeriod time.Duration
}

// DefaultPolicy mirrors the source's dataclass defaults.
func DefaultPolicy() Policy {
	return Policy{
		Enabled:        true,
		SoftLimit:      10,
		HardLimit:      50,
		BaseDelay:      500 * time.Millisecond,
		MaxDelay:       30 * time.Second,
		CooldownPeriod: 5 * time.Second,
	}
}

// normalize clamps the policy's fields to sane ranges, matching the
// source's __post_init__.
func (p Policy) normalize() Policy {
	if p.SoftLimit < 1 {
		p.SoftLimit = 1
	}
	if p.HardLimit < p.SoftLimit {
		p.HardLimit = p.SoftLimit
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.MaxDelay < 0 {
		p.MaxDelay = 0
	}
	return p
}

// Controller evaluates queue depth against a Policy and accumulates
// rejection/delay counters for observability.
type Controller struct {
	mu     sync.Mutex
	policy Policy

	rejectionCount int64
	delayCount     int64
	totalDelay     time.Duration
	pendingCount   int64
	lastPressureAt time.Time
}

// New returns a Controller with policy normalized per Policy.normalize.
func New(policy Policy) *Controller {
	return &Controller{policy: policy.normalize()}
}

// Check evaluates depth against the policy: ACCEPT, DELAY with a computed
// duration, or REJECT. The delay grows exponentially between soft and hard
// limit, bounded by MaxDelay:
//
//	pressure = (depth - soft) / max(1, hard - soft)
//	delay    = min(base * 2^(pressure*3), max_delay)
//
// Once depth drops back under SoftLimit, the controller keeps imposing
// BaseDelay until CooldownPeriod has elapsed since the last time it saw
// pressure, rather than relaxing to ACCEPT immediately — a queue that
// just cleared a burst is still recovering.
func (c *Controller) Check(depth int) (Action, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.policy.Enabled {
		return Accept, 0
	}

	if depth >= c.policy.HardLimit {
		c.rejectionCount++
		c.lastPressureAt = time.Now()
		return Reject, 0
	}

	if depth >= c.policy.SoftLimit {
		span := c.policy.HardLimit - c.policy.SoftLimit
		if span < 1 {
			span = 1
		}
		pressure := float64(depth-c.policy.SoftLimit) / float64(span)
		delay := time.Duration(float64(c.policy.BaseDelay) * math.Pow(2, pressure*3))
		if delay > c.policy.MaxDelay {
			delay = c.policy.MaxDelay
		}
		c.delayCount++
		c.totalDelay += delay
		c.lastPressureAt = time.Now()
		return Delay, delay
	}

	if c.policy.CooldownPeriod > 0 && !c.lastPressureAt.IsZero() &&
		time.Since(c.lastPressureAt) < c.policy.CooldownPeriod {
		c.delayCount++
		c.totalDelay += c.policy.BaseDelay
		return Delay, c.policy.BaseDelay
	}

	return Accept, 0
}

// Admit evaluates depth and returns a *job.QueueFullError when the verdict
// is Reject, the convenience form callers at the submission boundary use.
func (c *Controller) Admit(depth int) (Action, time.Duration, error) {
	action, delay := c.Check(depth)
	if action == Reject {
		return action, 0, &job.QueueFullError{Depth: depth, HardLimit: c.policy.HardLimit}
	}
	return action, delay, nil
}

// RecordSubmission/RecordCompletion track in-flight submissions, letting a
// caller derive "depth" as pendingCount rather than re-deriving it from the
// manager's job map on every check.
func (c *Controller) RecordSubmission() {
	c.mu.Lock()
	c.pendingCount++
	c.mu.Unlock()
}

func (c *Controller) RecordCompletion() {
	c.mu.Lock()
	if c.pendingCount > 0 {
		c.pendingCount--
	}
	c.mu.Unlock()
}

// State is a snapshot of the controller's counters, for observability.
type State struct {
	PendingCount   int64
	RejectionCount int64
	DelayCount     int64
	TotalDelay     time.Duration
}

// GetState returns the controller's current counters.
func (c *Controller) GetState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		PendingCount:   c.pendingCount,
		RejectionCount: c.rejectionCount,
		DelayCount:     c.delayCount,
		TotalDelay:     c.totalDelay,
	}
}

// IsAccepting reports whether the controller is currently below its hard
// limit, using the tracked pending count as the depth.
func (c *Controller) IsAccepting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.policy.Enabled || c.pendingCount < int64(c.policy.HardLimit)
}

// ResetStats zeroes the observability counters without altering policy.
func (c *Controller) ResetStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejectionCount = 0
	c.delayCount = 0
	c.totalDelay = 0
}
