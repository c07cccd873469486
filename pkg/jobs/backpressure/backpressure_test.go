package backpressure

import (
	"testing"
	"time"

	"github.com/scriptorium/jobengine/pkg/jobs/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckAcceptsBelowSoftLimit(t *testing.T) {
	c := New(DefaultPolicy())
	action, delay := c.Check(5)
	assert.Equal(t, Accept, action)
	assert.Zero(t, delay)
}

func TestCheckDelaysBetweenSoftAndHardLimit(t *testing.T) {
	c := New(Policy{Enabled: true, SoftLimit: 10, HardLimit: 50, BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second})

	action, delay := c.Check(10)
	assert.Equal(t, Delay, action)
	assert.Equal(t, 500*time.Millisecond, delay)

	_, midDelay := c.Check(30)
	_, lateDelay := c.Check(49)
	assert.Greater(t, midDelay, 500*time.Millisecond)
	assert.Greater(t, lateDelay, midDelay)
}

func TestCheckClampsDelayToMax(t *testing.T) {
	c := New(Policy{Enabled: true, SoftLimit: 10, HardLimit: 11, BaseDelay: 500 * time.Millisecond, MaxDelay: time.Second})
	action, delay := c.Check(10)
	assert.Equal(t, Delay, action)
	assert.LessOrEqual(t, delay, time.Second)
}

func TestCheckRejectsAtOrAboveHardLimit(t *testing.T) {
	c := New(DefaultPolicy())
	action, delay := c.Check(50)
	assert.Equal(t, Reject, action)
	assert.Zero(t, delay)
}

func TestCheckDisabledAlwaysAccepts(t *testing.T) {
	c := New(Policy{Enabled: false, SoftLimit: 1, HardLimit: 1})
	action, _ := c.Check(1000)
	assert.Equal(t, Accept, action)
}

func TestAdmitReturnsQueueFullError(t *testing.T) {
	c := New(DefaultPolicy())
	_, _, err := c.Admit(50)
	require.Error(t, err)
	var qfe *job.QueueFullError
	assert.ErrorAs(t, err, &qfe)
}

func TestPolicyNormalizeClampsInvalidValues(t *testing.T) {
	c := New(Policy{Enabled: true, SoftLimit: 0, HardLimit: -5, BaseDelay: -1, MaxDelay: -1})
	assert.Equal(t, 1, c.policy.SoftLimit)
	assert.Equal(t, 1, c.policy.HardLimit)
	assert.Zero(t, c.policy.BaseDelay)
	assert.Zero(t, c.policy.MaxDelay)
}

func TestStateCountersAccumulate(t *testing.T) {
	c := New(DefaultPolicy())
	c.RecordSubmission()
	c.RecordSubmission()
	c.Check(10)
	c.Check(50)

	st := c.GetState()
	assert.EqualValues(t, 2, st.PendingCount)
	assert.EqualValues(t, 1, st.DelayCount)
	assert.EqualValues(t, 1, st.RejectionCount)

	c.RecordCompletion()
	assert.EqualValues(t, 1, c.GetState().PendingCount)
}

func TestResetStatsZeroesCountersNotPolicy(t *testing.T) {
	c := New(DefaultPolicy())
	c.Check(50)
	c.ResetStats()
	st := c.GetState()
	assert.Zero(t, st.RejectionCount)
	assert.Zero(t, st.DelayCount)
}

func TestCheckStaysInCooldownAfterPressureClears(t *testing.T) {
	c := New(Policy{
		Enabled:        true,
		SoftLimit:      10,
		HardLimit:      50,
		BaseDelay:      10 * time.Millisecond,
		MaxDelay:       time.Second,
		CooldownPeriod: 50 * time.Millisecond,
	})

	action, _ := c.Check(10)
	require.Equal(t, Delay, action)

	action, delay := c.Check(1)
	assert.Equal(t, Delay, action)
	assert.Equal(t, 10*time.Millisecond, delay)

	time.Sleep(60 * time.Millisecond)
	action, _ = c.Check(1)
	assert.Equal(t, Accept, action)
}

func TestCheckWithoutCooldownRelaxesImmediately(t *testing.T) {
	c := New(Policy{Enabled: true, SoftLimit: 10, HardLimit: 50, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second})

	c.Check(10)
	action, _ := c.Check(1)
	assert.Equal(t, Accept, action)
}

func TestIsAcceptingReflectsPendingCountAgainstHardLimit(t *testing.T) {
	c := New(Policy{Enabled: true, SoftLimit: 1, HardLimit: 2})
	assert.True(t, c.IsAccepting())
	c.RecordSubmission()
	c.RecordSubmission()
	assert.False(t, c.IsAccepting())
}
