package job

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusCanTransitionTo(t *testing.T) {
	assert.True(t, StatusPending.CanTransitionTo(StatusRunning))
	assert.True(t, StatusPending.CanTransitionTo(StatusCancelled))
	assert.False(t, StatusPending.CanTransitionTo(StatusPaused))

	assert.True(t, StatusRunning.CanTransitionTo(StatusPausing))
	assert.False(t, StatusRunning.CanTransitionTo(StatusPending))

	assert.True(t, StatusPausing.CanTransitionTo(StatusPaused))
	assert.True(t, StatusPausing.CanTransitionTo(StatusFailed))

	assert.True(t, StatusPaused.CanTransitionTo(StatusPending))
	assert.False(t, StatusPaused.CanTransitionTo(StatusRunning))

	for _, terminal := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		assert.True(t, terminal.Terminal())
		assert.False(t, terminal.CanTransitionTo(StatusRunning))
	}
}

func TestBlockAlignMatchesWorkedExample(t *testing.T) {
	// Spec §4.8 / S2: base_start=1, block_size=10, last_sentence=23 -> 21.
	require.Equal(t, 21, BlockAlign(23, 10, 1))
}

func TestBlockAlignClampsToBaseStart(t *testing.T) {
	require.Equal(t, 5, BlockAlign(5, 10, 5))
	require.Equal(t, 5, BlockAlign(3, 10, 5))
}

func TestStopEventSignalIsIdempotent(t *testing.T) {
	se := NewStopEvent()
	assert.False(t, se.IsSignaled())
	se.Signal()
	se.Signal()
	assert.True(t, se.IsSignaled())
	select {
	case <-se.Done():
	default:
		t.Fatal("expected Done channel closed after Signal")
	}
}

func TestGeneratedFilesClone(t *testing.T) {
	g := GeneratedFiles{"text": {{RelativePath: "a.txt"}}}
	cp := g.Clone()
	cp["text"][0].RelativePath = "b.txt"
	assert.Equal(t, "a.txt", g["text"][0].RelativePath)

	var nilG GeneratedFiles
	assert.Nil(t, nilG.Clone())
}
