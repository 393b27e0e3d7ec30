package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logpipe/pkg/buffer"
	"logpipe/pkg/metric"
)

func newBuffers(t *testing.T) (*Lifecycle, *buffer.Buffer[int]) {
	t.Helper()
	l := New(metric.NewRegistry())
	b := buffer.New[int](buffer.Options{Name: "input", Capacity: 16}, nil)
	l.Register(b)
	return l, b
}

func TestPauseRefusesInsertsDrainContinues(t *testing.T) {
	l, b := newBuffers(t)
	require.NoError(t, b.Insert(1))
	require.NoError(t, b.Insert(2))

	tok := l.PauseMessageProcessing(false)
	assert.Equal(t, Pausing, l.State())
	assert.ErrorIs(t, b.Insert(3), buffer.ErrPaused)

	err := l.WaitForEmptyBuffers(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, Pausing, l.State())

	got := b.DrainBatch(10)
	assert.Len(t, got, 2)
	b.Ack(len(got))

	require.NoError(t, l.WaitForEmptyBuffers(context.Background(), time.Second))
	assert.Equal(t, Paused, l.State())

	assert.True(t, l.ResumeMessageProcessing(tok))
	assert.Equal(t, Running, l.State())
	assert.NoError(t, b.Insert(4))
}

func TestResumeWithoutMatchingPauseIsNoop(t *testing.T) {
	l, b := newBuffers(t)
	assert.False(t, l.ResumeMessageProcessing(PauseToken{id: 42}))
	assert.Equal(t, Running, l.State())

	tok := l.PauseMessageProcessing(false)
	assert.True(t, l.ResumeMessageProcessing(tok))
	// second resume of the same token does nothing
	l.PauseMessageProcessing(false)
	assert.False(t, l.ResumeMessageProcessing(tok))
	assert.True(t, b.Paused())
}

func TestLockedPauseHoldsUntilLastLockReleased(t *testing.T) {
	l, b := newBuffers(t)
	a := l.PauseMessageProcessing(true)
	c := l.PauseMessageProcessing(true)
	assert.True(t, l.ProcessingPauseLocked())

	assert.True(t, l.ResumeMessageProcessing(a))
	assert.True(t, b.Paused(), "another lock is still held")
	assert.NotEqual(t, Running, l.State())

	assert.True(t, l.ResumeMessageProcessing(c))
	assert.False(t, b.Paused())
	assert.Equal(t, Running, l.State())
	assert.False(t, l.ProcessingPauseLocked())
}

func TestUnlockWithoutResume(t *testing.T) {
	l, b := newBuffers(t)
	tok := l.PauseMessageProcessing(true)
	assert.True(t, l.UnlockProcessingPause(tok))
	assert.False(t, l.UnlockProcessingPause(tok))
	assert.False(t, l.ProcessingPauseLocked())
	assert.True(t, b.Paused())

	assert.True(t, l.ResumeMessageProcessing(tok))
	assert.False(t, b.Paused())
}

func TestRegisterWhilePaused(t *testing.T) {
	l := New(nil)
	l.PauseMessageProcessing(false)
	b := buffer.New[int](buffer.Options{Capacity: 1}, nil)
	l.Register(b)
	assert.True(t, b.Paused())
}

func TestLoadBalancerPrecedence(t *testing.T) {
	l := New(nil)
	assert.Equal(t, Alive, l.LoadBalancerStatus())

	l.SetThrottled(true)
	assert.Equal(t, Throttled, l.LoadBalancerStatus())

	l.OverrideLoadBalancerDead()
	assert.Equal(t, Dead, l.LoadBalancerStatus())

	l.OverrideLoadBalancerAlive()
	assert.Equal(t, Throttled, l.LoadBalancerStatus(), "utilization flag survives the override")

	l.SetThrottled(false)
	assert.Equal(t, Alive, l.LoadBalancerStatus())

	l.OverrideLoadBalancerThrottled()
	assert.Equal(t, Throttled, l.LoadBalancerStatus())
	l.OverrideLoadBalancerAlive()
	assert.Equal(t, Alive, l.LoadBalancerStatus())
}

func TestSubscribeReceivesChanges(t *testing.T) {
	l := New(nil)
	ch := l.Subscribe()
	l.OverrideLoadBalancerDead()
	select {
	case ev := <-ch:
		assert.Equal(t, Dead, ev.LBStatus)
	case <-time.After(time.Second):
		t.Fatal("no event")
	}
}

func TestResumeLeavesOtherPausesInPlace(t *testing.T) {
	l, b := newBuffers(t)
	job := l.PauseMessageProcessing(true)
	operator := l.PauseMessageProcessing(false)

	assert.True(t, l.ResumeMessageProcessing(job))
	assert.False(t, l.ProcessingPauseLocked())
	assert.True(t, b.Paused(), "operator pause still outstanding")
	assert.NotEqual(t, Running, l.State())
	assert.ErrorIs(t, b.Insert(1), buffer.ErrPaused)

	assert.True(t, l.ResumeMessageProcessing(operator))
	assert.False(t, b.Paused())
	assert.Equal(t, Running, l.State())
}

func TestWatchedBufferIsWaitedOnButNotPaused(t *testing.T) {
	l, _ := newBuffers(t)
	out := buffer.New[int](buffer.Options{Name: "output", Capacity: 4}, nil)
	l.Watch(out)
	require.NoError(t, out.Insert(1))

	tok := l.PauseMessageProcessing(true)
	assert.False(t, out.Paused())
	require.NoError(t, out.Insert(2))

	assert.ErrorIs(t, l.WaitForEmptyBuffers(context.Background(), 20*time.Millisecond), ErrTimeout)
	assert.Equal(t, Pausing, l.State())

	got := out.DrainBatch(10)
	out.Ack(len(got))
	require.NoError(t, l.WaitForEmptyBuffers(context.Background(), time.Second))
	assert.Equal(t, Paused, l.State())
	assert.True(t, l.ResumeMessageProcessing(tok))
}
