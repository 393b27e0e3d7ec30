package ingest

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type commitLog struct {
	mu  sync.Mutex
	got []uint64
}

func (c *commitLog) commit(n uint64) error {
	c.mu.Lock()
	c.got = append(c.got, n)
	c.mu.Unlock()
	return nil
}

func (c *commitLog) last() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.got) == 0 {
		return 0
	}
	return c.got[len(c.got)-1]
}

func TestOffsetTrackerNeverCommitsPastGap(t *testing.T) {
	var log commitLog
	tr := NewOffsetTracker(10, log.commit, nil)

	tr.Done(12)
	tr.Done(11)
	assert.Empty(t, log.got)
	assert.Equal(t, uint64(10), tr.Position())
	assert.Equal(t, 2, tr.Pending())

	tr.Done(10)
	assert.Equal(t, uint64(13), tr.Position())
	assert.Equal(t, []uint64{13}, log.got)
	assert.Zero(t, tr.Pending())
}

func TestOffsetTrackerIgnoresOldOffsets(t *testing.T) {
	var log commitLog
	tr := NewOffsetTracker(5, log.commit, nil)
	tr.Done(3)
	tr.Done(5)
	tr.Done(5)
	assert.Equal(t, []uint64{6}, log.got)
}

func TestOffsetTrackerSkip(t *testing.T) {
	var log commitLog
	tr := NewOffsetTracker(0, log.commit, nil)
	tr.Done(1)
	tr.Done(7)
	tr.Skip(5)
	assert.Equal(t, uint64(5), tr.Position())
	assert.Equal(t, 1, tr.Pending())

	tr.Done(5)
	tr.Done(6)
	assert.Equal(t, uint64(8), tr.Position())
	assert.Equal(t, uint64(8), log.last())

	tr.Skip(2)
	assert.Equal(t, uint64(8), tr.Position())
}

func TestOffsetTrackerConcurrentDone(t *testing.T) {
	var log commitLog
	tr := NewOffsetTracker(0, log.commit, nil)
	const n = 1000
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for off := w; off < n; off += 8 {
				tr.Done(uint64(off))
			}
		}(w)
	}
	wg.Wait()
	require.Equal(t, uint64(n), tr.Position())
	assert.Zero(t, tr.Pending())
}
