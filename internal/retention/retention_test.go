package retention

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logpipe/pkg/journal"
	"logpipe/pkg/metric"
)

type fakeCleaner struct {
	calls int
	res   journal.CleanupResult
	err   error
}

func (f *fakeCleaner) Cleanup(time.Time) (journal.CleanupResult, error) {
	f.calls++
	return f.res, f.err
}

func TestNewRejectsBadCron(t *testing.T) {
	_, err := New("every tuesday", &fakeCleaner{}, metric.NewRegistry())
	require.Error(t, err)

	s, err := New("", &fakeCleaner{}, metric.NewRegistry())
	require.NoError(t, err)
	assert.Equal(t, DefaultCron, s.Cron())
}

func TestRunOnceCounts(t *testing.T) {
	c := &fakeCleaner{res: journal.CleanupResult{SegmentsDeleted: 2, BytesFreed: 4096}}
	s, err := New("*/5 * * * *", c, metric.NewRegistry())
	require.NoError(t, err)

	_, err = s.RunOnce()
	require.NoError(t, err)
	assert.Equal(t, 1, c.calls)
	assert.Equal(t, 2.0, testutil.ToFloat64(s.deleted))
	assert.Equal(t, 4096.0, testutil.ToFloat64(s.freed))

	c.err = errors.New("disk gone")
	_, err = s.RunOnce()
	require.Error(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(s.failures))
	assert.Equal(t, 2.0, testutil.ToFloat64(s.runs))
}

func TestRunOnceAgainstJournal(t *testing.T) {
	j, err := journal.Open(journal.Options{Dir: t.TempDir(), SegmentSize: 4096}, nil)
	require.NoError(t, err)
	defer j.Close()
	j.RegisterReader("r")
	var last uint64
	for i := 0; i < 100; i++ {
		last, err = j.Append(nil, make([]byte, 200))
		require.NoError(t, err)
	}
	require.Greater(t, len(j.Segments()), 2)
	require.NoError(t, j.Commit("r", last+1))

	s, err := New("", j, nil)
	require.NoError(t, err)
	res, err := s.RunOnce()
	require.NoError(t, err)
	assert.Greater(t, res.SegmentsDeleted, 0)
	assert.Len(t, j.Segments(), 1)
}
