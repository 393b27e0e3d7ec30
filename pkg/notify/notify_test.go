package notify

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logpipe/pkg/store"
)

func TestPublishIfFirstIsIdempotent(t *testing.T) {
	s, err := New("node-1", nil, nil)
	require.NoError(t, err)

	assert.True(t, s.PublishIfFirst(TypeJournalInsufficientDiskSpace, SeverityUrgent, map[string]any{"journal_dir": "/x"}))
	assert.False(t, s.PublishIfFirst(TypeJournalInsufficientDiskSpace, SeverityUrgent, nil))
	require.Len(t, s.All(), 1)
	assert.Equal(t, "/x", s.All()[0].Details["journal_dir"])

	assert.True(t, s.Fixed(TypeJournalInsufficientDiskSpace))
	assert.False(t, s.Fixed(TypeJournalInsufficientDiskSpace))
	assert.Empty(t, s.All())
	assert.True(t, s.PublishIfFirst(TypeJournalInsufficientDiskSpace, SeverityUrgent, nil))
}

func TestNotificationsSurviveRestart(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	st, err := store.Open(dir, nil)
	require.NoError(t, err)
	s, err := New("node-1", st, nil)
	require.NoError(t, err)
	s.PublishIfFirst(TypeJournalUtilizationTooHigh, SeverityNormal, map[string]any{"utilization": 97.5})
	s.PublishIfFirst(TypeJournalAppendFailing, SeverityUrgent, nil)
	s.Fixed(TypeJournalAppendFailing)
	require.NoError(t, st.Close())

	st, err = store.Open(dir, nil)
	require.NoError(t, err)
	defer st.Close()
	s, err = New("node-1", st, nil)
	require.NoError(t, err)
	all := s.All()
	require.Len(t, all, 1)
	assert.Equal(t, TypeJournalUtilizationTooHigh, all[0].Type)
	assert.Equal(t, 97.5, all[0].Details["utilization"])
	assert.True(t, s.IsActive(TypeJournalUtilizationTooHigh))
}

func TestParseType(t *testing.T) {
	assert.Equal(t, TypeJournalAppendFailing, ParseType(" journal_append_failing "))
}
