package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logpipe/pkg/auth"
	"logpipe/pkg/buffer"
	"logpipe/pkg/journal"
	"logpipe/pkg/lifecycle"
	"logpipe/pkg/metric"
	"logpipe/pkg/models"
	"logpipe/pkg/notify"
	"logpipe/pkg/progressor"
	"logpipe/pkg/store"
)

const adminKey = "test-admin-key"

type fixture struct {
	srv   *Server
	h     http.Handler
	lc    *lifecycle.Lifecycle
	in    *buffer.Buffer[int]
	st    *store.Store
	j     *journal.Journal
	notes *notify.Service
	jobs  *progressor.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := metric.NewRegistry()
	lc := lifecycle.New(reg)
	in := buffer.New[int](buffer.Options{Name: "input", Capacity: 8}, reg)
	lc.Register(in)

	st, err := store.Open(t.TempDir(), reg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	j, err := journal.Open(journal.Options{Dir: t.TempDir()}, reg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	notes, err := notify.New("node-1", st, reg)
	require.NoError(t, err)
	jobs := progressor.NewManager(reg)
	t.Cleanup(jobs.Wait)

	srv := New(Options{
		Lifecycle:     lc,
		Journal:       j,
		Buffers:       []BufferStatus{in},
		Notifications: notes,
		Jobs:          jobs,
		Store:         st,
		Metrics:       reg,
		Security:      auth.SecConfig{AdminKeys: map[string]struct{}{adminKey: {}}, RPS: 100, Burst: 100},
		Version:       "1.0.0",
		DrainTimeout:  time.Second,
	})
	return &fixture{srv: srv, h: srv.Handler(), lc: lc, in: in, st: st, j: j, notes: notes, jobs: jobs}
}

func (f *fixture) do(t *testing.T, method, path string, admin bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if admin {
		req.Header.Set("Authorization", "Bearer "+adminKey)
	}
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestProbesArePublic(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", false).Code)

	rec := f.do(t, http.MethodGet, "/readyz", false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "1.0.0")

	rec = f.do(t, http.MethodGet, "/metrics", false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "logpipe_")

	rec = f.do(t, http.MethodGet, "/openapi.yaml", false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/api/system/lbstatus")
}

func TestManagementRequiresKey(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/system/journal", false).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/system/journal", true).Code)
}

func TestLBStatusAndOverride(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/system/lbstatus", false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ALIVE", rec.Body.String())

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPut, "/api/system/lbstatus/override/dead", true).Code)
	rec = f.do(t, http.MethodGet, "/api/system/lbstatus", false)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "DEAD", rec.Body.String())
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/readyz", false).Code)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPut, "/api/system/lbstatus/override/alive", true).Code)
	assert.Equal(t, lifecycle.Alive, f.lc.LoadBalancerStatus())

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPut, "/api/system/lbstatus/override/THROTTLED", true).Code)
	rec = f.do(t, http.MethodGet, "/api/system/lbstatus", false)
	assert.Equal(t, "THROTTLED", rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, "/api/system/lbstatus/override/zombie", true).Code)
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPut, "/api/system/processing/resume", true).Code)

	rec := f.do(t, http.MethodPut, "/api/system/processing/pause", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, f.in.Paused())
	assert.ErrorIs(t, f.in.Insert(1), buffer.ErrPaused)

	// second pause is a no-op, one resume is enough
	f.do(t, http.MethodPut, "/api/system/processing/pause", true)

	rec = f.do(t, http.MethodPut, "/api/system/processing/resume", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var ps processingState
	decode(t, rec, &ps)
	assert.Equal(t, "RUNNING", ps.State)
	assert.False(t, f.in.Paused())
}

func TestJournalAndBuffers(t *testing.T) {
	f := newFixture(t)
	f.j.RegisterReader("processing")
	for i := 0; i < 3; i++ {
		_, err := f.j.Append(nil, []byte("entry"))
		require.NoError(t, err)
	}
	require.NoError(t, f.j.Commit("processing", 1))
	require.NoError(t, f.in.Insert(7))

	var ji journalInfo
	decode(t, f.do(t, http.MethodGet, "/api/system/journal", true), &ji)
	assert.Equal(t, uint64(3), ji.NextOffset)
	assert.Equal(t, uint64(1), ji.CommittedOffsets["processing"])
	assert.Equal(t, uint64(2), ji.UncommittedEntries)
	assert.Len(t, ji.Segments, 1)

	var bs struct {
		Buffers []buffer.Status `json:"buffers"`
	}
	decode(t, f.do(t, http.MethodGet, "/api/system/buffers", true), &bs)
	require.Len(t, bs.Buffers, 1)
	assert.Equal(t, "input", bs.Buffers[0].Name)
	assert.Equal(t, 1, bs.Buffers[0].Watermark)
	assert.Equal(t, 8, bs.Buffers[0].Capacity)
}

func TestNotificationsListAndFix(t *testing.T) {
	f := newFixture(t)
	f.notes.PublishIfFirst(notify.TypeJournalInsufficientDiskSpace, notify.SeverityUrgent, map[string]any{"journal_dir": "/x"})

	var out struct {
		Total         int                   `json:"total"`
		Notifications []notify.Notification `json:"notifications"`
	}
	decode(t, f.do(t, http.MethodGet, "/api/system/notifications", true), &out)
	require.Equal(t, 1, out.Total)
	assert.Equal(t, notify.TypeJournalInsufficientDiskSpace, out.Notifications[0].Type)

	path := "/api/system/notifications/" + strings.ToLower(string(notify.TypeJournalInsufficientDiskSpace))
	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, path, true).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, path, true).Code)
	assert.Empty(t, f.notes.All())
}

func TestRecreateIndexJob(t *testing.T) {
	f := newFixture(t)
	msg := models.NewMessage("hello", "host-a", time.Now())
	require.NoError(t, f.st.Write(context.Background(), []*models.Message{msg}))
	before := f.st.ActiveIndex()

	rec := f.do(t, http.MethodPost, "/api/system/jobs/recreate-index", true)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var st progressor.JobStatus
	decode(t, rec, &st)
	require.NotEmpty(t, st.ID)
	assert.Equal(t, progressor.RecreateIndexType, st.Type)

	require.NoError(t, f.jobs.WaitFor(context.Background(), st.ID))
	decode(t, f.do(t, http.MethodGet, "/api/system/jobs/"+st.ID, true), &st)
	assert.Equal(t, "SUCCEEDED", st.State)
	assert.NotEqual(t, before, f.st.ActiveIndex())

	var idx struct {
		Active  string      `json:"active"`
		Indices []indexInfo `json:"indices"`
	}
	decode(t, f.do(t, http.MethodGet, "/api/system/indices", true), &idx)
	assert.Equal(t, f.st.ActiveIndex(), idx.Active)
	counts := map[string]int{}
	for _, i := range idx.Indices {
		counts[i.Name] = i.Messages
	}
	assert.Equal(t, 1, counts[before])

	var msgs struct {
		Total int `json:"total"`
	}
	decode(t, f.do(t, http.MethodGet, "/api/system/indices/"+before+"/messages?limit=10", true), &msgs)
	assert.Equal(t, 1, msgs.Total)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/system/indices/"+before+"/messages?limit=0", true).Code)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/system/jobs/nope", true).Code)
	var list struct {
		Jobs []progressor.JobStatus `json:"jobs"`
	}
	decode(t, f.do(t, http.MethodGet, "/api/system/jobs", true), &list)
	assert.Len(t, list.Jobs, 1)
}

func TestUnknownRoute(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/system/nothing", true).Code)
}
