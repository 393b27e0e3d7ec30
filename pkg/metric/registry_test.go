package metric

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterIsShared(t *testing.T) {
	r := NewRegistry()
	a := r.Counter("chunk", "total_chunks", "chunks seen")
	b := r.Counter("chunk", "total_chunks", "chunks seen")
	a.Inc()
	b.Inc()
	assert.Equal(t, 2.0, testutil.ToFloat64(a))
}

func TestNilRegistryDetached(t *testing.T) {
	var r *Registry
	c := r.Counter("x", "y", "z")
	c.Add(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(c))
}

func TestHandlerExposesMetrics(t *testing.T) {
	r := NewRegistry()
	r.Gauge("buffer", "watermark_test", "occupancy").Set(7)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "logpipe_buffer_watermark_test 7"))
}
