package logger

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHelpersBeforeInit(t *testing.T) {
	Log = nil
	// must not panic
	Info("noop")
	With("k", "v").Info("noop")
}

func TestMiddlewareRedactsOnServerError(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, slog.LevelDebug)
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/system/lbstatus", nil)
	req.Header.Set("X-API-Key", "secret")
	h.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	assert.Contains(t, out, "http_request")
	assert.Contains(t, out, "status=503")
	assert.Contains(t, out, "<redacted>")
	assert.NotContains(t, out, "secret")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}
