package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newGuarded(cfg SecConfig) http.Handler {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	return AdminMiddleware(cfg)(ok)
}

func TestAdminKeyRequired(t *testing.T) {
	h := newGuarded(SecConfig{AdminKeys: map[string]struct{}{"s3cret": {}}, PublicPaths: []string{"/healthz", "/docs/*"}})

	cases := []struct {
		name   string
		path   string
		header map[string]string
		want   int
	}{
		{"no key", "/api/system/pause", nil, http.StatusUnauthorized},
		{"wrong key", "/api/system/pause", map[string]string{"X-API-Key": "nope"}, http.StatusUnauthorized},
		{"api key", "/api/system/pause", map[string]string{"X-API-Key": "s3cret"}, http.StatusOK},
		{"bearer", "/api/system/pause", map[string]string{"Authorization": "Bearer s3cret"}, http.StatusOK},
		{"public", "/healthz", nil, http.StatusOK},
		{"public prefix", "/docs/index.html", nil, http.StatusOK},
	}
	for _, c := range cases {
		req := httptest.NewRequest(http.MethodGet, c.path, nil)
		for k, v := range c.header {
			req.Header.Set(k, v)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, c.want, rec.Code, c.name)
	}
}

func TestIPWhitelist(t *testing.T) {
	h := newGuarded(SecConfig{IPWhitelist: []string{"10.0.0.0/8"}, PublicPaths: []string{"/healthz"}})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req.RemoteAddr = "192.168.1.1:5555"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRateLimited(t *testing.T) {
	h := newGuarded(SecConfig{AdminKeys: map[string]struct{}{"k": {}}, RPS: 0.001, Burst: 1})
	req := httptest.NewRequest(http.MethodGet, "/api/x", nil)
	req.Header.Set("X-API-Key", "k")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestLimiterPool(t *testing.T) {
	p := NewLimiterPool(0.001, 2)
	assert.True(t, p.Allow("a"))
	assert.True(t, p.Allow("a"))
	assert.False(t, p.Allow("a"))
	assert.True(t, p.Allow("b"))
	assert.Equal(t, 2, p.Len())
}
