// Package auth guards the management API and provides the per-key rate
// limiters shared with the inputs and filters.
package auth

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	"logpipe/pkg/logger"
)

// SecConfig drives authentication, CORS and rate limiting of the management
// API.
type SecConfig struct {
	AllowedOrigins []string
	RPS            float64
	Burst          int
	IPWhitelist    []string
	AdminKeys      map[string]struct{}
	// PublicPaths are served without a key (probes, lb status, metrics).
	PublicPaths []string
}

func jsonError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	http.Error(w, `{"error":"`+msg+`"}`, code)
}

// AdminMiddleware requires an admin key on every non-public path.
func AdminMiddleware(cfg SecConfig) func(http.Handler) http.Handler {
	limiters := NewLimiterPool(cfg.RPS, cfg.Burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && originAllowed(origin, cfg.AllowedOrigins) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
				w.Header().Set("Access-Control-Max-Age", "600")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type,X-API-Key")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			ip := ClientIP(r)
			if len(cfg.IPWhitelist) > 0 && !ipWhitelisted(ip, cfg.IPWhitelist) {
				jsonError(w, http.StatusForbidden, "forbidden")
				logger.Warn("request_blocked", "reason", "ip_not_whitelisted", "ip", ip, "path", r.URL.Path)
				return
			}

			if isPublic(r.URL.Path, cfg.PublicPaths) {
				next.ServeHTTP(w, r)
				return
			}

			key, ok := authenticate(r, cfg)
			if !ok {
				jsonError(w, http.StatusUnauthorized, "unauthorized")
				logger.Warn("request_unauthorized", "path", r.URL.Path, "remote", r.RemoteAddr)
				return
			}
			if !limiters.Allow(key) {
				jsonError(w, http.StatusTooManyRequests, "rate limit exceeded")
				logger.Warn("rate_limited", "path", r.URL.Path)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isPublic(path string, public []string) bool {
	for _, p := range public {
		if strings.HasSuffix(p, "*") {
			if strings.HasPrefix(path, strings.TrimSuffix(p, "*")) {
				return true
			}
			continue
		}
		if path == p {
			return true
		}
	}
	return false
}

func originAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

// ClientIP is the host part of the request's remote address.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func ipWhitelisted(ip string, list []string) bool {
	for _, w := range list {
		if ip == w {
			return true
		}
		if _, cidr, err := net.ParseCIDR(w); err == nil {
			if parsed := net.ParseIP(ip); parsed != nil && cidr.Contains(parsed) {
				return true
			}
		}
	}
	return false
}

// authenticate prefers "Authorization: Bearer <key>" and falls back to
// X-API-Key.
func authenticate(r *http.Request, cfg SecConfig) (string, bool) {
	auth := r.Header.Get("Authorization")
	var key string
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		key = strings.TrimSpace(auth[7:])
	}
	if key == "" {
		key = r.Header.Get("X-API-Key")
	}
	if key == "" {
		return "", false
	}
	for k := range cfg.AdminKeys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
			return key, true
		}
	}
	return "", false
}
