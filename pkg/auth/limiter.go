package auth

import (
	"sync"

	"golang.org/x/time/rate"
)

const maxLimiters = 100_000

// LimiterPool hands out one token bucket per key (remote ip, api key,
// message source).
type LimiterPool struct {
	mu    sync.Mutex
	m     map[string]*rate.Limiter
	rps   float64
	burst int
}

// NewLimiterPool returns a pool; rps <= 0 means 5 and burst <= 0 means 10.
func NewLimiterPool(rps float64, burst int) *LimiterPool {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &LimiterPool{m: make(map[string]*rate.Limiter), rps: rps, burst: burst}
}

func (p *LimiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.m[key]; ok {
		return l
	}
	if len(p.m) >= maxLimiters {
		// start over rather than grow without bound on key churn
		p.m = make(map[string]*rate.Limiter)
	}
	l := rate.NewLimiter(rate.Limit(p.rps), p.burst)
	p.m[key] = l
	return l
}

func (p *LimiterPool) Allow(key string) bool {
	return p.get(key).Allow()
}

// Len is the number of tracked keys.
func (p *LimiterPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}
