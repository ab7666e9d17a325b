package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const sweepEvery = time.Minute

// multiLimiter keeps one token bucket per key, dropping buckets idle for ttl.
type multiLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	ttl       time.Duration
	lastSweep time.Time
	entries   map[string]*limBucket
}

type limBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newMultiLimiter(limit rate.Limit, burst int, ttl time.Duration) *multiLimiter {
	return &multiLimiter{
		limit:     limit,
		burst:     burst,
		ttl:       ttl,
		lastSweep: time.Now(),
		entries:   make(map[string]*limBucket),
	}
}

// perWindow converts "n events per window" to a rate.
func perWindow(n int, window time.Duration) rate.Limit {
	return rate.Limit(float64(n) / window.Seconds())
}

// allow consumes one token for key. When none is available it reports how
// long until one will be.
func (m *multiLimiter) allow(key string) (bool, time.Duration) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if now.Sub(m.lastSweep) > sweepEvery {
		for k, v := range m.entries {
			if now.Sub(v.lastSeen) > m.ttl {
				delete(m.entries, k)
			}
		}
		m.lastSweep = now
	}
	b := m.entries[key]
	if b == nil {
		b = &limBucket{lim: rate.NewLimiter(m.limit, m.burst)}
		m.entries[key] = b
	}
	b.lastSeen = now

	r := b.lim.ReserveN(now, 1)
	if !r.OK() {
		return false, m.ttl
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d
	}
	return true, 0
}

func getClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}
