package server

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL   = 10 * time.Minute
	limiterPruneSize = 1024
)

type ipBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipLimiter rate-limits new connections per remote IP.
type ipLimiter struct {
	mu      sync.Mutex
	buckets map[string]*ipBucket
	limit   rate.Limit
	burst   int
	now     func() time.Time
}

// newIPLimiter allows perMinute connects per IP with the given burst.
// perMinute <= 0 disables limiting.
func newIPLimiter(perMinute, burst int) *ipLimiter {
	l := &ipLimiter{
		buckets: make(map[string]*ipBucket),
		limit:   rate.Inf,
		now:     time.Now,
	}
	if perMinute > 0 {
		l.limit = rate.Limit(float64(perMinute) / 60.0)
		l.burst = burst
		if l.burst < 1 {
			l.burst = perMinute
		}
	}
	return l
}

func (l *ipLimiter) Allow(ip string) bool {
	if l.limit == rate.Inf {
		return true
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.buckets) >= limiterPruneSize {
		for key, b := range l.buckets {
			if now.Sub(b.lastSeen) > limiterIdleTTL {
				delete(l.buckets, key)
			}
		}
	}
	b, ok := l.buckets[ip]
	if !ok {
		b = &ipBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[ip] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// connLimiter caps concurrent connections. A limit <= 0 is unlimited.
type connLimiter struct {
	mu    sync.Mutex
	limit int
	inUse int
}

func newConnLimiter(limit int) *connLimiter {
	return &connLimiter{limit: limit}
}

func (l *connLimiter) Acquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.limit > 0 && l.inUse >= l.limit {
		return false
	}
	l.inUse++
	return true
}

func (l *connLimiter) Release() {
	l.mu.Lock()
	if l.inUse > 0 {
		l.inUse--
	}
	l.mu.Unlock()
}

func (l *connLimiter) InUse() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inUse
}

// remoteIP returns the host part of addr, or its string form when it has none.
func remoteIP(addr net.Addr) string {
	if addr == nil {
		return "unknown"
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
