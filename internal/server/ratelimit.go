package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL = 10 * time.Minute
	limiterMaxKeys = 10000
)

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// namespaceLimiter keeps one token bucket per namespace. Buckets idle for
// longer than idleTTL are dropped, and at most maxKeys are held at once.
type namespaceLimiter struct {
	mu        sync.Mutex
	rps       rate.Limit
	burst     int
	idleTTL   time.Duration
	maxKeys   int
	now       func() time.Time
	lastSweep time.Time
	limiters  map[string]*limiterEntry
}

// newNamespaceLimiter returns a limiter; rps <= 0 allows everything.
func newNamespaceLimiter(rps float64, burst int) *namespaceLimiter {
	return &namespaceLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		idleTTL:  limiterIdleTTL,
		maxKeys:  limiterMaxKeys,
		now:      time.Now,
		limiters: make(map[string]*limiterEntry),
	}
}

// Allow reports whether one more request for key may proceed now.
func (l *namespaceLimiter) Allow(key string) bool {
	if l.rps <= 0 {
		return true
	}
	l.mu.Lock()
	now := l.now()
	if now.Sub(l.lastSweep) >= l.idleTTL {
		l.sweep(now)
	}
	e, ok := l.limiters[key]
	if !ok {
		if len(l.limiters) >= l.maxKeys {
			l.sweep(now)
		}
		if len(l.limiters) >= l.maxKeys {
			l.evictOldest()
		}
		e = &limiterEntry{lim: rate.NewLimiter(l.rps, l.burst)}
		l.limiters[key] = e
	}
	e.lastSeen = now
	l.mu.Unlock()
	return e.lim.AllowN(now, 1)
}

// Len returns the number of buckets held.
func (l *namespaceLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// sweep drops idle buckets. Caller holds mu.
func (l *namespaceLimiter) sweep(now time.Time) {
	cutoff := now.Add(-l.idleTTL)
	for k, e := range l.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(l.limiters, k)
		}
	}
	l.lastSweep = now
}

// evictOldest drops the least recently used bucket. Caller holds mu.
func (l *namespaceLimiter) evictOldest() {
	var (
		oldest string
		at     time.Time
		found  bool
	)
	for k, e := range l.limiters {
		if !found || e.lastSeen.Before(at) {
			oldest, at, found = k, e.lastSeen, true
		}
	}
	if found {
		delete(l.limiters, oldest)
	}
}
