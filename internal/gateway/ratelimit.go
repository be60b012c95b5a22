package gateway

import (
	"sync"
	"time"
)

const (
	bucketIdleTTL = 10 * time.Minute
	sweepInterval = time.Minute
)

// clientLimiter is a per-client token bucket. Refill is fractional, so a
// client polling slower than the rate never starves.
type clientLimiter struct {
	mu         sync.Mutex
	rate       float64
	maxClients int
	clients    map[string]*clientBucket
	lastSweep  time.Time
	now        func() time.Time
}

type clientBucket struct {
	tokens float64
	seen   time.Time
}

func newClientLimiter(perSecond, maxClients int) *clientLimiter {
	return &clientLimiter{
		rate:       float64(perSecond),
		maxClients: maxClients,
		clients:    make(map[string]*clientBucket),
		now:        time.Now,
	}
}

// allow takes one token from client's bucket.
func (l *clientLimiter) allow(client string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) >= sweepInterval {
		l.sweep(now)
	}

	b, ok := l.clients[client]
	if !ok {
		if len(l.clients) >= l.maxClients {
			l.evictLeastRecent()
		}
		l.clients[client] = &clientBucket{tokens: l.rate - 1, seen: now}
		return true
	}

	b.tokens += now.Sub(b.seen).Seconds() * l.rate
	if b.tokens > l.rate {
		b.tokens = l.rate
	}
	b.seen = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// sweep drops idle buckets. Called with mu held.
func (l *clientLimiter) sweep(now time.Time) {
	l.lastSweep = now
	for k, b := range l.clients {
		if now.Sub(b.seen) > bucketIdleTTL {
			delete(l.clients, k)
		}
	}
}

// evictLeastRecent drops the bucket seen longest ago. Called with mu held.
func (l *clientLimiter) evictLeastRecent() {
	var victim string
	var oldest time.Time
	for k, b := range l.clients {
		if victim == "" || b.seen.Before(oldest) {
			victim, oldest = k, b.seen
		}
	}
	delete(l.clients, victim)
}

func (l *clientLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}
