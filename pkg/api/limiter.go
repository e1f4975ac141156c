package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Per-key rate limiter pool.
type limiterEntry struct {
	l        *rate.Limiter
	lastSeen time.Time
}

type limiterPool struct {
	mu            sync.Mutex
	m             map[string]*limiterEntry
	rps           float64
	burst         int
	startCleanup  sync.Once
	stopOnce      sync.Once
	ttl           time.Duration
	cleanupPeriod time.Duration
	stopCh        chan struct{}
	now           func() time.Time
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	return &limiterPool{
		m:             make(map[string]*limiterEntry),
		rps:           rps,
		burst:         burst,
		ttl:           10 * time.Minute,
		cleanupPeriod: time.Minute,
		stopCh:        make(chan struct{}),
		now:           time.Now,
	}
}

// get limiter for key, create if missing; start cleanup once
func (p *limiterPool) get(key string) *rate.Limiter {
	p.startCleanup.Do(func() { go p.cleanupLoop() })

	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.m[key]; ok {
		e.lastSeen = p.now()
		return e.l
	}
	l := rate.NewLimiter(rate.Limit(p.rps), p.burst)
	p.m[key] = &limiterEntry{l: l, lastSeen: p.now()}
	return l
}

// Allow reports whether a request under key may proceed now.
func (p *limiterPool) Allow(key string) bool {
	return p.get(key).Allow()
}

// Shutdown stops the cleanup goroutine.
func (p *limiterPool) Shutdown() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

// evict removes limiters unused for longer than the TTL.
func (p *limiterPool) evict() {
	cutoff := p.now().Add(-p.ttl)
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, e := range p.m {
		if e.lastSeen.Before(cutoff) {
			delete(p.m, k)
		}
	}
}

func (p *limiterPool) cleanupLoop() {
	ticker := time.NewTicker(p.cleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.evict()
		case <-p.stopCh:
			return
		}
	}
}
