// Package ratelimit keeps one token bucket per dashboard client.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter manages rate limits for multiple clients
type Limiter struct {
	clients map[string]*entry
	mu      sync.Mutex
	rate    rate.Limit
	burst   int
	idle    time.Duration
	now     func() time.Time
}

// NewLimiter creates a limiter allowing requestsPerMinute per client with the given burst.
// Clients unseen for longer than idle are forgotten; zero keeps them forever.
func NewLimiter(requestsPerMinute int, burst int, idle time.Duration) *Limiter {
	return &Limiter{
		clients: make(map[string]*entry),
		rate:    rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:   burst,
		idle:    idle,
		now:     time.Now,
	}
}

// GetLimiter returns the bucket of a client, creating it on first use
func (l *Limiter) GetLimiter(client string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.evictLocked(now)

	e, exists := l.clients[client]
	if !exists {
		e = &entry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.clients[client] = e
	}
	e.lastSeen = now
	return e.limiter
}

func (l *Limiter) evictLocked(now time.Time) {
	if l.idle <= 0 {
		return
	}
	for k, e := range l.clients {
		if now.Sub(e.lastSeen) > l.idle {
			delete(l.clients, k)
		}
	}
}

// Allow checks if a request is allowed for the given client
func (l *Limiter) Allow(client string) bool {
	return l.GetLimiter(client).Allow()
}

// Tokens returns the current number of available tokens for a client
func (l *Limiter) Tokens(client string) float64 {
	return l.GetLimiter(client).Tokens()
}

// Clients returns how many clients are being tracked
func (l *Limiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}
