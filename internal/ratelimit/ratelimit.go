package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements a token bucket rate limiter
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	rate       float64 // tokens per second
	lastRefill time.Time
	now        func() time.Time
}

// NewTokenBucket creates a full bucket refilling at rate tokens per second.
func NewTokenBucket(rate, capacity int) *TokenBucket {
	return newTokenBucket(rate, capacity, time.Now)
}

func newTokenBucket(rate, capacity int, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		rate:       float64(rate),
		lastRefill: now(),
		now:        now,
	}
}

// Allow consumes a token if one is available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

func (tb *TokenBucket) idleSince() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastRefill
}

// Limiter admits new transport handshakes, globally and per remote key (client IP).
// A rate of 0 disables that limit.
type Limiter struct {
	mu      sync.Mutex
	global  *TokenBucket
	perKey  map[string]*TokenBucket
	keyRate int
	burst   int
	now     func() time.Time
}

func NewLimiter(globalRate, perKeyRate, burst int) *Limiter {
	return newLimiter(globalRate, perKeyRate, burst, time.Now)
}

func newLimiter(globalRate, perKeyRate, burst int, now func() time.Time) *Limiter {
	l := &Limiter{
		perKey:  make(map[string]*TokenBucket),
		keyRate: perKeyRate,
		burst:   burst,
		now:     now,
	}
	if globalRate > 0 {
		l.global = newTokenBucket(globalRate, burst, now)
	}
	return l
}

// Allow reports whether a handshake from key may proceed.
func (l *Limiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	if l.global != nil && !l.global.Allow() {
		return false
	}
	if l.keyRate <= 0 {
		return true
	}
	l.mu.Lock()
	bucket, ok := l.perKey[key]
	if !ok {
		bucket = newTokenBucket(l.keyRate, l.burst, l.now)
		l.perKey[key] = bucket
	}
	l.mu.Unlock()
	return bucket.Allow()
}

// CleanupIdle forgets keys that have not been seen for maxIdle and returns how many were dropped.
func (l *Limiter) CleanupIdle(maxIdle time.Duration) int {
	cutoff := l.now().Add(-maxIdle)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for key, b := range l.perKey {
		if b.idleSince().Before(cutoff) {
			delete(l.perKey, key)
			n++
		}
	}
	return n
}

// Keys returns the number of tracked keys.
func (l *Limiter) Keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.perKey)
}
