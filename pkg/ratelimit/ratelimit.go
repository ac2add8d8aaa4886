// Package ratelimit is an in-memory token bucket keyed by an arbitrary
// string, used to cap how fast a single conversation can feed the pipeline.
package ratelimit

import (
	"sync"
	"time"
)

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// Limiter grants each key burst tokens, refilled continuously at
// burst per window.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	burst   int
	window  time.Duration
	now     func() time.Time

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// New creates a Limiter and starts its sweeper. Call Close to stop it.
func New(burst int, window time.Duration) *Limiter {
	return newWithClock(burst, window, time.Now)
}

func newWithClock(burst int, window time.Duration, now func() time.Time) *Limiter {
	if burst < 1 {
		burst = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	l := &Limiter{
		buckets: make(map[string]*bucket),
		burst:   burst,
		window:  window,
		now:     now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go l.sweep()
	return l
}

// Allow consumes one token for key and reports whether one was available.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &bucket{tokens: float64(l.burst - 1), lastCheck: now}
		return true
	}

	rate := float64(l.burst) / l.window.Seconds()
	b.tokens += now.Sub(b.lastCheck).Seconds() * rate
	if b.tokens > float64(l.burst) {
		b.tokens = float64(l.burst)
	}
	b.lastCheck = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Reset forgets key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// Len is the number of keys currently tracked.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Close stops the sweeper and waits for it to exit.
func (l *Limiter) Close() {
	l.once.Do(func() { close(l.stop) })
	<-l.done
}

func (l *Limiter) sweep() {
	defer close(l.done)
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.evictIdle()
		}
	}
}

// evictIdle drops buckets untouched for two windows; they would be full
// again anyway.
func (l *Limiter) evictIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-2 * l.window)
	for key, b := range l.buckets {
		if b.lastCheck.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}
