package agent

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket for throttling dispatches to the agent host.
type RateLimiter struct {
	mu       sync.Mutex
	tokens   float64
	max      float64
	rate     float64 // tokens per second
	lastTime time.Time
}

func NewRateLimiter(maxBurst int, ratePerMinute float64) *RateLimiter {
	if maxBurst <= 0 {
		maxBurst = 10
	}
	if ratePerMinute <= 0 {
		ratePerMinute = 30 // 30 dispatches per minute default
	}
	return &RateLimiter{
		tokens:   float64(maxBurst),
		max:      float64(maxBurst),
		rate:     ratePerMinute / 60.0, // Convert to per-second
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		rl.mu.Lock()
		now := time.Now()
		rl.refill(now)

		if rl.tokens >= 1.0 {
			rl.tokens -= 1.0
			rl.mu.Unlock()
			return nil
		}

		waitSec := (1.0 - rl.tokens) / rl.rate
		rl.mu.Unlock()

		timer := time.NewTimer(time.Duration(waitSec * float64(time.Second)))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// full reports whether the bucket has refilled completely, i.e. it has been
// idle long enough to be forgotten.
func (rl *RateLimiter) full(now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.refill(now)
	return rl.tokens >= rl.max
}

func (rl *RateLimiter) refill(now time.Time) {
	elapsed := now.Sub(rl.lastTime).Seconds()
	rl.tokens += elapsed * rl.rate
	if rl.tokens > rl.max {
		rl.tokens = rl.max
	}
	rl.lastTime = now
}

// SessionLimiter keeps one bucket per agent session so a single busy
// conversation cannot starve the others.
type SessionLimiter struct {
	mu            sync.Mutex
	buckets       map[string]*RateLimiter
	burst         int
	ratePerMinute float64
}

func NewSessionLimiter(maxBurst int, ratePerMinute float64) *SessionLimiter {
	return &SessionLimiter{
		buckets:       make(map[string]*RateLimiter),
		burst:         maxBurst,
		ratePerMinute: ratePerMinute,
	}
}

// Wait takes a token from the bucket for sessionKey.
func (s *SessionLimiter) Wait(ctx context.Context, sessionKey string) error {
	s.mu.Lock()
	rl, ok := s.buckets[sessionKey]
	if !ok {
		rl = NewRateLimiter(s.burst, s.ratePerMinute)
		s.buckets[sessionKey] = rl
	}
	s.mu.Unlock()
	return rl.Wait(ctx)
}

// Prune drops buckets that are back at full capacity and returns how many
// sessions are still tracked.
func (s *SessionLimiter) Prune() int {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, rl := range s.buckets {
		if rl.full(now) {
			delete(s.buckets, key)
		}
	}
	return len(s.buckets)
}
