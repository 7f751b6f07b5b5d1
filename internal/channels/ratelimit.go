package channels

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket guarding outbound control calls. It allows a
// burst up to capacity and refills at rate tokens per second.
type RateLimiter struct {
	rate       float64
	capacity   int
	tokens     float64
	lastRefill time.Time
	now        func() time.Time

	mu sync.Mutex
}

// NewRateLimiter creates a full bucket. A non-positive rate disables limiting.
func NewRateLimiter(rate float64, capacity int) *RateLimiter {
	if capacity < 1 {
		capacity = 1
	}
	return &RateLimiter{
		rate:       rate,
		capacity:   capacity,
		tokens:     float64(capacity),
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

// Wait blocks until a token is available or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	for {
		wait := r.reserve()
		if wait == 0 {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// WaitFor waits at most maxWait for a token and reports whether one was taken.
func (r *RateLimiter) WaitFor(ctx context.Context, maxWait time.Duration) bool {
	if maxWait <= 0 {
		return r.Allow()
	}
	waitCtx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()
	return r.Wait(waitCtx) == nil
}

// Allow takes a token if one is available.
func (r *RateLimiter) Allow() bool {
	return r.reserve() == 0
}

// Tokens returns the current number of available tokens.
func (r *RateLimiter) Tokens() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refill()
	return r.tokens
}

// reserve takes a token and returns 0, or returns how long until one is due.
func (r *RateLimiter) reserve() time.Duration {
	if r.rate <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill()
	if r.tokens >= 1 {
		r.tokens--
		return 0
	}
	missing := 1 - r.tokens
	return time.Duration(missing / r.rate * float64(time.Second))
}

// refill must be called with mu held.
func (r *RateLimiter) refill() {
	now := r.now()
	r.tokens += now.Sub(r.lastRefill).Seconds() * r.rate
	if r.tokens > float64(r.capacity) {
		r.tokens = float64(r.capacity)
	}
	r.lastRefill = now
}
