package auth

import (
	"sync"
	"time"
)

// RateLimiter implements per-key rate limiting using a token bucket.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
	rate    int
	window  time.Duration
	now     func() time.Time
}

type tokenBucket struct {
	tokens   int
	lastFill time.Time
}

// NewRateLimiter allows ratePerWindow requests per key per window unless a
// call supplies its own rate.
func NewRateLimiter(ratePerWindow int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		buckets: make(map[string]*tokenBucket),
		rate:    ratePerWindow,
		window:  window,
		now:     time.Now,
	}
}

// Allow consumes one token for key. A non-positive rate falls back to the
// limiter default. When denied it returns how long to wait for one token.
func (rl *RateLimiter) Allow(key string, rate int) (bool, time.Duration) {
	if rate <= 0 {
		rate = rl.rate
	}
	if rate <= 0 {
		return true, 0
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	bucket, ok := rl.buckets[key]
	if !ok {
		rl.buckets[key] = &tokenBucket{tokens: rate - 1, lastFill: now}
		return true, 0
	}

	perToken := max(rl.window/time.Duration(rate), time.Nanosecond)
	if refill := int(now.Sub(bucket.lastFill) / perToken); refill > 0 {
		bucket.tokens = min(rate, bucket.tokens+refill)
		bucket.lastFill = bucket.lastFill.Add(time.Duration(refill) * perToken)
	}
	if bucket.tokens > 0 {
		bucket.tokens--
		return true, 0
	}
	return false, perToken - now.Sub(bucket.lastFill)
}

// Reset forgets the bucket for key.
func (rl *RateLimiter) Reset(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.buckets, key)
}
