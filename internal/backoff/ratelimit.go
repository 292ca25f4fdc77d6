package backoff

import (
	"context"
	"errors"

	"golang.org/x/time/rate"
)

// ErrRateLimitExceeded is returned by non-blocking acquisition when the
// bucket is empty.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// RateLimiter is a token bucket: capacity tokens refilled at a sustained
// per-second rate. Wait suspends the caller until a token is available.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter creates a bucket with the given sustained rate and burst
// capacity.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// GQLLimiter returns the bucket configured for GraphQL traffic.
func GQLLimiter() *RateLimiter {
	return NewRateLimiter(20, 40)
}

// HTTPLimiter returns the bucket configured for general HTTP traffic.
func HTTPLimiter() *RateLimiter {
	return NewRateLimiter(10, 20)
}

// Wait blocks until a token is available or the context is cancelled.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// Allow takes a token without blocking. It returns ErrRateLimitExceeded
// when the bucket is empty.
func (r *RateLimiter) Allow() error {
	if !r.limiter.Allow() {
		return ErrRateLimitExceeded
	}
	return nil
}
