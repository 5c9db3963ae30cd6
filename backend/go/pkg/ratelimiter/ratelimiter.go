package ratelimiter

import "golang.org/x/time/rate"

// RateLimiter decides whether one more request may proceed now.
type RateLimiter interface {
	Allow() bool
}

// TokenBucket is a RateLimiter backed by golang.org/x/time/rate.
// It allows bursts up to the bucket capacity.
type TokenBucket struct {
	limiter *rate.Limiter
}

// NewTokenBucket creates a bucket refilled at ratePerSecond tokens per second
// holding at most burst tokens. The bucket starts full.
func NewTokenBucket(ratePerSecond float64, burst int) *TokenBucket {
	if burst < 1 {
		burst = 1
	}
	return &TokenBucket{limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
}

// Allow consumes one token if available.
func (tb *TokenBucket) Allow() bool {
	return tb.limiter.Allow()
}

// Unlimited never rejects.
type Unlimited struct{}

// Allow always returns true.
func (Unlimited) Allow() bool { return true }
