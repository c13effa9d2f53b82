package server

import "golang.org/x/time/rate"

// newLimiter returns a token bucket refilled at cfg.PerSecond commands per
// second holding up to cfg.Burst tokens, or nil when flood control is off.
func newLimiter(cfg RateLimitConfig) *rate.Limiter {
	if cfg.PerSecond <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.PerSecond), burst)
}
