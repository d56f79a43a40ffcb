package server

import (
	"time"

	"golang.org/x/time/rate"
)

// newRateLimiter builds the per-connection bucket: Burst frames up front,
// refilled evenly so a full bucket takes RefillInterval to recover.
// Non-positive settings fall back to one frame per second.
func newRateLimiter(cfg RateLimitConfig) *rate.Limiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	interval := cfg.RefillInterval
	if interval <= 0 {
		interval = time.Second
	}
	return rate.NewLimiter(rate.Every(interval/time.Duration(burst)), burst)
}
