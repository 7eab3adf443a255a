// Package ratelimit throttles the out-of-band requests a run makes around
// the race window (token probes, balance snapshots). The race burst itself is
// deliberately unthrottled; tripping the target's limiter with housekeeping
// traffic would contaminate the measurement.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

type Limiter struct {
	limiter *rate.Limiter
}

// Config contains rate limiting configuration for ancillary requests.
type Config struct {
	RequestsPerSecond float64
	BurstSize         int
}

// DefaultConfig is conservative; probe traffic is never in a hurry.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 2.0,
		BurstSize:         2,
	}
}

func NewLimiter(config Config) *Limiter {
	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(config.RequestsPerSecond), config.BurstSize),
	}
}

// Wait blocks until the limiter allows the request or the context ends.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// Allow checks if a request is allowed without blocking.
func (l *Limiter) Allow() bool {
	return l.limiter.Allow()
}
