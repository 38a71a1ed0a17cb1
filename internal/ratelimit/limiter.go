// Package ratelimit follows the VU schedule of a load run and caps the
// request rate of the current stage.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter caps how often VUs start iterations, shared by all of them.
// A rate of 0 lifts the cap. A nil RateLimiter never blocks.
type RateLimiter struct {
	lim *rate.Limiter
}

func NewRateLimiter(rps int) *RateLimiter {
	if rps < 0 {
		rps = 0
	}
	return &RateLimiter{lim: rate.NewLimiter(rate.Limit(rps), rps)}
}

// Wait blocks until the next iteration may start or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r.Rate() == 0 {
		return nil
	}
	return r.lim.Wait(ctx)
}

// SetRate changes the cap. The burst follows the rate so a stage may start
// one second's worth of iterations at once.
func (r *RateLimiter) SetRate(rps int) {
	if r == nil || rps == r.Rate() {
		return
	}
	if rps <= 0 {
		r.lim.SetLimit(0)
		return
	}
	r.lim.SetBurst(rps)
	r.lim.SetLimit(rate.Limit(rps))
}

// Rate returns the current cap in iterations per second, 0 when uncapped.
func (r *RateLimiter) Rate() int {
	if r == nil {
		return 0
	}
	return int(r.lim.Limit())
}
