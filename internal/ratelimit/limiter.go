package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter paces outbound calls to a downstream API. A nil *Limiter or a
// non-positive rate never waits.
type Limiter struct {
	lim *rate.Limiter
}

// NewLimiter allows perSecond calls with the given burst. burst < 1 is
// raised to 1.
func NewLimiter(perSecond float64, burst int) *Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{lim: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Wait blocks until a call may proceed or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil || l.lim == nil {
		return ctx.Err()
	}
	return l.lim.Wait(ctx)
}
