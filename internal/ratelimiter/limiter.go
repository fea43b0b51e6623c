package ratelimiter

import (
	"context"

	"golang.org/x/time/rate"
)

// SendLimiter paces batch sends to the remote endpoint with a token bucket.
// It enforces a steady-state rate (e.g. 20 sends/sec). Burst is set equal
// to the rate so no extra burst capacity is allowed beyond the configured
// per-second maximum — a flush of many queued batches or a thundering herd
// of due retries drains out at the endpoint's pace instead of all at once.
type SendLimiter struct {
	limiter *rate.Limiter
}

// New creates a SendLimiter granting ratePerSec sends per second.
func New(ratePerSec int) *SendLimiter {
	r := rate.Limit(ratePerSec)
	burst := ratePerSec // burst == rate: prevents any "saved up" burst above the limit

	return &SendLimiter{limiter: rate.NewLimiter(r, burst)}
}

// Wait blocks until the limiter grants a token.
// Called immediately before each Transport.Send.
// Returns a non-nil error only if ctx is cancelled while waiting.
func (sl *SendLimiter) Wait(ctx context.Context) error {
	return sl.limiter.Wait(ctx)
}
