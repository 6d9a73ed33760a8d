package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emperorhan/pixelboard/internal/metrics"
	"golang.org/x/time/rate"
)

// ErrNoToken is returned when the bucket can never grant a single call.
var ErrNoToken = errors.New("rate limit: bucket cannot grant a call")

// Limiter paces outgoing JSON-RPC calls to one endpoint with a token bucket.
type Limiter struct {
	bucket   *rate.Limiter
	endpoint string
	now      func() time.Time
}

// NewLimiter allows rps calls per second with bursts of up to burst calls.
func NewLimiter(rps float64, burst int, endpoint string) *Limiter {
	return &Limiter{
		bucket:   rate.NewLimiter(rate.Limit(rps), max(burst, 1)),
		endpoint: endpoint,
		now:      time.Now,
	}
}

// Acquire takes one token, sleeping until it is due, and returns how long it
// slept. When the token would only be due after ctx's deadline, Acquire
// gives the token back and fails at once with context.DeadlineExceeded.
func (l *Limiter) Acquire(ctx context.Context) (time.Duration, error) {
	now := l.now()
	r := l.bucket.ReserveN(now, 1)
	if !r.OK() {
		return 0, ErrNoToken
	}
	delay := r.DelayFrom(now)
	if delay <= 0 {
		return 0, nil
	}
	if deadline, ok := ctx.Deadline(); ok && deadline.Before(now.Add(delay)) {
		r.CancelAt(now)
		return 0, fmt.Errorf("rate limit: next call due in %s: %w", delay, context.DeadlineExceeded)
	}

	metrics.RPCRateLimitWaits.WithLabelValues(l.endpoint).Inc()
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return delay, nil
	case <-ctx.Done():
		r.Cancel()
		return 0, ctx.Err()
	}
}
