package notify

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit spaces out sends to stay under a server's publishing limit.
type RateLimit struct {
	next    Notifier
	limiter *rate.Limiter
}

// NewRateLimit allows one send per interval with the given burst.
// A non-positive interval disables limiting.
func NewRateLimit(next Notifier, interval time.Duration, burst int) *RateLimit {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &RateLimit{next: next, limiter: rate.NewLimiter(limit, burst)}
}

// Send waits for a token, then delegates.
func (r *RateLimit) Send(ctx context.Context, msg Message) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	return r.next.Send(ctx, msg)
}
