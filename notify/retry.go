package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig bounds the retries of a failed send.
type RetryConfig struct {
	Attempts        int // total tries including the first; values below 1 mean 1
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Retry repeats transient send failures with exponential backoff.
type Retry struct {
	next Notifier
	cfg  RetryConfig
}

// NewRetry wraps next.
func NewRetry(next Notifier, cfg RetryConfig) *Retry {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 500 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 10 * time.Second
	}
	return &Retry{next: next, cfg: cfg}
}

// Send tries next until it succeeds, fails permanently, the attempts run out
// or ctx is done. The last error is returned.
func (r *Retry) Send(ctx context.Context, msg Message) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.cfg.InitialInterval
	eb.MaxInterval = r.cfg.MaxInterval
	eb.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(r.cfg.Attempts-1)), ctx)

	var last error
	op := func() error {
		err := r.next.Send(ctx, msg)
		if err == nil {
			return nil
		}
		last = err
		if !Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		slog.Warn("notification failed, retrying", "title", msg.Title, "wait", wait, "error", err)
	})
	if err != nil && last != nil {
		return last
	}
	return err
}
