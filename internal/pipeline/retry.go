package pipeline

import (
	"context"
	"time"

	"raffleBridge/internal/failure"
)

// RetryPolicy bounds attempts of a fallible step with a fixed pause between tries.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// DefaultRetryPolicy is used to construct account clients.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Backoff: 500 * time.Millisecond}
}

// Do runs fn until it succeeds, the attempts run out or ctx is done.
// A classified failure that is not retryable is returned at once.
func (p RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if attempt >= attempts || !retryable(err) {
			return err
		}
		if p.Backoff <= 0 {
			continue
		}

		timer := time.NewTimer(p.Backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func retryable(err error) bool {
	kind := failure.KindOf(err)
	return kind == failure.KindUnknown || kind.Retryable()
}
