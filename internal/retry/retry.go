// Package retry runs bounded exponential-backoff retries for transient
// storage, publish and cache failures.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy bounds a retry loop. Attempts counts the first try.
type Policy struct {
	Attempts uint
	Initial  time.Duration
	Max      time.Duration
}

var Default = Policy{Attempts: 4, Initial: 50 * time.Millisecond, Max: time.Second}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.Initial > 0 {
		b.InitialInterval = p.Initial
	}
	if p.Max > 0 {
		b.MaxInterval = p.Max
	}
	return b
}

// Do runs op until it succeeds, returns an error for which retryable is
// false, the attempts are exhausted or ctx is done. The last error stays
// matchable with errors.Is. onRetry, if set, sees every failure that is retried.
func Do[T any](ctx context.Context, p Policy, retryable func(error) bool, onRetry func(error, time.Duration), op func() (T, error)) (T, error) {
	attempts := p.Attempts
	if attempts == 0 {
		attempts = 1
	}
	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(attempts),
		backoff.WithMaxElapsedTime(0),
	}
	if onRetry != nil {
		opts = append(opts, backoff.WithNotify(onRetry))
	}
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && retryable != nil && !retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, opts...)
}
