package helpers

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds retried read-only calls.
type RetryPolicy struct {
	MaxRetries      int
	AttemptTimeout  time.Duration
	InitialInterval time.Duration
	MaxElapsed      time.Duration
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Retry runs op with an exponential backoff. Every attempt gets its own
// deadline derived from ctx. Context cancellation stops retries.
func Retry(ctx context.Context, p RetryPolicy, op func(ctx context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		bo.InitialInterval = p.InitialInterval
	}
	bo.MaxElapsedTime = p.MaxElapsed
	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(retries)), ctx)

	return backoff.Retry(func() error {
		attemptCtx := ctx
		if p.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
			defer cancel()
		}
		err := op(attemptCtx)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(errors.Join(err, ctx.Err()))
		}
		return err
	}, policy)
}
