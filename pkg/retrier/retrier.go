// Package retrier runs fallible operations a bounded number of times with
// capped exponential backoff. It knows nothing about what it retries.
package retrier

import (
	"context"
	"errors"
	"github.com/sethvargo/go-retry"
	"github/martinmaurice/spoolr/pkg/config"
	"time"
)

type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func FromConfig(cfg config.RetryConfig) Policy {
	return Policy{
		Attempts:  cfg.Attempts,
		BaseDelay: cfg.BaseDelay,
		MaxDelay:  cfg.MaxDelay,
	}
}

type Operation func(ctx context.Context) error

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error as is.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type Retrier struct {
	// IsPermanent lets callers classify errors without wrapping them.
	IsPermanent func(err error) bool
	// OnRetry is called before each backoff sleep with the attempt that just failed.
	OnRetry func(attempt int, err error)
}

// Do runs op up to policy.Attempts times. The delay before the second attempt
// is BaseDelay and doubles afterwards up to MaxDelay. There is no sleep after
// the last attempt. The last error is returned unchanged.
func (r *Retrier) Do(ctx context.Context, policy Policy, op Operation) error {
	attempt := 0
	err := retry.Do(ctx, newBackoff(policy), func(ctx context.Context) error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if r != nil && r.IsPermanent != nil && r.IsPermanent(err) {
			return err
		}

		if attempt < policy.Attempts && r != nil && r.OnRetry != nil {
			r.OnRetry(attempt, err)
		}
		return retry.RetryableError(err)
	})

	return err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, r *Retrier, policy Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := r.Do(ctx, policy, func(ctx context.Context) error {
		value, err := op(ctx)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	return result, err
}

func newBackoff(policy Policy) retry.Backoff {
	attempts := max(1, policy.Attempts)
	base := policy.BaseDelay
	if base <= 0 {
		// go-retry rejects a zero base; a nanosecond is as good as no delay.
		base = time.Nanosecond
	}
	maxDelay := max(policy.MaxDelay, base)

	backoff := retry.NewExponential(base)
	backoff = retry.WithCappedDuration(maxDelay, backoff)
	return retry.WithMaxRetries(uint64(attempts-1), backoff)
}
