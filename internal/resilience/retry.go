package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy configures bounded exponential-backoff retries. The wait before
// attempt k+1 is min(MinTimeout * 2^(k-1), MaxTimeout), so the total
// wall-clock wait never exceeds (Retries-1) * MaxTimeout.
type Policy struct {
	// Retries bounds the number of invocations, not the number of waits.
	Retries    int
	MinTimeout time.Duration
	MaxTimeout time.Duration
	// OnRetry is invoked after each failed attempt except the last. It is
	// observational only; panics are swallowed so a diagnostics hook can
	// never alter retry control flow.
	OnRetry func(err error, attempt int)
}

// retryable is implemented by errors that know whether retrying can help.
// Errors without a classification are treated as transient.
type retryable interface {
	Retryable() bool
}

// IsRetryable reports whether the error chain permits another attempt.
func IsRetryable(err error) bool {
	var rc retryable
	if errors.As(err, &rc) {
		return rc.Retryable()
	}
	return true
}

// Permanent marks err as non-retryable regardless of its classification.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do invokes op until it succeeds, the attempt budget is exhausted or a
// permanent error is observed. The last observed error is returned with its
// identity intact, so callers can keep matching with errors.Is/As.
func Do[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, error) {
	retries := p.Retries
	if retries <= 0 {
		retries = 1
	}
	minTimeout := p.MinTimeout
	if minTimeout <= 0 {
		minTimeout = 500 * time.Millisecond
	}
	maxTimeout := p.MaxTimeout
	if maxTimeout < minTimeout {
		maxTimeout = minTimeout
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = minTimeout
	bo.MaxInterval = maxTimeout
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	attempt := 0
	operation := func() (T, error) {
		attempt++
		v, err := op(ctx)
		if err != nil && !IsRetryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}
	notify := func(err error, _ time.Duration) {
		if p.OnRetry == nil {
			return
		}
		func() {
			defer func() { _ = recover() }()
			p.OnRetry(err, attempt)
		}()
	}
	return backoff.RetryNotifyWithData(
		operation,
		backoff.WithContext(backoff.WithMaxRetries(bo, uint64(retries-1)), ctx),
		notify,
	)
}
