// Package retry applies one bounded backoff policy at every external call
// boundary: embedding, vector store, reasoning, web search and URL fetch.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/fyrsmithlabs/knowd/internal/config"
)

// Policy is a bounded exponential backoff.
type Policy struct {
	// MaxAttempts counts the first call; 2 means one retry.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter is the randomization factor in [0, 1).
	Jitter float64
	// Retryable reports whether err is transient. Nil treats every error
	// except context cancellation as transient.
	Retryable func(error) bool
	// OnRetry is called before each sleep.
	OnRetry func(err error, delay time.Duration)
}

// Default is one retry, 500ms base, 4s cap, 25% jitter.
func Default() Policy {
	return Policy{
		MaxAttempts: 2,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    4 * time.Second,
		Jitter:      0.25,
	}
}

// FromConfig builds a Policy from the shared retry section.
func FromConfig(c config.RetryConfig) Policy {
	p := Default()
	if c.MaxAttempts > 0 {
		p.MaxAttempts = c.MaxAttempts
	}
	if c.BaseDelay > 0 {
		p.BaseDelay = c.BaseDelay
	}
	if c.MaxDelay > 0 {
		p.MaxDelay = c.MaxDelay
	}
	if c.Jitter > 0 && c.Jitter < 1 {
		p.Jitter = c.Jitter
	}
	return p
}

// WithRetryable returns a copy using classify as the transient-error test.
func (p Policy) WithRetryable(classify func(error) bool) Policy {
	p.Retryable = classify
	return p
}

// WithAttempts returns a copy with a different attempt budget.
func (p Policy) WithAttempts(n int) Policy {
	p.MaxAttempts = n
	return p
}

// Do runs op until it succeeds, returns a non-retryable error, the attempt
// budget is spent, or ctx is done. The last error from op is returned.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := Value(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = p.Jitter

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(attempts)),
	}
	if p.OnRetry != nil {
		opts = append(opts, backoff.WithNotify(p.OnRetry))
	}

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if !p.retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, opts...)
}

func (p Policy) retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if p.Retryable == nil {
		return true
	}
	return p.Retryable(err)
}
