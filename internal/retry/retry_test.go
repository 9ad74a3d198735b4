package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fyrsmithlabs/knowd/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestDo_SucceedsAfterRetry(t *testing.T) {
	calls := 0
	err := fastPolicy(2).Do(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestDo_ExhaustsBudget(t *testing.T) {
	calls := 0
	err := fastPolicy(2).Do(context.Background(), func(context.Context) error {
		calls++
		return errTransient
	})
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 2, calls)
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	errAuth := errors.New("auth")
	p := fastPolicy(5).WithRetryable(func(err error) bool { return !errors.Is(err, errAuth) })

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return errAuth
	})
	assert.ErrorIs(t, err, errAuth)
	assert.Equal(t, 1, calls)
}

func TestDo_OnRetry(t *testing.T) {
	var delays []time.Duration
	p := fastPolicy(3)
	p.OnRetry = func(_ error, d time.Duration) { delays = append(delays, d) }

	_ = p.Do(context.Background(), func(context.Context) error { return errTransient })
	assert.Len(t, delays, 2)
}

func TestValue(t *testing.T) {
	calls := 0
	v, err := Value(context.Background(), fastPolicy(3), func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errTransient
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestFromConfig(t *testing.T) {
	p := FromConfig(config.RetryConfig{MaxAttempts: 4, BaseDelay: time.Second})
	assert.Equal(t, 4, p.MaxAttempts)
	assert.Equal(t, time.Second, p.BaseDelay)
	assert.Equal(t, 4*time.Second, p.MaxDelay)
	assert.InDelta(t, 0.25, p.Jitter, 1e-9)

	assert.Equal(t, 2, FromConfig(config.RetryConfig{}).MaxAttempts)
}
