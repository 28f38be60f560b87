package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordingController(cfg Config) (*Controller, *[]time.Duration) {
	var delays []time.Duration
	c := New(cfg).WithSleeper(func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return ctx.Err()
	})
	return c, &delays
}

func TestBackoffGrowth(t *testing.T) {
	c, delays := recordingController(Config{MaxRetries: 3, BaseDelay: 2 * time.Second, Multiplier: 2})

	calls := 0
	errTransient := errors.New("connection reset")
	_, err := c.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return errTransient
	})

	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
	assert.False(t, fatal.Permanent)
	assert.Equal(t, 4, fatal.Attempts)
	assert.Equal(t, 4, calls)
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}, *delays)
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	c, delays := recordingController(Config{MaxRetries: 3, BaseDelay: time.Second, Multiplier: 2})

	calls := 0
	_, err := c.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return Permanent(errors.New("404 Not Found"))
	})

	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
	assert.True(t, fatal.Permanent)
	assert.Equal(t, 1, fatal.Attempts)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *delays)
}

func TestSuccessAfterTransientFailures(t *testing.T) {
	c, delays := recordingController(Config{MaxRetries: 3, BaseDelay: time.Second, Multiplier: 3})

	calls := 0
	outcome, err := c.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("502 Bad Gateway")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, outcome.Attempts)
	assert.Equal(t, []time.Duration{time.Second, 3 * time.Second}, *delays)
}

func TestAttemptTimeoutIsTransient(t *testing.T) {
	c, _ := recordingController(Config{MaxRetries: 2, BaseDelay: time.Millisecond, Multiplier: 2, Timeout: 10 * time.Millisecond})

	calls := 0
	_, err := c.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})

	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestParentCancellationStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := New(Config{MaxRetries: 5, BaseDelay: time.Hour, Multiplier: 2})

	calls := 0
	_, err := c.Execute(ctx, func(ctx context.Context) error {
		calls++
		cancel()
		return errors.New("boom")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestZeroRetries(t *testing.T) {
	c, delays := recordingController(Config{MaxRetries: 0, BaseDelay: time.Second, Multiplier: 2})

	_, err := c.Execute(context.Background(), func(ctx context.Context) error {
		return errors.New("timeout")
	})

	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, 1, fatal.Attempts)
	assert.Empty(t, *delays)
}

func TestPermanentNil(t *testing.T) {
	assert.NoError(t, Permanent(nil))
	assert.False(t, IsPermanent(errors.New("x")))
	assert.True(t, IsPermanent(Permanent(errors.New("x"))))
}
