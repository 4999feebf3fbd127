package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo_SucceedsAfterRetries(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return Retryable(errors.New("transient"))
		}
		return nil
	},
		WithMaxAttempts(5),
		WithInitialDelay(time.Millisecond),
		WithJitter(0),
	)

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDo_PermanentErrorStopsImmediately(t *testing.T) {
	sentinel := errors.New("bad request")
	attempts := 0

	err := Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return Permanent(sentinel)
	}, WithMaxAttempts(5), WithInitialDelay(time.Millisecond))

	assert.Equal(t, 1, attempts)
	assert.Equal(t, sentinel, err)
}

func TestDo_NonRetryableErrorStops(t *testing.T) {
	attempts := 0
	plain := errors.New("not wrapped")

	err := Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return plain
	}, WithMaxAttempts(5), WithInitialDelay(time.Millisecond))

	assert.Equal(t, 1, attempts)
	assert.Equal(t, plain, err)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	attempts := 0
	transient := errors.New("still down")

	err := Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return Retryable(transient)
	}, WithMaxAttempts(3), WithInitialDelay(time.Millisecond), WithJitter(0))

	assert.Equal(t, 3, attempts)
	assert.Equal(t, transient, err)
}

func TestDo_RetryIfOverridesClassification(t *testing.T) {
	attempts := 0

	err := Do(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 2 {
			return errors.New("plain but retryable per predicate")
		}
		return nil
	},
		WithMaxAttempts(3),
		WithInitialDelay(time.Millisecond),
		WithJitter(0),
		WithRetryIf(func(err error) bool { return true }),
	)

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestDo_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	attempts := 0
	err := Do(ctx, func(ctx context.Context) error {
		attempts++
		cancel()
		return Retryable(errors.New("transient"))
	}, WithMaxAttempts(5), WithInitialDelay(50*time.Millisecond))

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestDelayFor_ExponentialCurve(t *testing.T) {
	r := New(
		WithInitialDelay(100*time.Millisecond),
		WithMultiplier(2.0),
		WithMaxDelay(time.Second),
		WithJitter(0),
	)

	assert.Equal(t, 100*time.Millisecond, r.DelayFor(1))
	assert.Equal(t, 200*time.Millisecond, r.DelayFor(2))
	assert.Equal(t, 400*time.Millisecond, r.DelayFor(3))
	assert.Equal(t, 800*time.Millisecond, r.DelayFor(4))
	assert.Equal(t, time.Second, r.DelayFor(5), "capped at max delay")
	assert.Equal(t, time.Second, r.DelayFor(10))
}

func TestDelayFor_JitterStaysInBounds(t *testing.T) {
	r := New(
		WithInitialDelay(100*time.Millisecond),
		WithMultiplier(2.0),
		WithMaxDelay(time.Second),
		WithJitter(0.1),
	)

	for i := 0; i < 100; i++ {
		d := r.DelayFor(2)
		assert.GreaterOrEqual(t, d, 180*time.Millisecond)
		assert.LessOrEqual(t, d, 220*time.Millisecond)
	}
}

func TestOnRetryCallback(t *testing.T) {
	calls := 0

	_ = Do(context.Background(), func(ctx context.Context) error {
		return Retryable(errors.New("transient"))
	},
		WithMaxAttempts(3),
		WithInitialDelay(time.Millisecond),
		WithJitter(0),
		WithOnRetry(func(attempt int, err error, delay time.Duration) {
			calls++
		}),
	)

	// Two retries after the first attempt.
	assert.Equal(t, 2, calls)
}

func TestDatabaseRetrier_RetriesPlainErrors(t *testing.T) {
	attempts := 0

	err := DatabaseRetrier().Do(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("connection refused")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestTelegramRetrier_StopsOnPermanent(t *testing.T) {
	attempts := 0

	err := TelegramRetrier().Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return Permanent(errors.New("unauthorized"))
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestErrorWrappers(t *testing.T) {
	base := errors.New("base")

	assert.True(t, IsRetryable(Retryable(base)))
	assert.False(t, IsRetryable(base))
	assert.True(t, IsPermanent(Permanent(base)))
	assert.False(t, IsPermanent(Retryable(base)))

	assert.Nil(t, Retryable(nil))
	assert.Nil(t, Permanent(nil))

	assert.True(t, errors.Is(Retryable(base), base))
	assert.True(t, errors.Is(Permanent(base), base))
}
