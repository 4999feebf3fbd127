package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func fail(ctx context.Context) error    { return errBoom }
func succeed(ctx context.Context) error { return nil }

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := New("test", WithFailureThreshold(3))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := cb.Execute(ctx, fail)
		assert.Equal(t, errBoom, err)
	}

	assert.Equal(t, StateOpen, cb.State())

	// Requests are now blocked without touching the function.
	called := false
	err := cb.Execute(ctx, func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := New("test", WithFailureThreshold(3))
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	require.NoError(t, cb.Execute(ctx, succeed))
	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)

	assert.Equal(t, StateClosed, cb.State(), "interleaved successes keep the circuit closed")
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb := New("test",
		WithFailureThreshold(2),
		WithSuccessThreshold(1),
		WithTimeout(10*time.Millisecond),
	)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(15 * time.Millisecond)

	// First request after the timeout probes the channel and closes on
	// success.
	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := New("test",
		WithFailureThreshold(2),
		WithTimeout(10*time.Millisecond),
	)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(15 * time.Millisecond)

	err := cb.Execute(ctx, fail)
	assert.Equal(t, errBoom, err)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	type transition struct{ from, to State }
	transitions := make([]transition, 0)

	cb := New("telegram",
		WithFailureThreshold(1),
		WithSuccessThreshold(1),
		WithTimeout(5*time.Millisecond),
		WithOnStateChange(func(name string, from, to State) {
			assert.Equal(t, "telegram", name)
			transitions = append(transitions, transition{from, to})
		}),
	)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, cb.Execute(ctx, succeed))

	require.Len(t, transitions, 3)
	assert.Equal(t, transition{StateClosed, StateOpen}, transitions[0])
	assert.Equal(t, transition{StateOpen, StateHalfOpen}, transitions[1])
	assert.Equal(t, transition{StateHalfOpen, StateClosed}, transitions[2])
}

func TestCircuitBreaker_IsFailurePredicate(t *testing.T) {
	benign := errors.New("chat not found")

	cb := New("test",
		WithFailureThreshold(1),
		WithIsFailure(func(err error) bool { return !errors.Is(err, benign) }),
	)
	ctx := context.Background()

	// Errors the predicate rejects do not trip the breaker.
	_ = cb.Execute(ctx, func(ctx context.Context) error { return benign })
	assert.Equal(t, StateClosed, cb.State())

	_ = cb.Execute(ctx, fail)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_Counts(t *testing.T) {
	cb := New("test", WithFailureThreshold(10))
	ctx := context.Background()

	_ = cb.Execute(ctx, succeed)
	_ = cb.Execute(ctx, succeed)
	_ = cb.Execute(ctx, fail)

	counts := cb.Counts()
	assert.Equal(t, 3, counts.Requests)
	assert.Equal(t, 2, counts.TotalSuccesses)
	assert.Equal(t, 1, counts.TotalFailures)
	assert.Equal(t, 1, counts.ConsecutiveFailures)
}
