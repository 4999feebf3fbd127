package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Interval = 20 * time.Millisecond
	cfg.BackoffInitial = 5 * time.Millisecond
	cfg.BackoffMax = 40 * time.Millisecond
	return cfg
}

type countingTick struct {
	mu    sync.Mutex
	count int
	err   error
}

func (c *countingTick) run(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count++
	return c.err
}

func (c *countingTick) ticks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

func TestScheduler_FirstTickRunsImmediately(t *testing.T) {
	tick := &countingTick{}
	cfg := testConfig()
	cfg.Interval = time.Hour // only the immediate tick should fire

	sched, err := New(tick.run, cfg)
	require.NoError(t, err)

	require.NoError(t, sched.Start(context.Background()))
	defer func() { _ = sched.Stop() }()

	require.Eventually(t, func() bool { return tick.ticks() == 1 },
		time.Second, 5*time.Millisecond)

	assert.Equal(t, StateIdle, sched.State())
	assert.Equal(t, 1, sched.Stats().Ticks)
}

func TestScheduler_BacksOffOnFailure(t *testing.T) {
	tick := &countingTick{err: errors.New("store down")}

	var mu sync.Mutex
	transitions := make([]State, 0)
	cfg := testConfig()
	cfg.OnStateChange = func(from, to State) {
		mu.Lock()
		transitions = append(transitions, to)
		mu.Unlock()
	}

	sched, err := New(tick.run, cfg)
	require.NoError(t, err)

	require.NoError(t, sched.Start(context.Background()))
	defer func() { _ = sched.Stop() }()

	// The failing tick keeps being retried on the backoff curve.
	require.Eventually(t, func() bool { return tick.ticks() >= 2 },
		2*time.Second, 5*time.Millisecond)

	stats := sched.Stats()
	assert.GreaterOrEqual(t, stats.Failures, 2)
	assert.GreaterOrEqual(t, stats.ConsecutiveFailures, 2)
	assert.Contains(t, stats.LastError, "store down")

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, transitions, StateBackoff)
}

func TestScheduler_RecoveryResetsBackoff(t *testing.T) {
	tick := &countingTick{err: errors.New("store down")}

	sched, err := New(tick.run, testConfig())
	require.NoError(t, err)

	require.NoError(t, sched.Start(context.Background()))
	defer func() { _ = sched.Stop() }()

	require.Eventually(t, func() bool { return tick.ticks() >= 1 },
		time.Second, 5*time.Millisecond)

	tick.mu.Lock()
	tick.err = nil
	tick.mu.Unlock()

	require.Eventually(t, func() bool {
		stats := sched.Stats()
		return stats.ConsecutiveFailures == 0 && stats.Ticks > stats.Failures
	}, 2*time.Second, 5*time.Millisecond)

	assert.Empty(t, sched.Stats().LastError)
}

func TestScheduler_RunNowCoalesces(t *testing.T) {
	gate := make(chan struct{})
	var mu sync.Mutex
	count := 0
	tick := func(ctx context.Context) error {
		mu.Lock()
		count++
		mu.Unlock()
		<-gate
		return nil
	}
	ticks := func() int {
		mu.Lock()
		defer mu.Unlock()
		return count
	}

	cfg := testConfig()
	cfg.Interval = time.Hour

	sched, err := New(tick, cfg)
	require.NoError(t, err)
	require.NoError(t, sched.Start(context.Background()))

	// Immediate tick starts and blocks on the gate.
	require.Eventually(t, func() bool { return ticks() == 1 },
		time.Second, 5*time.Millisecond)

	// Three triggers while a tick is in flight collapse into one run.
	sched.RunNow()
	sched.RunNow()
	sched.RunNow()

	gate <- struct{}{}
	require.Eventually(t, func() bool { return ticks() == 2 },
		time.Second, 5*time.Millisecond)

	gate <- struct{}{}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, ticks())

	require.NoError(t, sched.Stop())
}

func TestScheduler_StopWaitsForInFlightTick(t *testing.T) {
	started := make(chan struct{})
	var mu sync.Mutex
	finished := false

	tick := func(ctx context.Context) error {
		close(started)
		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		finished = true
		mu.Unlock()
		return nil
	}

	cfg := testConfig()
	cfg.Interval = time.Hour

	sched, err := New(tick, cfg)
	require.NoError(t, err)
	require.NoError(t, sched.Start(context.Background()))

	<-started
	require.NoError(t, sched.Stop())

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, finished, "Stop returns only after the tick completed")
}

func TestScheduler_LifecycleErrors(t *testing.T) {
	sched, err := New(func(ctx context.Context) error { return nil }, testConfig())
	require.NoError(t, err)

	assert.ErrorIs(t, sched.Stop(), ErrNotRunning)

	require.NoError(t, sched.Start(context.Background()))
	assert.ErrorIs(t, sched.Start(context.Background()), ErrAlreadyRunning)
	assert.True(t, sched.IsRunning())

	require.NoError(t, sched.Stop())
	assert.False(t, sched.IsRunning())
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.Interval = 0
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.BackoffMax = bad.BackoffInitial / 2
	assert.Error(t, bad.Validate())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "ticking", StateTicking.String())
	assert.Equal(t, "backoff", StateBackoff.String())
}
